package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	redisipc "github.com/sofatutor/redis-ipc"
)

type pruneCall struct {
	group   string
	maxIdle time.Duration
}

// fakeInspector feeds canned stream state into buildReport.
type fakeInspector struct {
	length    int64
	lenErr    error
	groups    []redisipc.GroupInfo
	groupsErr error
	consumers map[string]map[string]redisipc.ConsumerStat
	available map[string]map[string][]string
	pruned    int
	prunes    []pruneCall
}

func (f *fakeInspector) Len(ctx context.Context) (int64, error) {
	return f.length, f.lenErr
}

func (f *fakeInspector) Groups(ctx context.Context) ([]redisipc.GroupInfo, error) {
	return f.groups, f.groupsErr
}

func (f *fakeInspector) Consumers(ctx context.Context, group string) (map[string]redisipc.ConsumerStat, error) {
	return f.consumers[group], nil
}

func (f *fakeInspector) PruneConsumers(ctx context.Context, group string, maxIdle time.Duration) (int, error) {
	f.prunes = append(f.prunes, pruneCall{group: group, maxIdle: maxIdle})
	return f.pruned, nil
}

func (f *fakeInspector) Available(ctx context.Context, group string) (map[string][]string, error) {
	return f.available[group], nil
}

func newFakeInspector() *fakeInspector {
	return &fakeInspector{
		length: 3,
		groups: []redisipc.GroupInfo{
			{Name: "child", Consumers: 2, Pending: 2},
			{Name: "parent", Consumers: 0, Pending: 0},
		},
		consumers: map[string]map[string]redisipc.ConsumerStat{
			"child": {
				"abc-worker-1": {Name: "abc-worker-1", Pending: 2, Idle: 1500 * time.Millisecond},
				"abc-worker-0": {Name: "abc-worker-0", Pending: 0, Idle: 250 * time.Millisecond},
			},
		},
		available: map[string]map[string][]string{
			"child": {"abc": {"abc-worker-0", "abc-worker-1"}},
		},
	}
}

func TestBuildReport(t *testing.T) {
	fake := newFakeInspector()
	report, err := buildReport(context.Background(), fake, "ipc", "", 0)
	if err != nil {
		t.Fatalf("buildReport returned error: %v", err)
	}

	if report.Stream != "ipc" || report.Length != 3 {
		t.Errorf("report header = %q/%d, want ipc/3", report.Stream, report.Length)
	}
	if len(report.Groups) != 2 {
		t.Fatalf("Groups = %+v, want two groups", report.Groups)
	}

	child := report.Groups[0]
	if child.Name != "child" || child.Pending != 2 {
		t.Errorf("child group = %+v, want 2 pending", child)
	}
	if len(child.Consumers) != 2 {
		t.Fatalf("child consumers = %+v, want two", child.Consumers)
	}
	// Sorted by name.
	if child.Consumers[0].Name != "abc-worker-0" || child.Consumers[1].Name != "abc-worker-1" {
		t.Errorf("consumers not sorted: %+v", child.Consumers)
	}
	if child.Consumers[0].Idle != "250ms" || child.Consumers[1].Idle != "1.5s" {
		t.Errorf("idle strings = %q, %q; want 250ms, 1.5s", child.Consumers[0].Idle, child.Consumers[1].Idle)
	}
	if len(child.Available["abc"]) != 2 {
		t.Errorf("availability = %+v, want two workers under abc", child.Available)
	}

	if len(fake.prunes) != 0 {
		t.Errorf("prune ran without being requested: %+v", fake.prunes)
	}
	if report.Groups[1].Pruned != 0 || len(report.Groups[1].Consumers) != 0 {
		t.Errorf("parent group = %+v, want empty", report.Groups[1])
	}
}

func TestBuildReportFiltersGroup(t *testing.T) {
	fake := newFakeInspector()
	report, err := buildReport(context.Background(), fake, "ipc", "parent", 0)
	if err != nil {
		t.Fatalf("buildReport returned error: %v", err)
	}
	if len(report.Groups) != 1 || report.Groups[0].Name != "parent" {
		t.Errorf("Groups = %+v, want only parent", report.Groups)
	}
}

func TestBuildReportPrunes(t *testing.T) {
	fake := newFakeInspector()
	fake.pruned = 1

	report, err := buildReport(context.Background(), fake, "ipc", "", 5*time.Minute)
	if err != nil {
		t.Fatalf("buildReport returned error: %v", err)
	}

	if len(fake.prunes) != 2 {
		t.Fatalf("prune calls = %+v, want one per group", fake.prunes)
	}
	for _, call := range fake.prunes {
		if call.maxIdle != 5*time.Minute {
			t.Errorf("prune maxIdle = %s, want 5m", call.maxIdle)
		}
	}
	if report.Groups[0].Pruned != 1 {
		t.Errorf("child Pruned = %d, want 1", report.Groups[0].Pruned)
	}
}

func TestBuildReportPropagatesErrors(t *testing.T) {
	fake := newFakeInspector()
	fake.lenErr = errors.New("connection refused")
	if _, err := buildReport(context.Background(), fake, "ipc", "", 0); !errors.Is(err, fake.lenErr) {
		t.Errorf("buildReport = %v, want length error", err)
	}

	fake = newFakeInspector()
	fake.groupsErr = errors.New("connection refused")
	if _, err := buildReport(context.Background(), fake, "ipc", "", 0); !errors.Is(err, fake.groupsErr) {
		t.Errorf("buildReport = %v, want groups error", err)
	}
}

func TestPrintReport(t *testing.T) {
	fake := newFakeInspector()
	report, err := buildReport(context.Background(), fake, "ipc", "", 0)
	if err != nil {
		t.Fatalf("buildReport returned error: %v", err)
	}

	var buf bytes.Buffer
	printReport(&buf, report)
	out := buf.String()

	for _, want := range []string{
		"Stream ipc: 3 entries",
		"Group child: 2 pending",
		"CONSUMER",
		"abc-worker-0",
		"instance abc: 2 available (abc-worker-0, abc-worker-1)",
		"Group parent: 0 pending",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintReportEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, inspectReport{Stream: "ipc"})
	if !strings.Contains(buf.String(), "No consumer groups.") {
		t.Errorf("output = %q, want empty-stream notice", buf.String())
	}
}

func TestInspectConnectFailure(t *testing.T) {
	resetFlags(t)
	clearCommandEnv(t)

	envFile = missingEnvFile(t)
	configFile = ""
	redisAddr = "127.0.0.1:1"

	err := runInspect(inspectCmd, nil)
	if err == nil || !strings.Contains(err.Error(), "failed to connect") {
		t.Fatalf("runInspect = %v, want connect error", err)
	}
}
