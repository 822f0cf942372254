package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	redisipc "github.com/sofatutor/redis-ipc"
)

// fakeRequester answers SendToGroup from a canned script.
type fakeRequester struct {
	calls  atomic.Int64
	answer func(n int64) (redisipc.Response, error)
}

func (f *fakeRequester) SendToGroup(ctx context.Context, content, to string) (redisipc.Response, error) {
	n := f.calls.Add(1)
	return f.answer(n)
}

func TestRunLoad(t *testing.T) {
	fake := &fakeRequester{answer: func(n int64) (redisipc.Response, error) {
		return redisipc.Fulfilled("pong"), nil
	}}

	outcomes := runLoad(context.Background(), fake, "echo", "ping", 10, 3)

	if len(outcomes) != 10 {
		t.Fatalf("outcomes = %d, want 10", len(outcomes))
	}
	if got := fake.calls.Load(); got != 10 {
		t.Errorf("SendToGroup calls = %d, want 10", got)
	}
	for i, o := range outcomes {
		if o.Err != nil {
			t.Errorf("outcome %d failed: %v", i, o.Err)
		}
	}
}

func TestRunLoadCountsFailures(t *testing.T) {
	fake := &fakeRequester{answer: func(n int64) (redisipc.Response, error) {
		switch {
		case n%4 == 0:
			return redisipc.Response{}, errors.New("transport down")
		case n%4 == 1:
			return redisipc.RejectedErr(redisipc.ErrTimeout), nil
		case n%4 == 2:
			return redisipc.Rejected("busy"), nil
		default:
			return redisipc.Fulfilled("pong"), nil
		}
	}}

	outcomes := runLoad(context.Background(), fake, "echo", "ping", 8, 2)

	failures := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failures++
		}
	}
	// Calls 1..8: only n%4 == 3 succeeds, twice.
	if failures != 6 {
		t.Errorf("failures = %d, want 6", failures)
	}
}

func TestSummarize(t *testing.T) {
	outcomes := []benchOutcome{
		{Latency: 30 * time.Millisecond},
		{Latency: 10 * time.Millisecond},
		{Latency: 40 * time.Millisecond},
		{Latency: 20 * time.Millisecond},
		{Latency: 5 * time.Millisecond, Err: errors.New("rejected")},
	}

	sum := summarize(outcomes, time.Second)

	if sum.Count != 5 || sum.Failures != 1 {
		t.Errorf("count/failures = %d/%d, want 5/1", sum.Count, sum.Failures)
	}
	if sum.Throughput != 5.0 {
		t.Errorf("throughput = %v, want 5.0", sum.Throughput)
	}
	if sum.Min != 10*time.Millisecond || sum.Max != 40*time.Millisecond {
		t.Errorf("min/max = %s/%s, want 10ms/40ms", sum.Min, sum.Max)
	}
	if sum.Avg != 25*time.Millisecond {
		t.Errorf("avg = %s, want 25ms", sum.Avg)
	}
	if sum.P50 != 20*time.Millisecond {
		t.Errorf("p50 = %s, want 20ms", sum.P50)
	}
	if sum.P95 != 40*time.Millisecond {
		t.Errorf("p95 = %s, want 40ms", sum.P95)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	sum := summarize(nil, 0)
	if sum.Count != 0 || sum.Failures != 0 || sum.Throughput != 0 {
		t.Errorf("summary of nothing = %+v, want zeros", sum)
	}
	if sum.Min != 0 || sum.Max != 0 {
		t.Errorf("latencies of nothing = %+v, want zeros", sum)
	}
}

func TestSummarizeAllFailed(t *testing.T) {
	outcomes := []benchOutcome{
		{Latency: time.Millisecond, Err: errors.New("boom")},
		{Latency: time.Millisecond, Err: errors.New("boom")},
	}
	sum := summarize(outcomes, time.Second)
	if sum.Failures != 2 || sum.Min != 0 || sum.Avg != 0 {
		t.Errorf("summary = %+v, want 2 failures and zero latencies", sum)
	}
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{10, 20, 30, 40}
	tests := []struct {
		p    float64
		want time.Duration
	}{
		{1, 10},
		{25, 10},
		{50, 20},
		{75, 30},
		{95, 40},
		{100, 40},
	}
	for _, tt := range tests {
		if got := percentile(sorted, tt.p); got != tt.want {
			t.Errorf("percentile(%v) = %d, want %d", tt.p, got, tt.want)
		}
	}
	if got := percentile(nil, 50); got != 0 {
		t.Errorf("percentile of nothing = %d, want 0", got)
	}
	if got := percentile([]time.Duration{7}, 50); got != 7 {
		t.Errorf("percentile of one = %d, want 7", got)
	}
}

func TestBenchReport(t *testing.T) {
	sum := benchSummary{
		Count:      100,
		Failures:   2,
		Elapsed:    1500 * time.Millisecond,
		Throughput: 66.7,
		Min:        time.Millisecond,
		Avg:        2 * time.Millisecond,
		P50:        2 * time.Millisecond,
		P95:        4 * time.Millisecond,
		Max:        9 * time.Millisecond,
	}
	r := sum.report()
	if r.Elapsed != "1.5s" || r.Min != "1ms" || r.Max != "9ms" {
		t.Errorf("report = %+v, want formatted durations", r)
	}
	if r.Count != 100 || r.Failures != 2 {
		t.Errorf("report = %+v, want counts carried over", r)
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, benchSummary{
		Count:      10,
		Failures:   1,
		Elapsed:    time.Second,
		Throughput: 10,
		Min:        time.Millisecond,
		Avg:        2 * time.Millisecond,
		P50:        2 * time.Millisecond,
		P95:        3 * time.Millisecond,
		Max:        4 * time.Millisecond,
	})
	out := buf.String()
	if !strings.Contains(out, "10 requests in 1s (10.0 req/s), 1 failures") {
		t.Errorf("summary line = %q", out)
	}
	if !strings.Contains(out, "p95 3ms") {
		t.Errorf("latency line missing p95: %q", out)
	}
}

func TestBenchValidation(t *testing.T) {
	resetFlags(t)
	clearCommandEnv(t)

	envFile = missingEnvFile(t)
	configFile = ""

	benchCount = 0
	if err := runBench(benchCmd, nil); err == nil || !strings.Contains(err.Error(), "--count") {
		t.Errorf("runBench = %v, want count error", err)
	}

	benchCount = 10
	benchConcurrency = 0
	if err := runBench(benchCmd, nil); err == nil || !strings.Contains(err.Error(), "--concurrency") {
		t.Errorf("runBench = %v, want concurrency error", err)
	}

	benchConcurrency = 2
	benchTo = "bench"
	groupName = ""
	if err := runBench(benchCmd, nil); err == nil || !strings.Contains(err.Error(), "must differ") {
		t.Errorf("runBench = %v, want same-group error", err)
	}
}

func TestBenchConnectFailure(t *testing.T) {
	resetFlags(t)
	clearCommandEnv(t)

	envFile = missingEnvFile(t)
	configFile = ""
	benchTo = "echo"
	benchCount = 1
	benchConcurrency = 1
	redisAddr = "127.0.0.1:1"

	err := runBench(benchCmd, nil)
	if err == nil || !strings.Contains(err.Error(), "failed to") {
		t.Fatalf("runBench = %v, want connect error", err)
	}
}
