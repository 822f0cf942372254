package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	redisipc "github.com/sofatutor/redis-ipc"
	"github.com/sofatutor/redis-ipc/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Inspect command flags
var (
	inspectPrune time.Duration
	inspectJSON  bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show stream length, groups, consumers and availability",
	Long: `Read-only view of a stream: its length, every consumer group with its
pending count, the consumers with their pending-entry lists and idle times,
and the availability lists per instance. Inspection never joins a group, so
running it next to live coordinators is safe.`,
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().DurationVar(&inspectPrune, "prune", 0, "Delete consumers idle for at least this long before reporting (0 disables pruning)")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
}

// streamInspector is the slice of the Inspector API buildReport needs.
type streamInspector interface {
	Len(ctx context.Context) (int64, error)
	Groups(ctx context.Context) ([]redisipc.GroupInfo, error)
	Consumers(ctx context.Context, group string) (map[string]redisipc.ConsumerStat, error)
	PruneConsumers(ctx context.Context, group string, maxIdle time.Duration) (int, error)
	Available(ctx context.Context, group string) (map[string][]string, error)
}

type inspectReport struct {
	Stream string        `json:"stream"`
	Length int64         `json:"length"`
	Groups []groupReport `json:"groups"`
}

type groupReport struct {
	Name      string              `json:"name"`
	Pending   int64               `json:"pending"`
	Pruned    int                 `json:"pruned,omitempty"`
	Consumers []consumerReport    `json:"consumers,omitempty"`
	Available map[string][]string `json:"available,omitempty"`
}

type consumerReport struct {
	Name    string `json:"name"`
	Pending int64  `json:"pending"`
	Idle    string `json:"idle"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	quietDefault(cfg)

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer syncLogger(logger)

	ctx := context.Background()
	insp, err := redisipc.NewInspector(ctx, cfg.Stream, ipcConfig(cfg, logger))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := insp.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	report, err := buildReport(ctx, insp, cfg.Stream, cfg.Group, inspectPrune)
	if err != nil {
		return err
	}

	if inspectJSON {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	printReport(os.Stdout, report)
	return nil
}

// buildReport collects the report for every group, or only the named one.
// Pruning runs before the consumer listing so the table shows the survivors.
func buildReport(ctx context.Context, insp streamInspector, stream, onlyGroup string, prune time.Duration) (inspectReport, error) {
	length, err := insp.Len(ctx)
	if err != nil {
		return inspectReport{}, err
	}
	report := inspectReport{Stream: stream, Length: length}

	groups, err := insp.Groups(ctx)
	if err != nil {
		return inspectReport{}, err
	}
	for _, g := range groups {
		if onlyGroup != "" && g.Name != onlyGroup {
			continue
		}
		gr := groupReport{Name: g.Name, Pending: g.Pending}

		if prune > 0 {
			pruned, err := insp.PruneConsumers(ctx, g.Name, prune)
			if err != nil {
				return inspectReport{}, err
			}
			gr.Pruned = pruned
		}

		stats, err := insp.Consumers(ctx, g.Name)
		if err != nil {
			return inspectReport{}, err
		}
		names := make([]string, 0, len(stats))
		for name := range stats {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			cs := stats[name]
			gr.Consumers = append(gr.Consumers, consumerReport{
				Name:    name,
				Pending: cs.Pending,
				Idle:    cs.Idle.Round(time.Millisecond).String(),
			})
		}

		available, err := insp.Available(ctx, g.Name)
		if err != nil {
			return inspectReport{}, err
		}
		if len(available) > 0 {
			gr.Available = available
		}

		report.Groups = append(report.Groups, gr)
	}
	return report, nil
}

func printReport(w io.Writer, r inspectReport) {
	fmt.Fprintf(w, "Stream %s: %d entries\n", r.Stream, r.Length)
	if len(r.Groups) == 0 {
		fmt.Fprintln(w, "No consumer groups.")
		return
	}
	for _, g := range r.Groups {
		fmt.Fprintf(w, "\nGroup %s: %d pending\n", g.Name, g.Pending)
		if g.Pruned > 0 {
			fmt.Fprintf(w, "  pruned %d idle consumers\n", g.Pruned)
		}
		if len(g.Consumers) > 0 {
			fmt.Fprintf(w, "  %-40s  %8s  %12s\n", "CONSUMER", "PENDING", "IDLE")
			for _, c := range g.Consumers {
				fmt.Fprintf(w, "  %-40s  %8d  %12s\n", c.Name, c.Pending, c.Idle)
			}
		}
		instances := make([]string, 0, len(g.Available))
		for instance := range g.Available {
			instances = append(instances, instance)
		}
		sort.Strings(instances)
		for _, instance := range instances {
			names := g.Available[instance]
			fmt.Fprintf(w, "  instance %s: %d available (%s)\n", instance, len(names), strings.Join(names, ", "))
		}
	}
}
