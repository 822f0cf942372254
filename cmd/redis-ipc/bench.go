package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	redisipc "github.com/sofatutor/redis-ipc"
	"github.com/sofatutor/redis-ipc/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Bench command flags
var (
	benchTo          string
	benchCount       int
	benchConcurrency int
	benchPayload     string
	benchEmbedded    bool
	benchJSON        bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure request round-trip latency",
	Long: `Fire a batch of requests at a destination group and report latency
percentiles and throughput. By default an embedded echo responder serves the
destination group, so the benchmark runs against a single Redis instance with
no other processes involved.`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().StringVar(&benchTo, "to", "echo", "Destination consumer group")
	benchCmd.Flags().IntVar(&benchCount, "count", 100, "Number of requests to send")
	benchCmd.Flags().IntVar(&benchConcurrency, "concurrency", 4, "Concurrent senders")
	benchCmd.Flags().StringVar(&benchPayload, "payload", "ping", "Request content")
	benchCmd.Flags().BoolVar(&benchEmbedded, "embedded", true, "Run an embedded echo responder for the destination group")
	benchCmd.Flags().BoolVar(&benchJSON, "json", false, "Output as JSON")
}

// requester is the slice of the Stream API runLoad needs.
type requester interface {
	SendToGroup(ctx context.Context, content, to string) (redisipc.Response, error)
}

type benchOutcome struct {
	Latency time.Duration
	Err     error
}

type benchSummary struct {
	Count      int
	Failures   int
	Elapsed    time.Duration
	Throughput float64
	Min        time.Duration
	Avg        time.Duration
	P50        time.Duration
	P95        time.Duration
	Max        time.Duration
}

type benchReport struct {
	Count      int     `json:"count"`
	Failures   int     `json:"failures"`
	Elapsed    string  `json:"elapsed"`
	Throughput float64 `json:"requests_per_second"`
	Min        string  `json:"min"`
	Avg        string  `json:"avg"`
	P50        string  `json:"p50"`
	P95        string  `json:"p95"`
	Max        string  `json:"max"`
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchCount < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	if benchConcurrency < 1 {
		return fmt.Errorf("--concurrency must be at least 1")
	}

	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	if cfg.Group == "" {
		cfg.Group = "bench"
	}
	if benchTo == cfg.Group {
		return fmt.Errorf("destination group %q must differ from the sender group", benchTo)
	}
	quietDefault(cfg)

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer syncLogger(logger)

	ctx := context.Background()

	if benchEmbedded {
		responder := redisipc.New(cfg.Stream, benchTo)
		responder.OnRequest(echoHandler(responder, false))
		responder.OnError(func(err error) {
			logger.Warn("responder error", zap.Error(err))
		})
		if err := responder.Connect(ctx, ipcConfig(cfg, logger)); err != nil {
			return fmt.Errorf("failed to start embedded responder: %w", err)
		}
		defer disconnectQuietly(responder, logger)
	}

	sender := redisipc.New(cfg.Stream, cfg.Group)
	sender.OnRequest(func(ctx context.Context, entry redisipc.Entry) error {
		return sender.RejectRequest(ctx, entry, "benchmark sender does not accept requests")
	})
	sender.OnError(func(err error) {
		logger.Warn("coordinator error", zap.Error(err))
	})
	if err := sender.Connect(ctx, ipcConfig(cfg, logger)); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer disconnectQuietly(sender, logger)

	start := time.Now()
	outcomes := runLoad(ctx, sender, benchTo, benchPayload, benchCount, benchConcurrency)
	sum := summarize(outcomes, time.Since(start))

	if benchJSON {
		out, err := json.MarshalIndent(sum.report(), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}
	printSummary(os.Stdout, sum)
	return nil
}

// runLoad fires count requests at the destination group from concurrency
// goroutines and returns one outcome per request. Transport errors, local
// failures such as timeouts, and peer rejections all count as failures.
func runLoad(ctx context.Context, r requester, to, payload string, count, concurrency int) []benchOutcome {
	outcomes := make([]benchOutcome, count)
	var next atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n := next.Add(1) - 1
				if n >= int64(count) {
					return
				}
				start := time.Now()
				resp, err := r.SendToGroup(ctx, payload, to)
				outcomes[n].Latency = time.Since(start)
				switch {
				case err != nil:
					outcomes[n].Err = err
				case resp.Err() != nil:
					outcomes[n].Err = resp.Err()
				case resp.IsRejected():
					outcomes[n].Err = errors.New(resp.Reason())
				}
			}
		}()
	}
	wg.Wait()
	return outcomes
}

// summarize reduces the outcomes to latency percentiles over the successful
// requests and throughput over all attempted ones.
func summarize(outcomes []benchOutcome, elapsed time.Duration) benchSummary {
	sum := benchSummary{Count: len(outcomes), Elapsed: elapsed}
	if elapsed > 0 {
		sum.Throughput = float64(len(outcomes)) / elapsed.Seconds()
	}

	latencies := make([]time.Duration, 0, len(outcomes))
	var total time.Duration
	for _, o := range outcomes {
		if o.Err != nil {
			sum.Failures++
			continue
		}
		latencies = append(latencies, o.Latency)
		total += o.Latency
	}
	if len(latencies) == 0 {
		return sum
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	sum.Min = latencies[0]
	sum.Max = latencies[len(latencies)-1]
	sum.Avg = total / time.Duration(len(latencies))
	sum.P50 = percentile(latencies, 50)
	sum.P95 = percentile(latencies, 95)
	return sum
}

// percentile returns the p-th percentile of the sorted latencies using
// nearest-rank selection.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func (s benchSummary) report() benchReport {
	return benchReport{
		Count:      s.Count,
		Failures:   s.Failures,
		Elapsed:    s.Elapsed.Round(time.Millisecond).String(),
		Throughput: s.Throughput,
		Min:        s.Min.Round(time.Microsecond).String(),
		Avg:        s.Avg.Round(time.Microsecond).String(),
		P50:        s.P50.Round(time.Microsecond).String(),
		P95:        s.P95.Round(time.Microsecond).String(),
		Max:        s.Max.Round(time.Microsecond).String(),
	}
}

func printSummary(w io.Writer, s benchSummary) {
	fmt.Fprintf(w, "%d requests in %s (%.1f req/s), %d failures\n",
		s.Count, s.Elapsed.Round(time.Millisecond), s.Throughput, s.Failures)
	fmt.Fprintf(w, "latency min %s  avg %s  p50 %s  p95 %s  max %s\n",
		s.Min.Round(time.Microsecond), s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond), s.P95.Round(time.Microsecond),
		s.Max.Round(time.Microsecond))
}
