package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	redisipc "github.com/sofatutor/redis-ipc"
	"github.com/sofatutor/redis-ipc/internal/config"
	"github.com/sofatutor/redis-ipc/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// For testing
var signalNotifyFunc = signal.Notify

const shutdownTimeout = 30 * time.Second

// Serve command flags
var (
	serveReject       bool
	serveWorkers      int
	serveDispatchers  int
	serveEntryTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an echo responder on a consumer group",
	Long: `Join the configured consumer group and answer every request with its own
content. Useful as a smoke-test peer for send and bench, and as a template
for real responders.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveReject, "reject", false, "Reject requests instead of fulfilling them")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", config.EnvIntOrDefault("REDIS_IPC_WORKERS", 0), "Worker pool size (overrides env var)")
	serveCmd.Flags().IntVar(&serveDispatchers, "dispatchers", config.EnvIntOrDefault("REDIS_IPC_DISPATCHERS", 0), "Dispatcher pool size (overrides env var)")
	serveCmd.Flags().DurationVar(&serveEntryTimeout, "entry-timeout", config.EnvDurationOrDefault("REDIS_IPC_ENTRY_TIMEOUT", 0), "Reply deadline for outbound requests (overrides env var)")
}

// echoHandler answers every request with its own content, fulfilled by
// default or rejected when reject is set.
func echoHandler(s *redisipc.Stream, reject bool) redisipc.RequestHandler {
	return func(ctx context.Context, entry redisipc.Entry) error {
		if reject {
			return s.RejectRequest(ctx, entry, entry.Content)
		}
		return s.FulfillRequest(ctx, entry, entry.Content)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveWorkers > 0 {
		if err := os.Setenv("REDIS_IPC_WORKERS", strconv.Itoa(serveWorkers)); err != nil {
			return fmt.Errorf("failed to set REDIS_IPC_WORKERS: %w", err)
		}
	}
	if serveDispatchers > 0 {
		if err := os.Setenv("REDIS_IPC_DISPATCHERS", strconv.Itoa(serveDispatchers)); err != nil {
			return fmt.Errorf("failed to set REDIS_IPC_DISPATCHERS: %w", err)
		}
	}
	if serveEntryTimeout > 0 {
		if err := os.Setenv("REDIS_IPC_ENTRY_TIMEOUT", serveEntryTimeout.String()); err != nil {
			return fmt.Errorf("failed to set REDIS_IPC_ENTRY_TIMEOUT: %w", err)
		}
	}

	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	if cfg.Group == "" {
		return fmt.Errorf("consumer group is required (set REDIS_IPC_GROUP or use --group)")
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer syncLogger(logger)

	s := redisipc.New(cfg.Stream, cfg.Group)
	s.OnRequest(echoHandler(s, serveReject))
	s.OnError(func(err error) {
		logger.Warn("coordinator error", zap.Error(err))
	})

	if err := s.Connect(context.Background(), ipcConfig(cfg, logger)); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	logger.Info("responder started",
		zap.String("stream", cfg.Stream),
		zap.String("group", cfg.Group),
		zap.String("instance", s.InstanceID()),
		zap.Bool("reject", serveReject))

	done := make(chan os.Signal, 1)
	return serveUntilSignal(done, s, logger)
}

// coordinator is the slice of the Stream API serveUntilSignal needs.
type coordinator interface {
	Disconnect(ctx context.Context) error
	Stats() redisipc.Stats
}

// serveUntilSignal blocks until SIGINT or SIGTERM, then disconnects and logs
// the final counters.
func serveUntilSignal(done chan os.Signal, s coordinator, logger *zap.Logger) error {
	signalNotifyFunc(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}

	logStats(logger, s.Stats())
	return nil
}

func logStats(logger *zap.Logger, st redisipc.Stats) {
	logger.Info("final counters",
		zap.Int64("dispatched", st.Dispatched),
		zap.Int64("dispatch_failures", st.DispatchFailures),
		zap.Int64("reclaimed", st.Reclaimed),
		zap.Int64("requests_handled", st.RequestsHandled),
		zap.Int64("responses_delivered", st.ResponsesDelivered),
		zap.Int64("invalid_entries", st.InvalidEntries),
		zap.Int64("handler_errors", st.HandlerErrors))
}
