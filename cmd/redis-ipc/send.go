package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	redisipc "github.com/sofatutor/redis-ipc"
	"github.com/sofatutor/redis-ipc/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Send command flags
var (
	sendTo      string
	sendTimeout time.Duration
	sendJSON    bool
)

var sendCmd = &cobra.Command{
	Use:   "send <content>",
	Short: "Send one request to a group and print the reply",
	Long: `Join a throwaway consumer group, send the content to the destination group
and wait for the fulfilled or rejected reply.`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "Destination consumer group (required)")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 0, "Reply deadline (overrides REDIS_IPC_ENTRY_TIMEOUT)")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output as JSON")
}

type sendResult struct {
	Status  string `json:"status"`
	Content string `json:"content"`
	Elapsed string `json:"elapsed"`
}

func runSend(cmd *cobra.Command, args []string) error {
	if sendTo == "" {
		return fmt.Errorf("--to is required")
	}
	if sendTimeout > 0 {
		if err := os.Setenv("REDIS_IPC_ENTRY_TIMEOUT", sendTimeout.String()); err != nil {
			return fmt.Errorf("failed to set REDIS_IPC_ENTRY_TIMEOUT: %w", err)
		}
	}

	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	if cfg.Group == "" {
		cfg.Group = "cli"
	}
	quietDefault(cfg)

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer syncLogger(logger)

	s := redisipc.New(cfg.Stream, cfg.Group)
	s.OnRequest(func(ctx context.Context, entry redisipc.Entry) error {
		return s.RejectRequest(ctx, entry, "one-shot sender does not accept requests")
	})
	s.OnError(func(err error) {
		logger.Warn("coordinator error", zap.Error(err))
	})

	ctx := context.Background()
	if err := s.Connect(ctx, ipcConfig(cfg, logger)); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer disconnectQuietly(s, logger)

	start := time.Now()
	resp, err := s.SendToGroup(ctx, args[0], sendTo)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("request failed after %s: %w", elapsed, err)
	}

	if sendJSON {
		result := sendResult{Status: "fulfilled", Content: resp.Value(), Elapsed: elapsed.String()}
		if resp.IsRejected() {
			result.Status = "rejected"
			result.Content = resp.Reason()
		}
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	if resp.IsFulfilled() {
		fmt.Printf("fulfilled (%s): %s\n", elapsed, resp.Value())
	} else {
		fmt.Printf("rejected (%s): %s\n", elapsed, resp.Reason())
	}
	return nil
}
