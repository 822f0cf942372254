// Package main is the entry point for the redis-ipc CLI tool.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	redisipc "github.com/sofatutor/redis-ipc"
	"github.com/sofatutor/redis-ipc/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// For testing
var (
	osExit = os.Exit
)

// Shared command flags
var (
	envFile    string
	configFile string
	redisURL   string
	redisAddr  string
	streamName string
	groupName  string
	logLevel   string
	logFormat  string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   "redis-ipc",
	Short: "Request/response messaging over a shared Redis stream",
	Long: `CLI tool for the redis-ipc coordinator: run a responder on a consumer
group, send one-shot requests, inspect stream state and benchmark round trips.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", config.EnvOrDefault("ENV", ".env"), "Path to .env file")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.EnvOrDefault("REDIS_IPC_CONFIG", ""), "Path to YAML config file (overrides REDIS_IPC_CONFIG env var)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", config.EnvOrDefault("REDIS_URL", ""), "Redis connection URL (overrides env var)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", config.EnvOrDefault("REDIS_ADDR", ""), "Redis host:port (overrides env var)")
	rootCmd.PersistentFlags().StringVar(&streamName, "stream", config.EnvOrDefault("REDIS_IPC_STREAM", ""), "Redis stream key (overrides env var)")
	rootCmd.PersistentFlags().StringVar(&groupName, "group", config.EnvOrDefault("REDIS_IPC_GROUP", ""), "Consumer group to join (overrides env var)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.EnvOrDefault("LOG_LEVEL", ""), "Log level: debug, info, warn, error (overrides env var)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", config.EnvOrDefault("LOG_FORMAT", ""), "Log format: json or console (overrides env var)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", config.EnvOrDefault("LOG_FILE", ""), "Path to log file (overrides env var, default: stdout)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(benchCmd)
}

// resolveConfig builds the effective configuration: defaults, then the
// optional YAML file, then the environment, then explicit flags on top.
func resolveConfig() (*config.Config, error) {
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: error loading %s: %v\n", envFile, err)
		}
	}
	if err := applyFlagEnv(); err != nil {
		return nil, err
	}
	return config.Load(configFile)
}

// applyFlagEnv exports non-empty flag values to the environment so they win
// over the config file and any previously set variables.
func applyFlagEnv() error {
	overrides := []struct{ key, value string }{
		{"REDIS_URL", redisURL},
		{"REDIS_ADDR", redisAddr},
		{"REDIS_IPC_STREAM", streamName},
		{"REDIS_IPC_GROUP", groupName},
		{"LOG_LEVEL", logLevel},
		{"LOG_FORMAT", logFormat},
		{"LOG_FILE", logFile},
	}
	for _, o := range overrides {
		if o.value == "" {
			continue
		}
		if err := os.Setenv(o.key, o.value); err != nil {
			return fmt.Errorf("failed to set %s: %w", o.key, err)
		}
	}
	return nil
}

// quietDefault lowers the log level for one-shot commands so their output
// stays readable. An explicit flag or environment setting wins.
func quietDefault(cfg *config.Config) {
	if logLevel == "" && os.Getenv("LOG_LEVEL") == "" {
		cfg.LogLevel = "error"
	}
}

// ipcConfig maps the CLI configuration onto the coordinator options.
func ipcConfig(cfg *config.Config, logger *zap.Logger) redisipc.Config {
	return redisipc.Config{
		RedisURL:        cfg.RedisURL,
		RedisAddr:       cfg.RedisAddr,
		RedisPassword:   cfg.RedisPassword,
		RedisDB:         cfg.RedisDB,
		Workers:         cfg.Workers,
		Dispatchers:     cfg.Dispatchers,
		EntryTimeout:    cfg.EntryTimeout,
		CleanupInterval: cfg.CleanupInterval,
		ReclaimMinIdle:  cfg.ReclaimMinIdle,
		Logger:          logger,
	}
}

// syncLogger flushes buffered log entries. Syncing stdout fails on some
// platforms, which is not worth surfacing.
func syncLogger(logger *zap.Logger) {
	if err := logger.Sync(); err != nil {
		if !strings.Contains(err.Error(), "inappropriate ioctl for device") {
			log.Printf("Error syncing zap logger: %v", err)
		}
	}
}

// disconnectQuietly tears the coordinator down with a bounded timeout, logging
// instead of failing the command when shutdown misbehaves.
func disconnectQuietly(s *redisipc.Stream, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Disconnect(ctx); err != nil {
		logger.Warn("disconnect failed", zap.Error(err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		osExit(1)
	}
}
