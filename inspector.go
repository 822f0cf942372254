package redisipc

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Inspector provides read-only operational access to a stream: its length,
// the consumer groups attached to it, per-group consumer tables, and pruning
// of consumers left behind by crashed instances. Unlike a connected Stream it
// never creates, destroys, or joins a group.
type Inspector struct {
	stream     string
	client     StreamsClient
	logger     *zap.Logger
	ownsClient bool
}

// NewInspector opens an inspector for the given stream and verifies the
// connection. When cfg.Client is nil a client is built from the Redis fields
// and closed again by Close.
func NewInspector(ctx context.Context, stream string, cfg Config) (*Inspector, error) {
	if stream == "" {
		return nil, &ConfigError{Reason: "stream name is required"}
	}
	cfg = cfg.withDefaults()

	client := cfg.Client
	ownsClient := false
	if client == nil {
		built, err := buildClient(cfg)
		if err != nil {
			return nil, err
		}
		client = built
		ownsClient = true
	}

	insp := &Inspector{
		stream:     stream,
		client:     client,
		logger:     cfg.Logger.Named("redisipc").With(zap.String("stream", stream)),
		ownsClient: ownsClient,
	}
	if err := insp.forGroup("").Ping(ctx); err != nil {
		_ = insp.Close()
		return nil, err
	}
	return insp, nil
}

// forGroup binds the command façade to one group.
func (i *Inspector) forGroup(group string) *commands {
	return newCommands(i.client, i.stream, group, i.logger)
}

// Len returns the number of entries currently in the stream.
func (i *Inspector) Len(ctx context.Context) (int64, error) {
	return i.forGroup("").StreamLen(ctx)
}

// Groups lists the consumer groups attached to the stream.
func (i *Inspector) Groups(ctx context.Context) ([]GroupInfo, error) {
	return i.forGroup("").Groups(ctx)
}

// Consumers returns the group's consumer table keyed by consumer name.
func (i *Inspector) Consumers(ctx context.Context, group string) (map[string]ConsumerStat, error) {
	return i.forGroup(group).ConsumerInfo(ctx)
}

// PruneConsumers removes the group's consumers that hold no pending entries
// and have been idle longer than maxIdle. Returns the number removed.
func (i *Inspector) PruneConsumers(ctx context.Context, group string, maxIdle time.Duration) (int, error) {
	return i.forGroup(group).PruneConsumers(ctx, maxIdle)
}

// Available maps each instance of the group to the workers currently
// registered as listening. Instances are recovered from the consumer names
// in the group table, so instances whose consumers were fully pruned do not
// appear.
func (i *Inspector) Available(ctx context.Context, group string) (map[string][]string, error) {
	cmds := i.forGroup(group)
	stats, err := cmds.ConsumerInfo(ctx)
	if err != nil {
		return nil, err
	}

	instances := make(map[string]struct{})
	for name := range stats {
		if id := instanceOfConsumer(name); id != "" {
			instances[id] = struct{}{}
		}
	}

	available := make(map[string][]string, len(instances))
	for id := range instances {
		names, err := cmds.AvailableConsumers(ctx, id)
		if err != nil {
			return nil, err
		}
		sort.Strings(names)
		available[id] = names
	}
	return available, nil
}

// instanceOfConsumer recovers the instance token from a generated consumer
// name such as "d91f3a2b54c0-worker-3".
func instanceOfConsumer(name string) string {
	for _, sep := range []string{"-worker-", "-dispatcher-"} {
		if idx := strings.Index(name, sep); idx > 0 {
			return name[:idx]
		}
	}
	return ""
}

// Close releases the client when the inspector built it.
func (i *Inspector) Close() error {
	if i.ownsClient {
		return i.client.Close()
	}
	return nil
}
