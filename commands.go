package redisipc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamsClient is the narrow Redis surface the coordinator needs.
// This abstraction allows for easy mocking in tests; NewClientAdapter wraps a
// go-redis client for production use.
type StreamsClient interface {
	// XAdd adds an entry to a stream
	XAdd(ctx context.Context, args *redis.XAddArgs) (string, error)
	// XReadGroup reads entries from a stream using a consumer group
	XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XStream, error)
	// XAck acknowledges processed entries
	XAck(ctx context.Context, stream, group string, ids ...string) (int64, error)
	// XDel removes entries from a stream
	XDel(ctx context.Context, stream string, ids ...string) (int64, error)
	// XClaim moves pending entries into another consumer's pending list
	XClaim(ctx context.Context, args *redis.XClaimArgs) ([]redis.XMessage, error)
	// XAutoClaim scans for idle pending entries and claims them
	XAutoClaim(ctx context.Context, args *redis.XAutoClaimArgs) ([]redis.XMessage, string, error)
	// XGroupCreateMkStream creates a consumer group (and the stream if needed)
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) error
	// XGroupDestroy removes a consumer group
	XGroupDestroy(ctx context.Context, stream, group string) (int64, error)
	// XGroupCreateConsumer creates a named consumer inside a group
	XGroupCreateConsumer(ctx context.Context, stream, group, consumer string) (int64, error)
	// XGroupDelConsumer removes a consumer and its pending entries
	XGroupDelConsumer(ctx context.Context, stream, group, consumer string) (int64, error)
	// XInfoConsumers returns per-consumer statistics for a group
	XInfoConsumers(ctx context.Context, stream, group string) ([]redis.XInfoConsumer, error)
	// XInfoGroups returns consumer group info for a stream
	XInfoGroups(ctx context.Context, stream string) ([]redis.XInfoGroup, error)
	// XLen returns the length of a stream
	XLen(ctx context.Context, stream string) (int64, error)
	// LPush prepends values to a list
	LPush(ctx context.Context, key string, values ...interface{}) (int64, error)
	// LRem removes occurrences of a value from a list
	LRem(ctx context.Context, key string, count int64, value interface{}) (int64, error)
	// LRange returns a slice of a list
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LPos returns the index of a value in a list (redis.Nil when absent)
	LPos(ctx context.Context, key, value string, args redis.LPosArgs) (int64, error)
	// Expire sets a key's time to live
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Del removes keys
	Del(ctx context.Context, keys ...string) (int64, error)
	// Ping checks the connection
	Ping(ctx context.Context) error
	// Close releases the underlying connections
	Close() error
}

// ClientAdapter adapts a go-redis/v9 Client to the StreamsClient interface.
type ClientAdapter struct {
	Client *redis.Client
}

// NewClientAdapter wraps client for use as a StreamsClient.
func NewClientAdapter(client *redis.Client) *ClientAdapter {
	return &ClientAdapter{Client: client}
}

// XAdd adds an entry to a stream
func (a *ClientAdapter) XAdd(ctx context.Context, args *redis.XAddArgs) (string, error) {
	return a.Client.XAdd(ctx, args).Result()
}

// XReadGroup reads entries from a stream using a consumer group
func (a *ClientAdapter) XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XStream, error) {
	return a.Client.XReadGroup(ctx, args).Result()
}

// XAck acknowledges processed entries
func (a *ClientAdapter) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	return a.Client.XAck(ctx, stream, group, ids...).Result()
}

// XDel removes entries from a stream
func (a *ClientAdapter) XDel(ctx context.Context, stream string, ids ...string) (int64, error) {
	return a.Client.XDel(ctx, stream, ids...).Result()
}

// XClaim moves pending entries into another consumer's pending list
func (a *ClientAdapter) XClaim(ctx context.Context, args *redis.XClaimArgs) ([]redis.XMessage, error) {
	return a.Client.XClaim(ctx, args).Result()
}

// XAutoClaim scans for idle pending entries and claims them
func (a *ClientAdapter) XAutoClaim(ctx context.Context, args *redis.XAutoClaimArgs) ([]redis.XMessage, string, error) {
	return a.Client.XAutoClaim(ctx, args).Result()
}

// XGroupCreateMkStream creates a consumer group (and the stream if needed)
func (a *ClientAdapter) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	return a.Client.XGroupCreateMkStream(ctx, stream, group, start).Err()
}

// XGroupDestroy removes a consumer group
func (a *ClientAdapter) XGroupDestroy(ctx context.Context, stream, group string) (int64, error) {
	return a.Client.XGroupDestroy(ctx, stream, group).Result()
}

// XGroupCreateConsumer creates a named consumer inside a group
func (a *ClientAdapter) XGroupCreateConsumer(ctx context.Context, stream, group, consumer string) (int64, error) {
	return a.Client.XGroupCreateConsumer(ctx, stream, group, consumer).Result()
}

// XGroupDelConsumer removes a consumer and its pending entries
func (a *ClientAdapter) XGroupDelConsumer(ctx context.Context, stream, group, consumer string) (int64, error) {
	return a.Client.XGroupDelConsumer(ctx, stream, group, consumer).Result()
}

// XInfoConsumers returns per-consumer statistics for a group
func (a *ClientAdapter) XInfoConsumers(ctx context.Context, stream, group string) ([]redis.XInfoConsumer, error) {
	return a.Client.XInfoConsumers(ctx, stream, group).Result()
}

// XInfoGroups returns consumer group info for a stream
func (a *ClientAdapter) XInfoGroups(ctx context.Context, stream string) ([]redis.XInfoGroup, error) {
	return a.Client.XInfoGroups(ctx, stream).Result()
}

// XLen returns the length of a stream
func (a *ClientAdapter) XLen(ctx context.Context, stream string) (int64, error) {
	return a.Client.XLen(ctx, stream).Result()
}

// LPush prepends values to a list
func (a *ClientAdapter) LPush(ctx context.Context, key string, values ...interface{}) (int64, error) {
	return a.Client.LPush(ctx, key, values...).Result()
}

// LRem removes occurrences of a value from a list
func (a *ClientAdapter) LRem(ctx context.Context, key string, count int64, value interface{}) (int64, error) {
	return a.Client.LRem(ctx, key, count, value).Result()
}

// LRange returns a slice of a list
func (a *ClientAdapter) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return a.Client.LRange(ctx, key, start, stop).Result()
}

// LPos returns the index of a value in a list (redis.Nil when absent)
func (a *ClientAdapter) LPos(ctx context.Context, key, value string, args redis.LPosArgs) (int64, error) {
	return a.Client.LPos(ctx, key, value, args).Result()
}

// Expire sets a key's time to live
func (a *ClientAdapter) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return a.Client.Expire(ctx, key, ttl).Result()
}

// Del removes keys
func (a *ClientAdapter) Del(ctx context.Context, keys ...string) (int64, error) {
	return a.Client.Del(ctx, keys...).Result()
}

// Ping checks the connection
func (a *ClientAdapter) Ping(ctx context.Context) error {
	return a.Client.Ping(ctx).Err()
}

// Close releases the underlying connections
func (a *ClientAdapter) Close() error {
	return a.Client.Close()
}

// ConsumerStat is one consumer's slice of the XINFO CONSUMERS snapshot used
// by load balancing.
type ConsumerStat struct {
	Name string
	// Pending is the size of the consumer's pending-entry list.
	Pending int64
	// Idle is the time since the consumer's last attempted interaction.
	Idle time.Duration
	// Inactive is the time since the consumer's last successful interaction;
	// zero on servers that do not report it.
	Inactive time.Duration
}

// GroupInfo summarizes one consumer group attached to the stream.
type GroupInfo struct {
	Name string
	// Consumers is the number of consumers known to the group.
	Consumers int64
	// Pending is the number of delivered but unacknowledged entries.
	Pending int64
}

// availabilityTTL keeps availability lists from outliving crashed instances
// forever; every registration refreshes it.
const availabilityTTL = 24 * time.Hour

// reclaimScanStart is the initial XAUTOCLAIM cursor.
const reclaimScanStart = "0-0"

// commands is the single concurrency-safe surface over every Redis operation
// the coordinator issues, bound to one (stream, group) pair. Benign command
// errors (group already exists, entry already acked or deleted, empty reads)
// are suppressed here; transport errors propagate as *ConnectionError.
type commands struct {
	client StreamsClient
	stream string
	group  string
	logger *zap.Logger

	// XAUTOCLAIM scan cursors, one per consumer, so repeated reclaims walk
	// the whole pending list instead of rescanning its head.
	cursorMu sync.Mutex
	cursors  map[string]string
}

func newCommands(client StreamsClient, stream, group string, logger *zap.Logger) *commands {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &commands{
		client:  client,
		stream:  stream,
		group:   group,
		logger:  logger.Named("commands"),
		cursors: make(map[string]string),
	}
}

// isGroupExistsError checks if the error indicates the group already exists.
func isGroupExistsError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// isNoGroupError checks if the error indicates the group or stream is gone.
func isNoGroupError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "NOGROUP") || strings.Contains(err.Error(), "no such key")
}

// AddToStream publishes the entry's field map with a server-generated id and
// returns the entry with RedisID populated.
func (c *commands) AddToStream(ctx context.Context, e Entry) (Entry, error) {
	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		Values: e.fields(),
	})
	if err != nil {
		return Entry{}, &ConnectionError{Op: "add to stream", Err: err}
	}
	e.RedisID = id
	return e, nil
}

// NextUnreadEntry reads at most one entry never delivered to this group.
func (c *commands) NextUnreadEntry(ctx context.Context, consumer string) (Entry, bool, error) {
	return c.readFromStream(ctx, consumer, ">")
}

// NextPendingEntry reads at most one entry from the consumer's own pending
// list: entries delivered to it but not yet acknowledged.
func (c *commands) NextPendingEntry(ctx context.Context, consumer string) (Entry, bool, error) {
	return c.readFromStream(ctx, consumer, "0")
}

func (c *commands) readFromStream(ctx context.Context, consumer, cursor string) (Entry, bool, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: consumer,
		Streams:  []string{c.stream, cursor},
		Count:    1,
		Block:    -1,
	})
	if err != nil {
		if errors.Is(err, redis.Nil) || isNoGroupError(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, &ConnectionError{Op: "read from stream", Err: err}
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			return entryFromMessage(msg), true, nil
		}
	}
	return Entry{}, false, nil
}

// NextReclaimedEntry claims at most one entry that has sat in any pending
// list of the group for longer than minIdle, moving it to consumer. The scan
// cursor advances across calls and wraps at the end of the list.
func (c *commands) NextReclaimedEntry(ctx context.Context, consumer string, minIdle time.Duration) (Entry, bool, error) {
	c.cursorMu.Lock()
	start := c.cursors[consumer]
	if start == "" {
		start = reclaimScanStart
	}
	c.cursorMu.Unlock()

	msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    1,
	})
	if err != nil {
		if errors.Is(err, redis.Nil) || isNoGroupError(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, &ConnectionError{Op: "reclaim entry", Err: err}
	}

	c.cursorMu.Lock()
	c.cursors[consumer] = next
	c.cursorMu.Unlock()

	for _, msg := range msgs {
		return entryFromMessage(msg), true, nil
	}
	return Entry{}, false, nil
}

// ClaimEntry moves the entry into consumer's pending list unconditionally
// (minimum idle zero). Claiming an entry that was deleted in the meantime is
// a no-op.
func (c *commands) ClaimEntry(ctx context.Context, consumer string, e Entry) error {
	_, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: []string{e.RedisID},
	})
	if err != nil {
		if errors.Is(err, redis.Nil) || isNoGroupError(err) {
			return nil
		}
		return &ConnectionError{Op: "claim entry", Err: err}
	}
	return nil
}

// AcknowledgeEntry removes the entry from whichever pending list holds it.
// Acknowledging an unknown entry is a no-op.
func (c *commands) AcknowledgeEntry(ctx context.Context, e Entry) error {
	_, err := c.client.XAck(ctx, c.stream, c.group, e.RedisID)
	if err != nil && !isNoGroupError(err) {
		return &ConnectionError{Op: "acknowledge entry", Err: err}
	}
	return nil
}

// DeleteEntry removes the entry from the stream itself. Deleting an unknown
// entry is a no-op.
func (c *commands) DeleteEntry(ctx context.Context, e Entry) error {
	_, err := c.client.XDel(ctx, c.stream, e.RedisID)
	if err != nil && !isNoGroupError(err) {
		return &ConnectionError{Op: "delete entry", Err: err}
	}
	return nil
}

// CreateGroup creates this group on the stream, creating the stream when
// missing and skipping history ($). An existing group is left untouched.
func (c *commands) CreateGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "$")
	if err != nil && !isGroupExistsError(err) {
		return &ConnectionError{Op: "create group", Err: err}
	}
	return nil
}

// DestroyGroup removes this group and every pending list in it.
func (c *commands) DestroyGroup(ctx context.Context) error {
	_, err := c.client.XGroupDestroy(ctx, c.stream, c.group)
	if err != nil && !isNoGroupError(err) {
		return &ConnectionError{Op: "destroy group", Err: err}
	}
	return nil
}

// DeleteStream removes the stream key entirely.
func (c *commands) DeleteStream(ctx context.Context) error {
	_, err := c.client.Del(ctx, c.stream)
	if err != nil {
		return &ConnectionError{Op: "delete stream", Err: err}
	}
	return nil
}

// CreateConsumer registers a named consumer so it shows up in consumer-info
// snapshots before its first read.
func (c *commands) CreateConsumer(ctx context.Context, name string) error {
	_, err := c.client.XGroupCreateConsumer(ctx, c.stream, c.group, name)
	if err != nil && !isNoGroupError(err) {
		return &ConnectionError{Op: "create consumer", Err: err}
	}
	return nil
}

// DeleteConsumer removes a consumer from the group, discarding its pending
// list.
func (c *commands) DeleteConsumer(ctx context.Context, name string) error {
	_, err := c.client.XGroupDelConsumer(ctx, c.stream, c.group, name)
	if err != nil && !isNoGroupError(err) {
		return &ConnectionError{Op: "delete consumer", Err: err}
	}
	return nil
}

// PruneConsumers removes consumers that hold no pending entries and have
// been idle longer than maxIdle. A live consumer caught by the prune is
// recreated on its next read. Returns the number of consumers removed.
func (c *commands) PruneConsumers(ctx context.Context, maxIdle time.Duration) (int, error) {
	infos, err := c.client.XInfoConsumers(ctx, c.stream, c.group)
	if err != nil {
		if isNoGroupError(err) {
			return 0, nil
		}
		return 0, &ConnectionError{Op: "prune consumers", Err: err}
	}

	pruned := 0
	for _, info := range infos {
		if info.Pending > 0 || info.Idle <= maxIdle {
			continue
		}
		if err := c.DeleteConsumer(ctx, info.Name); err != nil {
			return pruned, err
		}
		c.logger.Debug("pruned idle consumer",
			zap.String("consumer", info.Name),
			zap.Duration("idle", info.Idle))
		pruned++
	}
	return pruned, nil
}

// ConsumerInfo returns a one-shot snapshot of per-consumer statistics,
// restricted to the given names when any are passed.
func (c *commands) ConsumerInfo(ctx context.Context, names ...string) (map[string]ConsumerStat, error) {
	infos, err := c.client.XInfoConsumers(ctx, c.stream, c.group)
	if err != nil {
		if isNoGroupError(err) {
			return map[string]ConsumerStat{}, nil
		}
		return nil, &ConnectionError{Op: "consumer info", Err: err}
	}

	var filter map[string]struct{}
	if len(names) > 0 {
		filter = make(map[string]struct{}, len(names))
		for _, name := range names {
			filter[name] = struct{}{}
		}
	}

	stats := make(map[string]ConsumerStat, len(infos))
	for _, info := range infos {
		if filter != nil {
			if _, ok := filter[info.Name]; !ok {
				continue
			}
		}
		stats[info.Name] = ConsumerStat{
			Name:     info.Name,
			Pending:  info.Pending,
			Idle:     info.Idle,
			Inactive: info.Inactive,
		}
	}
	return stats, nil
}

// Groups lists the consumer groups attached to the stream. A missing stream
// yields an empty list.
func (c *commands) Groups(ctx context.Context) ([]GroupInfo, error) {
	infos, err := c.client.XInfoGroups(ctx, c.stream)
	if err != nil {
		if isNoGroupError(err) {
			return nil, nil
		}
		return nil, &ConnectionError{Op: "group info", Err: err}
	}
	groups := make([]GroupInfo, 0, len(infos))
	for _, info := range infos {
		groups = append(groups, GroupInfo{
			Name:      info.Name,
			Consumers: info.Consumers,
			Pending:   info.Pending,
		})
	}
	return groups, nil
}

// GroupExists reports whether a consumer group of the given name exists on
// the stream.
func (c *commands) GroupExists(ctx context.Context, group string) (bool, error) {
	groups, err := c.Groups(ctx)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if g.Name == group {
			return true, nil
		}
	}
	return false, nil
}

// StreamLen returns the number of entries currently in the stream.
func (c *commands) StreamLen(ctx context.Context) (int64, error) {
	n, err := c.client.XLen(ctx, c.stream)
	if err != nil {
		return 0, &ConnectionError{Op: "stream length", Err: err}
	}
	return n, nil
}

// availabilityKey is the list of listening workers for one instance of this
// group.
func (c *commands) availabilityKey(instanceID string) string {
	return c.stream + ":" + c.group + ":" + instanceID + ":consumers"
}

// AvailableConsumers returns the names of the instance's listening workers.
func (c *commands) AvailableConsumers(ctx context.Context, instanceID string) ([]string, error) {
	names, err := c.client.LRange(ctx, c.availabilityKey(instanceID), 0, -1)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, &ConnectionError{Op: "available consumers", Err: err}
	}
	return names, nil
}

// ConsumerAvailable reports whether the consumer is registered for its
// instance.
func (c *commands) ConsumerAvailable(ctx context.Context, instanceID, name string) (bool, error) {
	_, err := c.client.LPos(ctx, c.availabilityKey(instanceID), name, redis.LPosArgs{})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, &ConnectionError{Op: "consumer available", Err: err}
	}
	return true, nil
}

// MakeConsumerAvailable registers the consumer in its instance's availability
// list. Idempotent: an already-registered consumer only has the list's TTL
// refreshed.
func (c *commands) MakeConsumerAvailable(ctx context.Context, instanceID, name string) error {
	key := c.availabilityKey(instanceID)

	available, err := c.ConsumerAvailable(ctx, instanceID, name)
	if err != nil {
		return err
	}
	if !available {
		if _, err := c.client.LPush(ctx, key, name); err != nil {
			return &ConnectionError{Op: "make consumer available", Err: err}
		}
	}
	if _, err := c.client.Expire(ctx, key, availabilityTTL); err != nil {
		return &ConnectionError{Op: "make consumer available", Err: err}
	}
	return nil
}

// MakeConsumerUnavailable removes the consumer from its instance's
// availability list. Removing an absent consumer is a no-op.
func (c *commands) MakeConsumerUnavailable(ctx context.Context, instanceID, name string) error {
	_, err := c.client.LRem(ctx, c.availabilityKey(instanceID), 0, name)
	if err != nil && !errors.Is(err, redis.Nil) {
		return &ConnectionError{Op: "make consumer unavailable", Err: err}
	}
	return nil
}

// Ping verifies the connection.
func (c *commands) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		return &ConnectionError{Op: "ping", Err: err}
	}
	return nil
}

// Close releases the underlying client.
func (c *commands) Close() error {
	return c.client.Close()
}
