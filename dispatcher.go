package redisipc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// dispatcher is a specialized consumer that never processes entries itself.
// Each tick it obtains at most one entry (reclaimed, then unread, then its
// own pending list as a failsafe for interrupted handoffs) and claims it into
// the pending list of the least-busy worker of the target instance.
type dispatcher struct {
	name           string
	group          string
	instance       string
	interval       time.Duration
	reclaimMinIdle time.Duration

	cmds   *commands
	stats  *streamStats
	logger *zap.Logger

	onError ErrorHandler

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type dispatcherConfig struct {
	group          string
	instance       string
	interval       time.Duration
	reclaimMinIdle time.Duration
	stats          *streamStats
	logger         *zap.Logger
	onError        ErrorHandler
}

func newDispatcher(name string, cmds *commands, cfg dispatcherConfig) *dispatcher {
	return &dispatcher{
		name:           name,
		group:          cfg.group,
		instance:       cfg.instance,
		interval:       cfg.interval,
		reclaimMinIdle: cfg.reclaimMinIdle,
		cmds:           cmds,
		stats:          cfg.stats,
		logger:         cfg.logger.Named("dispatcher").With(zap.String("consumer", name)),
		onError:        cfg.onError,
		stopCh:         make(chan struct{}),
	}
}

// listen starts the tick loop. It refuses to start while the instance has no
// available worker: a dispatcher without workers could only fail every entry
// it touches.
func (d *dispatcher) listen(ctx context.Context) error {
	if !d.state.CompareAndSwap(workerIdle, workerRunning) {
		return &ConfigError{Reason: fmt.Sprintf("dispatcher %s already started", d.name)}
	}

	available, err := d.cmds.AvailableConsumers(ctx, d.instance)
	if err != nil {
		d.state.Store(workerStopped)
		return err
	}
	if len(available) == 0 {
		d.state.Store(workerStopped)
		return &ConfigError{Reason: fmt.Sprintf("no available workers for instance %s", d.instance)}
	}
	if err := d.cmds.CreateConsumer(ctx, d.name); err != nil {
		d.state.Store(workerStopped)
		return err
	}

	d.wg.Add(1)
	go d.run()
	d.logger.Debug("dispatcher listening")
	return nil
}

// stop halts the tick loop and removes the consumer from the group.
// Idempotent.
func (d *dispatcher) stop(ctx context.Context) error {
	if !d.state.CompareAndSwap(workerRunning, workerStopping) {
		return nil
	}
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()

	err := d.cmds.DeleteConsumer(ctx, d.name)
	d.state.Store(workerStopped)
	d.logger.Debug("dispatcher stopped")
	return err
}

func (d *dispatcher) running() bool {
	return d.state.Load() == workerRunning
}

func (d *dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick obtains at most one entry and routes it.
func (d *dispatcher) tick(ctx context.Context) {
	entry, ok := d.nextEntry(ctx)
	if !ok {
		return
	}
	d.route(ctx, entry)
}

// nextEntry reads in failsafe order: entries stuck in crashed consumers'
// pending lists first, then unread entries, then entries this dispatcher
// claimed earlier but did not hand off.
func (d *dispatcher) nextEntry(ctx context.Context) (Entry, bool) {
	entry, ok, err := d.cmds.NextReclaimedEntry(ctx, d.name, d.reclaimMinIdle)
	if err != nil {
		d.reportError(err)
		return Entry{}, false
	}
	if ok {
		d.stats.reclaimed.Add(1)
		d.logger.Debug("reclaimed idle entry",
			zap.String("id", entry.ID),
			zap.String("redis_id", entry.RedisID))
		return entry, true
	}

	entry, ok, err = d.cmds.NextUnreadEntry(ctx, d.name)
	if err != nil {
		d.reportError(err)
		return Entry{}, false
	}
	if ok {
		return entry, true
	}

	entry, ok, err = d.cmds.NextPendingEntry(ctx, d.name)
	if err != nil {
		d.reportError(err)
		return Entry{}, false
	}
	return entry, ok
}

// route hands the entry to a worker of the target instance.
//
// Entries that are not for this group are acknowledged so they leave this
// dispatcher's pending list but stay in the stream for the owning group's
// dispatchers - unless no such group exists, in which case nobody will ever
// read them and they are deleted as well.
func (d *dispatcher) route(ctx context.Context, entry Entry) {
	if !entry.valid() {
		d.stats.invalidEntries.Add(1)
		d.logger.Debug("purging invalid entry",
			zap.String("id", entry.ID),
			zap.String("redis_id", entry.RedisID))
		d.acknowledge(ctx, entry)
		d.delete(ctx, entry)
		return
	}

	if entry.DestinationGroup != d.group {
		d.acknowledge(ctx, entry)
		exists, err := d.cmds.GroupExists(ctx, entry.DestinationGroup)
		if err != nil {
			d.reportError(err)
			return
		}
		if !exists {
			d.stats.invalidEntries.Add(1)
			d.logger.Debug("purging entry for nonexistent group",
				zap.String("id", entry.ID),
				zap.String("destination", entry.DestinationGroup))
			d.delete(ctx, entry)
		}
		return
	}

	target := d.instance
	if entry.Status != StatusPending && entry.InstanceID != "" {
		target = entry.InstanceID
	}

	candidates, err := d.cmds.AvailableConsumers(ctx, target)
	if err != nil {
		d.reportError(err)
		return
	}
	if len(candidates) == 0 {
		d.stats.dispatchFailures.Add(1)
		d.logger.Warn("dispatch failure: no available workers",
			zap.String("id", entry.ID),
			zap.String("target_instance", target))
		d.acknowledge(ctx, entry)
		return
	}

	snapshot, err := d.cmds.ConsumerInfo(ctx, candidates...)
	if err != nil {
		// Load balancing degrades to first-candidate order on a failed
		// snapshot; dispatch itself must not.
		d.logger.Debug("consumer info unavailable", zap.Error(err))
		snapshot = map[string]ConsumerStat{}
	}

	consumer := pickConsumer(candidates, snapshot)
	if err := d.cmds.ClaimEntry(ctx, consumer, entry); err != nil {
		d.reportError(err)
		return
	}
	d.stats.dispatched.Add(1)
	d.logger.Debug("dispatched entry",
		zap.String("id", entry.ID),
		zap.String("consumer", consumer))
}

func (d *dispatcher) acknowledge(ctx context.Context, entry Entry) {
	if err := d.cmds.AcknowledgeEntry(ctx, entry); err != nil {
		d.reportError(err)
	}
}

func (d *dispatcher) delete(ctx context.Context, entry Entry) {
	if err := d.cmds.DeleteEntry(ctx, entry); err != nil {
		d.reportError(err)
	}
}

func (d *dispatcher) reportError(err error) {
	if d.onError != nil {
		d.onError(err)
	}
}
