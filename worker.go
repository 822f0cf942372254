package redisipc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RequestHandler is invoked for every inbound request entry. Fulfill or
// reject the request through the coordinator; a non-nil return (or a panic)
// is reported to the error handler and published as a rejected reply carrying
// the error text.
type RequestHandler func(ctx context.Context, entry Entry) error

// ErrorHandler receives every error a worker or dispatcher tick could not
// handle itself.
type ErrorHandler func(err error)

// Worker lifecycle states.
const (
	workerIdle int32 = iota
	workerRunning
	workerStopping
	workerStopped
)

// worker owns one consumer name and periodically drains its pending-entry
// list: replies are routed to their waiting mailbox, requests to the user's
// handler, anything else is purged. Every processed entry is acknowledged and
// deleted, including entries whose handling failed, so a poison entry can
// never wedge the loop.
type worker struct {
	name     string
	group    string
	instance string
	interval time.Duration

	cmds   *commands
	ledger *ledger
	stats  *streamStats
	logger *zap.Logger

	onRequest RequestHandler
	onError   ErrorHandler

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newWorker(name string, cmds *commands, ledger *ledger, cfg workerConfig) *worker {
	return &worker{
		name:      name,
		group:     cfg.group,
		instance:  cfg.instance,
		interval:  cfg.interval,
		cmds:      cmds,
		ledger:    ledger,
		stats:     cfg.stats,
		logger:    cfg.logger.Named("worker").With(zap.String("consumer", name)),
		onRequest: cfg.onRequest,
		onError:   cfg.onError,
		stopCh:    make(chan struct{}),
	}
}

// workerConfig carries the coordinator-provided pieces shared by the pool.
type workerConfig struct {
	group     string
	instance  string
	interval  time.Duration
	stats     *streamStats
	logger    *zap.Logger
	onRequest RequestHandler
	onError   ErrorHandler
}

// listen registers the consumer, marks it available and starts the tick
// loop. A worker listens at most once.
func (w *worker) listen(ctx context.Context) error {
	if !w.state.CompareAndSwap(workerIdle, workerRunning) {
		return &ConfigError{Reason: fmt.Sprintf("worker %s already started", w.name)}
	}
	if err := w.cmds.CreateConsumer(ctx, w.name); err != nil {
		w.state.Store(workerStopped)
		return err
	}
	if err := w.cmds.MakeConsumerAvailable(ctx, w.instance, w.name); err != nil {
		w.state.Store(workerStopped)
		return err
	}

	w.wg.Add(1)
	go w.run()
	w.logger.Debug("worker listening")
	return nil
}

// stop halts the tick loop, waits for it, and withdraws the consumer from
// availability and from the group. Idempotent.
func (w *worker) stop(ctx context.Context) error {
	if !w.state.CompareAndSwap(workerRunning, workerStopping) {
		return nil
	}
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()

	var firstErr error
	if err := w.cmds.MakeConsumerUnavailable(ctx, w.instance, w.name); err != nil {
		firstErr = err
	}
	if err := w.cmds.DeleteConsumer(ctx, w.name); err != nil && firstErr == nil {
		firstErr = err
	}
	w.state.Store(workerStopped)
	w.logger.Debug("worker stopped")
	return firstErr
}

func (w *worker) running() bool {
	return w.state.Load() == workerRunning
}

func (w *worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick processes at most one entry from the worker's own pending list.
func (w *worker) tick(ctx context.Context) {
	entry, ok, err := w.cmds.NextPendingEntry(ctx, w.name)
	if err != nil {
		w.reportError(err)
		return
	}
	if !ok {
		return
	}
	w.process(ctx, entry)
}

// process classifies one entry and finalizes it. Classification order: purge
// invalid entries, deliver replies to their mailbox, hand requests to the
// user handler. A terminal reply without a ledger row belongs to a caller
// that already timed out and is purged like an invalid entry.
func (w *worker) process(ctx context.Context, entry Entry) {
	switch {
	case !entry.valid() || entry.DestinationGroup != w.group:
		w.stats.invalidEntries.Add(1)
		w.logger.Debug("purging invalid entry",
			zap.String("id", entry.ID),
			zap.String("redis_id", entry.RedisID),
			zap.String("destination", entry.DestinationGroup))
		w.finalize(ctx, entry)

	case w.ledger.contains(entry.ID):
		if mb, ok := w.ledger.fetch(entry.ID); ok {
			mb.put(mailboxValue{entry: entry})
		}
		w.stats.responsesDelivered.Add(1)
		w.finalize(ctx, entry)

	case entry.Status == StatusPending:
		w.handleRequest(ctx, entry)

	default:
		w.stats.invalidEntries.Add(1)
		w.finalize(ctx, entry)
	}
}

// handleRequest runs the user handler. Failures reject the request back to
// the caller; the request entry is acked and deleted in every outcome.
func (w *worker) handleRequest(ctx context.Context, entry Entry) {
	defer w.finalize(ctx, entry)
	defer func() {
		if r := recover(); r != nil {
			w.stats.handlerErrors.Add(1)
			w.reportError(fmt.Errorf("request handler panic: %v", r))
			w.publishReject(ctx, entry, fmt.Sprintf("%v", r))
		}
	}()

	w.stats.requestsHandled.Add(1)
	if err := w.onRequest(ctx, entry); err != nil {
		w.stats.handlerErrors.Add(1)
		w.reportError(err)
		w.publishReject(ctx, entry, err.Error())
	}
}

func (w *worker) publishReject(ctx context.Context, entry Entry, reason string) {
	if _, err := w.cmds.AddToStream(ctx, entry.Rejected(reason)); err != nil {
		w.reportError(fmt.Errorf("failed to publish rejection for %s: %w", entry.ID, err))
	}
}

// finalize acknowledges and deletes the entry. Both operations tolerate the
// other side having finished first.
func (w *worker) finalize(ctx context.Context, entry Entry) {
	if err := w.cmds.AcknowledgeEntry(ctx, entry); err != nil {
		w.reportError(err)
	}
	if err := w.cmds.DeleteEntry(ctx, entry); err != nil {
		w.reportError(err)
	}
}

func (w *worker) reportError(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}
