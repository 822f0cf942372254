package redisipc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stream is the lifecycle façade of one (stream, group, instance) triple. It
// owns the Redis command façade, the correlation ledger and the worker and
// dispatcher pools, and exposes the request/response API.
//
// A Stream is safe for concurrent use. The zero value is not usable; create
// one with New.
type Stream struct {
	stream string
	group  string

	mu         sync.Mutex
	instanceID string
	connected  bool
	cfg        Config
	client     StreamsClient
	ownsClient bool

	cmds        *commands
	ledger      *ledger
	workers     []*worker
	dispatchers []*dispatcher

	onRequest RequestHandler
	onError   ErrorHandler

	stats  *streamStats
	logger *zap.Logger
}

// New returns a disconnected coordinator for the given stream and group.
// Set OnRequest and OnError, then call Connect.
func New(stream, group string) *Stream {
	return &Stream{
		stream:     stream,
		group:      group,
		instanceID: newInstanceID(),
		stats:      &streamStats{},
		logger:     zap.NewNop(),
	}
}

// OnRequest sets the handler invoked for every inbound request. Required
// before Connect.
func (s *Stream) OnRequest(h RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRequest = h
}

// OnError sets the handler receiving worker and dispatcher errors. Required
// before Connect.
func (s *Stream) OnError(h ErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = h
}

// StreamName returns the Redis stream key.
func (s *Stream) StreamName() string { return s.stream }

// Group returns the consumer group name.
func (s *Stream) Group() string { return s.group }

// InstanceID returns this coordinator's per-process token.
func (s *Stream) InstanceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instanceID
}

// Connected reports whether Connect has completed and Disconnect has not.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connect builds the Redis client, recreates the consumer group, and starts
// the ledger sweeper, the worker pool and the dispatcher pool, in that order.
// It fails with *ConfigError when callbacks are missing, the configuration is
// invalid or the coordinator is already connected, and with *ConnectionError
// when Redis is unreachable.
func (s *Stream) Connect(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return &ConfigError{Reason: "already connected"}
	}
	if s.stream == "" || s.group == "" {
		return &ConfigError{Reason: "stream and group names are required"}
	}
	if s.onRequest == nil || s.onError == nil {
		return &ConfigError{Reason: "OnRequest and OnError handlers must be set before Connect"}
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.InstanceID != "" {
		s.instanceID = cfg.InstanceID
	}

	logger := cfg.Logger.Named("redisipc").With(
		zap.String("stream", s.stream),
		zap.String("group", s.group),
		zap.String("instance", s.instanceID),
	)

	client := cfg.Client
	ownsClient := false
	if client == nil {
		built, err := buildClient(cfg)
		if err != nil {
			return err
		}
		client = built
		ownsClient = true
	}

	cmds := newCommands(client, s.stream, s.group, logger)

	cleanup := func() {
		if ownsClient {
			_ = client.Close()
		}
	}

	if err := cmds.Ping(ctx); err != nil {
		cleanup()
		return err
	}

	// A fresh group per connect: stale pending lists from a previous run of
	// this group would otherwise be replayed at the new consumers.
	if err := cmds.DestroyGroup(ctx); err != nil {
		cleanup()
		return err
	}
	if err := cmds.CreateGroup(ctx); err != nil {
		cleanup()
		return err
	}

	ledger := newLedger(cfg.EntryTimeout, cfg.CleanupInterval)
	ledger.start()

	wcfg := workerConfig{
		group:     s.group,
		instance:  s.instanceID,
		interval:  cfg.WorkerInterval,
		stats:     s.stats,
		logger:    logger,
		onRequest: s.onRequest,
		onError:   s.onError,
	}
	workers := make([]*worker, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		workers = append(workers, newWorker(s.workerName(i), cmds, ledger, wcfg))
	}

	dcfg := dispatcherConfig{
		group:          s.group,
		instance:       s.instanceID,
		interval:       cfg.DispatcherInterval,
		reclaimMinIdle: cfg.ReclaimMinIdle,
		stats:          s.stats,
		logger:         logger,
		onError:        s.onError,
	}
	dispatchers := make([]*dispatcher, 0, cfg.Dispatchers)
	for i := 0; i < cfg.Dispatchers; i++ {
		dispatchers = append(dispatchers, newDispatcher(s.dispatcherName(i), cmds, dcfg))
	}

	stopStarted := func() {
		for _, d := range dispatchers {
			_ = d.stop(ctx)
		}
		for _, w := range workers {
			_ = w.stop(ctx)
		}
		ledger.stop()
		cleanup()
	}

	// Workers before dispatchers: a dispatcher refuses to listen until its
	// instance has at least one available worker.
	for _, w := range workers {
		if err := w.listen(ctx); err != nil {
			stopStarted()
			return err
		}
	}
	for _, d := range dispatchers {
		if err := d.listen(ctx); err != nil {
			stopStarted()
			return err
		}
	}

	s.cfg = cfg
	s.client = client
	s.ownsClient = ownsClient
	s.cmds = cmds
	s.ledger = ledger
	s.workers = workers
	s.dispatchers = dispatchers
	s.logger = logger
	s.connected = true

	logger.Info("connected",
		zap.Int("workers", cfg.Workers),
		zap.Int("dispatchers", cfg.Dispatchers),
		zap.Duration("entry_timeout", cfg.EntryTimeout))
	return nil
}

func buildClient(cfg Config) (StreamsClient, error) {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	if cfg.RedisURL != "" {
		parsed, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("invalid redis url: %v", err)}
		}
		opts = parsed
	}
	opts.PoolSize = cfg.connectionPoolSize()
	return NewClientAdapter(redis.NewClient(opts)), nil
}

// Disconnect stops the pools in reverse dependency order: dispatchers first,
// then workers, the ledger sweeper, and finally the client when this
// coordinator built it. Idempotent; any in-flight SendToGroup completes or
// times out on its own.
func (s *Stream) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}

	var errs []error
	for _, d := range s.dispatchers {
		if err := d.stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, w := range s.workers {
		if err := w.stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.ledger.stop()
	if s.ownsClient {
		if err := s.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.connected = false
	s.workers = nil
	s.dispatchers = nil
	s.logger.Info("disconnected")
	return errors.Join(errs...)
}

// SendToGroup publishes a pending entry addressed to group `to` and blocks
// until its reply arrives, the configured entry timeout passes, or ctx is
// done. Protocol failures never surface as a non-nil error: a failed publish,
// a peer rejection and a timeout all produce a rejected Response. The error
// return is reserved for misuse (not connected, bad destination, cancelled
// context).
func (s *Stream) SendToGroup(ctx context.Context, content, to string) (Response, error) {
	s.mu.Lock()
	connected := s.connected
	cmds := s.cmds
	ledger := s.ledger
	timeout := s.cfg.EntryTimeout
	instanceID := s.instanceID
	s.mu.Unlock()

	if !connected {
		return Response{}, ErrNotConnected
	}
	if to == "" {
		return Response{}, &ConfigError{Reason: "destination group is required"}
	}
	if to == s.group {
		return Response{}, &ConfigError{Reason: "destination group equals source group"}
	}

	entry, err := newEntry("", StatusPending, content, s.group, to, instanceID)
	if err != nil {
		return Response{}, err
	}

	// The row must exist before the publish: a fast peer can reply before
	// XADD even returns to us.
	mb, err := ledger.store(entry)
	if err != nil {
		return Response{}, err
	}
	defer ledger.delete(entry.ID)

	if _, err := cmds.AddToStream(ctx, entry); err != nil {
		return RejectedErr(err), nil
	}

	val, err := mb.take(ctx, timeout)
	switch {
	case errors.Is(err, ErrTimeout):
		return RejectedErr(ErrTimeout), nil
	case err != nil:
		return Response{}, err
	case val.err != nil:
		return RejectedErr(val.err), nil
	case val.entry.Status == StatusFulfilled:
		return Fulfilled(val.entry.Content), nil
	default:
		return Rejected(val.entry.Content), nil
	}
}

// FulfillRequest publishes the fulfilled reply to a request entry. It never
// blocks waiting for anything downstream.
func (s *Stream) FulfillRequest(ctx context.Context, entry Entry, content string) error {
	return s.publishReply(ctx, entry.Fulfilled(content))
}

// RejectRequest publishes the rejected reply to a request entry.
func (s *Stream) RejectRequest(ctx context.Context, entry Entry, content string) error {
	return s.publishReply(ctx, entry.Rejected(content))
}

func (s *Stream) publishReply(ctx context.Context, reply Entry) error {
	s.mu.Lock()
	connected := s.connected
	cmds := s.cmds
	s.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	_, err := cmds.AddToStream(ctx, reply)
	return err
}

// Stats returns a snapshot of this coordinator's counters.
func (s *Stream) Stats() Stats {
	return s.stats.snapshot()
}

// Len returns the current length of the underlying stream.
func (s *Stream) Len(ctx context.Context) (int64, error) {
	s.mu.Lock()
	connected := s.connected
	cmds := s.cmds
	s.mu.Unlock()

	if !connected {
		return 0, ErrNotConnected
	}
	return cmds.StreamLen(ctx)
}

func (s *Stream) workerName(i int) string {
	return fmt.Sprintf("%s-worker-%d", s.instanceID, i)
}

func (s *Stream) dispatcherName(i int) string {
	return fmt.Sprintf("%s-dispatcher-%d", s.instanceID, i)
}
