package redisipc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// mockClient is an in-memory StreamsClient with enough consumer-group
// semantics for full round trips: per-group delivery cursors and pending
// lists, claims and autoclaim scans, consumer bookkeeping, and plain lists
// for availability. All state sits behind one mutex, like a single-threaded
// Redis.
type mockClient struct {
	mu sync.Mutex

	seq     int64
	entries []mockEntry
	groups  map[string]*mockGroup
	lists   map[string][]string
	ttls    map[string]time.Duration

	fail     map[string]error
	claimLog []string
	closed   bool
}

type mockEntry struct {
	seq    int64
	values map[string]interface{}
}

func (e mockEntry) id() string { return fmt.Sprintf("%d-0", e.seq) }

type mockPending struct {
	consumer   string
	delivered  time.Time
	deliveries int64
}

type mockConsumer struct {
	seen time.Time
}

type mockGroup struct {
	lastDelivered int64
	pending       map[int64]*mockPending
	consumers     map[string]*mockConsumer
}

func newMockClient() *mockClient {
	return &mockClient{
		groups: make(map[string]*mockGroup),
		lists:  make(map[string][]string),
		ttls:   make(map[string]time.Duration),
		fail:   make(map[string]error),
	}
}

// setFail forces op to return err until cleared with a nil err.
func (m *mockClient) setFail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
	} else {
		m.fail[op] = err
	}
}

func noGroupError(group, stream string) error {
	return fmt.Errorf("NOGROUP No such consumer group '%s' for key name '%s'", group, stream)
}

func parseSeq(id string) int64 {
	part := id
	if i := strings.IndexByte(id, '-'); i >= 0 {
		part = id[:i]
	}
	n, _ := strconv.ParseInt(part, 10, 64)
	return n
}

func copyValues(values map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func (m *mockClient) entryBySeq(seq int64) (mockEntry, bool) {
	for _, e := range m.entries {
		if e.seq == seq {
			return e, true
		}
	}
	return mockEntry{}, false
}

func (m *mockClient) touch(g *mockGroup, consumer string) {
	c, ok := g.consumers[consumer]
	if !ok {
		c = &mockConsumer{}
		g.consumers[consumer] = c
	}
	c.seen = time.Now()
}

func sortedPendingSeqs(g *mockGroup) []int64 {
	seqs := make([]int64, 0, len(g.pending))
	for seq := range g.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

func (m *mockClient) XAdd(ctx context.Context, args *redis.XAddArgs) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["xadd"]; err != nil {
		return "", err
	}
	m.seq++
	e := mockEntry{seq: m.seq, values: copyValues(args.Values.(map[string]interface{}))}
	m.entries = append(m.entries, e)
	return e.id(), nil
}

func (m *mockClient) XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["xreadgroup"]; err != nil {
		return nil, err
	}
	g, ok := m.groups[args.Group]
	if !ok {
		return nil, noGroupError(args.Group, args.Streams[0])
	}
	m.touch(g, args.Consumer)

	count := args.Count
	if count <= 0 {
		count = 1
	}
	cursor := args.Streams[1]
	var msgs []redis.XMessage

	if cursor == ">" {
		for _, e := range m.entries {
			if e.seq <= g.lastDelivered {
				continue
			}
			g.lastDelivered = e.seq
			g.pending[e.seq] = &mockPending{consumer: args.Consumer, delivered: time.Now(), deliveries: 1}
			msgs = append(msgs, redis.XMessage{ID: e.id(), Values: copyValues(e.values)})
			if int64(len(msgs)) >= count {
				break
			}
		}
		if len(msgs) == 0 {
			return nil, redis.Nil
		}
	} else {
		// Own pending list. Entries deleted from the stream but still
		// pending surface with nil values, like real Redis.
		start := parseSeq(cursor)
		for _, seq := range sortedPendingSeqs(g) {
			p := g.pending[seq]
			if p.consumer != args.Consumer || seq <= start {
				continue
			}
			if e, found := m.entryBySeq(seq); found {
				msgs = append(msgs, redis.XMessage{ID: e.id(), Values: copyValues(e.values)})
			} else {
				msgs = append(msgs, redis.XMessage{ID: fmt.Sprintf("%d-0", seq)})
			}
			if int64(len(msgs)) >= count {
				break
			}
		}
	}
	return []redis.XStream{{Stream: args.Streams[0], Messages: msgs}}, nil
}

func (m *mockClient) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["xack"]; err != nil {
		return 0, err
	}
	g, ok := m.groups[group]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, id := range ids {
		seq := parseSeq(id)
		if _, pending := g.pending[seq]; pending {
			delete(g.pending, seq)
			n++
		}
	}
	return n, nil
}

func (m *mockClient) XDel(ctx context.Context, stream string, ids ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["xdel"]; err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		seq := parseSeq(id)
		for i, e := range m.entries {
			if e.seq == seq {
				m.entries = append(m.entries[:i], m.entries[i+1:]...)
				n++
				break
			}
		}
	}
	return n, nil
}

func (m *mockClient) XClaim(ctx context.Context, args *redis.XClaimArgs) ([]redis.XMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["xclaim"]; err != nil {
		return nil, err
	}
	g, ok := m.groups[args.Group]
	if !ok {
		return nil, noGroupError(args.Group, args.Stream)
	}
	m.touch(g, args.Consumer)

	var out []redis.XMessage
	for _, id := range args.Messages {
		seq := parseSeq(id)
		p, pending := g.pending[seq]
		if !pending || time.Since(p.delivered) < args.MinIdle {
			continue
		}
		e, found := m.entryBySeq(seq)
		if !found {
			// Claiming a deleted entry drops it from the pending list.
			delete(g.pending, seq)
			continue
		}
		p.consumer = args.Consumer
		p.delivered = time.Now()
		p.deliveries++
		m.claimLog = append(m.claimLog, args.Consumer)
		out = append(out, redis.XMessage{ID: e.id(), Values: copyValues(e.values)})
	}
	return out, nil
}

func (m *mockClient) XAutoClaim(ctx context.Context, args *redis.XAutoClaimArgs) ([]redis.XMessage, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["xautoclaim"]; err != nil {
		return nil, "", err
	}
	g, ok := m.groups[args.Group]
	if !ok {
		return nil, "", noGroupError(args.Group, args.Stream)
	}
	m.touch(g, args.Consumer)

	count := args.Count
	if count <= 0 {
		count = 1
	}
	start := parseSeq(args.Start)
	var out []redis.XMessage
	for _, seq := range sortedPendingSeqs(g) {
		if seq < start {
			continue
		}
		p := g.pending[seq]
		if time.Since(p.delivered) < args.MinIdle {
			continue
		}
		e, found := m.entryBySeq(seq)
		if !found {
			delete(g.pending, seq)
			continue
		}
		p.consumer = args.Consumer
		p.delivered = time.Now()
		p.deliveries++
		out = append(out, redis.XMessage{ID: e.id(), Values: copyValues(e.values)})
		if int64(len(out)) >= count {
			return out, fmt.Sprintf("%d-0", seq+1), nil
		}
	}
	return out, reclaimScanStart, nil
}

func (m *mockClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["xgroupcreate"]; err != nil {
		return err
	}
	if _, exists := m.groups[group]; exists {
		return errors.New("BUSYGROUP Consumer Group name already exists")
	}
	g := &mockGroup{
		pending:   make(map[int64]*mockPending),
		consumers: make(map[string]*mockConsumer),
	}
	if start == "$" {
		g.lastDelivered = m.seq
	}
	m.groups[group] = g
	return nil
}

func (m *mockClient) XGroupDestroy(ctx context.Context, stream, group string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["xgroupdestroy"]; err != nil {
		return 0, err
	}
	if _, exists := m.groups[group]; !exists {
		return 0, nil
	}
	delete(m.groups, group)
	return 1, nil
}

func (m *mockClient) XGroupCreateConsumer(ctx context.Context, stream, group, consumer string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["xgroupcreateconsumer"]; err != nil {
		return 0, err
	}
	g, ok := m.groups[group]
	if !ok {
		return 0, noGroupError(group, stream)
	}
	if _, exists := g.consumers[consumer]; exists {
		return 0, nil
	}
	g.consumers[consumer] = &mockConsumer{seen: time.Now()}
	return 1, nil
}

func (m *mockClient) XGroupDelConsumer(ctx context.Context, stream, group, consumer string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["xgroupdelconsumer"]; err != nil {
		return 0, err
	}
	g, ok := m.groups[group]
	if !ok {
		return 0, noGroupError(group, stream)
	}
	var n int64
	for seq, p := range g.pending {
		if p.consumer == consumer {
			delete(g.pending, seq)
			n++
		}
	}
	delete(g.consumers, consumer)
	return n, nil
}

func (m *mockClient) XInfoConsumers(ctx context.Context, stream, group string) ([]redis.XInfoConsumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["xinfoconsumers"]; err != nil {
		return nil, err
	}
	g, ok := m.groups[group]
	if !ok {
		return nil, noGroupError(group, stream)
	}
	names := make([]string, 0, len(g.consumers))
	for name := range g.consumers {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]redis.XInfoConsumer, 0, len(names))
	for _, name := range names {
		var pending int64
		for _, p := range g.pending {
			if p.consumer == name {
				pending++
			}
		}
		infos = append(infos, redis.XInfoConsumer{
			Name:    name,
			Pending: pending,
			Idle:    time.Since(g.consumers[name].seen),
		})
	}
	return infos, nil
}

func (m *mockClient) XInfoGroups(ctx context.Context, stream string) ([]redis.XInfoGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["xinfogroups"]; err != nil {
		return nil, err
	}
	names := make([]string, 0, len(m.groups))
	for name := range m.groups {
		names = append(names, name)
	}
	sort.Strings(names)

	groups := make([]redis.XInfoGroup, 0, len(names))
	for _, name := range names {
		groups = append(groups, redis.XInfoGroup{
			Name:      name,
			Consumers: int64(len(m.groups[name].consumers)),
			Pending:   int64(len(m.groups[name].pending)),
		})
	}
	return groups, nil
}

func (m *mockClient) XLen(ctx context.Context, stream string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["xlen"]; err != nil {
		return 0, err
	}
	return int64(len(m.entries)), nil
}

func (m *mockClient) LPush(ctx context.Context, key string, values ...interface{}) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["lpush"]; err != nil {
		return 0, err
	}
	for _, v := range values {
		m.lists[key] = append([]string{fmt.Sprint(v)}, m.lists[key]...)
	}
	return int64(len(m.lists[key])), nil
}

func (m *mockClient) LRem(ctx context.Context, key string, count int64, value interface{}) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["lrem"]; err != nil {
		return 0, err
	}
	target := fmt.Sprint(value)
	var kept []string
	var removed int64
	for _, item := range m.lists[key] {
		if item == target && (count == 0 || removed < count) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	m.lists[key] = kept
	return removed, nil
}

func (m *mockClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["lrange"]; err != nil {
		return nil, err
	}
	list := m.lists[key]
	n := int64(len(list))
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = n + start
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *mockClient) LPos(ctx context.Context, key, value string, args redis.LPosArgs) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["lpos"]; err != nil {
		return 0, err
	}
	for i, item := range m.lists[key] {
		if item == value {
			return int64(i), nil
		}
	}
	return 0, redis.Nil
}

func (m *mockClient) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["expire"]; err != nil {
		return false, err
	}
	m.ttls[key] = ttl
	_, ok := m.lists[key]
	return ok, nil
}

func (m *mockClient) Del(ctx context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["del"]; err != nil {
		return 0, err
	}
	var n int64
	for _, key := range keys {
		if _, ok := m.lists[key]; ok {
			delete(m.lists, key)
			n++
			continue
		}
		// Treat any other key as the stream: its entries and groups go away.
		if len(m.entries) > 0 || len(m.groups) > 0 {
			m.entries = nil
			m.groups = make(map[string]*mockGroup)
			n++
		}
	}
	return n, nil
}

func (m *mockClient) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["ping"]; err != nil {
		return err
	}
	if m.closed {
		return errors.New("client is closed")
	}
	return nil
}

func (m *mockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Test inspection helpers.

func (m *mockClient) streamSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *mockClient) pendingSize(group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return 0
	}
	return len(g.pending)
}

func (m *mockClient) pendingOwned(group, consumer string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return 0
	}
	n := 0
	for _, p := range g.pending {
		if p.consumer == consumer {
			n++
		}
	}
	return n
}

func (m *mockClient) claimTargets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.claimLog))
	copy(out, m.claimLog)
	return out
}

func (m *mockClient) listItems(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.lists[key]))
	copy(out, m.lists[key])
	return out
}

func (m *mockClient) hasGroup(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.groups[name]
	return ok
}

func (m *mockClient) hasConsumer(group, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return false
	}
	_, ok = g.consumers[name]
	return ok
}
