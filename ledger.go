package redisipc

import (
	"fmt"
	"sync"
	"time"
)

// ledgerRow pairs an outstanding request's mailbox with its absolute
// deadline.
type ledgerRow struct {
	expiresAt time.Time
	mb        *mailbox
}

// ledger is the local correlation table from in-flight request ids to the
// mailboxes of their waiting callers. A background sweeper removes rows whose
// deadline has passed; it never wakes a waiter, who observes the timeout
// through its own bounded take.
type ledger struct {
	mu   sync.RWMutex
	rows map[string]*ledgerRow

	entryTimeout    time.Duration
	cleanupInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newLedger(entryTimeout, cleanupInterval time.Duration) *ledger {
	return &ledger{
		rows:            make(map[string]*ledgerRow),
		entryTimeout:    entryTimeout,
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
}

// start launches the background sweeper.
func (l *ledger) start() {
	l.wg.Add(1)
	go l.sweepLoop()
}

// stop terminates the sweeper and waits for it to exit. Idempotent.
func (l *ledger) stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
}

// store creates a row for the entry and returns its fresh mailbox. Exactly
// one mailbox exists per id; a second store for the same id fails.
func (l *ledger) store(e Entry) (*mailbox, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.rows[e.ID]; exists {
		return nil, fmt.Errorf("redisipc: duplicate entry id %q in ledger", e.ID)
	}
	mb := newMailbox()
	l.rows[e.ID] = &ledgerRow{
		expiresAt: time.Now().Add(l.entryTimeout),
		mb:        mb,
	}
	return mb, nil
}

// fetch returns the mailbox stored under id, if any.
func (l *ledger) fetch(id string) (*mailbox, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	row, ok := l.rows[id]
	if !ok {
		return nil, false
	}
	return row.mb, true
}

// contains reports whether a row exists for id.
func (l *ledger) contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.rows[id]
	return ok
}

// delete removes the row for id. Deleting an absent id is a no-op.
func (l *ledger) delete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.rows, id)
}

// expired reports whether id is unknown or its deadline has passed.
func (l *ledger) expired(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	row, ok := l.rows[id]
	if !ok {
		return true
	}
	return time.Now().After(row.expiresAt)
}

// size returns the number of live rows.
func (l *ledger) size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.rows)
}

func (l *ledger) sweepLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

// sweep removes every row whose deadline lies before now.
func (l *ledger) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, row := range l.rows {
		if now.After(row.expiresAt) {
			delete(l.rows, id)
		}
	}
}
