package redisipc

import (
	"context"
	"time"
)

// mailboxValue is the single value a mailbox can hold: a reply entry or an
// error raised on the caller's behalf.
type mailboxValue struct {
	entry Entry
	err   error
}

// mailbox is a single-assignment rendezvous slot between the worker that
// receives a reply and the caller blocked in SendToGroup. Exactly one put
// wins; later puts are dropped so redundant replies (possible after a
// reclaim) cannot corrupt a completed exchange.
type mailbox struct {
	ch chan mailboxValue
}

func newMailbox() *mailbox {
	return &mailbox{ch: make(chan mailboxValue, 1)}
}

// put offers a value without blocking. It reports whether the value was
// accepted; a false return means the slot was already taken.
func (m *mailbox) put(v mailboxValue) bool {
	select {
	case m.ch <- v:
		return true
	default:
		return false
	}
}

// take waits up to timeout for the slot to fill. It returns ErrTimeout when
// the deadline passes and the context error when ctx is done first.
func (m *mailbox) take(ctx context.Context, timeout time.Duration) (mailboxValue, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-m.ch:
		return v, nil
	case <-timer.C:
		return mailboxValue{}, ErrTimeout
	case <-ctx.Done():
		return mailboxValue{}, ctx.Err()
	}
}
