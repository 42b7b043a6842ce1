package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	msg       Message
	receipt   string
	visibleAt time.Time
}

// MemoryBroker is an in-process queue with visibility leases.
// It backs local mode and tests; contents do not survive the process.
type MemoryBroker struct {
	name     string
	mu       sync.Mutex
	order    []string
	entries  map[string]*memoryEntry
	receipts map[string]string
	notify   chan struct{}
	closed   bool
	now      func() time.Time
	interval time.Duration
}

// MemoryOption configures a MemoryBroker
type MemoryOption func(*MemoryBroker)

// WithClock overrides the time source used for lease expiry
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBroker) { b.now = now }
}

// WithPollInterval sets how often a blocked Receive re-checks for expired leases
func WithPollInterval(d time.Duration) MemoryOption {
	return func(b *MemoryBroker) {
		if d > 0 {
			b.interval = d
		}
	}
}

// NewMemoryBroker creates an empty in-memory queue
func NewMemoryBroker(name string, opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		name:     name,
		entries:  make(map[string]*memoryEntry),
		receipts: make(map[string]string),
		notify:   make(chan struct{}),
		now:      time.Now,
		interval: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the queue name
func (b *MemoryBroker) Name() string { return b.name }

// wake unblocks every waiting Receive. Caller holds mu.
func (b *MemoryBroker) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Send enqueues body
func (b *MemoryBroker) Send(_ context.Context, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	now := b.now()
	id := uuid.NewString()
	b.entries[id] = &memoryEntry{
		msg: Message{
			ID:         id,
			Body:       append([]byte(nil), body...),
			EnqueuedAt: now,
		},
		visibleAt: now,
	}
	b.order = append(b.order, id)
	b.wake()
	return nil
}

// claim takes the first visible message. Caller holds mu.
func (b *MemoryBroker) claim(visibility time.Duration) *Message {
	now := b.now()
	for _, id := range b.order {
		e := b.entries[id]
		if now.Before(e.visibleAt) {
			continue
		}

		if e.receipt != "" {
			delete(b.receipts, e.receipt)
		}
		e.receipt = uuid.NewString()
		e.visibleAt = now.Add(visibility)
		e.msg.ReceiveCount++
		b.receipts[e.receipt] = id

		out := e.msg
		out.Body = append([]byte(nil), e.msg.Body...)
		out.Receipt = e.receipt
		out.VisibleAt = e.visibleAt
		return &out
	}
	return nil
}

// Receive claims one visible message, waiting up to wait
func (b *MemoryBroker) Receive(ctx context.Context, wait, visibility time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		if msg := b.claim(visibility); msg != nil {
			b.mu.Unlock()
			return msg, nil
		}
		notify := b.notify
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNoMessage
		}
		if remaining > b.interval {
			remaining = b.interval
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// lease resolves receipt to its entry if it is still the current lease. Caller holds mu.
func (b *MemoryBroker) lease(receipt string) (string, *memoryEntry, error) {
	id, ok := b.receipts[receipt]
	if !ok {
		return "", nil, ErrLeaseLost
	}
	e, ok := b.entries[id]
	if !ok || e.receipt != receipt {
		return "", nil, ErrLeaseLost
	}
	return id, e, nil
}

// Delete acknowledges a message
func (b *MemoryBroker) Delete(_ context.Context, receipt string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, _, err := b.lease(receipt)
	if err != nil {
		return err
	}
	delete(b.receipts, receipt)
	delete(b.entries, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

// Release returns a leased message to the queue after delay
func (b *MemoryBroker) Release(_ context.Context, receipt string, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, e, err := b.lease(receipt)
	if err != nil {
		return err
	}
	delete(b.receipts, receipt)
	e.receipt = ""
	e.visibleAt = b.now().Add(delay)
	b.wake()
	return nil
}

// Stats counts visible and in-flight messages
func (b *MemoryBroker) Stats(_ context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var s Stats
	for _, e := range b.entries {
		if now.Before(e.visibleAt) {
			s.InFlight++
		} else {
			s.Visible++
		}
	}
	return s, nil
}

// Close wakes all waiters and rejects further calls
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.wake()
	}
	return nil
}
