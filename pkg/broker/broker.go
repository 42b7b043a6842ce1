// Package broker provides at-least-once message queues with per-message
// visibility leases. A received message stays hidden from other consumers
// until its lease expires, it is released, or it is deleted. Holding a lease
// is the only thing that serializes work on a message; nothing in this
// package assumes the holder stays alive.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoMessage is returned by Receive when the wait window elapses empty
	ErrNoMessage = errors.New("no message available")
	// ErrLeaseLost is returned when a receipt no longer names the active lease
	ErrLeaseLost = errors.New("lease lost")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("broker closed")
)

// Message is a delivered queue message together with its lease handle
type Message struct {
	ID           string
	Body         []byte
	Receipt      string
	ReceiveCount int
	EnqueuedAt   time.Time
	VisibleAt    time.Time
}

// Stats is an approximate view of queue occupancy
type Stats struct {
	Visible  int // claimable now
	InFlight int // leased or delayed
}

// Broker is one named queue
type Broker interface {
	// Send enqueues body, immediately visible
	Send(ctx context.Context, body []byte) error
	// Receive claims one message, blocking up to wait for one to appear.
	// The claim hides the message for visibility.
	Receive(ctx context.Context, wait, visibility time.Duration) (*Message, error)
	// Delete acknowledges the message identified by receipt
	Delete(ctx context.Context, receipt string) error
	// Release ends the lease early, making the message visible after delay
	Release(ctx context.Context, receipt string, delay time.Duration) error
	// Stats reports approximate depth
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// DefaultPollInterval is how often polling backends re-check for visible messages
const DefaultPollInterval = 200 * time.Millisecond

// pollUntil calls try until it yields a message, fails, or wait elapses.
// try returning (nil, nil) means nothing was visible.
func pollUntil(ctx context.Context, wait, interval time.Duration, try func() (*Message, error)) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		msg, err := try()
		if err != nil || msg != nil {
			return msg, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNoMessage
		}
		if remaining > interval {
			remaining = interval
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
