// Package bus routes protocol messages into per-agent inboxes and delivers
// them in priority order.
//
// Storage is pluggable through Backend. MemoryBackend keeps inboxes in
// process; RedisBackend keeps them in Redis so several processes can share one
// bus. Both order each inbox by priority (urgent first) and then by arrival.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/dyluth/warren/pkg/protocol"
)

var (
	// ErrEmpty is returned by Dequeue and Receive when no message arrived
	// before the timeout.
	ErrEmpty = errors.New("inbox empty")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("bus backend closed")
)

// IsEmpty returns true if err reports an empty inbox after a timeout.
func IsEmpty(err error) bool {
	return errors.Is(err, ErrEmpty)
}

// Backend stores inboxes.
//
// Implementations must never remove a message from an inbox without returning
// it to the caller, including when ctx is cancelled mid-call.
type Backend interface {
	// Enqueue appends msg to the agent's inbox and stamps msg.Seq with the
	// arrival sequence number.
	Enqueue(ctx context.Context, agent string, msg *protocol.Message) error

	// Dequeue removes and returns the highest-priority, earliest-arrived
	// message. It waits up to timeout for one to arrive and returns ErrEmpty
	// if none does. A non-positive timeout checks once without waiting.
	Dequeue(ctx context.Context, agent string, timeout time.Duration) (*protocol.Message, error)

	// Len returns the number of queued messages, expired ones included.
	Len(ctx context.Context, agent string) (int, error)

	// Drain removes and returns every queued message in delivery order.
	Drain(ctx context.Context, agent string) ([]*protocol.Message, error)

	// RemoveExpired removes and returns the messages that are expired at now.
	RemoveExpired(ctx context.Context, agent string, now time.Time) ([]*protocol.Message, error)

	// Inboxes lists every agent that has ever had a message enqueued.
	Inboxes(ctx context.Context) ([]string, error)

	Close() error
}

// deliveryBefore orders messages for delivery: higher priority first, then
// lower sequence.
func deliveryBefore(a, b *protocol.Message) bool {
	ra, rb := a.Priority.Rank(), b.Priority.Rank()
	if ra != rb {
		return ra > rb
	}
	return a.Seq < b.Seq
}
