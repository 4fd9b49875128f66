package bus

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/warren/pkg/protocol"
)

// MemoryBackend keeps inboxes in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	inboxes map[string]*inbox
	seq     atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

type inbox struct {
	mu     sync.Mutex
	queue  messageHeap
	notify chan struct{} // closed and replaced on every enqueue
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		inboxes: make(map[string]*inbox),
		done:    make(chan struct{}),
	}
}

func (m *MemoryBackend) inbox(agent string) *inbox {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.inboxes[agent]
	if !ok {
		in = &inbox{notify: make(chan struct{})}
		m.inboxes[agent] = in
	}
	return in
}

func (m *MemoryBackend) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Enqueue implements Backend.
func (m *MemoryBackend) Enqueue(ctx context.Context, agent string, msg *protocol.Message) error {
	if m.closed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	in := m.inbox(agent)
	in.mu.Lock()
	msg.Seq = m.seq.Add(1)
	heap.Push(&in.queue, msg.Copy())
	close(in.notify)
	in.notify = make(chan struct{})
	in.mu.Unlock()
	return nil
}

// Dequeue implements Backend.
func (m *MemoryBackend) Dequeue(ctx context.Context, agent string, timeout time.Duration) (*protocol.Message, error) {
	in := m.inbox(agent)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if m.closed() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		in.mu.Lock()
		if in.queue.Len() > 0 {
			msg := heap.Pop(&in.queue).(*protocol.Message)
			in.mu.Unlock()
			return msg, nil
		}
		wake := in.notify
		in.mu.Unlock()

		if expired == nil {
			return nil, ErrEmpty
		}

		select {
		case <-wake:
		case <-expired:
			return nil, ErrEmpty
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, ErrClosed
		}
	}
}

// Len implements Backend.
func (m *MemoryBackend) Len(_ context.Context, agent string) (int, error) {
	in := m.inbox(agent)
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.queue.Len(), nil
}

// Drain implements Backend.
func (m *MemoryBackend) Drain(_ context.Context, agent string) ([]*protocol.Message, error) {
	in := m.inbox(agent)
	in.mu.Lock()
	defer in.mu.Unlock()

	out := make([]*protocol.Message, 0, in.queue.Len())
	for in.queue.Len() > 0 {
		out = append(out, heap.Pop(&in.queue).(*protocol.Message))
	}
	return out, nil
}

// RemoveExpired implements Backend.
func (m *MemoryBackend) RemoveExpired(_ context.Context, agent string, now time.Time) ([]*protocol.Message, error) {
	in := m.inbox(agent)
	in.mu.Lock()
	defer in.mu.Unlock()

	var removed []*protocol.Message
	kept := in.queue[:0]
	for _, msg := range in.queue {
		if msg.IsExpired(now) {
			removed = append(removed, msg)
			continue
		}
		kept = append(kept, msg)
	}
	for i := len(kept); i < len(in.queue); i++ {
		in.queue[i] = nil
	}
	in.queue = kept
	heap.Init(&in.queue)

	sort.Slice(removed, func(i, j int) bool { return deliveryBefore(removed[i], removed[j]) })
	return removed, nil
}

// Inboxes implements Backend.
func (m *MemoryBackend) Inboxes(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.inboxes))
	for name := range m.inboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close wakes every waiting Dequeue with ErrClosed.
func (m *MemoryBackend) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// messageHeap implements heap.Interface in delivery order.
type messageHeap []*protocol.Message

func (h messageHeap) Len() int           { return len(h) }
func (h messageHeap) Less(i, j int) bool { return deliveryBefore(h[i], h[j]) }
func (h messageHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) {
	*h = append(*h, x.(*protocol.Message))
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	msg := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return msg
}
