package audit

import (
	"context"
	"sync"
	"time"
)

// DefaultAsyncBuffer is the queue depth used when NewAsyncRecorder is given a
// non-positive buffer.
const DefaultAsyncBuffer = 256

// AsyncRecorder appends entries to a target recorder on a background
// goroutine. Entries are timestamped when recorded, so the target keeps them
// in mutation order even though appends land later. Record blocks only when
// the queue is full; entries are never dropped.
type AsyncRecorder struct {
	target  Recorder
	clock   func() time.Time
	entries chan Entry
	pending sync.WaitGroup
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsyncRecorder starts the background worker. Entries without a timestamp
// are stamped with clock, which should be the clock of the components feeding
// the recorder. A nil clock means time.Now.
func NewAsyncRecorder(target Recorder, buffer int, clock func() time.Time) *AsyncRecorder {
	if buffer <= 0 {
		buffer = DefaultAsyncBuffer
	}
	if clock == nil {
		clock = time.Now
	}
	a := &AsyncRecorder{
		target:  target,
		clock:   clock,
		entries: make(chan Entry, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncRecorder) run() {
	defer close(a.done)
	for e := range a.entries {
		a.target.Record(e)
		a.pending.Done()
	}
}

// Record implements Recorder. After Close, entries go straight to the target.
func (a *AsyncRecorder) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = a.clock()
	}

	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		a.target.Record(e)
		return
	}
	a.pending.Add(1)
	a.entries <- e
	a.mu.RUnlock()
}

// Flush waits until every entry recorded so far has reached the target.
func (a *AsyncRecorder) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	go func() {
		a.pending.Wait()
		close(flushed)
	}()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the worker. Safe to call more than once.
func (a *AsyncRecorder) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.entries)
	a.mu.Unlock()

	<-a.done
}
