package buffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"sawmill/internal/config"
	"sawmill/internal/model"
	"sawmill/pkg/metrics"
)

var (
	// ErrBufferFull is the sole rejection signal. It is never fatal; the
	// caller decides whether to retry, shed load, or escalate.
	ErrBufferFull = errors.New("ingress buffer full")

	// ErrBufferClosed is returned once intake has been stopped for shutdown.
	ErrBufferClosed = errors.New("ingress buffer closed")
)

// Buffer is the bounded ingress queue between producers and the batcher.
// All producer goroutines share it; a mutex guards the ring storage.
type Buffer struct {
	mu      sync.Mutex
	notFull *sync.Cond

	items    []model.Record
	head     int
	count    int
	capacity int

	policy        config.OverflowPolicy
	submitTimeout time.Duration
	closed        bool

	// ready is nudged on every push so the batcher can sleep between drains
	// without polling.
	ready chan struct{}

	dropped uint64
}

func New(capacity int, policy config.OverflowPolicy, submitTimeout time.Duration) *Buffer {
	b := &Buffer{
		items:         make([]model.Record, capacity),
		capacity:      capacity,
		policy:        policy,
		submitTimeout: submitTimeout,
		ready:         make(chan struct{}, 1),
	}
	b.notFull = sync.NewCond(&b.mu)
	metrics.BufferCapacity.Set(float64(capacity))
	return b
}

// Submit offers one record to the buffer. It returns nil on acceptance and
// ErrBufferFull on rejection per the configured overflow policy. With the
// block policy it waits up to the submit timeout (or ctx cancellation) for
// space; it never blocks indefinitely.
func (b *Buffer) Submit(ctx context.Context, rec model.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		metrics.RecordsSubmittedTotal.WithLabelValues("rejected").Inc()
		return ErrBufferClosed
	}

	if b.count == b.capacity {
		switch b.policy {
		case config.OverflowFailFast:
			metrics.RecordsSubmittedTotal.WithLabelValues("rejected").Inc()
			return ErrBufferFull

		case config.OverflowDropOldest:
			b.evictOldestLocked()

		default: // block
			if err := b.waitForSpaceLocked(ctx); err != nil {
				metrics.RecordsSubmittedTotal.WithLabelValues("rejected").Inc()
				return err
			}
			if b.closed {
				metrics.RecordsSubmittedTotal.WithLabelValues("rejected").Inc()
				return ErrBufferClosed
			}
		}
	}

	b.pushLocked(rec)
	metrics.RecordsSubmittedTotal.WithLabelValues("accepted").Inc()
	return nil
}

// waitForSpaceLocked blocks on the condvar until space frees up, the submit
// timeout elapses, or ctx is canceled. Both expiry paths report ErrBufferFull:
// the caller could not get space in time, and ErrBufferFull is the buffer's
// sole rejection signal. Caller holds b.mu.
func (b *Buffer) waitForSpaceLocked(ctx context.Context) error {
	deadline := time.Now().Add(b.submitTimeout)

	// The condvar cannot observe timers or contexts on its own, so both
	// expiry paths broadcast to wake the waiter for a re-check.
	timer := time.AfterFunc(b.submitTimeout, func() {
		b.mu.Lock()
		b.notFull.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()

	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.notFull.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	for b.count == b.capacity && !b.closed {
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			return ErrBufferFull
		}
		b.notFull.Wait()
	}
	return nil
}

func (b *Buffer) pushLocked(rec model.Record) {
	tail := (b.head + b.count) % b.capacity
	b.items[tail] = rec
	b.count++
	metrics.BufferOccupancy.Set(float64(b.count))

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *Buffer) evictOldestLocked() {
	b.items[b.head] = model.Record{}
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.dropped++
	metrics.RecordsSubmittedTotal.WithLabelValues("dropped").Inc()
	metrics.BufferOccupancy.Set(float64(b.count))
}

// Drain pops up to max records in FIFO order without blocking. An empty
// buffer yields a nil slice.
func (b *Buffer) Drain(max int) []model.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 || max <= 0 {
		return nil
	}

	n := max
	if n > b.count {
		n = b.count
	}

	out := make([]model.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.items[b.head])
		b.items[b.head] = model.Record{}
		b.head = (b.head + 1) % b.capacity
	}
	b.count -= n

	metrics.BufferOccupancy.Set(float64(b.count))
	b.notFull.Broadcast()
	return out
}

// Ready signals that at least one record may be available to drain.
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Buffer) Cap() int {
	return b.capacity
}

// Dropped reports how many records the drop-oldest policy has evicted.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close stops intake. Records already buffered remain drainable.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.notFull.Broadcast()
}
