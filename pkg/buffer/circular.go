package buffer

import (
	"fmt"
	"sync"

	"github.com/d-wizard/plotter-sub000/errors"
)

type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	bytes    int // aligned bytes queued, only with a byte budget
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]

	ready   chan struct{}
	notFull *sync.Cond
	closed  bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	cb := &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
		ready:    make(chan struct{}, 1),
	}
	cb.notFull = sync.NewCond(&cb.mu)
	return cb, nil
}

func (cb *circularBuffer[T]) itemBytes(item T) int {
	if cb.opts.maxBytes == 0 {
		return 0
	}
	return AlignedLen(cb.opts.sizeOf(item))
}

// fits reports whether an item of n aligned bytes can be queued now.
func (cb *circularBuffer[T]) fits(n int) bool {
	if cb.size == cb.capacity {
		return false
	}
	return cb.opts.maxBytes == 0 || cb.bytes+n <= cb.opts.maxBytes
}

// popLocked removes the oldest item. Caller holds mu and size > 0.
func (cb *circularBuffer[T]) popLocked() T {
	var zero T
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	cb.bytes -= cb.itemBytes(item)
	return item
}

// Write adds an item according to the overflow policy.
func (cb *circularBuffer[T]) Write(item T) error {
	cb.mu.Lock()

	if cb.closed {
		cb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	n := cb.itemBytes(item)
	if cb.opts.maxBytes > 0 && n > cb.opts.maxBytes {
		cb.stats.recordReject()
		cb.mu.Unlock()
		return errors.WrapFatal(fmt.Errorf("%w: item of %d bytes exceeds budget %d",
			errors.ErrBufferOverrun, n, cb.opts.maxBytes), "Buffer", "Write", "size check")
	}

	var dropped []T
	if !cb.fits(n) {
		cb.stats.recordOverflow()
		if cb.metrics != nil {
			cb.metrics.overflows.Inc()
		}

		switch cb.opts.overflowPolicy {
		case DropOldest:
			for !cb.fits(n) && cb.size > 0 {
				dropped = append(dropped, cb.popLocked())
				cb.stats.recordDrop()
				if cb.metrics != nil {
					cb.metrics.drops.Inc()
				}
			}

		case DropNewest:
			cb.stats.recordDrop()
			if cb.metrics != nil {
				cb.metrics.drops.Inc()
			}
			cb.mu.Unlock()
			if cb.opts.dropCallback != nil {
				cb.opts.dropCallback(item)
			}
			return nil

		case Block:
			for !cb.fits(n) && !cb.closed {
				cb.notFull.Wait()
			}
			if cb.closed {
				cb.mu.Unlock()
				return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write",
					"buffer closed during blocking wait")
			}

		default: // Reject
			cb.stats.recordReject()
			size := cb.size
			cb.mu.Unlock()
			return errors.WrapFatal(fmt.Errorf("%w: %d items queued", errors.ErrBufferOverrun, size),
				"Buffer", "Write", "ring write")
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++
	cb.bytes += n

	cb.stats.recordWrite()
	cb.stats.updateSize(cb.size)
	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size, cb.capacity)
	}
	cb.mu.Unlock()

	// Callbacks run outside the lock.
	if cb.opts.dropCallback != nil {
		for _, d := range dropped {
			cb.opts.dropCallback(d)
		}
	}

	select {
	case cb.ready <- struct{}{}:
	default:
	}
	return nil
}

// Read retrieves and removes one item from the buffer.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	item := cb.popLocked()
	cb.afterReadLocked(1)
	return item, true
}

// ReadBatch retrieves and removes up to max items from the buffer.
func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	count := min(max, cb.size)
	if count == 0 {
		return nil
	}
	result := make([]T, count)
	for i := range result {
		result[i] = cb.popLocked()
	}
	cb.afterReadLocked(count)
	return result
}

func (cb *circularBuffer[T]) afterReadLocked(n int) {
	cb.stats.recordRead(n)
	cb.stats.updateSize(cb.size)
	if cb.metrics != nil {
		cb.metrics.recordRead(n, cb.size, cb.capacity)
	}
	cb.notFull.Broadcast()
}

// Size returns the current number of items in the buffer.
func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

// Bytes returns the aligned byte total of queued items.
func (cb *circularBuffer[T]) Bytes() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.bytes
}

// IsFull returns true if the buffer is at maximum capacity.
func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == cb.capacity
}

// IsEmpty returns true if the buffer contains no items.
func (cb *circularBuffer[T]) IsEmpty() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == 0
}

// Clear removes all items from the buffer.
func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	var dropped []T
	for cb.size > 0 {
		dropped = append(dropped, cb.popLocked())
	}
	cb.head, cb.tail, cb.bytes = 0, 0, 0
	cb.stats.updateSize(0)
	if cb.metrics != nil {
		cb.metrics.updateSize(0, cb.capacity)
	}
	cb.notFull.Broadcast()
	cb.mu.Unlock()

	if cb.opts.dropCallback != nil {
		for _, d := range dropped {
			cb.opts.dropCallback(d)
		}
	}
}

// Ready returns the write notification channel.
func (cb *circularBuffer[T]) Ready() <-chan struct{} {
	return cb.ready
}

// Stats returns buffer statistics.
func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close shuts down the buffer. Queued items stay readable.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true
	cb.notFull.Broadcast()
	return nil
}
