// Package buffer provides a generic, thread-safe ring buffer with explicit
// overflow policies. Connections use it to hand received chunks from the
// socket reader to the decoding goroutine.
package buffer

// Buffer is a bounded FIFO of T.
type Buffer[T any] interface {
	// Write adds an item. What happens when the buffer is full depends on the
	// overflow policy.
	Write(item T) error

	// Read removes and returns the oldest item.
	Read() (T, bool)

	// ReadBatch removes up to max items in FIFO order.
	ReadBatch(max int) []T

	// Size returns the number of queued items.
	Size() int

	// Capacity returns the maximum number of items.
	Capacity() int

	// Bytes returns the aligned byte total of queued items when a byte
	// budget is configured, else 0.
	Bytes() int

	IsFull() bool
	IsEmpty() bool

	// Clear drops every queued item.
	Clear()

	// Ready is signalled after every successful write. It has one slot, so
	// several writes may collapse into one wake-up; readers must drain.
	Ready() <-chan struct{}

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close rejects further writes and wakes blocked writers.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes Write to wait until space is available.
	Block

	// Reject fails the Write with ErrBufferOverrun, leaving the buffer intact.
	Reject
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	case Reject:
		return "Reject"
	default:
		return "Unknown"
	}
}

// ParseOverflowPolicy maps a config string to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch s {
	case "drop_oldest", "DropOldest":
		return DropOldest, true
	case "drop_newest", "DropNewest":
		return DropNewest, true
	case "block", "Block":
		return Block, true
	case "reject", "Reject", "fail", "":
		return Reject, true
	default:
		return Reject, false
	}
}

// DropCallback is called with each item discarded by an overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a ring with room for capacity items.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}

// AlignedLen rounds n up to a multiple of 4, the slot alignment used for
// byte-budget accounting.
func AlignedLen(n int) int {
	return (n + 3) &^ 3
}
