package buffer

import (
	"github.com/d-wizard/plotter-sub000/metric"
)

// Option configures a buffer.
type Option[T any] func(*bufferOptions[T])

type bufferOptions[T any] struct {
	overflowPolicy OverflowPolicy
	dropCallback   DropCallback[T]

	// byte budget; zero means item count is the only limit
	maxBytes int
	sizeOf   func(T) int

	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithOverflowPolicy sets the overflow behavior. The default is DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.overflowPolicy = policy
	}
}

// WithByteBudget caps the total 4-byte-aligned size of queued items.
// sizeOf reports an item's raw length.
func WithByteBudget[T any](maxBytes int, sizeOf func(T) int) Option[T] {
	return func(opts *bufferOptions[T]) {
		if maxBytes > 0 && sizeOf != nil {
			opts.maxBytes = maxBytes
			opts.sizeOf = sizeOf
		}
	}
}

// WithMetrics exports statistics as Prometheus metrics labelled with prefix.
// A nil registry or empty prefix is ignored.
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(opts *bufferOptions[T]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithDropCallback sets a callback invoked for every dropped item.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.dropCallback = callback
	}
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	opts := &bufferOptions[T]{overflowPolicy: DropOldest}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}

// ByteLen is a sizeOf function for byte-slice buffers.
func ByteLen(b []byte) int { return len(b) }
