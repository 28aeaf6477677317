// Package dispatch funnels decoded messages from every connection into a
// single goroutine that applies them in order.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/d-wizard/plotter-sub000/errors"
	"github.com/d-wizard/plotter-sub000/metric"
	"github.com/d-wizard/plotter-sub000/plotmsg"
)

// DefaultQueueSize is used when New is given a non-positive size.
const DefaultQueueSize = 4096

// Applier consumes messages on the dispatcher goroutine.
type Applier interface {
	Apply(msg plotmsg.Message)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics reports queue depth.
func WithMetrics(m *metric.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher is a bounded multi-producer, single-consumer queue in front of
// an Applier.
type Dispatcher struct {
	applier Applier
	queue   chan plotmsg.Message
	closing chan struct{}
	done    chan struct{}
	senders sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	applied atomic.Int64
	panics  atomic.Int64

	logger  *slog.Logger
	metrics *metric.Metrics
}

// New returns a stopped Dispatcher feeding applier.
func New(applier Applier, queueSize int, opts ...Option) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		applier: applier,
		queue:   make(chan plotmsg.Message, queueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

// Start launches the consumer goroutine.
func (d *Dispatcher) Start() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Dispatcher", "Start", "start consumer")
	}
	d.started = true
	go d.run()
	return nil
}

// Submit queues msg, blocking while the queue is full. It returns the
// context error if ctx ends first and ErrShuttingDown once Stop has begun.
func (d *Dispatcher) Submit(ctx context.Context, msg plotmsg.Message) error {
	d.lifecycleMu.Lock()
	switch {
	case !d.started:
		d.lifecycleMu.Unlock()
		return errors.WrapTransient(errors.ErrNotStarted, "Dispatcher", "Submit", "queue message")
	case d.stopped:
		d.lifecycleMu.Unlock()
		return errors.WrapTransient(errors.ErrShuttingDown, "Dispatcher", "Submit", "queue message")
	}
	d.senders.Add(1)
	d.lifecycleMu.Unlock()
	defer d.senders.Done()

	select {
	case d.queue <- msg:
		d.metrics.RecordQueueDepth(len(d.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.closing:
		return errors.WrapTransient(errors.ErrShuttingDown, "Dispatcher", "Submit", "queue message")
	}
}

// Stop refuses new messages, lets blocked senders return, applies what is
// already queued and waits up to timeout for the consumer to finish.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.lifecycleMu.Lock()
	if !d.started || d.stopped {
		d.lifecycleMu.Unlock()
		return nil
	}
	d.stopped = true
	d.lifecycleMu.Unlock()

	close(d.closing)
	d.senders.Wait()
	close(d.queue)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-d.done:
		d.logger.Debug("dispatcher stopped", "applied", d.applied.Load())
		return nil
	case <-timer.C:
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Dispatcher", "Stop", "drain queue")
	}
}

// Applied returns the number of messages handed to the Applier.
func (d *Dispatcher) Applied() int64 { return d.applied.Load() }

// Depth returns the number of queued messages.
func (d *Dispatcher) Depth() int { return len(d.queue) }

func (d *Dispatcher) run() {
	defer close(d.done)
	for msg := range d.queue {
		d.apply(msg)
		d.metrics.RecordQueueDepth(len(d.queue))
	}
}

// apply contains a panicking derivation to the message that caused it.
func (d *Dispatcher) apply(msg plotmsg.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Error("apply panicked", "plot", msg.PlotName, "curve", msg.CurveName,
				"action", msg.Action.String(), "panic", fmt.Sprint(r))
		}
	}()
	d.applier.Apply(msg)
	d.applied.Add(1)
}
