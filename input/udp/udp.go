// Package udp receives plot datagrams. Each datagram carries one or more
// complete messages and is decoded on its own.
package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/d-wizard/plotter-sub000/errors"
	"github.com/d-wizard/plotter-sub000/input"
	"github.com/d-wizard/plotter-sub000/metric"
	"github.com/d-wizard/plotter-sub000/pkg/buffer"
	"github.com/d-wizard/plotter-sub000/pkg/ipblock"
	"github.com/d-wizard/plotter-sub000/pkg/retry"
	"github.com/d-wizard/plotter-sub000/plotmsg"
)

const (
	// DefaultPort is the listening port when none is configured.
	DefaultPort = 2001
	// DefaultBufferCapacity is the number of datagrams queued between the
	// socket and the decoder.
	DefaultBufferCapacity = 1024

	socketBufferSize = 2 * 1024 * 1024
	maxDatagram      = 65536
	readDeadline     = 100 * time.Millisecond
	maxBatchSize     = 100
)

// Metrics holds the per-listener Prometheus metrics.
type Metrics struct {
	packetsReceived prometheus.Counter
	bytesReceived   prometheus.Counter
	packetsDropped  prometheus.Counter
	packetsBlocked  prometheus.Counter
	batchSize       prometheus.Histogram
	socketErrors    prometheus.Counter
	lastActivity    prometheus.Gauge
}

// newMetrics returns nil when registry is nil.
func newMetrics(registry *metric.MetricsRegistry, port int) *Metrics {
	if registry == nil {
		return nil
	}

	labels := prometheus.Labels{"port": fmt.Sprint(port)}
	m := &Metrics{
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plotter", Subsystem: "udp", Name: "packets_received_total",
			Help: "UDP datagrams received", ConstLabels: labels,
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plotter", Subsystem: "udp", Name: "bytes_received_total",
			Help: "Bytes received over UDP", ConstLabels: labels,
		}),
		packetsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plotter", Subsystem: "udp", Name: "packets_dropped_total",
			Help: "Datagrams dropped because the queue was full", ConstLabels: labels,
		}),
		packetsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plotter", Subsystem: "udp", Name: "packets_blocked_total",
			Help: "Datagrams discarded from fully blocked senders", ConstLabels: labels,
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "plotter", Subsystem: "udp", Name: "batch_size",
			Help:        "Datagrams decoded per wake-up",
			Buckets:     []float64{1, 5, 10, 20, 50, 100},
			ConstLabels: labels,
		}),
		socketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plotter", Subsystem: "udp", Name: "socket_errors_total",
			Help: "Socket read errors", ConstLabels: labels,
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plotter", Subsystem: "udp", Name: "last_activity_timestamp",
			Help: "Unix time of the last datagram", ConstLabels: labels,
		}),
	}

	service := fmt.Sprintf("udp_%d", port)
	_ = registry.RegisterCounter(service, "packets_received", m.packetsReceived)
	_ = registry.RegisterCounter(service, "bytes_received", m.bytesReceived)
	_ = registry.RegisterCounter(service, "packets_dropped", m.packetsDropped)
	_ = registry.RegisterCounter(service, "packets_blocked", m.packetsBlocked)
	_ = registry.RegisterHistogram(service, "batch_size", m.batchSize)
	_ = registry.RegisterCounter(service, "socket_errors", m.socketErrors)
	_ = registry.RegisterGauge(service, "last_activity", m.lastActivity)
	return m
}

// Config configures the listener.
type Config struct {
	Port           int
	Bind           string
	Framing        plotmsg.Framing
	BufferCapacity int
	MaxSamples     uint32
}

// Deps are the collaborators of an Input.
type Deps struct {
	Config          Config
	Submitter       input.Submitter
	Blocklist       *ipblock.List
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

type datagram struct {
	from netip.Addr
	peer string
	data []byte
}

// Input is a UDP listener feeding the dispatcher.
type Input struct {
	cfg    Config
	sink   *input.Sink
	logger *slog.Logger

	queue       buffer.Buffer[datagram]
	retryConfig retry.Config

	shutdown chan struct{}
	done     chan struct{}
	running  atomic.Bool
	mu       sync.RWMutex
	conn     *net.UDPConn

	received atomic.Int64
	errs     atomic.Int64

	metrics *Metrics
}

// NewInput validates the configuration and builds an unstarted Input.
func NewInput(deps Deps) (*Input, error) {
	cfg := deps.Config
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: port %d", errors.ErrInvalidConfig, cfg.Port),
			"udp-input", "NewInput", "port validation")
	}
	if deps.Submitter == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "udp-input", "NewInput", "submitter check")
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = DefaultBufferCapacity
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "udp-input", "port", cfg.Port)

	var core *metric.Metrics
	if deps.MetricsRegistry != nil {
		core = deps.MetricsRegistry.CoreMetrics()
	}

	opts := []buffer.Option[datagram]{buffer.WithOverflowPolicy[datagram](buffer.DropOldest)}
	if deps.MetricsRegistry != nil {
		opts = append(opts, buffer.WithMetrics[datagram](deps.MetricsRegistry, fmt.Sprintf("udp_input_%d", cfg.Port)))
	}
	m := newMetrics(deps.MetricsRegistry, cfg.Port)
	if m != nil {
		opts = append(opts, buffer.WithDropCallback[datagram](func(datagram) { m.packetsDropped.Inc() }))
	}
	queue, err := buffer.NewCircularBuffer(cfg.BufferCapacity, opts...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "udp-input", "NewInput", "datagram queue")
	}

	return &Input{
		cfg:         cfg,
		sink:        input.NewSink("udp", deps.Submitter, deps.Blocklist, core, logger),
		logger:      logger,
		queue:       queue,
		retryConfig: retry.DefaultConfig(),
		metrics:     m,
	}, nil
}

// Start binds the socket (with retries) and begins reading. It is a no-op
// when already running.
func (u *Input) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running.Load() {
		return nil
	}

	u.shutdown = make(chan struct{})
	u.done = make(chan struct{})

	if err := retry.Do(ctx, u.retryConfig, u.bindSocket); err != nil {
		u.cleanupUnlocked()
		return errors.WrapTransient(err, "udp-input", "Start", "socket binding")
	}
	u.running.Store(true)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		u.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		u.decodeLoop(ctx)
	}()
	done := u.done
	go func() {
		wg.Wait()
		close(done)
	}()

	u.logger.Info("UDP input listening", "addr", u.conn.LocalAddr().String())
	return nil
}

func (u *Input) bindSocket() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(u.cfg.Bind, fmt.Sprint(u.cfg.Port)))
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("resolve UDP address: %w", err))
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on UDP port %d: %w", u.cfg.Port, err)
	}

	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		u.logger.Warn("Could not set UDP buffer size", "buffer_size", socketBufferSize, "error", err)
	}

	u.conn = conn
	return nil
}

// Addr returns the bound socket address, or nil before Start.
func (u *Input) Addr() net.Addr {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Received returns the number of datagrams read from the socket.
func (u *Input) Received() int64 { return u.received.Load() }

// Stop closes the socket and waits up to timeout for both loops to exit.
func (u *Input) Stop(timeout time.Duration) error {
	if !u.running.Swap(false) {
		return nil
	}

	u.mu.Lock()
	close(u.shutdown)
	if u.conn != nil {
		_ = u.conn.Close()
	}
	done := u.done
	u.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"udp-input", "Stop", "graceful shutdown")
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.cleanupUnlocked()
	return nil
}

func (u *Input) cleanupUnlocked() {
	u.shutdown = nil
	u.done = nil
	if u.conn != nil {
		_ = u.conn.Close()
		u.conn = nil
	}
	if u.queue != nil {
		u.queue.Clear()
	}
}

func (u *Input) readLoop(ctx context.Context) {
	u.mu.RLock()
	conn, shutdown := u.conn, u.shutdown
	u.mu.RUnlock()

	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-shutdown:
				return
			default:
			}
			u.errs.Add(1)
			if u.metrics != nil {
				u.metrics.socketErrors.Inc()
			}
			if !errors.IsTransient(err) {
				u.logger.Error("UDP read failed", "error", err)
				return
			}
			continue
		}

		u.received.Add(1)
		if u.metrics != nil {
			u.metrics.packetsReceived.Inc()
			u.metrics.bytesReceived.Add(float64(n))
			u.metrics.lastActivity.Set(float64(time.Now().Unix()))
		}

		addr := from.AddrPort().Addr().Unmap()
		u.sink.Blocklist.Seen(addr)
		if u.sink.Blocklist.BlocksAll(addr) {
			if u.metrics != nil {
				u.metrics.packetsBlocked.Inc()
			}
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		_ = u.queue.Write(datagram{from: addr, peer: from.String(), data: data})
	}
}

// decodeLoop runs apart from readLoop so a full dispatcher queue never stalls
// the socket; the ring drops the oldest datagrams instead.
func (u *Input) decodeLoop(ctx context.Context) {
	u.mu.RLock()
	shutdown := u.shutdown
	u.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case <-u.queue.Ready():
		}

		for {
			batch := u.queue.ReadBatch(maxBatchSize)
			if len(batch) == 0 {
				break
			}
			if u.metrics != nil {
				u.metrics.batchSize.Observe(float64(len(batch)))
			}
			for _, dg := range batch {
				if err := u.decode(ctx, dg); err != nil {
					return
				}
			}
		}
	}
}

func (u *Input) decode(ctx context.Context, dg datagram) error {
	opts := []plotmsg.DecoderOption{plotmsg.WithFraming(u.cfg.Framing)}
	if u.cfg.MaxSamples > 0 {
		opts = append(opts, plotmsg.WithMaxSamples(u.cfg.MaxSamples))
	}
	dec := plotmsg.NewDecoder(opts...)
	msgs := dec.Feed(dg.data)

	desyncs := int(dec.Desyncs())
	if dec.Pending() {
		desyncs++ // a datagram never continues into the next one
	}
	u.sink.Desynced(dg.peer, desyncs)

	return u.sink.Deliver(ctx, dg.from, msgs)
}
