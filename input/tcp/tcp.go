// Package tcp is the primary plot input. Every accepted connection gets its
// own ring buffer and decoder, so message order is kept per connection.
package tcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
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
	DefaultPort      = 2000
	DefaultRingSlots = 4096
	DefaultRingBytes = 32 << 20
	DefaultReadSize  = 64 << 10
	maxDrain         = 64
)

// Config configures the listener.
type Config struct {
	Port         int
	Bind         string
	Framing      plotmsg.Framing
	RingSlots    int // chunks queued per connection
	RingBytes    int // byte budget per connection
	ReadSize     int // bytes per socket read
	StaleTimeout time.Duration
	MaxSamples   uint32
}

func (c *Config) applyDefaults() {
	if c.RingSlots <= 0 {
		c.RingSlots = DefaultRingSlots
	}
	if c.RingBytes <= 0 {
		c.RingBytes = DefaultRingBytes
	}
	if c.ReadSize <= 0 {
		c.ReadSize = DefaultReadSize
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = plotmsg.DefaultStaleTimeout
	}
}

// Hooks observe connection lifecycle. Either may be nil.
type Hooks struct {
	OnStart func(id uuid.UUID, remote net.Addr)
	OnEnd   func(id uuid.UUID, remote net.Addr, err error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Config          Config
	Submitter       input.Submitter
	Blocklist       *ipblock.List
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
	Hooks           Hooks
}

type metrics struct {
	accepted prometheus.Counter
	refused  prometheus.Counter
	overruns prometheus.Counter
	bytes    prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry, port int) *metrics {
	if registry == nil {
		return nil
	}
	labels := prometheus.Labels{"port": fmt.Sprint(port)}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plotter", Subsystem: "tcp", Name: name, Help: help, ConstLabels: labels,
		})
	}
	m := &metrics{
		accepted: counter("connections_accepted_total", "Connections accepted"),
		refused:  counter("connections_refused_total", "Connections refused by the block list"),
		overruns: counter("ring_overruns_total", "Connections closed because their ring buffer overran"),
		bytes:    counter("bytes_received_total", "Bytes received over TCP"),
	}
	service := fmt.Sprintf("tcp_%d", port)
	_ = registry.RegisterCounter(service, "accepted", m.accepted)
	_ = registry.RegisterCounter(service, "refused", m.refused)
	_ = registry.RegisterCounter(service, "overruns", m.overruns)
	_ = registry.RegisterCounter(service, "bytes", m.bytes)
	return m
}

// Server accepts plot connections.
type Server struct {
	cfg     Config
	sink    *input.Sink
	core    *metric.Metrics
	metrics *metrics
	hooks   Hooks
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[uuid.UUID]*conn
	cancel   context.CancelFunc
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewServer validates the configuration and builds an unstarted Server.
func NewServer(deps Deps) (*Server, error) {
	cfg := deps.Config
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: port %d", errors.ErrInvalidConfig, cfg.Port),
			"tcp-input", "NewServer", "port validation")
	}
	if deps.Submitter == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "tcp-input", "NewServer", "submitter check")
	}
	cfg.applyDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tcp-input", "port", cfg.Port)

	var core *metric.Metrics
	if deps.MetricsRegistry != nil {
		core = deps.MetricsRegistry.CoreMetrics()
	}

	return &Server{
		cfg:     cfg,
		sink:    input.NewSink("tcp", deps.Submitter, deps.Blocklist, core, logger),
		core:    core,
		metrics: newMetrics(deps.MetricsRegistry, cfg.Port),
		hooks:   deps.Hooks,
		logger:  logger,
		conns:   make(map[uuid.UUID]*conn),
	}, nil
}

// Start binds the listener and runs the accept loop in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "tcp-input", "Start", "start listener")
	}

	addr := net.JoinHostPort(s.cfg.Bind, fmt.Sprint(s.cfg.Port))
	ln, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (net.Listener, error) {
		return net.Listen("tcp", addr)
	})
	if err != nil {
		return errors.WrapTransient(err, "tcp-input", "Start", fmt.Sprintf("listen on %s", addr))
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.cancel = cancel
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(runCtx, ln)
	}()

	s.logger.Info("TCP input listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop closes the listener, then every connection, and waits up to timeout
// for all connection goroutines to finish.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Swap(false) {
		return nil
	}

	s.mu.Lock()
	_ = s.listener.Close()
	s.listener = nil
	for _, c := range s.conns {
		c.close()
	}
	cancel := s.cancel
	s.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"tcp-input", "Stop", "graceful shutdown")
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.IsTransient(err) {
				s.logger.Warn("Accept failed", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.logger.Error("Accept loop stopped", "error", err)
			return
		}

		addr := ipblock.AddrOf(nc.RemoteAddr())
		s.sink.Blocklist.Seen(addr)
		if s.sink.Blocklist.BlocksAll(addr) {
			if s.metrics != nil {
				s.metrics.refused.Inc()
			}
			s.logger.Debug("Refused blocked sender", "remote", nc.RemoteAddr().String())
			_ = nc.Close()
			continue
		}

		c, err := s.newConn(ctx, nc)
		if err != nil {
			s.logger.Error("Connection setup failed", "error", err)
			_ = nc.Close()
			continue
		}

		s.mu.Lock()
		if !s.running.Load() {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.conns[c.id] = c
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.accepted.Inc()
		}
		s.core.RecordConnection("tcp", 1)
		s.logger.Info("Client connected", "conn_id", c.id, "remote", c.remote.String())
		if s.hooks.OnStart != nil {
			s.hooks.OnStart(c.id, c.remote)
		}

		s.wg.Add(3)
		go func() {
			defer s.wg.Done()
			c.receive()
		}()
		go func() {
			defer s.wg.Done()
			c.process()
		}()
		go func() {
			defer s.wg.Done()
			s.reap(c)
		}()
	}
}

// reap waits for both connection goroutines, then unregisters the connection.
func (s *Server) reap(c *conn) {
	<-c.received
	<-c.processed

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	c.ring.Clear()
	_ = c.ring.Close()
	err := c.failure()

	s.core.RecordConnection("tcp", -1)
	s.logger.Info("Client disconnected", "conn_id", c.id, "remote", c.remote.String(),
		"decoded", c.dec.Decoded(), "desyncs", c.dec.Desyncs(), "error", err)
	if s.hooks.OnEnd != nil {
		s.hooks.OnEnd(c.id, c.remote, err)
	}
}

type conn struct {
	ctx    context.Context // ends when the connection is closed
	cancel context.CancelFunc
	id     uuid.UUID
	nc     net.Conn
	remote net.Addr
	srv    *Server
	ring   buffer.Buffer[[]byte]
	dec    *plotmsg.Decoder

	closeOnce sync.Once
	received  chan struct{}
	processed chan struct{}

	errMu sync.Mutex
	err   error
}

func (s *Server) newConn(ctx context.Context, nc net.Conn) (*conn, error) {
	ring, err := buffer.NewCircularBuffer(s.cfg.RingSlots,
		buffer.WithOverflowPolicy[[]byte](buffer.Reject),
		buffer.WithByteBudget(s.cfg.RingBytes, buffer.ByteLen),
	)
	if err != nil {
		return nil, errors.WrapInvalid(err, "tcp-input", "newConn", "ring buffer")
	}

	opts := []plotmsg.DecoderOption{
		plotmsg.WithFraming(s.cfg.Framing),
		plotmsg.WithStaleTimeout(s.cfg.StaleTimeout, time.Now),
	}
	if s.cfg.MaxSamples > 0 {
		opts = append(opts, plotmsg.WithMaxSamples(s.cfg.MaxSamples))
	}

	cctx, cancel := context.WithCancel(ctx)
	return &conn{
		ctx:       cctx,
		cancel:    cancel,
		id:        uuid.New(),
		nc:        nc,
		remote:    nc.RemoteAddr(),
		srv:       s,
		ring:      ring,
		dec:       plotmsg.NewDecoder(opts...),
		received:  make(chan struct{}),
		processed: make(chan struct{}),
	}, nil
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.nc.Close()
	})
}

func (c *conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.close()
}

func (c *conn) failure() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// receive copies socket reads into the ring until EOF, error or overrun.
func (c *conn) receive() {
	defer close(c.received)

	buf := make([]byte, c.srv.cfg.ReadSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			if c.srv.metrics != nil {
				c.srv.metrics.bytes.Add(float64(n))
			}
			if werr := c.ring.Write(append([]byte(nil), buf[:n]...)); werr != nil {
				if errors.Is(werr, errors.ErrBufferOverrun) && c.srv.metrics != nil {
					c.srv.metrics.overruns.Inc()
				}
				c.srv.logger.Warn("Closing connection", "conn_id", c.id, "error", werr)
				c.fail(werr)
				return
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				c.fail(errors.WrapTransient(err, "tcp-input", "receive", "socket read"))
			}
			return
		}
	}
}

// process drains the ring into the decoder. After the peer hangs up it
// still drains whatever was queued.
func (c *conn) process() {
	defer close(c.processed)
	defer c.close()

	peer := c.remote.String()
	addr := ipblock.AddrOf(c.remote)
	var seenDesyncs uint64

	drain := func() bool {
		for {
			chunks := c.ring.ReadBatch(maxDrain)
			if len(chunks) == 0 {
				return true
			}
			for _, chunk := range chunks {
				msgs := c.dec.Feed(chunk)
				if d := c.dec.Desyncs(); d != seenDesyncs {
					c.srv.sink.Desynced(peer, int(d-seenDesyncs))
					seenDesyncs = d
				}
				if err := c.srv.sink.Deliver(c.ctx, addr, msgs); err != nil {
					c.fail(err)
					return false
				}
			}
		}
	}

	for {
		select {
		case <-c.ring.Ready():
			if !drain() {
				return
			}
		case <-c.received:
			if c.failure() == nil {
				drain()
			}
			return
		case <-c.ctx.Done():
			return
		}
	}
}
