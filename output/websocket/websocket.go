// Package websocket pushes curve changes to renderers over WebSocket.
//
// A client connecting to the configured path first receives a hello
// envelope carrying its id, then one curve_updated event per existing
// curve, then live curve_updated and plot_removed events. Every event
// carries the full point arrays, so a renderer can apply them in any
// order it receives them without keeping its own history.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/d-wizard/plotter-sub000/curve"
	"github.com/d-wizard/plotter-sub000/errors"
	"github.com/d-wizard/plotter-sub000/metric"
	"github.com/d-wizard/plotter-sub000/pkg/buffer"
	"github.com/d-wizard/plotter-sub000/registry"
)

const (
	DefaultPort         = 8080
	DefaultPath         = "/ws"
	DefaultSendQueue    = 256
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
)

// Config configures the server.
type Config struct {
	Port         int
	Bind         string
	Path         string
	SendQueue    int // events buffered per client before the oldest is dropped
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
}

// Snapshotter supplies the curves sent to a newly connected client.
type Snapshotter interface {
	SnapshotAll() []*curve.Curve
}

// Envelope wraps every server message.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CurvePayload is the body of a curve_updated event.
type CurvePayload struct {
	Plot       string       `json:"plot"`
	Curve      string       `json:"curve"`
	PlotType   string       `json:"plot_type"`
	SampleRate float64      `json:"sample_rate"`
	X          Samples      `json:"x"`
	Y          Samples      `json:"y"`
	MaxMin     curve.MaxMin `json:"max_min"`
}

// PlotPayload is the body of a plot_removed event.
type PlotPayload struct {
	Plot string `json:"plot"`
}

// Samples encodes NaN and infinities as null, which encoding/json refuses
// to do for float64.
type Samples []float64

func (s Samples) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	out := make([]byte, 0, 2+len(s)*8)
	out = append(out, '[')
	for i, v := range s {
		if i > 0 {
			out = append(out, ',')
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out = append(out, "null"...)
			continue
		}
		out = strconv.AppendFloat(out, v, 'g', -1, 64)
	}
	return append(out, ']'), nil
}

type metrics struct {
	clients  prometheus.Gauge
	sent     prometheus.Counter
	dropped  prometheus.Counter
	bytes    prometheus.Counter
	failures *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry) *metrics {
	if registry == nil {
		return nil
	}
	m := &metrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plotter", Subsystem: "websocket", Name: "clients",
			Help: "Connected WebSocket clients",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plotter", Subsystem: "websocket", Name: "messages_sent_total",
			Help: "Envelopes written to clients",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plotter", Subsystem: "websocket", Name: "messages_dropped_total",
			Help: "Envelopes discarded because a client fell behind",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plotter", Subsystem: "websocket", Name: "bytes_sent_total",
			Help: "Bytes written to clients",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plotter", Subsystem: "websocket", Name: "errors_total",
			Help: "WebSocket errors by kind",
		}, []string{"kind"}),
	}
	_ = registry.RegisterGauge("websocket", "clients", m.clients)
	_ = registry.RegisterCounter("websocket", "sent", m.sent)
	_ = registry.RegisterCounter("websocket", "dropped", m.dropped)
	_ = registry.RegisterCounter("websocket", "bytes", m.bytes)
	_ = registry.RegisterCounterVec("websocket", "errors", m.failures)
	return m
}

func (m *metrics) fail(kind string) {
	if m != nil {
		m.failures.WithLabelValues(kind).Inc()
	}
}

type client struct {
	id        uuid.UUID
	conn      *websocket.Conn
	queue     buffer.Buffer[[]byte]
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.queue.Close()
		_ = c.conn.Close()
	})
}

// Output serves WebSocket clients and implements registry.Listener.
type Output struct {
	cfg      Config
	source   Snapshotter
	logger   *slog.Logger
	core     *metric.Metrics
	metrics  *metrics
	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[uuid.UUID]*client

	lifecycleMu sync.Mutex
	server      *http.Server
	listener    net.Listener
	shutdown    chan struct{}
	wg          sync.WaitGroup

	seq atomic.Uint64
}

var _ registry.Listener = (*Output)(nil)

// New builds an unstarted Output.
func New(cfg Config, source Snapshotter, reg *metric.MetricsRegistry, logger *slog.Logger) (*Output, error) {
	if source == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "websocket-output", "New", "snapshot source check")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: port %d", errors.ErrInvalidConfig, cfg.Port),
			"websocket-output", "New", "port validation")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	o := &Output{
		cfg:     cfg,
		source:  source,
		logger:  logger.With("component", "websocket-output"),
		metrics: newMetrics(reg),
		clients: make(map[uuid.UUID]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if reg != nil {
		o.core = reg.CoreMetrics()
	}
	return o, nil
}

// Handler returns the HTTP handler that upgrades clients.
func (o *Output) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(o.cfg.Path, o.handleWebSocket)
	return mux
}

// Start listens and serves in the background.
func (o *Output) Start(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if o.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "websocket-output", "Start", "start server")
	}

	addr := net.JoinHostPort(o.cfg.Bind, strconv.Itoa(o.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "websocket-output", "Start", fmt.Sprintf("listen on %s", addr))
	}

	o.listener = ln
	o.shutdown = make(chan struct{})
	o.server = &http.Server{
		Handler:           o.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	srv, shutdown := o.server, o.shutdown
	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			o.logger.Error("WebSocket server stopped", "error", err)
		}
	}()
	go func() {
		defer o.wg.Done()
		o.pingLoop(shutdown)
	}()

	o.logger.Info("WebSocket output listening", "addr", ln.Addr().String(), "path", o.cfg.Path)
	return nil
}

// Addr returns the bound address, or nil when not running.
func (o *Output) Addr() net.Addr {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if o.listener == nil {
		return nil
	}
	return o.listener.Addr()
}

// Clients returns the number of connected clients.
func (o *Output) Clients() int {
	o.clientsMu.Lock()
	defer o.clientsMu.Unlock()
	return len(o.clients)
}

// Stop closes the server and every client, waiting up to timeout.
func (o *Output) Stop(timeout time.Duration) error {
	o.lifecycleMu.Lock()
	srv := o.server
	if srv == nil {
		o.lifecycleMu.Unlock()
		return nil
	}
	o.server = nil
	o.listener = nil
	close(o.shutdown)
	o.lifecycleMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	// Shutdown does not track hijacked connections, so close clients too.
	err := srv.Shutdown(ctx)

	o.clientsMu.Lock()
	for _, c := range o.clients {
		c.close()
	}
	o.clientsMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"websocket-output", "Stop", "graceful shutdown")
	}
	if err != nil {
		return errors.WrapTransient(err, "websocket-output", "Stop", "server shutdown")
	}
	return nil
}

func (o *Output) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.metrics.fail("upgrade")
		return
	}

	c := &client{id: uuid.New(), conn: conn, closed: make(chan struct{})}
	c.queue, err = buffer.NewCircularBuffer(o.cfg.SendQueue,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
		buffer.WithDropCallback[[]byte](func([]byte) {
			if o.metrics != nil {
				o.metrics.dropped.Inc()
			}
		}),
	)
	if err != nil {
		o.metrics.fail("queue")
		_ = conn.Close()
		return
	}

	hello, _ := json.Marshal(map[string]string{"client_id": c.id.String()})
	_ = c.queue.Write(o.envelope("hello", hello))

	// Snapshot and registration happen under one lock so no live event
	// can slip between them.
	o.clientsMu.Lock()
	for _, cv := range o.source.SnapshotAll() {
		if env := o.curveEnvelope(cv.Plot, cv.Name, cv); env != nil {
			_ = c.queue.Write(env)
		}
	}
	o.clients[c.id] = c
	n := len(o.clients)
	o.clientsMu.Unlock()

	if o.metrics != nil {
		o.metrics.clients.Set(float64(n))
	}
	o.logger.Info("WebSocket client connected", "client_id", c.id, "remote", r.RemoteAddr)

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		o.writeLoop(c)
	}()
	go func() {
		defer o.wg.Done()
		o.readLoop(c)
	}()
}

// readLoop discards client frames; it exists to process pongs and closes.
func (o *Output) readLoop(c *client) {
	defer o.remove(c)
	wait := 2 * o.cfg.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (o *Output) writeLoop(c *client) {
	defer o.remove(c)
	for {
		select {
		case <-c.closed:
			return
		case <-c.queue.Ready():
		}
		for {
			batch := c.queue.ReadBatch(32)
			if len(batch) == 0 {
				break
			}
			for _, msg := range batch {
				_ = c.conn.SetWriteDeadline(time.Now().Add(o.cfg.WriteTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					o.metrics.fail("write")
					o.core.RecordPublished("websocket", false)
					return
				}
				o.core.RecordPublished("websocket", true)
				if o.metrics != nil {
					o.metrics.sent.Inc()
					o.metrics.bytes.Add(float64(len(msg)))
				}
			}
		}
	}
}

func (o *Output) pingLoop(shutdown <-chan struct{}) {
	ticker := time.NewTicker(o.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			o.clientsMu.Lock()
			clients := make([]*client, 0, len(o.clients))
			for _, c := range o.clients {
				clients = append(clients, c)
			}
			o.clientsMu.Unlock()

			deadline := time.Now().Add(o.cfg.WriteTimeout)
			for _, c := range clients {
				// WriteControl may run alongside WriteMessage.
				if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					o.metrics.fail("ping")
					o.remove(c)
				}
			}
		}
	}
}

func (o *Output) remove(c *client) {
	o.clientsMu.Lock()
	_, present := o.clients[c.id]
	delete(o.clients, c.id)
	n := len(o.clients)
	o.clientsMu.Unlock()

	c.close()
	if present {
		if o.metrics != nil {
			o.metrics.clients.Set(float64(n))
		}
		o.logger.Info("WebSocket client disconnected", "client_id", c.id)
	}
}

func (o *Output) envelope(kind string, payload []byte) []byte {
	b, _ := json.Marshal(Envelope{
		Type:      kind,
		ID:        strconv.FormatUint(o.seq.Add(1), 10),
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
	return b
}

func (o *Output) curveEnvelope(plot, name string, c *curve.Curve) []byte {
	n := c.Len()
	payload, err := json.Marshal(CurvePayload{
		Plot:       plot,
		Curve:      name,
		PlotType:   c.PlotType().String(),
		SampleRate: c.SampleRate(),
		X:          c.XPoints(0, n),
		Y:          c.YPoints(0, n),
		MaxMin:     c.MaxMin(),
	})
	if err != nil {
		o.metrics.fail("encode")
		o.logger.Error("Encode curve failed", "plot", plot, "curve", name, "error", err)
		return nil
	}
	return o.envelope("curve_updated", payload)
}

func (o *Output) broadcast(msg []byte) {
	for _, c := range o.clients {
		_ = c.queue.Write(msg)
	}
}

func (o *Output) OnCurveUpdated(plot, name string, c *curve.Curve) {
	o.clientsMu.Lock()
	defer o.clientsMu.Unlock()
	if len(o.clients) == 0 {
		return
	}
	if env := o.curveEnvelope(plot, name, c); env != nil {
		o.broadcast(env)
	}
}

func (o *Output) OnPlotRemoved(plot string) {
	o.clientsMu.Lock()
	defer o.clientsMu.Unlock()
	if len(o.clients) == 0 {
		return
	}
	payload, _ := json.Marshal(PlotPayload{Plot: plot})
	o.broadcast(o.envelope("plot_removed", payload))
}
