// Package natspub publishes a summary of every curve change to NATS.
//
// Subjects are <prefix>.<plot>.<curve> for updates and <prefix>.<plot>
// for removals. Name characters that NATS treats specially are replaced
// with '_'.
package natspub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/d-wizard/plotter-sub000/curve"
	"github.com/d-wizard/plotter-sub000/errors"
	"github.com/d-wizard/plotter-sub000/metric"
	"github.com/d-wizard/plotter-sub000/pkg/worker"
	"github.com/d-wizard/plotter-sub000/registry"
)

const DefaultPrefix = "plotter"

// Conn is the part of natsclient.Client the publisher needs.
type Conn interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishToStream(ctx context.Context, subject string, data []byte) error
	EnsureStream(ctx context.Context, name string, subjects []string) error
}

// Config configures a Publisher.
type Config struct {
	Prefix    string
	Stream    string // JetStream stream name; empty publishes with core NATS
	Workers   int
	QueueSize int
	Timeout   time.Duration // per publish
}

// Update is the JSON body of a curve notification.
type Update struct {
	Plot       string        `json:"plot"`
	Curve      string        `json:"curve"`
	Event      string        `json:"event"`
	Len        int           `json:"len,omitempty"`
	PlotType   string        `json:"plot_type,omitempty"`
	SampleRate float64       `json:"sample_rate,omitempty"`
	MaxMin     *curve.MaxMin `json:"max_min,omitempty"`
}

type job struct {
	subject string
	body    []byte
}

// Publisher is a registry.Listener. Callbacks only encode and enqueue; a
// full queue drops the notification.
type Publisher struct {
	cfg     Config
	conn    Conn
	pool    *worker.Pool[job]
	metrics *metric.Metrics
	logger  *slog.Logger
}

var _ registry.Listener = (*Publisher)(nil)

// New builds a publisher. Call Start before attaching it to the registry.
func New(cfg Config, conn Conn, reg *metric.MetricsRegistry, logger *slog.Logger) (*Publisher, error) {
	if conn == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natspub", "New", "connection check")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Publisher{
		cfg:    cfg,
		conn:   conn,
		logger: logger.With("component", "natspub"),
	}
	if reg != nil {
		p.metrics = reg.CoreMetrics()
	}

	var opts []worker.Option[job]
	if reg != nil {
		opts = append(opts, worker.WithMetricsRegistry[job](reg, "natspub"))
	}
	p.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, p.send, opts...)
	return p, nil
}

// Start creates the stream when one is configured and starts the workers.
func (p *Publisher) Start(ctx context.Context) error {
	if p.cfg.Stream != "" {
		if err := p.conn.EnsureStream(ctx, p.cfg.Stream, []string{p.cfg.Prefix + ".>"}); err != nil {
			return errors.Wrap(err, "natspub", "Start", "ensure stream")
		}
	}
	return p.pool.Start(ctx)
}

// Stop flushes queued notifications for up to timeout.
func (p *Publisher) Stop(timeout time.Duration) error {
	return p.pool.Stop(timeout)
}

// Stats exposes the worker pool counters.
func (p *Publisher) Stats() worker.PoolStats { return p.pool.Stats() }

func (p *Publisher) OnCurveUpdated(plot, name string, c *curve.Curve) {
	mm := c.MaxMin()
	p.enqueue(Subject(p.cfg.Prefix, plot, name), Update{
		Plot:       plot,
		Curve:      name,
		Event:      "curve_updated",
		Len:        c.Len(),
		PlotType:   c.PlotType().String(),
		SampleRate: c.SampleRate(),
		MaxMin:     &mm,
	})
}

func (p *Publisher) OnPlotRemoved(plot string) {
	p.enqueue(p.cfg.Prefix+"."+token(plot), Update{Plot: plot, Event: "plot_removed"})
}

func (p *Publisher) enqueue(subject string, u Update) {
	body, err := json.Marshal(u)
	if err != nil {
		p.logger.Error("Encode notification failed", "subject", subject, "error", err)
		return
	}
	if err := p.pool.Submit(job{subject: subject, body: body}); err != nil {
		p.metrics.RecordPublished("nats", false)
		p.logger.Debug("Notification dropped", "subject", subject, "error", err)
	}
}

func (p *Publisher) send(ctx context.Context, j job) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var err error
	if p.cfg.Stream != "" {
		err = p.conn.PublishToStream(ctx, j.subject, j.body)
	} else {
		err = p.conn.Publish(ctx, j.subject, j.body)
	}
	p.metrics.RecordPublished("nats", err == nil)
	if err != nil {
		p.logger.Warn("Publish failed", "subject", j.subject, "error", err)
	}
	return err
}

// Subject builds the update subject for a curve.
func Subject(prefix, plot, name string) string {
	return prefix + "." + token(plot) + "." + token(name)
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "\t", "_")

func token(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}
