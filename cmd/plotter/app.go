package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/d-wizard/plotter-sub000/config"
	"github.com/d-wizard/plotter-sub000/dispatch"
	"github.com/d-wizard/plotter-sub000/health"
	"github.com/d-wizard/plotter-sub000/input/tcp"
	"github.com/d-wizard/plotter-sub000/input/udp"
	"github.com/d-wizard/plotter-sub000/metric"
	"github.com/d-wizard/plotter-sub000/natsclient"
	"github.com/d-wizard/plotter-sub000/output/file"
	"github.com/d-wizard/plotter-sub000/output/natspub"
	"github.com/d-wizard/plotter-sub000/output/websocket"
	"github.com/d-wizard/plotter-sub000/pkg/ipblock"
	"github.com/d-wizard/plotter-sub000/pkg/retry"
	"github.com/d-wizard/plotter-sub000/plotmsg"
	"github.com/d-wizard/plotter-sub000/registry"
)

// app owns every long-lived component of the server.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics    *metric.MetricsRegistry
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	blocklist  *ipblock.List
	health     *health.Monitor

	tcp           *tcp.Server
	udp           *udp.Input
	websocket     *websocket.Output
	nats          *natsclient.Client
	publisher     *natspub.Publisher
	recorder      *file.Recorder
	metricsServer *metric.Server

	ready chan struct{}
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   metric.NewMetricsRegistry(),
		blocklist: ipblock.New(),
		health:    health.NewMonitor(),
		ready:     make(chan struct{}),
	}
	core := a.metrics.CoreMetrics()

	a.registry = registry.New(registry.WithLogger(logger), registry.WithMetrics(core))
	a.dispatcher = dispatch.New(a.registry, cfg.Dispatch.QueueSize,
		dispatch.WithLogger(logger), dispatch.WithMetrics(core))

	for _, rule := range cfg.Blocklist {
		addr, err := netip.ParseAddr(rule.Addr)
		if err != nil {
			return nil, fmt.Errorf("blocklist %q: %w", rule.Addr, err)
		}
		addr = addr.Unmap()
		if len(rule.Plots) == 0 {
			a.blocklist.Block(addr)
		}
		for _, plot := range rule.Plots {
			a.blocklist.BlockPlot(addr, plot)
		}
	}

	for _, cc := range cfg.Children {
		t, parents, err := cc.Build()
		if err != nil {
			return nil, fmt.Errorf("child %s/%s: %w", cc.Plot, cc.Curve, err)
		}
		if err := a.registry.CreateChildCurve(cc.Plot, cc.Curve, t, parents...); err != nil {
			return nil, fmt.Errorf("child %s/%s: %w", cc.Plot, cc.Curve, err)
		}
	}

	if err := a.buildOutputs(); err != nil {
		return nil, err
	}
	if err := a.buildInputs(); err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		a.metricsServer = metric.NewServer(cfg.Metrics.Bind, cfg.Metrics.Port, cfg.Metrics.Path, a.metrics)
		a.metricsServer.SetHealthHandler(a.health.Handler(cfg.Service.Name))
	}
	return a, nil
}

func (a *app) buildOutputs() error {
	cfg := a.cfg
	if cfg.Websocket.Enabled {
		ws, err := websocket.New(websocket.Config{
			Port:         cfg.Websocket.Port,
			Bind:         cfg.Websocket.Bind,
			Path:         cfg.Websocket.Path,
			SendQueue:    cfg.Websocket.SendQueue,
			WriteTimeout: cfg.Websocket.WriteTimeout,
			PingInterval: cfg.Websocket.PingInterval,
		}, a.registry, a.metrics, a.logger)
		if err != nil {
			return fmt.Errorf("websocket output: %w", err)
		}
		a.websocket = ws
	}

	if cfg.NATS.Enabled {
		opts := []natsclient.ClientOption{
			natsclient.WithLogger(a.logger),
			natsclient.WithName(cfg.Service.Name),
			natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
			natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
			natsclient.WithPingInterval(cfg.NATS.PingInterval),
			natsclient.WithTimeout(cfg.NATS.ConnectTimeout),
			natsclient.WithDrainTimeout(cfg.NATS.DrainTimeout),
			natsclient.WithCircuitBreakerThreshold(int32(cfg.NATS.CircuitThreshold)),
			natsclient.WithMaxBackoff(cfg.NATS.MaxBackoff),
			natsclient.WithHealthChangeCallback(func(healthy bool) {
				a.logger.Info("NATS health changed", "healthy", healthy)
				if healthy {
					a.health.UpdateHealthy("nats", "connected")
				} else {
					a.health.UpdateDegraded("nats", "disconnected, reconnecting")
				}
			}),
		}
		if cfg.NATS.Username != "" {
			opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
		}
		if cfg.NATS.Token != "" {
			opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
		}
		client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
		if err != nil {
			return fmt.Errorf("nats client: %w", err)
		}
		a.nats = client

		pub, err := natspub.New(natspub.Config{
			Prefix:    cfg.NATS.Prefix,
			Stream:    cfg.NATS.Stream,
			Workers:   cfg.NATS.Workers,
			QueueSize: cfg.NATS.QueueSize,
		}, client, a.metrics, a.logger)
		if err != nil {
			return fmt.Errorf("nats publisher: %w", err)
		}
		a.publisher = pub
	}

	if cfg.Record.Enabled {
		rec, err := file.New(file.Config{
			Directory:     cfg.Record.Directory,
			FilePrefix:    cfg.Record.FilePrefix,
			Format:        cfg.Record.Format,
			Append:        cfg.Record.Append,
			Samples:       cfg.Record.Samples,
			FlushInterval: cfg.Record.FlushInterval,
		}, a.metrics, a.logger)
		if err != nil {
			return fmt.Errorf("curve recorder: %w", err)
		}
		a.recorder = rec
	}
	return nil
}

func (a *app) buildInputs() error {
	cfg := a.cfg
	if cfg.TCP.Enabled {
		framing, _ := plotmsg.ParseFraming(cfg.TCP.Framing)
		srv, err := tcp.NewServer(tcp.Deps{
			Config: tcp.Config{
				Port:         cfg.TCP.Port,
				Bind:         cfg.TCP.Bind,
				Framing:      framing,
				RingSlots:    cfg.TCP.RingSlots,
				RingBytes:    cfg.TCP.RingBytes,
				ReadSize:     cfg.TCP.ReadSize,
				StaleTimeout: cfg.TCP.StaleTimeout,
				MaxSamples:   cfg.TCP.MaxSamples,
			},
			Submitter:       a.dispatcher,
			Blocklist:       a.blocklist,
			MetricsRegistry: a.metrics,
			Logger:          a.logger,
		})
		if err != nil {
			return fmt.Errorf("tcp input: %w", err)
		}
		a.tcp = srv
	}

	if cfg.UDP.Enabled {
		framing, _ := plotmsg.ParseFraming(cfg.UDP.Framing)
		in, err := udp.NewInput(udp.Deps{
			Config: udp.Config{
				Port:           cfg.UDP.Port,
				Bind:           cfg.UDP.Bind,
				Framing:        framing,
				BufferCapacity: cfg.UDP.BufferCapacity,
				MaxSamples:     cfg.UDP.MaxSamples,
			},
			Submitter:       a.dispatcher,
			Blocklist:       a.blocklist,
			MetricsRegistry: a.metrics,
			Logger:          a.logger,
		})
		if err != nil {
			return fmt.Errorf("udp input: %w", err)
		}
		a.udp = in
	}
	return nil
}

// start brings components up from the sinks backwards so no message is
// accepted before something can consume it.
func (a *app) start(ctx context.Context) error {
	if a.websocket != nil {
		if err := a.websocket.Start(ctx); err != nil {
			return err
		}
		a.registry.AddListener(a.websocket)
		a.health.UpdateHealthy("websocket", "listening on "+addrString(a.websocket.Addr()))
	}

	if a.recorder != nil {
		if err := a.recorder.Start(); err != nil {
			return err
		}
		a.registry.AddListener(a.recorder)
		a.health.UpdateHealthy("recorder", a.recorder.Path())
	}

	if a.nats != nil {
		a.logger.Info("Connecting to NATS", "urls", a.cfg.NATS.URLs)
		if err := retry.Do(ctx, retry.DefaultConfig(), func() error { return a.nats.Connect(ctx) }); err != nil {
			a.health.Update("nats", health.FromError("nats", err, ""))
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.health.UpdateHealthy("nats", "connected")
		if err := a.publisher.Start(ctx); err != nil {
			return err
		}
		a.registry.AddListener(a.publisher)
	}

	if err := a.dispatcher.Start(); err != nil {
		return err
	}
	a.health.UpdateHealthy("dispatcher", "running")

	if a.tcp != nil {
		if err := a.tcp.Start(ctx); err != nil {
			a.health.Update("tcp", health.FromError("tcp", err, ""))
			return err
		}
		a.health.UpdateHealthy("tcp", "listening on "+addrString(a.tcp.Addr()))
	}
	if a.udp != nil {
		if err := a.udp.Start(ctx); err != nil {
			a.health.Update("udp", health.FromError("udp", err, ""))
			return err
		}
		a.health.UpdateHealthy("udp", "listening on "+addrString(a.udp.Addr()))
	}
	return nil
}

// Run starts everything, blocks until ctx is cancelled or a component
// fails, then shuts down within timeout.
func (a *app) Run(ctx context.Context, timeout time.Duration) error {
	if err := a.start(ctx); err != nil {
		_ = a.stop(timeout)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.metricsServer != nil {
		g.Go(func() error { return a.metricsServer.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	a.logger.Info("Plotter started",
		"tcp", a.cfg.TCP.Enabled, "udp", a.cfg.UDP.Enabled,
		"websocket", a.cfg.Websocket.Enabled, "nats", a.cfg.NATS.Enabled,
		"record", a.cfg.Record.Enabled,
		"children", len(a.cfg.Children))
	close(a.ready)

	err := g.Wait()
	if stopErr := a.stop(timeout); err == nil {
		err = stopErr
	}
	return err
}

// stop shuts down inputs, then the dispatcher, then outputs, so every
// accepted message reaches the registry and its listeners.
func (a *app) stop(timeout time.Duration) error {
	var firstErr error
	record := func(name string, err error) {
		if err != nil {
			a.logger.Error("Shutdown error", "component", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if a.tcp != nil {
		record("tcp", a.tcp.Stop(timeout))
	}
	if a.udp != nil {
		record("udp", a.udp.Stop(timeout))
	}
	record("dispatcher", a.dispatcher.Stop(timeout))

	if a.publisher != nil {
		record("natspub", a.publisher.Stop(timeout))
	}
	if a.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		record("nats", a.nats.Close(ctx))
		cancel()
	}
	if a.recorder != nil {
		record("recorder", a.recorder.Stop(timeout))
	}
	if a.websocket != nil {
		record("websocket", a.websocket.Stop(timeout))
	}
	if a.metricsServer != nil {
		record("metrics", a.metricsServer.Stop())
	}

	a.logger.Info("Plotter stopped", "applied", a.dispatcher.Applied(), "curves", a.registry.CurveCount())
	return firstErr
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
