// Package config defines the plotter configuration and loads it from
// layered JSON or YAML files plus PLOTTER_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/d-wizard/plotter-sub000/curve"
	"github.com/d-wizard/plotter-sub000/derive"
	"github.com/d-wizard/plotter-sub000/errors"
	"github.com/d-wizard/plotter-sub000/plotmsg"
)

// Config is the complete plotter configuration.
type Config struct {
	Service   ServiceConfig   `json:"service"`
	TCP       TCPConfig       `json:"tcp"`
	UDP       UDPConfig       `json:"udp"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Metrics   MetricsConfig   `json:"metrics"`
	Websocket WebsocketConfig `json:"websocket"`
	NATS      NATSConfig      `json:"nats"`
	Record    RecordConfig    `json:"record"`
	Blocklist []BlockRule     `json:"blocklist,omitempty"`
	Children  []ChildConfig   `json:"children,omitempty"`
}

// ServiceConfig holds process-wide settings.
type ServiceConfig struct {
	Name      string `json:"name"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // json or text
}

// TCPConfig configures the stream input.
type TCPConfig struct {
	Enabled      bool          `json:"enabled"`
	Bind         string        `json:"bind"`
	Port         int           `json:"port"`
	Framing      string        `json:"framing"`
	RingSlots    int           `json:"ring_slots"`
	RingBytes    int           `json:"ring_bytes"`
	ReadSize     int           `json:"read_size"`
	StaleTimeout time.Duration `json:"stale_timeout"`
	MaxSamples   uint32        `json:"max_samples,omitempty"`
}

// UDPConfig configures the datagram input.
type UDPConfig struct {
	Enabled        bool   `json:"enabled"`
	Bind           string `json:"bind"`
	Port           int    `json:"port"`
	Framing        string `json:"framing"`
	BufferCapacity int    `json:"buffer_capacity"`
	MaxSamples     uint32 `json:"max_samples,omitempty"`
}

// DispatchConfig sizes the queue between inputs and the registry.
type DispatchConfig struct {
	QueueSize int `json:"queue_size"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Bind    string `json:"bind"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// WebsocketConfig configures the renderer push server.
type WebsocketConfig struct {
	Enabled      bool          `json:"enabled"`
	Bind         string        `json:"bind"`
	Port         int           `json:"port"`
	Path         string        `json:"path"`
	SendQueue    int           `json:"send_queue"`
	WriteTimeout time.Duration `json:"write_timeout"`
	PingInterval time.Duration `json:"ping_interval"`
}

// NATSConfig configures the optional NATS publisher.
type NATSConfig struct {
	Enabled          bool          `json:"enabled"`
	URLs             []string      `json:"urls"`
	Username         string        `json:"username,omitempty"`
	Password         string        `json:"password,omitempty"`
	Token            string        `json:"token,omitempty"`
	MaxReconnects    int           `json:"max_reconnects"`
	ReconnectWait    time.Duration `json:"reconnect_wait"`
	PingInterval     time.Duration `json:"ping_interval"`
	ConnectTimeout   time.Duration `json:"connect_timeout"`
	DrainTimeout     time.Duration `json:"drain_timeout"`
	CircuitThreshold int           `json:"circuit_threshold"`
	MaxBackoff       time.Duration `json:"max_backoff"`
	Prefix           string        `json:"prefix"`
	Stream           string        `json:"stream,omitempty"`
	Workers          int           `json:"workers"`
	QueueSize        int           `json:"queue_size"`
}

// RecordConfig configures the on-disk curve recorder.
type RecordConfig struct {
	Enabled       bool          `json:"enabled"`
	Directory     string        `json:"directory"`
	FilePrefix    string        `json:"file_prefix"`
	Format        string        `json:"format"` // jsonl or json
	Append        bool          `json:"append"`
	Samples       bool          `json:"samples"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// BlockRule drops traffic from Addr, either entirely or only for Plots.
type BlockRule struct {
	Addr  string   `json:"addr"`
	Plots []string `json:"plots,omitempty"`
}

// ChildConfig declares a derived curve created at startup.
type ChildConfig struct {
	Plot    string         `json:"plot"`
	Curve   string         `json:"curve"`
	Type    string         `json:"type"`
	Parents []ParentConfig `json:"parents"`
}

// ParentConfig is one input of a child curve.
type ParentConfig struct {
	Plot      string  `json:"plot"`
	Curve     string  `json:"curve"`
	Axis      string  `json:"axis,omitempty"` // x or y, default y
	Start     int     `json:"start,omitempty"`
	Stop      int     `json:"stop,omitempty"`
	AvgAmount float64 `json:"avg_amount,omitempty"`
	Window    bool    `json:"window,omitempty"`
	Op        string  `json:"op,omitempty"` // math children: add, sub, mul, div
}

// Defaults returns the configuration used when no file sets a value.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "plotter",
			LogLevel:  "info",
			LogFormat: "json",
		},
		TCP: TCPConfig{
			Enabled:      true,
			Port:         2000,
			Framing:      "sized",
			RingSlots:    4096,
			RingBytes:    32 << 20,
			ReadSize:     64 << 10,
			StaleTimeout: plotmsg.DefaultStaleTimeout,
		},
		UDP: UDPConfig{
			Enabled:        true,
			Port:           2001,
			Framing:        "sized",
			BufferCapacity: 1024,
		},
		Dispatch: DispatchConfig{QueueSize: 4096},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Websocket: WebsocketConfig{
			Enabled:      true,
			Port:         8080,
			Path:         "/ws",
			SendQueue:    256,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
		},
		NATS: NATSConfig{
			URLs:             []string{"nats://localhost:4222"},
			MaxReconnects:    -1,
			ReconnectWait:    2 * time.Second,
			PingInterval:     30 * time.Second,
			ConnectTimeout:   5 * time.Second,
			DrainTimeout:     10 * time.Second,
			CircuitThreshold: 5,
			MaxBackoff:       time.Minute,
			Prefix:           "plotter",
			Workers:          4,
			QueueSize:        1000,
		},
		Record: RecordConfig{
			Directory:     "recordings",
			FilePrefix:    "curves",
			Format:        "jsonl",
			Append:        true,
			FlushInterval: time.Second,
		},
	}
}

// Validate reports every problem found, joined into one invalid error.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := ParseLogLevel(c.Service.LogLevel); err != nil {
		add("service.log_level: %v", err)
	}
	if f := c.Service.LogFormat; f != "" && f != "json" && f != "text" {
		add("service.log_format: %q is not json or text", f)
	}

	checkPort := func(section string, port int) {
		if port < 0 || port > 65535 {
			add("%s.port: %d out of range", section, port)
		}
	}
	checkFraming := func(section, f string) {
		if _, ok := plotmsg.ParseFraming(f); !ok {
			add("%s.framing: unknown %q", section, f)
		}
	}

	if c.TCP.Enabled {
		checkPort("tcp", c.TCP.Port)
		checkFraming("tcp", c.TCP.Framing)
		if c.TCP.RingSlots < 0 || c.TCP.RingBytes < 0 || c.TCP.ReadSize < 0 {
			add("tcp: ring_slots, ring_bytes and read_size must not be negative")
		}
	}
	if c.UDP.Enabled {
		checkPort("udp", c.UDP.Port)
		checkFraming("udp", c.UDP.Framing)
		if c.UDP.BufferCapacity < 0 {
			add("udp.buffer_capacity: %d is negative", c.UDP.BufferCapacity)
		}
	}
	if c.Dispatch.QueueSize < 0 {
		add("dispatch.queue_size: %d is negative", c.Dispatch.QueueSize)
	}
	if c.Metrics.Enabled {
		checkPort("metrics", c.Metrics.Port)
	}
	if c.Websocket.Enabled {
		checkPort("websocket", c.Websocket.Port)
		if c.Websocket.Path != "" && !strings.HasPrefix(c.Websocket.Path, "/") {
			add("websocket.path: %q must start with /", c.Websocket.Path)
		}
	}
	if c.NATS.Enabled {
		if len(c.NATS.URLs) == 0 {
			add("nats.urls: required when nats is enabled")
		}
		if c.NATS.CircuitThreshold <= 0 {
			add("nats.circuit_threshold: %d must be positive", c.NATS.CircuitThreshold)
		}
		if c.NATS.MaxBackoff <= 0 {
			add("nats.max_backoff: %v must be positive", c.NATS.MaxBackoff)
		}
		if strings.ContainsAny(c.NATS.Prefix, " *>") {
			add("nats.prefix: %q contains a wildcard or space", c.NATS.Prefix)
		}
	}

	if c.Record.Enabled {
		if c.Record.Directory == "" {
			add("record.directory: required when record is enabled")
		}
		if f := c.Record.Format; f != "jsonl" && f != "json" {
			add("record.format: %q is not jsonl or json", f)
		}
	}

	for i, rule := range c.Blocklist {
		if _, err := netip.ParseAddr(rule.Addr); err != nil {
			add("blocklist[%d].addr: %v", i, err)
		}
	}
	for i, child := range c.Children {
		if _, _, err := child.Build(); err != nil {
			add("children[%d]: %v", i, err)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
		"Config", "Validate", "validate configuration")
}

// Build converts the declaration into the arguments of
// registry.CreateChildCurve.
func (cc ChildConfig) Build() (curve.PlotType, []derive.ParentRef, error) {
	if cc.Plot == "" || cc.Curve == "" {
		return 0, nil, fmt.Errorf("plot and curve are required")
	}
	t, ok := curve.ParsePlotType(cc.Type)
	if !ok {
		return 0, nil, fmt.Errorf("%w: %q", errors.ErrUnknownPlotType, cc.Type)
	}

	refs := make([]derive.ParentRef, 0, len(cc.Parents))
	for _, p := range cc.Parents {
		ref := derive.ParentRef{
			Plot:       p.Plot,
			Curve:      p.Curve,
			StartIndex: p.Start,
			StopIndex:  p.Stop,
			AvgAmount:  p.AvgAmount,
			Window:     p.Window,
		}
		switch p.Axis {
		case "", "y":
			ref.Axis = curve.AxisY
		case "x":
			ref.Axis = curve.AxisX
		default:
			return 0, nil, fmt.Errorf("parent %s/%s: unknown axis %q", p.Plot, p.Curve, p.Axis)
		}
		if p.Op != "" {
			op, ok := derive.ParseMathOp(p.Op)
			if !ok {
				return 0, nil, fmt.Errorf("parent %s/%s: unknown op %q", p.Plot, p.Curve, p.Op)
			}
			ref.MathOp = op
		}
		refs = append(refs, ref)
	}

	// Parent count and math op are checked by the derivation engine itself.
	if _, err := derive.New(cc.Plot, cc.Curve, t, refs...); err != nil {
		return 0, nil, err
	}
	return t, refs, nil
}

// ParseLogLevel maps debug, info, warn or error to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		cp := *c
		return &cp
	}
	var cp Config
	if err := json.Unmarshal(data, &cp); err != nil {
		cp = *c
	}
	return &cp
}

// String renders the configuration as JSON with secrets masked.
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "***"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "***"
	}
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return fmt.Sprintf("config marshal error: %v", err)
	}
	return string(data)
}
