package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-wizard/plotter-sub000/curve"
	"github.com/d-wizard/plotter-sub000/errors"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func newLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.getenv = func(k string) string { return env[k] }
	return l
}

func TestDefaults_Valid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2000, cfg.TCP.Port)
	assert.Equal(t, 2001, cfg.UDP.Port)
	assert.Equal(t, 1500*time.Millisecond, cfg.TCP.StaleTimeout)
	assert.False(t, cfg.NATS.Enabled)
}

func TestLoader_NoLayers(t *testing.T) {
	cfg, err := newLoader(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoader_JSONLayerMergesOverDefaults(t *testing.T) {
	path := writeFile(t, "plotter.json", `{
		"tcp": {"port": 3000, "stale_timeout": "250ms"},
		"nats": {"enabled": true, "urls": ["nats://a:4222", "nats://b:4222"], "reconnect_wait": "5s",
			"ping_interval": "10s", "drain_timeout": "2s", "max_backoff": "30s", "circuit_threshold": 7}
	}`)

	l := newLoader(nil)
	l.AddLayer(path)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.TCP.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.TCP.StaleTimeout)
	assert.Equal(t, "sized", cfg.TCP.Framing, "untouched keys keep defaults")
	assert.Equal(t, 4096, cfg.TCP.RingSlots)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, 10*time.Second, cfg.NATS.PingInterval)
	assert.Equal(t, 2*time.Second, cfg.NATS.DrainTimeout)
	assert.Equal(t, 30*time.Second, cfg.NATS.MaxBackoff)
	assert.Equal(t, 7, cfg.NATS.CircuitThreshold)
	assert.Equal(t, 5*time.Second, cfg.NATS.ConnectTimeout, "untouched keys keep defaults")
	assert.Equal(t, "plotter", cfg.NATS.Prefix)
}

func TestLoader_YAMLLayers(t *testing.T) {
	base := writeFile(t, "base.yaml", `
udp:
  port: 4001
  framing: legacy
websocket:
  ping_interval: 5s
children:
  - plot: scope
    curve: spectrum
    type: fft_db
    parents:
      - {plot: scope, curve: ch1, window: true}
`)
	override := writeFile(t, "site.yml", `
udp:
  port: 5001
blocklist:
  - addr: 10.0.0.9
    plots: [noisy]
`)

	l := newLoader(nil)
	l.AddLayer(base)
	l.AddLayer(override)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 5001, cfg.UDP.Port)
	assert.Equal(t, "legacy", cfg.UDP.Framing)
	assert.Equal(t, 5*time.Second, cfg.Websocket.PingInterval)
	require.Len(t, cfg.Children, 1)
	assert.Equal(t, "spectrum", cfg.Children[0].Curve)
	require.Len(t, cfg.Blocklist, 1)
	assert.Equal(t, []string{"noisy"}, cfg.Blocklist[0].Plots)
}

func TestLoader_EnvOverrides(t *testing.T) {
	l := newLoader(map[string]string{
		"PLOTTER_TCP_PORT":       "2100",
		"PLOTTER_LOG_LEVEL":      "debug",
		"PLOTTER_NATS_ENABLED":   "true",
		"PLOTTER_NATS_URLS":      "nats://x:1,nats://y:2",
		"PLOTTER_NATS_PASSWORD":  "secret",
		"PLOTTER_RECORD_ENABLED": "1",
	})
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 2100, cfg.TCP.Port)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, []string{"nats://x:1", "nats://y:2"}, cfg.NATS.URLs)
	assert.NotContains(t, cfg.String(), "secret")
	assert.True(t, cfg.Record.Enabled)
	assert.Equal(t, "recordings", cfg.Record.Directory)
}

func TestLoader_EnvMalformed(t *testing.T) {
	_, err := newLoader(map[string]string{"PLOTTER_UDP_PORT": "many"}).Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"bad json", "bad.json", `{"tcp": `},
		{"bad yaml", "bad.yaml", "tcp: [1, 2"},
		{"bad duration", "d.json", `{"tcp": {"stale_timeout": "soon"}}`},
		{"wrong type", "w.json", `{"tcp": {"port": "two thousand"}}`},
		{"deep json", "deep.json", strings.Repeat("[", maxJSONDepth+1) + strings.Repeat("]", maxJSONDepth+1)},
		{"invalid value", "v.json", `{"udp": {"port": 70000}}`},
		{"unsupported ext", "plotter.toml", `tcp = 1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLoader(nil)
			l.AddLayer(writeFile(t, tt.file, tt.body))
			_, err := l.Load()
			assert.Error(t, err)
		})
	}
}

func TestLoader_ValidationDisabled(t *testing.T) {
	l := newLoader(nil)
	l.AddLayer(writeFile(t, "v.json", `{"udp": {"port": 70000}}`))
	l.EnableValidation(false)
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 70000, cfg.UDP.Port)
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.TCP.Framing = "fancy"
	cfg.Websocket.Path = "ws"
	cfg.Blocklist = []BlockRule{{Addr: "not-an-ip"}}
	cfg.Record.Enabled = true
	cfg.Record.Format = "csv"
	cfg.NATS.Enabled = true
	cfg.NATS.CircuitThreshold = 0
	cfg.Children = []ChildConfig{{Plot: "p", Curve: "c", Type: "fft_complex",
		Parents: []ParentConfig{{Plot: "p", Curve: "i"}}}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	for _, want := range []string{"tcp.framing", "websocket.path", "record.format", "nats.circuit_threshold", "blocklist[0]", "children[0]"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_DisabledSectionsSkipped(t *testing.T) {
	cfg := Defaults()
	cfg.TCP.Enabled = false
	cfg.TCP.Port = -1
	assert.NoError(t, cfg.Validate())
}

func TestChildConfig_Build(t *testing.T) {
	cc := ChildConfig{
		Plot: "iq", Curve: "diff", Type: "math",
		Parents: []ParentConfig{
			{Plot: "iq", Curve: "a", Start: 10, Stop: -5},
			{Plot: "iq", Curve: "b", Axis: "x", Op: "sub"},
		},
	}
	typ, refs, err := cc.Build()
	require.NoError(t, err)
	assert.Equal(t, curve.Math, typ)
	require.Len(t, refs, 2)
	assert.Equal(t, 10, refs[0].StartIndex)
	assert.Equal(t, -5, refs[0].StopIndex)
	assert.Equal(t, curve.AxisX, refs[1].Axis)
	assert.Equal(t, "sub", refs[1].MathOp.String())

	bad := []ChildConfig{
		{Plot: "p", Curve: "c", Type: "spline", Parents: []ParentConfig{{Plot: "p", Curve: "a"}}},
		{Plot: "p", Curve: "c", Type: "1d", Parents: []ParentConfig{{Plot: "p", Curve: "a", Axis: "z"}}},
		{Plot: "p", Curve: "c", Type: "math", Parents: []ParentConfig{{Plot: "p", Curve: "a"}, {Plot: "p", Curve: "b", Op: "pow"}}},
		{Curve: "c", Type: "1d"},
	}
	for i, cc := range bad {
		_, _, err := cc.Build()
		assert.Error(t, err, "case %d", i)
	}
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := ParseLogLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, "WARN", lvl.String())

	_, err = ParseLogLevel("loud")
	assert.Error(t, err)
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	for _, name := range []string{"out.json", "out.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			cfg.UDP.Port = 6001
			cfg.Children = []ChildConfig{{Plot: "p", Curve: "avg", Type: "average",
				Parents: []ParentConfig{{Plot: "p", Curve: "raw", AvgAmount: 0.9}}}}

			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, cfg.SaveToFile(path))

			l := newLoader(nil)
			l.AddLayer(path)
			loaded, err := l.Load()
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": "[[[[", "b": [1, {"c": "\"}"}]}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [1]}}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [1]`)))
}

func TestValidateConfigPath(t *testing.T) {
	assert.Error(t, validateConfigPath(""))
	assert.Error(t, validateConfigPath("../outside.json"))
	assert.Error(t, validateConfigPath("plotter.ini"))
	assert.NoError(t, validateConfigPath("plotter.yaml"))
}

func TestClone_Independent(t *testing.T) {
	cfg := Defaults()
	cp := cfg.Clone()
	cp.NATS.URLs[0] = "nats://other:4222"
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URLs[0])
}
