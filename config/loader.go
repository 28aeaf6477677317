package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/d-wizard/plotter-sub000/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PLOTTER"

// Loader merges configuration layers over Defaults. Later layers win, and
// only keys present in a layer override earlier values.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		getenv:     os.Getenv,
	}
}

// AddLayer appends a .json, .yaml or .yml file.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation toggles Validate at the end of Load.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load reads every layer, applies environment overrides and validates.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Defaults())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged layers")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Loader", "Load", "decode merged layers")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	err = json.Unmarshal(data, &m)
	return m, err
}

// deepMergeMaps merges override into base. Nested maps merge key by key;
// anything else, lists included, is replaced. Nil overrides are ignored.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func isDurationKey(k string) bool {
	for _, suffix := range []string{"_timeout", "_interval", "_wait", "_backoff"} {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}

// parseDurations rewrites duration strings such as "1.5s" into
// nanoseconds so they decode into time.Duration fields.
func parseDurations(m map[string]any) error {
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val); err != nil {
				return err
			}
		case string:
			if !isDurationKey(k) {
				continue
			}
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, k, err)
			}
			m[k] = d.Nanoseconds()
		}
	}
	return nil
}

// applyEnvOverrides applies PLOTTER_* variables. Malformed numbers are
// reported rather than ignored.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var firstErr error
	get := func(name string) (string, bool) {
		key := l.envPrefix + "_" + name
		val := l.getenv(key)
		if val == "" {
			return "", false
		}
		if err := validateEnvVar(key, val); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return "", false
		}
		return val, true
	}
	setInt := func(name string, dst *int) {
		if val, ok := get(name); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: %s_%s=%q", errors.ErrInvalidConfig, l.envPrefix, name, val)
				}
				return
			}
			*dst = n
		}
	}
	setString := func(name string, dst *string) {
		if val, ok := get(name); ok {
			*dst = val
		}
	}
	setBool := func(name string, dst *bool) {
		if val, ok := get(name); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: %s_%s=%q", errors.ErrInvalidConfig, l.envPrefix, name, val)
				}
				return
			}
			*dst = b
		}
	}

	setString("SERVICE_NAME", &cfg.Service.Name)
	setString("LOG_LEVEL", &cfg.Service.LogLevel)
	setString("LOG_FORMAT", &cfg.Service.LogFormat)

	setBool("TCP_ENABLED", &cfg.TCP.Enabled)
	setString("TCP_BIND", &cfg.TCP.Bind)
	setInt("TCP_PORT", &cfg.TCP.Port)
	setString("TCP_FRAMING", &cfg.TCP.Framing)

	setBool("UDP_ENABLED", &cfg.UDP.Enabled)
	setString("UDP_BIND", &cfg.UDP.Bind)
	setInt("UDP_PORT", &cfg.UDP.Port)
	setString("UDP_FRAMING", &cfg.UDP.Framing)

	setInt("DISPATCH_QUEUE_SIZE", &cfg.Dispatch.QueueSize)

	setBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	setInt("METRICS_PORT", &cfg.Metrics.Port)

	setBool("WEBSOCKET_ENABLED", &cfg.Websocket.Enabled)
	setInt("WEBSOCKET_PORT", &cfg.Websocket.Port)

	setBool("NATS_ENABLED", &cfg.NATS.Enabled)
	if val, ok := get("NATS_URLS"); ok {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	setString("NATS_USERNAME", &cfg.NATS.Username)
	setString("NATS_PASSWORD", &cfg.NATS.Password)
	setString("NATS_TOKEN", &cfg.NATS.Token)
	setString("NATS_PREFIX", &cfg.NATS.Prefix)
	setString("NATS_STREAM", &cfg.NATS.Stream)

	setBool("RECORD_ENABLED", &cfg.Record.Enabled)
	setString("RECORD_DIRECTORY", &cfg.Record.Directory)
	setBool("RECORD_SAMPLES", &cfg.Record.Samples)

	return firstErr
}

// SaveToFile writes the configuration as JSON or YAML by extension.
func (c *Config) SaveToFile(path string) error {
	m, err := toMap(c)
	if err != nil {
		return errors.WrapFatal(err, "Config", "SaveToFile", "encode configuration")
	}

	var data []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(m)
	default:
		data, err = json.MarshalIndent(m, "", "  ")
	}
	if err != nil {
		return errors.WrapFatal(err, "Config", "SaveToFile", "marshal configuration")
	}
	if err := safeWriteFile(path, data); err != nil {
		return errors.WrapInvalid(err, "Config", "SaveToFile", fmt.Sprintf("write %s", path))
	}
	return nil
}
