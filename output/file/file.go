// Package file records curve changes to disk as JSON lines, one record per
// update, so a session can be replayed or inspected offline.
package file

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/d-wizard/plotter-sub000/curve"
	"github.com/d-wizard/plotter-sub000/errors"
	"github.com/d-wizard/plotter-sub000/metric"
	"github.com/d-wizard/plotter-sub000/registry"
)

// Config configures a Recorder.
type Config struct {
	Directory     string
	FilePrefix    string
	Format        string // jsonl or json (indented, one document per record)
	Append        bool
	Samples       bool // include the point arrays, not only the summary
	BufferSize    int  // records held before a forced flush
	FlushInterval time.Duration
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Directory == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "directory is required")
	}
	if c.Format != "jsonl" && c.Format != "json" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "format must be jsonl or json")
	}
	if c.BufferSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "buffer_size cannot be negative")
	}
	return nil
}

// DefaultConfig returns the recorder defaults.
func DefaultConfig() Config {
	return Config{
		Directory:     "recordings",
		FilePrefix:    "curves",
		Format:        "jsonl",
		Append:        true,
		BufferSize:    100,
		FlushInterval: time.Second,
	}
}

// Record is one line of the recording.
type Record struct {
	Time       time.Time     `json:"time"`
	Event      string        `json:"event"`
	Plot       string        `json:"plot"`
	Curve      string        `json:"curve,omitempty"`
	PlotType   string        `json:"plot_type,omitempty"`
	Len        int           `json:"len,omitempty"`
	SampleRate float64       `json:"sample_rate,omitempty"`
	MaxMin     *curve.MaxMin `json:"max_min,omitempty"`
	X          []*float64    `json:"x,omitempty"`
	Y          []*float64    `json:"y,omitempty"`
}

// Recorder is a registry.Listener. Callbacks encode into memory; a flush
// goroutine and a full buffer move records to the file.
type Recorder struct {
	cfg     Config
	path    string
	logger  *slog.Logger
	metrics *metric.Metrics

	file   *os.File
	writer *bufio.Writer
	fileMu sync.Mutex

	buffer   [][]byte
	bufferMu sync.Mutex

	shutdown    chan struct{}
	wg          sync.WaitGroup
	lifecycleMu sync.Mutex
	running     atomic.Bool

	recordsWritten atomic.Int64
	bytesWritten   atomic.Int64
	failures       atomic.Int64
}

var _ registry.Listener = (*Recorder)(nil)

// New builds a Recorder. The file is opened by Start.
func New(cfg Config, reg *metric.MetricsRegistry, logger *slog.Logger) (*Recorder, error) {
	def := DefaultConfig()
	if cfg.Format == "" {
		cfg.Format = def.Format
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = def.FilePrefix
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = def.BufferSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		cfg:    cfg,
		path:   filepath.Join(cfg.Directory, fmt.Sprintf("%s.%s", cfg.FilePrefix, cfg.Format)),
		logger: logger.With("component", "file-recorder"),
		buffer: make([][]byte, 0, cfg.BufferSize),
	}
	if reg != nil {
		r.metrics = reg.CoreMetrics()
	}
	return r, nil
}

// Path returns the recording file.
func (r *Recorder) Path() string { return r.path }

// Start creates the directory, opens the file and starts the flusher.
func (r *Recorder) Start() error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Recorder", "Start", "check running state")
	}

	if err := os.MkdirAll(r.cfg.Directory, 0755); err != nil {
		return errors.WrapFatal(err, "Recorder", "Start", "create output directory")
	}
	flags := os.O_CREATE | os.O_WRONLY
	if r.cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(r.path, flags, 0644)
	if err != nil {
		return errors.WrapFatal(err, "Recorder", "Start", "open output file")
	}

	r.fileMu.Lock()
	r.file = f
	r.writer = bufio.NewWriter(f)
	r.fileMu.Unlock()

	r.shutdown = make(chan struct{})
	r.wg.Add(1)
	go r.flushLoop(r.shutdown)
	r.running.Store(true)

	r.logger.Info("Curve recorder started", "path", r.path, "format", r.cfg.Format, "samples", r.cfg.Samples)
	return nil
}

// Stop flushes pending records and closes the file.
func (r *Recorder) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if !r.running.Swap(false) {
		return nil
	}

	close(r.shutdown)
	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("shutdown timeout after %v", timeout), "Recorder", "Stop", "shutdown")
	}

	r.flush()

	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	var err error
	if r.file != nil {
		if ferr := r.writer.Flush(); ferr != nil {
			err = ferr
		}
		if cerr := r.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		r.file, r.writer = nil, nil
	}
	if err != nil {
		return errors.WrapTransient(err, "Recorder", "Stop", "close output file")
	}
	return nil
}

// Stats reports records written, bytes written and failed records.
func (r *Recorder) Stats() (records, bytes, failures int64) {
	return r.recordsWritten.Load(), r.bytesWritten.Load(), r.failures.Load()
}

func (r *Recorder) OnCurveUpdated(plot, name string, c *curve.Curve) {
	if !r.running.Load() {
		return
	}
	mm := c.MaxMin()
	rec := Record{
		Time:       time.Now().UTC(),
		Event:      "curve_updated",
		Plot:       plot,
		Curve:      name,
		PlotType:   c.PlotType().String(),
		Len:        c.Len(),
		SampleRate: c.SampleRate(),
		MaxMin:     &mm,
	}
	if r.cfg.Samples {
		rec.X = nullable(c.XPoints(0, c.Len()))
		rec.Y = nullable(c.YPoints(0, c.Len()))
	}
	r.add(rec)
}

func (r *Recorder) OnPlotRemoved(plot string) {
	if !r.running.Load() {
		return
	}
	r.add(Record{Time: time.Now().UTC(), Event: "plot_removed", Plot: plot})
}

// nullable maps non-finite samples to JSON null.
func nullable(s []float64) []*float64 {
	out := make([]*float64, len(s))
	for i := range s {
		if !math.IsNaN(s[i]) && !math.IsInf(s[i], 0) {
			out[i] = &s[i]
		}
	}
	return out
}

func (r *Recorder) add(rec Record) {
	var data []byte
	var err error
	if r.cfg.Format == "json" {
		data, err = json.MarshalIndent(rec, "", "  ")
	} else {
		data, err = json.Marshal(rec)
	}
	if err != nil {
		r.failures.Add(1)
		r.logger.Error("Encode record failed", "plot", rec.Plot, "curve", rec.Curve, "error", err)
		return
	}

	r.bufferMu.Lock()
	r.buffer = append(r.buffer, data)
	full := len(r.buffer) >= r.cfg.BufferSize
	r.bufferMu.Unlock()

	if full {
		r.flush()
	}
}

func (r *Recorder) flushLoop(shutdown <-chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Recorder) flush() {
	r.bufferMu.Lock()
	if len(r.buffer) == 0 {
		r.bufferMu.Unlock()
		return
	}
	records := r.buffer
	r.buffer = make([][]byte, 0, r.cfg.BufferSize)
	r.bufferMu.Unlock()

	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if r.writer == nil {
		r.failures.Add(int64(len(records)))
		r.logger.Error("Recording file closed during flush", "records_lost", len(records))
		return
	}

	for _, rec := range records {
		n, err := r.writer.Write(append(rec, '\n'))
		if err != nil {
			r.failures.Add(1)
			r.metrics.RecordPublished("file", false)
			r.logger.Error("Write record failed", "error", err)
			continue
		}
		r.recordsWritten.Add(1)
		r.bytesWritten.Add(int64(n))
		r.metrics.RecordPublished("file", true)
	}
	if err := r.writer.Flush(); err != nil {
		r.failures.Add(1)
		r.logger.Error("Flush recording failed", "error", err)
	}
}
