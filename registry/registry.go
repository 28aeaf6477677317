// Package registry owns every plot and curve, applies decoded messages to
// them, and keeps derived curves current by walking an explicit dependency
// graph breadth first.
//
// Mutating methods (Apply, CurveUpdated, PlotRemoved, CreateChildCurve,
// RemoveChildCurve) must be called from one goroutine, normally the
// dispatcher. Read methods may be called from any goroutine.
package registry

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/d-wizard/plotter-sub000/curve"
	"github.com/d-wizard/plotter-sub000/derive"
	"github.com/d-wizard/plotter-sub000/errors"
	"github.com/d-wizard/plotter-sub000/metric"
	"github.com/d-wizard/plotter-sub000/plotmsg"
)

// Listener observes committed changes. Callbacks run on the mutating
// goroutine after the registry lock is released; c must not be retained or
// modified after the callback returns.
type Listener interface {
	OnCurveUpdated(plot, name string, c *curve.Curve)
	OnPlotRemoved(plot string)
}

// curveKey names one curve.
type curveKey struct {
	plot, curve string
}

// edgeKey names one parent axis.
type edgeKey struct {
	plot, curve string
	axis        curve.Axis
}

// change is a committed write waiting to be propagated.
type change struct {
	plot, curve string
	start, stop int
}

type event struct {
	plot, curve string
	removed     bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records curve counts, cascade timing and child updates.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry is the canonical curve store plus the derivation graph.
type Registry struct {
	mu       sync.RWMutex
	plots    map[string]map[string]*curve.Curve
	children map[curveKey]*derive.Child
	edges    map[edgeKey][]curveKey

	listenerMu sync.RWMutex
	listeners  []Listener

	meas    *derive.MeasParams
	logger  *slog.Logger
	metrics *metric.Metrics
}

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		plots:    make(map[string]map[string]*curve.Curve),
		children: make(map[curveKey]*derive.Child),
		edges:    make(map[edgeKey][]curveKey),
		meas:     derive.NewMeasParams(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// AddListener attaches l; listeners are called in attachment order.
func (r *Registry) AddListener(l Listener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// MeasParams returns the FFT measurement table owned by the registry.
func (r *Registry) MeasParams() *derive.MeasParams { return r.meas }

// CreatePlot makes an empty plot. Existing plots are left alone.
func (r *Registry) CreatePlot(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createPlotLocked(name)
}

func (r *Registry) createPlotLocked(name string) map[string]*curve.Curve {
	p, ok := r.plots[name]
	if !ok {
		p = make(map[string]*curve.Curve)
		r.plots[name] = p
	}
	return p
}

// GetCurve returns the live curve. Callers off the mutating goroutine
// should prefer Snapshot.
func (r *Registry) GetCurve(plot, name string) (*curve.Curve, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(plot, name)
}

func (r *Registry) lookup(plot, name string) (*curve.Curve, bool) {
	c, ok := r.plots[plot][name]
	return c, ok
}

// Snapshot returns a deep copy of one curve.
func (r *Registry) Snapshot(plot, name string) (*curve.Curve, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.lookup(plot, name)
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// SnapshotAll returns deep copies of every curve ordered by plot then name.
func (r *Registry) SnapshotAll() []*curve.Curve {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*curve.Curve
	for _, plot := range sortedKeys(r.plots) {
		for _, name := range sortedKeys(r.plots[plot]) {
			out = append(out, r.plots[plot][name].Clone())
		}
	}
	return out
}

// Plots returns the plot names in order.
func (r *Registry) Plots() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.plots)
}

// Curves returns the curve names of plot in order.
func (r *Registry) Curves(plot string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.plots[plot])
}

// CurveCount returns the number of curves across all plots.
func (r *Registry) CurveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.curveCountLocked()
}

func (r *Registry) curveCountLocked() int {
	n := 0
	for _, p := range r.plots {
		n += len(p)
	}
	return n
}

// changeWindow is the window touched by writing n samples at start into a
// curve of length oldLen. Writing past the end zero-fills the gap, so the
// window begins at the old end in that case.
func changeWindow(oldLen, start, n int) (int, int) {
	start = max(start, 0)
	return min(oldLen, start), start + n
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Apply commits one decoded message and propagates it.
func (r *Registry) Apply(msg plotmsg.Message) {
	start := time.Now()
	defer func() { r.metrics.RecordApply(time.Since(start)) }()

	if msg.Action == plotmsg.Reset {
		r.PlotRemoved(msg.PlotName)
		return
	}

	r.fire(r.commitMessage(msg))
}

// commitMessage applies msg under the write lock and returns the events to
// fire once it is released. The lock is released even if a derivation
// panics.
func (r *Registry) commitMessage(msg plotmsg.Message) []event {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.createPlotLocked(msg.PlotName)
	c, exists := p[msg.CurveName]
	ch := change{plot: msg.PlotName, curve: msg.CurveName}

	switch msg.Action {
	case plotmsg.Create1D:
		if exists {
			c.Reset1D(msg.Y)
			c.SetPlotType(curve.Plot1D)
		} else {
			c = curve.New1D(msg.PlotName, msg.CurveName, msg.Y)
		}
	case plotmsg.Create2D:
		if exists {
			c.Reset2D(msg.X, msg.Y)
			c.SetPlotType(curve.Plot2D)
		} else {
			c = curve.New2D(msg.PlotName, msg.CurveName, msg.X, msg.Y)
		}
	case plotmsg.Update1D:
		if !exists {
			c = curve.New1D(msg.PlotName, msg.CurveName, nil)
		}
		ch.start, ch.stop = changeWindow(c.Len(), int(msg.StartIndex), len(msg.Y))
		c.Update1D(int(msg.StartIndex), msg.Y)
	case plotmsg.Update2D:
		if !exists {
			c = curve.New2D(msg.PlotName, msg.CurveName, nil, nil)
		}
		ch.start, ch.stop = changeWindow(c.Len(), int(msg.StartIndex), min(len(msg.X), len(msg.Y)))
		c.Update2D(int(msg.StartIndex), msg.X, msg.Y)
	}
	p[msg.CurveName] = c

	events := []event{{plot: msg.PlotName, curve: msg.CurveName}}
	events = r.cascadeLocked(ch, events)
	r.metrics.RecordCurves(r.curveCountLocked())
	return events
}

// CurveUpdated installs c as plot/name, replacing any existing curve, and
// propagates the change window [start, stop). 0, 0 means the whole curve.
func (r *Registry) CurveUpdated(plot, name string, c *curve.Curve, start, stop int) {
	events := func() []event {
		r.mu.Lock()
		defer r.mu.Unlock()
		c.Plot, c.Name = plot, name
		r.createPlotLocked(plot)[name] = c
		events := []event{{plot: plot, curve: name}}
		events = r.cascadeLocked(change{plot: plot, curve: name, start: start, stop: stop}, events)
		r.metrics.RecordCurves(r.curveCountLocked())
		return events
	}()
	r.fire(events)
}

// PlotRemoved destroys plot and its curves, drops child curves that live
// in it or have lost every parent, and clears measurement state that
// mentions it.
func (r *Registry) PlotRemoved(plot string) {
	existed := r.removePlot(plot)

	if existed {
		r.logger.Debug("plot removed", "plot", plot)
		r.fire([]event{{plot: plot, removed: true}})
	}
}

func (r *Registry) removePlot(plot string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.plots[plot]
	delete(r.plots, plot)

	for key, child := range r.children {
		if child.Plot == plot || !r.anyParentLocked(child) {
			r.removeChildLocked(key)
		}
	}
	r.meas.PlotRemoved(plot)
	r.metrics.RecordCurves(r.curveCountLocked())
	return existed
}

func (r *Registry) anyParentLocked(child *derive.Child) bool {
	for _, p := range child.Parents() {
		if _, ok := r.lookup(p.Plot, p.Curve); ok {
			return true
		}
	}
	return false
}

// CreateChildCurve registers a derived curve named plot/name and computes
// it from its parents' current data. Two-input plot types take parents in
// (x, y) order.
func (r *Registry) CreateChildCurve(plot, name string, t curve.PlotType, parents ...derive.ParentRef) error {
	child, err := derive.New(plot, name, t, parents...)
	if err != nil {
		return err
	}

	events, err := r.addChild(child)
	if err != nil {
		return err
	}

	r.logger.Info("child curve created", "plot", plot, "curve", name, "plot_type", t.String())
	r.fire(events)
	return nil
}

func (r *Registry) addChild(child *derive.Child) ([]event, error) {
	plot, name := child.Plot, child.Curve
	r.mu.Lock()
	defer r.mu.Unlock()

	key := curveKey{plot, name}
	if _, ok := r.children[key]; ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s/%s", errors.ErrCurveExists, plot, name),
			"Registry", "CreateChildCurve", "check duplicate")
	}
	for _, out := range child.Outputs() {
		if _, ok := r.lookup(plot, out); ok {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s/%s", errors.ErrCurveExists, plot, out),
				"Registry", "CreateChildCurve", "check duplicate")
		}
	}
	if r.wouldCycleLocked(child) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s/%s", errors.ErrCycle, plot, name),
			"Registry", "CreateChildCurve", "check cycle")
	}

	r.children[key] = child
	for _, p := range child.Parents() {
		ek := edgeKey{p.Plot, p.Curve, p.Axis}
		if !slices.Contains(r.edges[ek], key) {
			r.edges[ek] = append(r.edges[ek], key)
		}
	}

	var events []event
	for _, out := range child.Recompute(source{r}) {
		var ch change
		events, ch = r.commitLocked(child, out, events)
		events = r.cascadeLocked(ch, events)
	}
	r.metrics.RecordCurves(r.curveCountLocked())
	return events, nil
}

// RemoveChildCurve stops deriving plot/name. Curves it already produced
// stay in place as plain curves.
func (r *Registry) RemoveChildCurve(plot, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := curveKey{plot, name}
	if _, ok := r.children[key]; !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s/%s", errors.ErrCurveNotFound, plot, name),
			"Registry", "RemoveChildCurve", "find child")
	}
	r.removeChildLocked(key)
	return nil
}

// Children returns the keys of every child curve as "plot/curve" pairs.
func (r *Registry) Children() [][2]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([][2]string, 0, len(r.children))
	for k := range r.children {
		out = append(out, [2]string{k.plot, k.curve})
	}
	slices.SortFunc(out, func(a, b [2]string) int {
		return cmp.Or(cmp.Compare(a[0], b[0]), cmp.Compare(a[1], b[1]))
	})
	return out
}

func (r *Registry) removeChildLocked(key curveKey) {
	child, ok := r.children[key]
	if !ok {
		return
	}
	delete(r.children, key)
	for _, p := range child.Parents() {
		ek := edgeKey{p.Plot, p.Curve, p.Axis}
		r.edges[ek] = slices.DeleteFunc(r.edges[ek], func(k curveKey) bool { return k == key })
		if len(r.edges[ek]) == 0 {
			delete(r.edges, ek)
		}
	}
}

// dependentsLocked returns the children fed by either axis of plot/name.
func (r *Registry) dependentsLocked(plot, name string) []curveKey {
	deps := slices.Clone(r.edges[edgeKey{plot, name, curve.AxisY}])
	for _, k := range r.edges[edgeKey{plot, name, curve.AxisX}] {
		if !slices.Contains(deps, k) {
			deps = append(deps, k)
		}
	}
	return deps
}

// wouldCycleLocked reports whether any parent of child is reachable from
// child's own outputs.
func (r *Registry) wouldCycleLocked(child *derive.Child) bool {
	parents := make(map[curveKey]bool)
	for _, p := range child.Parents() {
		parents[curveKey{p.Plot, p.Curve}] = true
	}

	seen := make(map[curveKey]bool)
	var queue []curveKey
	for _, out := range child.Outputs() {
		queue = append(queue, curveKey{child.Plot, out})
	}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if parents[k] {
			return true
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		for _, dep := range r.dependentsLocked(k.plot, k.curve) {
			for _, out := range r.children[dep].Outputs() {
				queue = append(queue, curveKey{dep.plot, out})
			}
		}
	}
	return false
}

// cascadeLocked propagates first through the graph breadth first. Each
// child sees its parent only after the parent's write is committed.
func (r *Registry) cascadeLocked(first change, events []event) []event {
	queue := []change{first}
	for len(queue) > 0 {
		ch := queue[0]
		queue = queue[1:]
		for _, key := range r.dependentsLocked(ch.plot, ch.curve) {
			child := r.children[key]
			for _, out := range r.deriveContained(child, ch) {
				var next change
				events, next = r.commitLocked(child, out, events)
				queue = append(queue, next)
			}
		}
	}
	return events
}

// deriveContained runs one child's reaction to ch. A panicking child is
// logged and skipped so its siblings and the parent write still land.
func (r *Registry) deriveContained(child *derive.Child, ch change) (outs []derive.Output) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("child derivation panicked",
				"plot", child.Plot, "curve", child.Curve, "plot_type", child.Type.String(),
				"parent_plot", ch.plot, "parent_curve", ch.curve,
				"start", ch.start, "stop", ch.stop, "panic", fmt.Sprint(p))
			outs = nil
		}
	}()
	return child.ParentChanged(source{r}, ch.plot, ch.curve, ch.start, ch.stop)
}

// commitLocked writes one derive output into the store.
func (r *Registry) commitLocked(child *derive.Child, out derive.Output, events []event) ([]event, change) {
	p := r.createPlotLocked(child.Plot)
	c, ok := p[out.Curve]
	twoD := out.X != nil

	switch {
	case !ok && twoD:
		c = curve.New2D(child.Plot, out.Curve, nil, nil)
	case !ok:
		c = curve.New1D(child.Plot, out.Curve, nil)
	}

	ch := change{plot: child.Plot, curve: out.Curve}
	switch {
	case out.Replace && twoD:
		c.Reset2D(out.X, out.Y)
	case out.Replace:
		c.Reset1D(out.Y)
	case twoD:
		ch.start, ch.stop = changeWindow(c.Len(), out.Offset, min(len(out.X), len(out.Y)))
		c.Update2D(out.Offset, out.X, out.Y)
	default:
		if c.Is2D() {
			c.Reset1D(c.YPoints(0, c.Len()))
		}
		ch.start, ch.stop = changeWindow(c.Len(), out.Offset, len(out.Y))
		c.Update1D(out.Offset, out.Y)
	}
	if !twoD {
		c.SetPlotType(out.PlotType)
	}
	c.SetSampleRate(out.SampleRate)
	p[out.Curve] = c

	r.metrics.RecordChildUpdate(child.Type.String())
	return append(events, event{plot: child.Plot, curve: out.Curve}), ch
}

func (r *Registry) fire(events []event) {
	r.listenerMu.RLock()
	listeners := slices.Clone(r.listeners)
	r.listenerMu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	for _, ev := range events {
		if ev.removed {
			for _, l := range listeners {
				l.OnPlotRemoved(ev.plot)
			}
			continue
		}
		// Mutation only happens on this goroutine, so the live curve is
		// stable for the duration of the callbacks.
		c, ok := r.GetCurve(ev.plot, ev.curve)
		if !ok {
			continue
		}
		for _, l := range listeners {
			l.OnCurveUpdated(ev.plot, ev.curve, c)
		}
	}
}

// source resolves parents while the registry lock is held.
type source struct{ r *Registry }

func (s source) GetCurve(plot, name string) (*curve.Curve, bool) {
	return s.r.lookup(plot, name)
}
