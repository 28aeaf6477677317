package curve

import "math"

// Curve is the canonical storage for one curve. 1D curves keep only Y and
// synthesize X from the sample rate and plot type; 2D curves store both.
// A Curve is not safe for concurrent use; the registry serializes access.
type Curve struct {
	Plot string
	Name string

	plotType   PlotType
	twoD       bool
	x, y       []float64
	sampleRate float64
}

// New1D returns a 1D curve holding a copy of y.
func New1D(plot, name string, y []float64) *Curve {
	c := &Curve{Plot: plot, Name: name, plotType: Plot1D}
	c.Reset1D(y)
	return c
}

// New2D returns a 2D curve holding copies of x and y, truncated to the
// shorter of the two.
func New2D(plot, name string, x, y []float64) *Curve {
	c := &Curve{Plot: plot, Name: name, plotType: Plot2D}
	c.Reset2D(x, y)
	return c
}

// Is2D reports whether the curve stores its own X samples.
func (c *Curve) Is2D() bool { return c.twoD }

// PlotType returns the type that produced the curve.
func (c *Curve) PlotType() PlotType { return c.plotType }

// SetPlotType changes the X axis layout of a 1D curve.
func (c *Curve) SetPlotType(t PlotType) { c.plotType = t }

// SampleRate returns the rate in Hz, 0 when unknown.
func (c *Curve) SampleRate() float64 { return c.sampleRate }

// SetSampleRate sets the rate used to synthesize X. Negative and
// non-finite rates are stored as 0.
func (c *Curve) SetSampleRate(r float64) {
	if r < 0 || math.IsNaN(r) || math.IsInf(r, 0) {
		r = 0
	}
	c.sampleRate = r
}

// Len returns the number of points.
func (c *Curve) Len() int { return len(c.y) }

// Reset1D replaces the contents with y and makes the curve 1D.
func (c *Curve) Reset1D(y []float64) {
	c.twoD = false
	c.x = nil
	c.y = append(c.y[:0:0], y...)
}

// Reset2D replaces the contents with x and y and makes the curve 2D.
func (c *Curve) Reset2D(x, y []float64) {
	n := min(len(x), len(y))
	c.twoD = true
	c.x = append(c.x[:0:0], x[:n]...)
	c.y = append(c.y[:0:0], y[:n]...)
}

// Update1D overwrites y starting at start, growing the curve and zero
// filling any gap.
func (c *Curve) Update1D(start int, y []float64) {
	if start < 0 {
		start = 0
	}
	c.y = place(c.y, start, y)
	if c.twoD {
		c.x = grow(c.x, len(c.y))
	}
}

// Update2D overwrites both axes starting at start. A 1D curve becomes 2D
// with its synthesized X materialized first.
func (c *Curve) Update2D(start int, x, y []float64) {
	if start < 0 {
		start = 0
	}
	n := min(len(x), len(y))
	if !c.twoD {
		c.x = c.XPoints(0, c.Len())
		c.twoD = true
		c.plotType = Plot2D
	}
	c.x = place(c.x, start, x[:n])
	c.y = place(c.y, start, y[:n])
	end := max(len(c.x), len(c.y))
	c.x = grow(c.x, end)
	c.y = grow(c.y, end)
}

func grow(s []float64, n int) []float64 {
	if n <= len(s) {
		return s
	}
	if n <= cap(s) {
		old := len(s)
		s = s[:n]
		clear(s[old:])
		return s
	}
	out := make([]float64, n, n+n/4)
	copy(out, s)
	return out
}

func place(dst []float64, start int, src []float64) []float64 {
	dst = grow(dst, start+len(src))
	copy(dst[start:], src)
	return dst
}

// clamp bounds [start, stop) to [0, Len()). A window entirely past the end
// is empty.
func (c *Curve) clamp(start, stop int) (int, int) {
	n := c.Len()
	start = min(max(start, 0), n)
	stop = min(stop, n)
	if stop < start {
		stop = start
	}
	return start, stop
}

// YPoints returns a copy of Y over [start, stop), clamped to the curve.
func (c *Curve) YPoints(start, stop int) []float64 {
	start, stop = c.clamp(start, stop)
	return append([]float64(nil), c.y[start:stop]...)
}

// XPoints returns a copy of X over [start, stop), clamped to the curve.
// 1D curves synthesize the values.
func (c *Curve) XPoints(start, stop int) []float64 {
	start, stop = c.clamp(start, stop)
	if c.twoD {
		return append([]float64(nil), c.x[start:stop]...)
	}
	out := make([]float64, stop-start)
	for i := range out {
		out[i] = c.xAt(start + i)
	}
	return out
}

// Points returns the requested axis over [start, stop).
func (c *Curve) Points(axis Axis, start, stop int) []float64 {
	if axis == AxisX {
		return c.XPoints(start, stop)
	}
	return c.YPoints(start, stop)
}

// xAt synthesizes X for index i of a 1D curve.
func (c *Curve) xAt(i int) float64 {
	n := c.Len()
	fs := c.sampleRate
	switch {
	case c.plotType.IsRealFFT():
		if fs == 0 {
			return float64(i)
		}
		return float64(i) * fs / float64(2*n)
	case c.plotType.IsComplexFFT():
		k := i
		if i >= (n+1)/2 {
			k = i - n
		}
		if fs == 0 {
			return float64(k)
		}
		return float64(k) * fs / float64(n)
	default:
		if fs == 0 {
			return float64(i)
		}
		return float64(i) / fs
	}
}

// MaxMin returns the bounds of the finite samples. X bounds of a linear 1D
// axis come from its end points. An empty curve returns the zero value.
func (c *Curve) MaxMin() MaxMin {
	var mm MaxMin
	n := c.Len()
	if n == 0 {
		return mm
	}

	mm.MinY, mm.MaxY = bounds(c.y)
	switch {
	case c.twoD:
		mm.MinX, mm.MaxX = bounds(c.x)
	case c.plotType.IsComplexFFT():
		mm.MinX, mm.MaxX = bounds(c.XPoints(0, n))
	default:
		mm.MinX, mm.MaxX = c.xAt(0), c.xAt(n-1)
	}
	return mm
}

func bounds(s []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

// Clone returns a deep copy.
func (c *Curve) Clone() *Curve {
	cp := *c
	cp.x = append([]float64(nil), c.x...)
	cp.y = append([]float64(nil), c.y...)
	if !c.twoD {
		cp.x = nil
	}
	return &cp
}
