// Package derive computes child curves from their parent curves. A Child is
// driven by parent-change events and returns the outputs the registry must
// commit; it never touches the registry itself.
package derive

import (
	"fmt"
	"math"

	"github.com/d-wizard/plotter-sub000/curve"
	"github.com/d-wizard/plotter-sub000/errors"
	"github.com/d-wizard/plotter-sub000/pkg/dsp"
)

// Suffixes of the two curves a complex FFT child produces.
const (
	RealSuffix = ".real"
	ImagSuffix = ".imag"
)

// MathOp is the per-sample operator of a Math child.
type MathOp int

const (
	MathAdd MathOp = iota
	MathSub
	MathMul
	MathDiv
)

var mathOpNames = [...]string{MathAdd: "add", MathSub: "sub", MathMul: "mul", MathDiv: "div"}

func (op MathOp) String() string {
	if op < 0 || int(op) >= len(mathOpNames) {
		return fmt.Sprintf("math_op(%d)", int(op))
	}
	return mathOpNames[op]
}

// ParseMathOp maps "add", "sub", "mul" or "div" to a MathOp.
func ParseMathOp(s string) (MathOp, bool) {
	for i, name := range mathOpNames {
		if name == s {
			return MathOp(i), true
		}
	}
	return 0, false
}

// ParentRef identifies one input of a child and the slice of it to use.
// Negative indices count from the end; StopIndex <= 0 means the end.
type ParentRef struct {
	Plot       string
	Curve      string
	Axis       curve.Axis
	StartIndex int
	StopIndex  int
	AvgAmount  float64 // Average only, weight of the previous average
	Window     bool    // FFT types: apply a Blackman window
	MathOp     MathOp  // Math only
}

// Source resolves parent curves.
type Source interface {
	GetCurve(plot, name string) (*curve.Curve, bool)
}

// Output is one write a recompute asks the registry to commit.
type Output struct {
	Curve      string
	PlotType   curve.PlotType
	Replace    bool // replace the whole curve instead of writing at Offset
	Offset     int
	X          []float64 // non-nil for 2D outputs
	Y          []float64
	SampleRate float64
}

// TwoInput reports whether t takes an X and a Y parent.
func TwoInput(t curve.PlotType) bool {
	switch t {
	case curve.Plot2D, curve.FFTComplex, curve.FFTComplexDB,
		curve.AMDemod, curve.FMDemod, curve.PMDemod, curve.Math:
		return true
	}
	return false
}

// Child is a derived curve with its configuration and carried state.
type Child struct {
	Plot  string
	Curve string
	Type  curve.PlotType

	x, y ParentRef

	// state is indexed by absolute output position and only grows.
	state  []float64
	window []float64
}

// New validates the parent count for t and returns a Child. Two-input
// types take parents in (x, y) order.
func New(plot, name string, t curve.PlotType, parents ...ParentRef) (*Child, error) {
	if t < curve.Plot1D || t > curve.Math {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %d", errors.ErrUnknownPlotType, int(t)),
			"derive", "New", "validate plot type")
	}
	want := 1
	if TwoInput(t) {
		want = 2
	}
	if len(parents) != want {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s needs %d, got %d", errors.ErrParentCount, t, want, len(parents)),
			"derive", "New", "validate parents")
	}
	if t == curve.Math && (parents[1].MathOp < MathAdd || parents[1].MathOp > MathDiv) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: math op %d", errors.ErrInvalidConfig, parents[1].MathOp),
			"derive", "New", "validate math op")
	}

	c := &Child{Plot: plot, Curve: name, Type: t}
	if want == 2 {
		c.x, c.y = parents[0], parents[1]
	} else {
		c.y = parents[0]
	}
	return c, nil
}

// Parents returns the parent references, x first for two-input types.
func (c *Child) Parents() []ParentRef {
	if TwoInput(c.Type) {
		return []ParentRef{c.x, c.y}
	}
	return []ParentRef{c.y}
}

// Outputs returns the names of the curves this child writes.
func (c *Child) Outputs() []string {
	if c.Type == curve.FFTComplex {
		return []string{c.Curve + RealSuffix, c.Curve + ImagSuffix}
	}
	return []string{c.Curve}
}

// StateLen returns the length of the carried state.
func (c *Child) StateLen() int { return len(c.state) }

// Recompute derives the child from the whole of its parents.
func (c *Child) Recompute(src Source) []Output {
	return c.update(src, true, true, 0, 0)
}

// ParentChanged reacts to a change of [start, stop) in curve plot/name.
// stop == 0 means the change runs to the end. Changes to curves that are
// not parents of c, and changes whose parents are missing, yield nothing.
func (c *Child) ParentChanged(src Source, plot, name string, start, stop int) []Output {
	isY := c.y.Plot == plot && c.y.Curve == name
	isX := TwoInput(c.Type) && c.x.Plot == plot && c.x.Curve == name
	if !isX && !isY {
		return nil
	}
	return c.update(src, isX, isY, start, stop)
}

// span is a resolved read window of one parent axis.
type span struct {
	orig, start, stop int
}

func (s span) n() int { return s.stop - s.start }

func resolve(ref ParentRef, parentLen int, changed bool, chStart, chStop int) span {
	start, stop := ref.StartIndex, ref.StopIndex
	if start < 0 {
		start += parentLen
	}
	if stop <= 0 {
		stop += parentLen
	}
	s := span{orig: start, start: start, stop: stop}
	if !changed {
		s.stop = s.start
		return s
	}
	s.start = max(s.start, chStart)
	if chStop > 0 {
		s.stop = min(s.stop, chStop)
	}
	return s
}

// read1D returns the changed slice of the y parent and its output offset.
func (c *Child) read1D(yp *curve.Curve, chStart, chStop int) (int, []float64) {
	s := resolve(c.y, yp.Len(), true, chStart, chStop)
	if s.n() <= 0 {
		return 0, nil
	}
	return s.start - s.orig, yp.Points(c.y.Axis, s.start, s.stop)
}

// read2D windows both axes and pairs them: the axis with more changed
// samples sets the offset and the other grows from its own start.
func (c *Child) read2D(xp, yp *curve.Curve, xChanged, yChanged bool, chStart, chStop int) (int, []float64, []float64) {
	xs := resolve(c.x, xp.Len(), xChanged, chStart, chStop)
	ys := resolve(c.y, yp.Len(), yChanged, chStart, chStop)

	n := max(xs.n(), ys.n())
	if n <= 0 {
		return 0, nil, nil
	}
	var offset int
	if xs.n() > ys.n() {
		offset = xs.start - xs.orig
		ys.start = ys.orig + offset
		ys.stop = ys.start + n
	} else {
		offset = ys.start - ys.orig
		xs.start = xs.orig + offset
		xs.stop = xs.start + n
	}

	xd := xp.Points(c.x.Axis, xs.start, xs.stop)
	yd := yp.Points(c.y.Axis, ys.start, ys.stop)
	m := min(len(xd), len(yd))
	return offset, xd[:m], yd[:m]
}

// seed returns the carried value preceding offset and grows the state to
// hold offset+n entries. A batch at offset 0 chains from the last value, as
// does a batch starting past the end of the state.
func (c *Child) seed(offset, n int) float64 {
	prev := 0.0
	if len(c.state) > 0 {
		idx := offset - 1
		if idx < 0 || idx >= len(c.state) {
			idx = len(c.state) - 1
		}
		prev = c.state[idx]
	}
	if need := offset + n; len(c.state) < need {
		grown := make([]float64, need)
		copy(grown, c.state)
		c.state = grown
	}
	return prev
}

func (c *Child) windowFor(n int) []float64 {
	if len(c.window) != n {
		c.window = dsp.Blackman(n)
	}
	return c.window
}

// inheritType lets 1D children of spectra keep the spectrum's X axis.
func inheritType(parent *curve.Curve, t curve.PlotType) curve.PlotType {
	if parent.PlotType().IsFFT() && !parent.Is2D() {
		return parent.PlotType()
	}
	return t
}

func (c *Child) update(src Source, xChanged, yChanged bool, chStart, chStop int) []Output {
	yp, ok := src.GetCurve(c.y.Plot, c.y.Curve)
	if !ok {
		return nil
	}
	var xp *curve.Curve
	if TwoInput(c.Type) {
		if xp, ok = src.GetCurve(c.x.Plot, c.x.Curve); !ok {
			return nil
		}
	}

	outs := c.transform(xp, yp, xChanged, yChanged, chStart, chStop)
	for i := range outs {
		outs[i].SampleRate = yp.SampleRate()
	}
	return outs
}

func (c *Child) transform(xp, yp *curve.Curve, xChanged, yChanged bool, chStart, chStop int) []Output {
	one := func(t curve.PlotType, offset int, y []float64) []Output {
		return []Output{{Curve: c.Curve, PlotType: t, Offset: offset, Y: y}}
	}
	full := func(name string, y []float64) Output {
		if y == nil {
			y = []float64{}
		}
		return Output{Curve: name, PlotType: c.Type, Replace: true, Y: y}
	}

	switch c.Type {
	case curve.Plot1D:
		offset, y := c.read1D(yp, chStart, chStop)
		if len(y) == 0 {
			return nil
		}
		return one(inheritType(yp, curve.Plot1D), offset, y)

	case curve.Plot2D:
		offset, x, y := c.read2D(xp, yp, xChanged, yChanged, chStart, chStop)
		if len(y) == 0 {
			return nil
		}
		return []Output{{Curve: c.Curve, PlotType: curve.Plot2D, Offset: offset, X: x, Y: y}}

	case curve.FFTReal, curve.FFTRealDB:
		_, y := c.read1D(yp, 0, 0)
		var win []float64
		if c.y.Window {
			win = c.windowFor(len(y))
		}
		spec := dsp.RealFFT(y, win)
		if c.Type == curve.FFTRealDB {
			spec = dsp.PowerDB(spec, nil)
		}
		return []Output{full(c.Curve, spec)}

	case curve.FFTComplex, curve.FFTComplexDB:
		_, re, im := c.read2D(xp, yp, xChanged, yChanged, 0, 0)
		var win []float64
		if c.y.Window {
			win = c.windowFor(len(re))
		}
		sre, sim := dsp.ComplexFFT(re, im, win)
		if c.Type == curve.FFTComplexDB {
			return []Output{full(c.Curve, dsp.PowerDB(sre, sim))}
		}
		return []Output{full(c.Curve+RealSuffix, sre), full(c.Curve+ImagSuffix, sim)}

	case curve.AMDemod:
		offset, re, im := c.read2D(xp, yp, xChanged, yChanged, chStart, chStop)
		if len(re) == 0 {
			return nil
		}
		return one(curve.AMDemod, offset, dsp.AM(re, im))

	case curve.FMDemod:
		offset, re, im := c.read2D(xp, yp, xChanged, yChanged, chStart, chStop)
		n := len(re)
		if n == 0 {
			return nil
		}
		prev := c.seed(offset, n)
		out := make([]float64, n)
		dsp.FM(re, im, prev, out, c.state[offset:offset+n])
		return one(curve.FMDemod, offset, out)

	case curve.PMDemod:
		offset, re, im := c.read2D(xp, yp, xChanged, yChanged, chStart, chStop)
		n := len(re)
		if n == 0 {
			return nil
		}
		prev := c.seed(offset, n)
		out := make([]float64, n)
		dsp.PM(re, im, prev, out, c.state[offset:offset+n])
		return one(curve.PMDemod, offset, out)

	case curve.Average:
		offset, y := c.read1D(yp, chStart, chStop)
		if len(y) == 0 {
			return nil
		}
		k := c.y.AvgAmount
		avg := c.seed(offset, len(y))
		for i, v := range y {
			if finite(v) {
				avg = k*avg + (1-k)*v
			}
			y[i] = avg
			c.state[offset+i] = avg
		}
		return one(inheritType(yp, curve.Average), offset, y)

	case curve.Delta:
		offset, y := c.read1D(yp, chStart, chStop)
		if len(y) == 0 {
			return nil
		}
		first := len(c.state) == 0
		prev := c.seed(offset, len(y))
		for i, v := range y {
			c.state[offset+i] = v
			y[i] = v - prev
			prev = v
		}
		if first {
			y[0] = math.NaN()
		}
		return one(inheritType(yp, curve.Delta), offset, y)

	case curve.Sum:
		offset, y := c.read1D(yp, chStart, chStop)
		if len(y) == 0 {
			return nil
		}
		total := c.seed(offset, len(y))
		for i, v := range y {
			if finite(v) {
				total += v
			}
			y[i] = total
			c.state[offset+i] = total
		}
		return one(inheritType(yp, curve.Sum), offset, y)

	case curve.Math:
		offset, a, b := c.read2D(xp, yp, xChanged, yChanged, chStart, chStop)
		if len(a) == 0 {
			return nil
		}
		out := make([]float64, len(a))
		for i := range out {
			out[i] = c.y.MathOp.apply(a[i], b[i])
		}
		return one(curve.Math, offset, out)
	}
	return nil
}

func (op MathOp) apply(a, b float64) float64 {
	switch op {
	case MathSub:
		return a - b
	case MathMul:
		return a * b
	case MathDiv:
		return a / b
	default:
		return a + b
	}
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
