package derive

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-wizard/plotter-sub000/curve"
	"github.com/d-wizard/plotter-sub000/errors"
)

type curves map[string]*curve.Curve

func (s curves) GetCurve(plot, name string) (*curve.Curve, bool) {
	c, ok := s[plot+"/"+name]
	return c, ok
}

func (s curves) put(c *curve.Curve) { s[c.Plot+"/"+c.Name] = c }

func yRef(plot, name string) ParentRef { return ParentRef{Plot: plot, Curve: name, Axis: curve.AxisY} }
func xRef(plot, name string) ParentRef { return ParentRef{Plot: plot, Curve: name, Axis: curve.AxisX} }

func phasor(n int, step float64) (re, im []float64) {
	re = make([]float64, n)
	im = make([]float64, n)
	for i := range re {
		re[i] = math.Cos(step * float64(i))
		im[i] = math.Sin(step * float64(i))
	}
	return re, im
}

func TestNew_Validation(t *testing.T) {
	_, err := New("C", "c", curve.AMDemod, yRef("P", "a"))
	assert.ErrorIs(t, err, errors.ErrParentCount)

	_, err = New("C", "c", curve.Average, yRef("P", "a"), yRef("P", "b"))
	assert.ErrorIs(t, err, errors.ErrParentCount)

	_, err = New("C", "c", curve.PlotType(99), yRef("P", "a"))
	assert.ErrorIs(t, err, errors.ErrUnknownPlotType)

	bad := yRef("P", "b")
	bad.MathOp = MathOp(7)
	_, err = New("C", "c", curve.Math, yRef("P", "a"), bad)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	c, err := New("C", "c", curve.FFTComplex, xRef("P", "iq"), yRef("P", "iq"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c.real", "c.imag"}, c.Outputs())
	assert.Len(t, c.Parents(), 2)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name           string
		start, stop    int
		changed        bool
		chStart, chEnd int
		want           span
	}{
		{"whole", 0, 0, true, 0, 0, span{0, 0, 10}},
		{"negative start", -3, 0, true, 0, 0, span{7, 7, 10}},
		{"negative stop", 2, -2, true, 0, 0, span{2, 2, 8}},
		{"change window", 0, 0, true, 4, 6, span{0, 4, 6}},
		{"change before slice", 5, 0, true, 1, 3, span{5, 5, 3}},
		{"unchanged", 1, 0, false, 0, 0, span{1, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := ParentRef{StartIndex: tt.start, StopIndex: tt.stop}
			assert.Equal(t, tt.want, resolve(ref, 10, tt.changed, tt.chStart, tt.chEnd))
		})
	}
}

func TestAverage_Scenario(t *testing.T) {
	src := curves{}
	parent := curve.New1D("P", "y", []float64{10, 10})
	src.put(parent)

	ref := yRef("P", "y")
	ref.AvgAmount = 0.5
	c, err := New("P", "avg", curve.Average, ref)
	require.NoError(t, err)

	out := c.Recompute(src)
	require.Len(t, out, 1)
	assert.Equal(t, 0, out[0].Offset)
	assert.Equal(t, []float64{5, 7.5}, out[0].Y)

	parent.Update1D(2, []float64{10})
	out = c.ParentChanged(src, "P", "y", 2, 3)
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0].Offset)
	assert.Equal(t, []float64{8.75}, out[0].Y)
	assert.Equal(t, 3, c.StateLen())
}

func TestAverage_NonFiniteHoldsPrevious(t *testing.T) {
	src := curves{}
	src.put(curve.New1D("P", "y", []float64{4, math.NaN(), 4}))
	ref := yRef("P", "y")
	ref.AvgAmount = 0.5
	c, err := New("P", "avg", curve.Average, ref)
	require.NoError(t, err)

	out := c.Recompute(src)
	assert.Equal(t, []float64{2, 2, 3}, out[0].Y)
}

func TestAM_WindowedUpdateIsIdempotent(t *testing.T) {
	src := curves{}
	re, im := phasor(8, 0.4)
	for i := range re {
		re[i] *= float64(i + 1)
		im[i] *= float64(i + 1)
	}
	src.put(curve.New2D("P", "iq", re, im))

	c, err := New("P", "am", curve.AMDemod, xRef("P", "iq"), yRef("P", "iq"))
	require.NoError(t, err)

	first := c.ParentChanged(src, "P", "iq", 3, 6)
	second := c.ParentChanged(src, "P", "iq", 3, 6)
	require.Len(t, first, 1)
	assert.Equal(t, first, second)
	assert.Equal(t, 3, first[0].Offset)
	require.Len(t, first[0].Y, 3)
	for i, v := range first[0].Y {
		assert.InDelta(t, float64(i+4), v, 1e-9)
	}
}

func TestFM_PhaseContinuityAcrossUpdates(t *testing.T) {
	const n = 40
	re, im := phasor(n, 0.7)

	whole := curves{}
	whole.put(curve.New2D("P", "iq", re, im))
	ref, err := New("P", "fm", curve.FMDemod, xRef("P", "iq"), yRef("P", "iq"))
	require.NoError(t, err)
	want := ref.Recompute(whole)[0].Y

	split := curves{}
	parent := curve.New2D("P", "iq", re[:n/2], im[:n/2])
	split.put(parent)
	c, err := New("P", "fm", curve.FMDemod, xRef("P", "iq"), yRef("P", "iq"))
	require.NoError(t, err)

	first := c.Recompute(split)
	parent.Update2D(n/2, re[n/2:], im[n/2:])
	second := c.ParentChanged(split, "P", "iq", n/2, n)
	require.Len(t, second, 1)
	assert.Equal(t, n/2, second[0].Offset)

	got := append(append([]float64{}, first[0].Y...), second[0].Y...)
	require.Len(t, got, n)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12, "sample %d", i)
	}
}

func TestFM_RestartAtZeroChainsFromLastPhase(t *testing.T) {
	const n = 20
	re, im := phasor(2*n, 0.5)

	src := curves{}
	parent := curve.New2D("P", "iq", re[:n], im[:n])
	src.put(parent)
	c, err := New("P", "fm", curve.FMDemod, xRef("P", "iq"), yRef("P", "iq"))
	require.NoError(t, err)
	c.Recompute(src)

	// The sender replaces the whole curve with the next frame.
	parent.Reset2D(re[n:], im[n:])
	out := c.ParentChanged(src, "P", "iq", 0, 0)
	require.Len(t, out, 1)
	for i, v := range out[0].Y {
		assert.InDelta(t, 0.5, v, 1e-9, "sample %d", i)
	}
}

func TestPM_Continuity(t *testing.T) {
	re, im := phasor(30, 1.1)
	src := curves{}
	parent := curve.New2D("P", "iq", re[:10], im[:10])
	src.put(parent)

	c, err := New("P", "pm", curve.PMDemod, xRef("P", "iq"), yRef("P", "iq"))
	require.NoError(t, err)
	out := c.Recompute(src)[0].Y

	parent.Update2D(10, re[10:], im[10:])
	out = append(out, c.ParentChanged(src, "P", "iq", 10, 30)[0].Y...)
	for i, v := range out {
		assert.InDelta(t, 1.1*float64(i), v, 1e-9, "sample %d", i)
	}
}

func TestTwoAxis_WiderChangeWins(t *testing.T) {
	src := curves{}
	xs := curve.New1D("P", "re", []float64{1, 2, 3, 4})
	ys := curve.New1D("P", "im", []float64{0, 0})
	src.put(xs)
	src.put(ys)

	c, err := New("P", "xy", curve.Plot2D, yRef("P", "re"), yRef("P", "im"))
	require.NoError(t, err)

	out := c.Recompute(src)
	require.Len(t, out, 1)
	assert.Equal(t, []float64{1, 2}, out[0].X, "paired window is the shorter read")
	assert.Equal(t, []float64{0, 0}, out[0].Y)

	ys.Update1D(2, []float64{7, 8})
	out = c.ParentChanged(src, "P", "im", 2, 4)
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0].Offset)
	assert.Equal(t, []float64{3, 4}, out[0].X)
	assert.Equal(t, []float64{7, 8}, out[0].Y)
}

func TestDeltaAndSum(t *testing.T) {
	src := curves{}
	p := curve.New1D("P", "y", []float64{1, 3, 6})
	src.put(p)

	d, err := New("P", "d", curve.Delta, yRef("P", "y"))
	require.NoError(t, err)
	s, err := New("P", "s", curve.Sum, yRef("P", "y"))
	require.NoError(t, err)

	dy := d.Recompute(src)[0].Y
	assert.True(t, math.IsNaN(dy[0]))
	assert.Equal(t, []float64{2, 3}, dy[1:])
	assert.Equal(t, []float64{1, 4, 10}, s.Recompute(src)[0].Y)

	p.Update1D(3, []float64{10, math.Inf(1)})
	assert.Equal(t, []float64{4, math.Inf(1) - 10}, d.ParentChanged(src, "P", "y", 3, 5)[0].Y)
	assert.Equal(t, []float64{20, 20}, s.ParentChanged(src, "P", "y", 3, 5)[0].Y)
}

func TestMath(t *testing.T) {
	src := curves{}
	src.put(curve.New1D("P", "a", []float64{6, 8}))
	src.put(curve.New1D("P", "b", []float64{2, 4}))

	for op, want := range map[MathOp][]float64{
		MathAdd: {8, 12},
		MathSub: {4, 4},
		MathMul: {12, 32},
		MathDiv: {3, 2},
	} {
		t.Run(op.String(), func(t *testing.T) {
			b := yRef("P", "b")
			b.MathOp = op
			c, err := New("P", "m", curve.Math, yRef("P", "a"), b)
			require.NoError(t, err)
			assert.Equal(t, want, c.Recompute(src)[0].Y)
		})
	}
}

func TestFFT_FullRecomputeAndRate(t *testing.T) {
	src := curves{}
	y := make([]float64, 16)
	for i := range y {
		y[i] = math.Cos(2 * math.Pi * 2 * float64(i) / 16)
	}
	p := curve.New1D("P", "y", y)
	p.SetSampleRate(1000)
	src.put(p)

	c, err := New("F", "spec", curve.FFTReal, yRef("P", "y"))
	require.NoError(t, err)

	out := c.ParentChanged(src, "P", "y", 5, 6)
	require.Len(t, out, 1)
	assert.True(t, out[0].Replace)
	assert.Equal(t, curve.FFTReal, out[0].PlotType)
	assert.Equal(t, 1000.0, out[0].SampleRate)
	require.Len(t, out[0].Y, 8)
	assert.InDelta(t, 1.0, out[0].Y[2], 1e-9)

	ref := yRef("P", "y")
	ref.Window = true
	w, err := New("F", "win", curve.FFTRealDB, ref)
	require.NoError(t, err)
	out = w.Recompute(src)
	require.Len(t, out[0].Y, 8)
	assert.Equal(t, 8, len(out[0].Y))
}

func TestComplexFFT_TwoOutputs(t *testing.T) {
	src := curves{}
	re, im := phasor(8, 2*math.Pi/8)
	src.put(curve.New2D("P", "iq", re, im))

	c, err := New("F", "spec", curve.FFTComplex, xRef("P", "iq"), yRef("P", "iq"))
	require.NoError(t, err)
	out := c.Recompute(src)
	require.Len(t, out, 2)
	assert.Equal(t, "spec.real", out[0].Curve)
	assert.Equal(t, "spec.imag", out[1].Curve)
	assert.InDelta(t, 1.0, out[0].Y[1], 1e-9)

	db, err := New("F", "db", curve.FFTComplexDB, xRef("P", "iq"), yRef("P", "iq"))
	require.NoError(t, err)
	out = db.Recompute(src)
	require.Len(t, out, 1)
	assert.InDelta(t, 0.0, out[0].Y[1], 1e-9)
}

func TestChildOfSpectrumInheritsAxis(t *testing.T) {
	src := curves{}
	spec := curve.New1D("F", "spec", []float64{1, 2, 3})
	spec.SetPlotType(curve.FFTReal)
	src.put(spec)

	ref := yRef("F", "spec")
	ref.AvgAmount = 0.9
	c, err := New("F", "avg", curve.Average, ref)
	require.NoError(t, err)
	assert.Equal(t, curve.FFTReal, c.Recompute(src)[0].PlotType)
}

func TestMissingParentIsNoop(t *testing.T) {
	c, err := New("P", "c", curve.Plot1D, yRef("P", "gone"))
	require.NoError(t, err)
	assert.Nil(t, c.Recompute(curves{}))
	assert.Nil(t, c.ParentChanged(curves{}, "P", "other", 0, 0))
}

func TestSeed_WrapsToLast(t *testing.T) {
	c := &Child{}
	assert.Equal(t, 0.0, c.seed(0, 2))
	c.state[1] = 5
	assert.Equal(t, 5.0, c.seed(0, 1), "offset 0 chains from the last value")
	c.state[0] = 3
	assert.Equal(t, 3.0, c.seed(1, 3))
	assert.Equal(t, 4, c.StateLen())
}

func TestSeed_PastEndChainsFromLast(t *testing.T) {
	c := &Child{}
	c.seed(0, 3)
	c.state[2] = 7
	assert.Equal(t, 7.0, c.seed(10, 1))
	assert.Equal(t, 11, c.StateLen())
}

func TestTwoAxis_ParentFarAheadOfPartner(t *testing.T) {
	src := curves{}
	re := curve.New1D("P", "i", []float64{1, 0, -1})
	im := curve.New1D("P", "q", []float64{0, 1, 0})
	src.put(re)
	src.put(im)

	c, err := New("P", "am", curve.AMDemod, yRef("P", "i"), yRef("P", "q"))
	require.NoError(t, err)
	require.Len(t, c.Recompute(src), 1)

	// q runs ahead of i by more than i's backing capacity.
	im.Update1D(3, []float64{1, 1})
	im.Update1D(5, []float64{1, 1})
	var out []Output
	require.NotPanics(t, func() { out = c.ParentChanged(src, "P", "q", 5, 7) })
	for _, o := range out {
		assert.Empty(t, o.Y, "nothing to pair until i catches up")
	}

	re.Update1D(3, []float64{0, 1, 1, 1})
	out = c.ParentChanged(src, "P", "i", 3, 7)
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].Offset)
	assert.InDeltaSlice(t, []float64{1, math.Sqrt2, math.Sqrt2, math.Sqrt2}, out[0].Y, 1e-12)
}

func TestStatefulChildren_UpdatePastEnd(t *testing.T) {
	src := curves{}
	p := curve.New1D("P", "y", []float64{1, 2, 3})
	src.put(p)

	s, err := New("P", "s", curve.Sum, yRef("P", "y"))
	require.NoError(t, err)
	s.Recompute(src)

	// A batch that starts beyond the carried state chains from its last
	// value instead of indexing past it.
	p.Update1D(10, []float64{5})
	var out []Output
	require.NotPanics(t, func() { out = s.ParentChanged(src, "P", "y", 10, 11) })
	require.Len(t, out, 1)
	assert.Equal(t, []float64{11}, out[0].Y)
}
