package curve

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurve_CreateThenUpdate1D(t *testing.T) {
	c := New1D("P", "C", []float64{1, 2, 3})
	assert.Equal(t, []float64{1, 2, 3}, c.YPoints(0, c.Len()))
	assert.Equal(t, []float64{0, 1, 2}, c.XPoints(0, c.Len()))

	c.Update1D(1, []float64{9})
	assert.Equal(t, []float64{1, 9, 3}, c.YPoints(0, c.Len()))
	assert.Equal(t, 3, c.Len())
}

func TestCurve_UpdateGrowsWithZeroFill(t *testing.T) {
	c := New1D("P", "C", []float64{1})
	c.Update1D(3, []float64{4, 5})
	assert.Equal(t, []float64{1, 0, 0, 4, 5}, c.YPoints(0, 100))
}

func TestCurve_GrowReusesCapacityWithoutStaleValues(t *testing.T) {
	c := New1D("P", "C", []float64{1, 2, 3, 4})
	c.Reset1D(nil)
	c.Update1D(0, []float64{7})
	c.Update1D(3, []float64{8})
	assert.Equal(t, []float64{7, 0, 0, 8}, c.YPoints(0, 4))
}

func TestCurve_2D(t *testing.T) {
	c := New2D("P", "C", []float64{1, 2, 3}, []float64{4, 5})
	assert.True(t, c.Is2D())
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, []float64{1, 2}, c.XPoints(0, 2))

	c.Update2D(3, []float64{10}, []float64{20})
	assert.Equal(t, []float64{1, 2, 0, 10}, c.XPoints(0, 10))
	assert.Equal(t, []float64{4, 5, 0, 20}, c.YPoints(0, 10))
}

func TestCurve_Update2DOn1DMaterializesX(t *testing.T) {
	c := New1D("P", "C", []float64{1, 2})
	c.SetSampleRate(2)
	c.Update2D(2, []float64{7}, []float64{8})
	assert.True(t, c.Is2D())
	assert.Equal(t, []float64{0, 0.5, 7}, c.XPoints(0, 3))
}

func TestCurve_WindowClamping(t *testing.T) {
	c := New1D("P", "C", []float64{1, 2, 3})
	assert.Equal(t, []float64{2, 3}, c.YPoints(1, 10))
	assert.Empty(t, c.YPoints(5, 10))
	assert.Empty(t, c.YPoints(2, 1))
	assert.Equal(t, []float64{1}, c.Points(AxisY, -3, 1))

	// Windows that start past the end, and past the backing capacity, are
	// empty on both axes.
	assert.Empty(t, c.YPoints(c.Len()+cap(c.y), c.Len()+cap(c.y)+2))
	assert.Empty(t, c.XPoints(50, 52))
	xy := New2D("P", "XY", []float64{0, 1}, []float64{5, 6})
	assert.Empty(t, xy.Points(AxisX, 7, 9))
	assert.Empty(t, xy.Points(AxisY, 7, 9))
}

func TestCurve_SampleRateAxis(t *testing.T) {
	c := New1D("P", "C", []float64{0, 0, 0, 0})
	c.SetSampleRate(4)
	assert.Equal(t, []float64{0, 0.25, 0.5, 0.75}, c.XPoints(0, 4))

	c.SetSampleRate(math.NaN())
	assert.Zero(t, c.SampleRate())
}

func TestCurve_FFTAxes(t *testing.T) {
	tests := []struct {
		name string
		typ  PlotType
		rate float64
		want []float64
	}{
		{"real no rate", FFTReal, 0, []float64{0, 1, 2, 3}},
		{"real", FFTRealDB, 8, []float64{0, 1, 2, 3}},
		{"complex no rate", FFTComplex, 0, []float64{0, 1, -2, -1}},
		{"complex", FFTComplexDB, 8, []float64{0, 2, -4, -2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New1D("P", "C", make([]float64, 4))
			c.SetPlotType(tt.typ)
			c.SetSampleRate(tt.rate)
			assert.Equal(t, tt.want, c.XPoints(0, 4))
		})
	}
}

func TestCurve_MaxMin(t *testing.T) {
	c := New1D("P", "C", []float64{3, math.NaN(), -1, math.Inf(1), 2})
	mm := c.MaxMin()
	assert.Equal(t, MaxMin{MinX: 0, MaxX: 4, MinY: -1, MaxY: 3}, mm)

	c2 := New2D("P", "C", []float64{5, math.Inf(-1), -2}, []float64{1, 1, 1})
	assert.Equal(t, MaxMin{MinX: -2, MaxX: 5, MinY: 1, MaxY: 1}, c2.MaxMin())

	c3 := New1D("P", "C", make([]float64, 4))
	c3.SetPlotType(FFTComplex)
	mm = c3.MaxMin()
	assert.Equal(t, -2.0, mm.MinX)
	assert.Equal(t, 1.0, mm.MaxX)

	assert.Equal(t, MaxMin{}, New1D("P", "C", nil).MaxMin())
}

func TestCurve_CloneIsIndependent(t *testing.T) {
	c := New2D("P", "C", []float64{1}, []float64{2})
	cp := c.Clone()
	c.Update2D(0, []float64{9}, []float64{9})
	require.Equal(t, 1, cp.Len())
	assert.Equal(t, []float64{1}, cp.XPoints(0, 1))
	assert.Equal(t, []float64{2}, cp.YPoints(0, 1))
}

func TestParsePlotType(t *testing.T) {
	for i := Plot1D; i <= Math; i++ {
		got, ok := ParsePlotType(i.String())
		require.True(t, ok)
		assert.Equal(t, i, got)
	}
	_, ok := ParsePlotType("nope")
	assert.False(t, ok)
	assert.True(t, FFTComplexDB.IsFFT())
	assert.False(t, Average.IsFFT())
}
