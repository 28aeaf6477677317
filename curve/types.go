// Package curve holds the sample storage for one named curve and the enums
// shared by the registry and the derivation engine.
package curve

import "fmt"

// PlotType selects how a curve is produced and how its X axis is laid out.
type PlotType int

const (
	Plot1D PlotType = iota
	Plot2D
	FFTReal
	FFTComplex
	AMDemod
	FMDemod
	PMDemod
	Average
	FFTRealDB
	FFTComplexDB
	Delta
	Sum
	Math
)

var plotTypeNames = [...]string{
	Plot1D:       "1d",
	Plot2D:       "2d",
	FFTReal:      "fft",
	FFTComplex:   "fft_complex",
	AMDemod:      "am",
	FMDemod:      "fm",
	PMDemod:      "pm",
	Average:      "average",
	FFTRealDB:    "fft_db",
	FFTComplexDB: "fft_complex_db",
	Delta:        "delta",
	Sum:          "sum",
	Math:         "math",
}

func (t PlotType) String() string {
	if t < 0 || int(t) >= len(plotTypeNames) {
		return fmt.Sprintf("plot_type(%d)", int(t))
	}
	return plotTypeNames[t]
}

// ParsePlotType maps a name such as "fft_db" to its PlotType.
func ParsePlotType(s string) (PlotType, bool) {
	for i, name := range plotTypeNames {
		if name == s {
			return PlotType(i), true
		}
	}
	return 0, false
}

// IsRealFFT reports whether t lays out a one-sided spectrum.
func (t PlotType) IsRealFFT() bool { return t == FFTReal || t == FFTRealDB }

// IsComplexFFT reports whether t lays out a two-sided spectrum.
func (t PlotType) IsComplexFFT() bool { return t == FFTComplex || t == FFTComplexDB }

// IsFFT reports whether t always recomputes the whole output.
func (t PlotType) IsFFT() bool { return t.IsRealFFT() || t.IsComplexFFT() }

// Axis names one coordinate of a curve.
type Axis int

const (
	AxisY Axis = iota
	AxisX
)

func (a Axis) String() string {
	if a == AxisX {
		return "x"
	}
	return "y"
}

// MaxMin is the bounding box of a curve's finite samples.
type MaxMin struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}
