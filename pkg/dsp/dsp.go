// Package dsp holds the numeric kernels behind derived curves: spectra,
// windowing, demodulation and log power.
package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Blackman returns n Blackman window coefficients.
func Blackman(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	den := float64(n - 1)
	for i := range w {
		t := float64(i) / den
		w[i] = 0.42 - 0.5*math.Cos(2*math.Pi*t) + 0.08*math.Cos(4*math.Pi*t)
	}
	return w
}

// RealFFT returns the one-sided magnitude spectrum of in, scaled so a
// sinusoid of amplitude A shows a peak of A. The result has len(in)/2 bins
// (at least one for non-empty input). window, when non-nil, must be at
// least len(in) long.
func RealFFT(in, window []float64) []float64 {
	n := len(in)
	if n == 0 {
		return nil
	}
	seq := in
	if window != nil {
		seq = make([]float64, n)
		for i, v := range in {
			seq[i] = v * window[i]
		}
	}
	coeffs := fourier.NewFFT(n).Coefficients(nil, seq)

	out := make([]float64, max(n/2, 1))
	scale := 1 / float64(n)
	out[0] = cmplx.Abs(coeffs[0]) * scale
	for i := 1; i < len(out); i++ {
		out[i] = 2 * cmplx.Abs(coeffs[i]) * scale
	}
	return out
}

// ComplexFFT returns the spectrum of re + j·im in unshifted bin order,
// divided by N. Inputs are truncated to the shorter one.
func ComplexFFT(re, im, window []float64) (outRe, outIm []float64) {
	n := min(len(re), len(im))
	if n == 0 {
		return nil, nil
	}
	seq := make([]complex128, n)
	for i := range seq {
		w := 1.0
		if window != nil {
			w = window[i]
		}
		seq[i] = complex(re[i]*w, im[i]*w)
	}
	coeffs := fourier.NewCmplxFFT(n).Coefficients(nil, seq)

	outRe = make([]float64, n)
	outIm = make([]float64, n)
	scale := 1 / float64(n)
	for i, c := range coeffs {
		outRe[i] = real(c) * scale
		outIm[i] = imag(c) * scale
	}
	return outRe, outIm
}

// PowerDB returns 10·log10(re²+im²) per bin; im may be nil. Bins whose
// power is zero would be -Inf and are raised to the lowest finite value.
func PowerDB(re, im []float64) []float64 {
	out := make([]float64, len(re))
	for i, r := range re {
		p := r * r
		if i < len(im) {
			p += im[i] * im[i]
		}
		out[i] = 10 * math.Log10(p)
	}
	floorLog(out)
	return out
}

func floorLog(s []float64) {
	lowest := math.Inf(1)
	for _, v := range s {
		if !math.IsInf(v, 0) && !math.IsNaN(v) {
			lowest = min(lowest, v)
		}
	}
	if math.IsInf(lowest, 1) {
		return
	}
	for i, v := range s {
		if math.IsInf(v, -1) {
			s[i] = lowest
		}
	}
}

// AM returns the magnitude of each re + j·im sample.
func AM(re, im []float64) []float64 {
	n := min(len(re), len(im))
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Hypot(re[i], im[i])
	}
	return out
}

// Phase returns the angle of re + j·im in (-π, π].
func Phase(re, im float64) float64 { return math.Atan2(im, re) }

// WrapPhase maps d into (-π, π].
func WrapPhase(d float64) float64 {
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return d
	}
	d = math.Mod(d, 2*math.Pi)
	switch {
	case d <= -math.Pi:
		d += 2 * math.Pi
	case d > math.Pi:
		d -= 2 * math.Pi
	}
	return d
}

// FM writes the per-sample phase step of re + j·im into out, starting from
// prevPhase, and the absolute phase of each sample into phases. It returns
// the last absolute phase. out and phases must hold min(len(re), len(im)).
func FM(re, im []float64, prevPhase float64, out, phases []float64) float64 {
	n := min(len(re), len(im))
	for i := 0; i < n; i++ {
		cur := Phase(re[i], im[i])
		out[i] = WrapPhase(cur - prevPhase)
		phases[i] = cur
		prevPhase = cur
	}
	return prevPhase
}

// PM writes the unwrapped phase of re + j·im into out, continuing from
// prevPhase. A sample whose step is not finite yields NaN and leaves the
// running phase unchanged; state receives the running phase after each
// sample. It returns the final running phase.
func PM(re, im []float64, prevPhase float64, out, state []float64) float64 {
	n := min(len(re), len(im))
	for i := 0; i < n; i++ {
		delta := Phase(re[i], im[i]) - prevPhase
		if math.IsNaN(delta) || math.IsInf(delta, 0) {
			out[i] = math.NaN()
			state[i] = prevPhase
			continue
		}
		prevPhase += WrapPhase(delta)
		out[i] = prevPhase
		state[i] = prevPhase
	}
	return prevPhase
}
