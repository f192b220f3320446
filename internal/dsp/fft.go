// Package dsp turns captured IQ blocks into spectra and tone measurements.
package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// FFTShift returns data rotated so that DC sits in the middle.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	if n == 0 {
		return []complex128{}
	}
	half := n / 2
	out := make([]complex128, 0, n)
	out = append(out, data[half:]...)
	return append(out, data[:half]...)
}

// FFTAndDBFS windows samples with a Hamming window, transforms them and returns
// the shifted bins with their level in dBFS. Samples are full scale at 1.0.
func FFTAndDBFS(samples []complex64) ([]complex128, []float64) {
	if len(samples) == 0 {
		return []complex128{}, []float64{}
	}
	win := Hamming(len(samples))
	coeff := fourier.NewCmplxFFT(len(samples)).Coefficients(nil, ApplyWindow(samples, win))
	return normalize(coeff, floats.Sum(win))
}

func normalize(coeff []complex128, winSum float64) ([]complex128, []float64) {
	for i := range coeff {
		coeff[i] /= complex(winSum, 0)
	}
	shifted := FFTShift(coeff)
	db := make([]float64, len(shifted))
	for i, v := range shifted {
		mag := cmplx.Abs(v)
		if mag == 0 {
			db[i] = math.Inf(-1)
			continue
		}
		db[i] = 20 * math.Log10(mag)
	}
	return shifted, db
}

// BinFrequency maps an index of a shifted spectrum of n bins to a baseband
// offset in Hz.
func BinFrequency(bin, n int, sampleRate float64) float64 {
	if n == 0 {
		return 0
	}
	return float64(bin-n/2) * sampleRate / float64(n)
}
