package dsp

import "gonum.org/v1/gonum/dsp/window"

// Hamming returns a Hamming window of length n, or an empty slice for n <= 0.
func Hamming(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return window.Hamming(w)
}

// ApplyWindow multiplies samples by w. Mismatched lengths yield an empty slice.
func ApplyWindow(samples []complex64, w []float64) []complex128 {
	if len(samples) != len(w) {
		return []complex128{}
	}
	out := make([]complex128, len(samples))
	for i, v := range samples {
		out[i] = complex(float64(real(v))*w[i], float64(imag(v))*w[i])
	}
	return out
}
