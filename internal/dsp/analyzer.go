package dsp

import (
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// Analyzer caches the window and FFT plan for one block size so repeated
// reads of the same length skip the setup cost.
type Analyzer struct {
	mu     sync.Mutex
	size   int
	window []float64
	winSum float64
	fft    *fourier.CmplxFFT
}

// NewAnalyzer prepares an analyzer for blocks of size samples.
func NewAnalyzer(size int) *Analyzer {
	a := &Analyzer{}
	a.resize(size)
	return a
}

func (a *Analyzer) resize(size int) {
	a.size = size
	a.window = Hamming(size)
	a.winSum = floats.Sum(a.window)
	a.fft = nil
	if size > 0 {
		a.fft = fourier.NewCmplxFFT(size)
	}
}

// Size returns the block size the analyzer is prepared for.
func (a *Analyzer) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// FFTAndDBFS is the cached equivalent of the package-level FFTAndDBFS. A block
// of a different length re-plans the analyzer.
func (a *Analyzer) FFTAndDBFS(samples []complex64) ([]complex128, []float64) {
	if len(samples) == 0 {
		return []complex128{}, []float64{}
	}
	a.mu.Lock()
	if len(samples) != a.size {
		a.resize(len(samples))
	}
	coeff := a.fft.Coefficients(nil, ApplyWindow(samples, a.window))
	winSum := a.winSum
	a.mu.Unlock()
	return normalize(coeff, winSum)
}

// Measure runs FFTAndDBFS and MeasureSpectrum on one block.
func (a *Analyzer) Measure(samples []complex64, sampleRate float64) Measurement {
	_, db := a.FFTAndDBFS(samples)
	m := MeasureSpectrum(db, sampleRate)
	m.MeanPowerDBFS = MeanPowerDBFS(samples)
	return m
}
