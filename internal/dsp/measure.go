package dsp

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Measurement summarizes one captured block.
type Measurement struct {
	MeanPowerDBFS float64 `json:"mean_power_dbfs"`
	PeakDBFS      float64 `json:"peak_dbfs"`
	PeakBin       int     `json:"peak_bin"`
	PeakHz        float64 `json:"peak_hz"`
	NoiseDBFS     float64 `json:"noise_dbfs"`
	SNRDB         float64 `json:"snr_db"`
}

// MeanPowerDBFS returns the average sample power in dB relative to full
// scale 1.0. Silence yields -Inf.
func MeanPowerDBFS(samples []complex64) float64 {
	if len(samples) == 0 {
		return math.Inf(-1)
	}
	p := make([]float64, len(samples))
	for i, v := range samples {
		re, im := float64(real(v)), float64(imag(v))
		p[i] = re*re + im*im
	}
	mean := floats.Sum(p) / float64(len(p))
	if mean == 0 {
		return math.Inf(-1)
	}
	return 10 * math.Log10(mean)
}

// MeasureSpectrum finds the strongest bin of a shifted dBFS spectrum and the
// noise floor around it.
func MeasureSpectrum(db []float64, sampleRate float64) Measurement {
	m := Measurement{PeakDBFS: math.Inf(-1), NoiseDBFS: math.Inf(-1)}
	peak, bin, ok := peakInBand(db, 0, len(db))
	if !ok {
		return m
	}
	m.PeakDBFS = peak
	m.PeakBin = bin
	m.PeakHz = BinFrequency(bin, len(db), sampleRate)
	if noise, ok := noiseFloor(db, 0, len(db), bin); ok {
		m.NoiseDBFS = noise
		m.SNRDB = estimateSNR(peak, noise)
	}
	return m
}

// binRange clamps [start,end) to [0,n). An empty interval yields (0,0).
func binRange(n, start, end int) (int, int) {
	if n <= 0 {
		return 0, 0
	}
	if start < 0 {
		start = 0
	}
	if end <= 0 || end > n {
		end = n
	}
	if start >= end {
		return 0, 0
	}
	return start, end
}

// peakInBand returns the largest finite value of db in [start,end).
func peakInBand(db []float64, start, end int) (peak float64, bin int, ok bool) {
	s, e := binRange(len(db), start, end)
	if s == e {
		return 0, 0, false
	}
	band := db[s:e]
	i := floats.MaxIdx(band)
	if math.IsInf(band[i], -1) || math.IsNaN(band[i]) {
		return 0, 0, false
	}
	return band[i], s + i, true
}

// noiseFloor averages [start,end) in dB, skipping the signal bin and its
// neighbours.
func noiseFloor(db []float64, start, end, signalBin int) (float64, bool) {
	s, e := binRange(len(db), start, end)
	if s == e {
		return 0, false
	}
	var sum float64
	var count int
	for i := s; i < e; i++ {
		if i >= signalBin-1 && i <= signalBin+1 {
			continue
		}
		v := db[i]
		if math.IsInf(v, 0) || math.IsNaN(v) {
			continue
		}
		sum += v
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

func estimateSNR(peak, noise float64) float64 {
	snr := peak - noise
	if math.IsNaN(snr) || math.IsInf(snr, 0) {
		return 0
	}
	return snr
}

// PeakFrequency returns the baseband offset in Hz and level in dBFS of the
// strongest spectral component of samples.
func PeakFrequency(samples []complex64, sampleRate float64) (float64, float64) {
	_, db := FFTAndDBFS(samples)
	m := MeasureSpectrum(db, sampleRate)
	return m.PeakHz, m.PeakDBFS
}
