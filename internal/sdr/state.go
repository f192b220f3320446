package sdr

import (
	"fmt"
	"sync"
)

// Gain element names.
const (
	GainRF         = "RF"
	GainFE         = "FE"
	GainR820TLNA   = "R820T_LNA_GAIN"
	GainR820TMixer = "R820T_MIXER_GAIN"
	GainR820TVGA   = "R820T_VGA_GAIN"
)

// FrequencyRF is the only tunable element.
const FrequencyRF = "RF"

type gainElement struct {
	name string
	rng  Range
}

// tuning holds the values a device reports back without asking the hardware.
type tuning struct {
	mu         sync.Mutex
	gains      []gainElement
	saved      map[string]float64
	frequency  float64
	sampleRate float64
	bandwidth  float64
	antenna    string
}

func newTuning(gains []gainElement) *tuning {
	return &tuning{gains: gains, saved: make(map[string]float64), antenna: "RX"}
}

func (t *tuning) listGains() []string {
	out := make([]string, len(t.gains))
	for i, g := range t.gains {
		out[i] = g.name
	}
	return out
}

func (t *tuning) gainRange(name string) (Range, error) {
	for _, g := range t.gains {
		if g.name == name {
			return g.rng, nil
		}
	}
	return Range{}, fmt.Errorf("%w: %q", ErrUnknownGain, name)
}

func (t *tuning) setGain(name string, db float64) {
	t.mu.Lock()
	t.saved[name] = db
	t.mu.Unlock()
}

func (t *tuning) gain(name string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saved[name]
}

func (t *tuning) setFrequency(hz float64) {
	t.mu.Lock()
	t.frequency = hz
	t.mu.Unlock()
}

func (t *tuning) getFrequency() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frequency
}

func (t *tuning) setSampleRate(rate float64) {
	t.mu.Lock()
	t.sampleRate = rate
	t.mu.Unlock()
}

func (t *tuning) getSampleRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sampleRate
}

func (t *tuning) setBandwidth(bw float64) {
	t.mu.Lock()
	t.bandwidth = bw
	t.mu.Unlock()
}

// getBandwidth falls back to the sample rate until a bandwidth is set.
func (t *tuning) getBandwidth() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bandwidth == 0 {
		return t.sampleRate
	}
	return t.bandwidth
}

func (t *tuning) setAntenna(name string) {
	t.mu.Lock()
	t.antenna = name
	t.mu.Unlock()
}

func (t *tuning) getAntenna() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.antenna
}
