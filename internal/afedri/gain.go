package afedri

import "math"

// GainRange is an inclusive dB range.
type GainRange struct {
	Min, Max float64
}

// Gain ranges accepted by the hardware, in dB.
var (
	RFGainRange     = GainRange{Min: -10, Max: 35}
	FEGainRange     = GainRange{Min: 0, Max: 12}
	R820TLNARange   = GainRange{Min: -7.5, Max: 35}
	R820TMixerRange = GainRange{Min: 0, Max: 2}
	R820TVGARange   = GainRange{Min: 1, Max: 48}
)

// Clamp limits v to the range.
func (r GainRange) Clamp(v float64) float64 {
	return math.Max(r.Min, math.Min(r.Max, v))
}

// LinearGainCode maps a dB value within r linearly onto [lo, hi], rounding half up.
func LinearGainCode(db float64, r GainRange, lo, hi int) int {
	part := (r.Clamp(db) - r.Min) / (r.Max - r.Min)
	return int(math.Floor(float64(lo) + part*float64(hi-lo) + 0.5))
}

// FEGainCode maps 0..12 dB onto the seven front-end steps 1..7.
func FEGainCode(db float64) int {
	return LinearGainCode(db, FEGainRange, 1, 7)
}

// RFGainCode maps -10..+35 dB onto 3 dB steps. The low three bits of the
// register are always zero.
func RFGainCode(db float64) int {
	steps := math.Floor((RFGainRange.Clamp(db)-RFGainRange.Min)/3 + 0.5)
	return int(steps) << 3
}
