package afedri

import "math"

// ActualSampleRate returns the rate the device will really run at when asked
// for rate: the main clock divided by 4 and an integer decimation.
func ActualSampleRate(quartz, rate uint32) uint32 {
	if rate == 0 || quartz == 0 {
		return 0
	}
	m := math.Floor(float64(float32(quartz)/(4*float32(rate))) + 0.5)
	if m < 1 {
		m = 1
	}
	sr := float32(quartz) / (4 * float32(m))
	return uint32(math.Floor(float64(sr) + 0.5))
}

var (
	golden76M8 = []float64{
		48e3, 50e3, 60e3, 75e3, 80e3, 96e3, 100e3, 120e3, 150e3, 160e3, 192e3, 200e3, 256e3,
		300e3, 320e3, 400e3, 600e3, 640e3, 768e3, 800e3, 960e3, 1.2e6, 1.28e6, 1.6e6, 1.92e6, 2.4e6,
	}
	golden80M0 = []float64{
		40e3, 50e3, 80e3, 100e3, 125e3, 160e3, 200e3, 250e3, 400e3, 500e3, 625e3, 800e3,
		1e6, 1.25e6, 2e6, 2.5e6,
	}
)

// GoldenSampleRates lists rates that the clock divides exactly, ascending.
func GoldenSampleRates(quartz uint32) []float64 {
	switch quartz {
	case 76_800_000:
		return append([]float64(nil), golden76M8...)
	case 80_000_000:
		return append([]float64(nil), golden80M0...)
	}
	var out []float64
	for n := uint32(500); n >= 8; n-- {
		sr := quartz / 4 / n
		if sr%1000 == 0 {
			out = append(out, float64(sr))
		}
	}
	return out
}
