package sdr

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/rjboer/afedri/internal/logging"
	"github.com/rjboer/afedri/internal/udprx"
)

// MockDriverName is the registry key of the synthetic tone driver.
const MockDriverName = "mock"

const (
	mockDefaultRate = 192e3
	mockDefaultTone = 10e3
	mockAmplitude   = 0.5
	mockNoise       = 1e-3
	// mockBlock matches one UDP datagram of single-channel data.
	mockBlock = udprx.ShortsPerPacket / 2
)

// MockDriver returns the registry entry for the synthetic device.
func MockDriver() Driver {
	return Driver{
		Name: MockDriverName,
		Find: func(_ context.Context, args Kwargs, _ logging.Logger) ([]Kwargs, error) {
			return []Kwargs{{"label": "mock :: synthetic tone", "serial": "MOCK0001"}}, nil
		},
		Make: func(ctx context.Context, args Kwargs, logger logging.Logger) (Device, error) {
			return NewMock(args, logger)
		},
	}
}

// MockDevice synthesizes a complex tone per channel, phase-shifted by 90
// degrees between channels, paced at the configured sample rate.
type MockDevice struct {
	numChannels int
	tone        float64
	log         logging.Logger

	*tuning
	streams *streamTable

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	rng     *rand.Rand
}

// NewMock builds a mock device. Recognised args: num_channels (1), tone_hz (10k),
// sample_rate (192k) and seed.
func NewMock(args Kwargs, logger logging.Logger) (*MockDevice, error) {
	n, err := args.Int("num_channels", 1)
	if err != nil {
		return nil, err
	}
	switch n {
	case 1, 2, 4:
	default:
		return nil, errors.New("sdr: mock num_channels must be 1, 2 or 4")
	}
	tone, err := args.Float("tone_hz", mockDefaultTone)
	if err != nil {
		return nil, err
	}
	rate, err := args.Float("sample_rate", mockDefaultRate)
	if err != nil {
		return nil, err
	}
	seed, err := args.Int("seed", 1)
	if err != nil {
		return nil, err
	}
	m := &MockDevice{
		numChannels: n,
		tone:        tone,
		log:         logging.Subsystem(logger, "sdr-mock"),
		tuning:      newTuning([]gainElement{{GainRF, Range{Min: 0, Max: 40}}}),
		streams:     newStreamTable(),
		rng:         rand.New(rand.NewSource(int64(seed))),
	}
	m.setSampleRate(rate)
	return m, nil
}

func (m *MockDevice) DriverKey() string   { return "Mock" }
func (m *MockDevice) HardwareKey() string { return "mock" }
func (m *MockDevice) HardwareInfo() Kwargs {
	return Kwargs{"tone_hz": strconv.FormatFloat(m.tone, 'f', -1, 64), "driver_version": DriverVersion}
}

func (m *MockDevice) NumChannels(dir Direction) int {
	if dir != RX {
		return 0
	}
	return m.numChannels
}

func (m *MockDevice) FullDuplex(Direction, int) bool   { return false }
func (m *MockDevice) ListGains(Direction, int) []string { return m.listGains() }

func (m *MockDevice) SetGainAll(_ context.Context, _ Direction, _ int, db float64) error {
	m.setGain(GainRF, db)
	return nil
}

func (m *MockDevice) SetGain(_ context.Context, _ Direction, _ int, name string, db float64) error {
	if _, err := m.gainRange(name); err != nil {
		return err
	}
	m.setGain(name, db)
	return nil
}

func (m *MockDevice) Gain(_ Direction, _ int, name string) float64 { return m.gain(name) }
func (m *MockDevice) GainRange(_ Direction, _ int, name string) (Range, error) {
	return m.gainRange(name)
}

func (m *MockDevice) SetFrequency(_ context.Context, _ Direction, _ int, name string, hz float64) error {
	if name == FrequencyRF {
		m.setFrequency(hz)
	}
	return nil
}

func (m *MockDevice) Frequency(_ Direction, _ int, name string) float64 {
	if name != FrequencyRF {
		return 0
	}
	return m.getFrequency()
}

func (m *MockDevice) ListFrequencies(Direction, int) []string { return []string{FrequencyRF} }
func (m *MockDevice) FrequencyRange(Direction, int, string) []Range {
	return append([]Range(nil), afedriFrequencyRanges...)
}

func (m *MockDevice) SetSampleRate(_ context.Context, _ Direction, _ int, rate float64) error {
	m.setSampleRate(rate)
	return nil
}

func (m *MockDevice) SampleRate(Direction, int) float64 { return m.getSampleRate() }
func (m *MockDevice) ListSampleRates(Direction, int) []float64 {
	return []float64{48e3, 96e3, 192e3, 384e3, 768e3}
}
func (m *MockDevice) SampleRateRange(Direction, int) []Range {
	return append([]Range(nil), afedriSampleRateRanges...)
}

func (m *MockDevice) SetBandwidth(_ Direction, _ int, bw float64) { m.setBandwidth(bw) }
func (m *MockDevice) Bandwidth(Direction, int) float64           { return m.getBandwidth() }
func (m *MockDevice) BandwidthRange(Direction, int) []Range {
	return append([]Range(nil), afedriBandwidthRanges...)
}

func (m *MockDevice) ListAntennas(Direction, int) []string       { return []string{"RX"} }
func (m *MockDevice) SetAntenna(_ Direction, _ int, name string) { m.setAntenna(name) }
func (m *MockDevice) Antenna(Direction, int) string              { return m.getAntenna() }

func (m *MockDevice) WriteSetting(_ context.Context, key, value string) error {
	m.log.Debug("setting ignored", logging.F("key", key), logging.F("value", value))
	return nil
}

func (m *MockDevice) StreamFormats(Direction, int) []Format { return []Format{CS16, CF32} }

func (m *MockDevice) NativeStreamFormat(dir Direction, _ int) (Format, float64, error) {
	if dir != RX {
		return "", 0, ErrNotRX
	}
	return CS16, fullScale, nil
}

func (m *MockDevice) SetupStream(dir Direction, format Format, channels []int, _ Kwargs) (StreamHandle, error) {
	channels, err := validateSetup(dir, format, channels, m.numChannels)
	if err != nil {
		return 0, err
	}
	h, _ := m.streams.add(channels, format)
	return h, nil
}

func (m *MockDevice) CloseStream(ctx context.Context, h StreamHandle) error {
	if _, err := m.streams.get(h); err != nil {
		return err
	}
	err := m.DeactivateStream(ctx, h, 0, 0)
	if s := m.streams.remove(h); s != nil {
		for _, b := range s.bufs {
			b.Close()
		}
	}
	return err
}

func (m *MockDevice) StreamMTU(StreamHandle) int { return StreamMTU }

func (m *MockDevice) ActivateStream(_ context.Context, h StreamHandle, flags int, _ int64, _ int) error {
	if flags != 0 {
		return StatusNotSupported
	}
	if _, err := m.streams.setActive(h, true); err != nil {
		return err
	}
	m.startGenerator()
	return nil
}

func (m *MockDevice) DeactivateStream(_ context.Context, h StreamHandle, flags int, _ int64) error {
	if flags != 0 {
		return StatusNotSupported
	}
	remaining, err := m.streams.setActive(h, false)
	if err != nil {
		return err
	}
	if remaining == 0 {
		m.stopGenerator()
	}
	return nil
}

func (m *MockDevice) ReadStream(ctx context.Context, h StreamHandle, buffs []any, numElems int, timeout time.Duration) (int, error) {
	s, err := m.streams.get(h)
	if err != nil {
		return 0, err
	}
	return s.read(ctx, buffs, numElems, timeout)
}

func (m *MockDevice) Close() error {
	for _, h := range m.streams.all() {
		_ = m.CloseStream(context.Background(), h)
	}
	m.stopGenerator()
	return nil
}

func (m *MockDevice) startGenerator() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.generate(ctx, m.done)
	m.log.Debug("mock generator started")
}

func (m *MockDevice) stopGenerator() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	cancel()
	<-done
	m.log.Debug("mock generator stopped")
}

// generate emits mockBlock samples per channel each block period, the same
// cadence a single-channel device produces datagrams.
func (m *MockDevice) generate(ctx context.Context, done chan struct{}) {
	defer close(done)

	rate := m.getSampleRate()
	if rate <= 0 {
		rate = mockDefaultRate
	}
	period := time.Duration(float64(mockBlock) / rate * float64(time.Second))
	if period < time.Millisecond {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	phaseStep := 2 * math.Pi * m.tone / rate
	var sample int64
	blocks := make([][]int16, m.numChannels)
	for ch := range blocks {
		blocks[ch] = make([]int16, 2*mockBlock)
	}

	for {
		for i := 0; i < mockBlock; i++ {
			phase := phaseStep * float64(sample+int64(i))
			for ch := range blocks {
				shifted := phase + float64(ch)*math.Pi/2
				re := mockAmplitude*math.Cos(shifted) + m.rng.NormFloat64()*mockNoise
				im := mockAmplitude*math.Sin(shifted) + m.rng.NormFloat64()*mockNoise
				blocks[ch][2*i] = toInt16(re)
				blocks[ch][2*i+1] = toInt16(im)
			}
		}
		sample += mockBlock

		for _, h := range m.streams.all() {
			s, err := m.streams.get(h)
			if err != nil {
				continue
			}
			m.streams.mu.Lock()
			active := s.active
			m.streams.mu.Unlock()
			if !active {
				continue
			}
			for i, ch := range s.channels {
				s.bufs[i].Put(blocks[ch])
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func toInt16(v float64) int16 {
	x := math.Round(v * (fullScale - 1))
	return int16(math.Max(-fullScale, math.Min(fullScale-1, x)))
}
