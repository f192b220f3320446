// Package sdr exposes receivers through a driver-neutral device and stream
// API. Drivers register with a Registry and are selected by the "driver"
// key of the device arguments.
package sdr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Direction selects the receive or transmit side of a device.
type Direction int

const (
	RX Direction = iota
	TX
)

func (d Direction) String() string {
	if d == TX {
		return "TX"
	}
	return "RX"
}

// Format names a stream sample format.
type Format string

const (
	// CS16 is interleaved signed 16-bit I/Q delivered as []int16.
	CS16 Format = "CS16"
	// CF32 is complex float32 delivered as []complex64, full scale 1.0.
	CF32 Format = "CF32"
)

// ParseFormat accepts a format name in any case.
func ParseFormat(s string) (Format, error) {
	switch Format(upper(s)) {
	case CS16:
		return CS16, nil
	case CF32:
		return CF32, nil
	}
	return "", fmt.Errorf("%w: format %q", ErrBadFormat, s)
}

// Range is an inclusive numeric range. Step zero means continuous.
type Range struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Step float64 `json:"step,omitempty"`
}

// Contains reports whether v lies inside r.
func (r Range) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

// StreamHandle identifies a configured stream on one device.
type StreamHandle int

var (
	ErrUnknownDriver = errors.New("sdr: unknown driver")
	ErrInvalidArgs   = errors.New("sdr: invalid device arguments")
	ErrNotRX         = errors.New("sdr: device is receive only")
	ErrBadFormat     = errors.New("sdr: unsupported stream format")
	ErrBadChannels   = errors.New("sdr: invalid channel selection")
	ErrUnknownStream = errors.New("sdr: unknown or closed stream")
	ErrUnknownGain   = errors.New("sdr: unknown gain element")
	ErrBadBuffer     = errors.New("sdr: buffer type does not match stream format")
)

// DefaultReadTimeout is used by ReadStream when the caller passes zero.
const DefaultReadTimeout = 100 * time.Millisecond

// Device is an open receiver. Methods that talk to hardware take a context.
type Device interface {
	DriverKey() string
	HardwareKey() string
	HardwareInfo() Kwargs

	NumChannels(dir Direction) int
	FullDuplex(dir Direction, ch int) bool

	ListGains(dir Direction, ch int) []string
	SetGainAll(ctx context.Context, dir Direction, ch int, db float64) error
	SetGain(ctx context.Context, dir Direction, ch int, name string, db float64) error
	Gain(dir Direction, ch int, name string) float64
	GainRange(dir Direction, ch int, name string) (Range, error)

	SetFrequency(ctx context.Context, dir Direction, ch int, name string, hz float64) error
	Frequency(dir Direction, ch int, name string) float64
	ListFrequencies(dir Direction, ch int) []string
	FrequencyRange(dir Direction, ch int, name string) []Range

	SetSampleRate(ctx context.Context, dir Direction, ch int, rate float64) error
	SampleRate(dir Direction, ch int) float64
	ListSampleRates(dir Direction, ch int) []float64
	SampleRateRange(dir Direction, ch int) []Range

	SetBandwidth(dir Direction, ch int, bw float64)
	Bandwidth(dir Direction, ch int) float64
	BandwidthRange(dir Direction, ch int) []Range

	ListAntennas(dir Direction, ch int) []string
	SetAntenna(dir Direction, ch int, name string)
	Antenna(dir Direction, ch int) string

	WriteSetting(ctx context.Context, key, value string) error

	StreamFormats(dir Direction, ch int) []Format
	NativeStreamFormat(dir Direction, ch int) (Format, float64, error)
	SetupStream(dir Direction, format Format, channels []int, args Kwargs) (StreamHandle, error)
	CloseStream(ctx context.Context, h StreamHandle) error
	StreamMTU(h StreamHandle) int
	ActivateStream(ctx context.Context, h StreamHandle, flags int, timeNs int64, numElems int) error
	DeactivateStream(ctx context.Context, h StreamHandle, flags int, timeNs int64) error
	// ReadStream fills one buffer per stream channel with up to numElems
	// samples and returns the count. Failures are StatusCode errors.
	ReadStream(ctx context.Context, h StreamHandle, buffs []any, numElems int, timeout time.Duration) (int, error)

	Close() error
}
