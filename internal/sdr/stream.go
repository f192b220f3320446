package sdr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rjboer/afedri/internal/udprx"
)

// StreamMTU is the number of samples a stream delivers per read at most usefully.
const StreamMTU = 1024

const fullScale = 32768.0

type stream struct {
	channels []int
	format   Format
	active   bool
	bufs     []*udprx.StreamBuffer
}

// streamTable tracks configured streams for one device.
type streamTable struct {
	mu      sync.Mutex
	next    StreamHandle
	streams map[StreamHandle]*stream
	ringLen int
}

func newStreamTable() *streamTable {
	return &streamTable{next: 1, streams: make(map[StreamHandle]*stream), ringLen: udprx.DefaultRingSize}
}

// validate checks a setup request against the device channel count.
func validateSetup(dir Direction, format Format, channels []int, numChannels int) ([]int, error) {
	if dir != RX {
		return nil, ErrNotRX
	}
	if format != CS16 && format != CF32 {
		return nil, fmt.Errorf("%w: %q, only CS16 and CF32 are supported", ErrBadFormat, format)
	}
	if len(channels) == 0 {
		channels = []int{0}
	}
	if len(channels) > numChannels || len(channels) > udprx.MaxChannels {
		return nil, fmt.Errorf("%w: %d channels requested, device has %d", ErrBadChannels, len(channels), numChannels)
	}
	for _, ch := range channels {
		if ch < 0 || ch >= numChannels || ch >= udprx.MaxChannels {
			return nil, fmt.Errorf("%w: channel %d", ErrBadChannels, ch)
		}
	}
	return append([]int(nil), channels...), nil
}

func (t *streamTable) add(channels []int, format Format) (StreamHandle, *stream) {
	s := &stream{channels: channels, format: format}
	for range channels {
		s.bufs = append(s.bufs, udprx.NewStreamBuffer(t.ringLen))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.next
	t.next++
	t.streams[h] = s
	return h, s
}

func (t *streamTable) get(h StreamHandle) (*stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStream, h)
	}
	return s, nil
}

// setActive flags h and returns how many streams remain active.
func (t *streamTable) setActive(h StreamHandle, on bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[h]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownStream, h)
	}
	s.active = on
	if on {
		for _, b := range s.bufs {
			b.Reset()
		}
	}
	n := 0
	for _, x := range t.streams {
		if x.active {
			n++
		}
	}
	return n, nil
}

func (t *streamTable) remove(h StreamHandle) *stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.streams[h]
	delete(t.streams, h)
	return s
}

func (t *streamTable) all() []StreamHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StreamHandle, 0, len(t.streams))
	for h := range t.streams {
		out = append(out, h)
	}
	return out
}

// read waits until every channel has data, then takes the same number of
// samples from each so the channels stay aligned.
func (s *stream) read(ctx context.Context, buffs []any, numElems int, timeout time.Duration) (int, error) {
	if len(buffs) < len(s.channels) {
		return 0, fmt.Errorf("%w: %d buffers for %d channels", ErrBadBuffer, len(buffs), len(s.channels))
	}
	if numElems <= 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	want := 2 * numElems
	for i := range s.channels {
		c := capacityShorts(buffs[i], s.format)
		if c < 0 {
			return 0, fmt.Errorf("%w: %T for %s", ErrBadBuffer, buffs[i], s.format)
		}
		if c < want {
			want = c
		}
	}

	deadline := time.Now().Add(timeout)
	for _, b := range s.bufs {
		n := b.Wait(time.Until(deadline))
		if n == 0 {
			return 0, StatusTimeout
		}
		if n < want {
			want = n
		}
	}
	want &^= 1
	if want == 0 {
		return 0, StatusTimeout
	}
	return readAligned(buffs[:len(s.bufs)], s.format, want, func(ch int, dst []int16, max int) int {
		return s.bufs[ch].Read(dst, max)
	})
}

// readAligned pulls up to want shorts per channel into buffs. A channel that
// comes up short, for example after a concurrent Reset, limits the count
// reported for every channel.
func readAligned(buffs []any, format Format, want int, read func(ch int, dst []int16, max int) int) (int, error) {
	got := want
	scratch := make([]int16, want)
	for i := range buffs {
		n := read(i, scratch, want)
		if err := store(buffs[i], scratch[:n], format); err != nil {
			return 0, err
		}
		if n < got {
			got = n
		}
	}
	got &^= 1
	if got == 0 {
		return 0, StatusTimeout
	}
	return got / 2, nil
}

// capacityShorts returns how many int16 values dst can hold for format, or -1.
func capacityShorts(dst any, format Format) int {
	switch b := dst.(type) {
	case []int16:
		if format == CS16 {
			return len(b)
		}
	case []complex64:
		if format == CF32 {
			return 2 * len(b)
		}
	}
	return -1
}

func store(dst any, src []int16, format Format) error {
	switch format {
	case CS16:
		b, ok := dst.([]int16)
		if !ok {
			return fmt.Errorf("%w: want []int16, got %T", ErrBadBuffer, dst)
		}
		copy(b, src)
	case CF32:
		b, ok := dst.([]complex64)
		if !ok {
			return fmt.Errorf("%w: want []complex64, got %T", ErrBadBuffer, dst)
		}
		for i := 0; i+1 < len(src); i += 2 {
			b[i/2] = complex(float32(src[i])/fullScale, float32(src[i+1])/fullScale)
		}
	default:
		return fmt.Errorf("%w: %q", ErrBadFormat, format)
	}
	return nil
}
