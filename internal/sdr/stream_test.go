package sdr

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReadAlignedLimitsCountToShortestChannel(t *testing.T) {
	ch0 := make([]int16, 16)
	ch1 := make([]int16, 16)
	n, err := readAligned([]any{ch0, ch1}, CS16, 16, func(ch int, dst []int16, max int) int {
		got := max
		if ch == 1 {
			got = 6
		}
		for i := 0; i < got; i++ {
			dst[i] = int16(100*ch + i)
		}
		return got
	})
	if err != nil {
		t.Fatalf("readAligned failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 samples from the short channel, got %d", n)
	}
	for i := 0; i < 2*n; i++ {
		if ch0[i] != int16(i) || ch1[i] != int16(100+i) {
			t.Fatalf("sample %d misaligned: ch0=%d ch1=%d", i, ch0[i], ch1[i])
		}
	}
}

func TestReadAlignedEmptyChannelTimesOut(t *testing.T) {
	bufs := []any{make([]complex64, 4), make([]complex64, 4)}
	_, err := readAligned(bufs, CF32, 8, func(ch int, dst []int16, max int) int {
		if ch == 0 {
			return max
		}
		return 0
	})
	if !errors.Is(err, StatusTimeout) {
		t.Fatalf("expected StatusTimeout, got %v", err)
	}
}

func TestMockActivateReadCloseCompletes(t *testing.T) {
	mock, err := NewMock(Kwargs{"num_channels": "2"}, nil)
	if err != nil {
		t.Fatalf("NewMock failed: %v", err)
	}
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		h, err := mock.SetupStream(RX, CS16, []int{0, 1}, nil)
		if err != nil {
			done <- err
			return
		}
		if err := mock.ActivateStream(ctx, h, 0, 0, 0); err != nil {
			done <- err
			return
		}
		bufs := []any{make([]int16, 2*StreamMTU), make([]int16, 2*StreamMTU)}
		for i := 0; i < 3; i++ {
			if _, err := mock.ReadStream(ctx, h, bufs, StreamMTU, time.Second); err != nil {
				done <- err
				return
			}
		}
		if err := mock.DeactivateStream(ctx, h, 0, 0); err != nil {
			done <- err
			return
		}
		if err := mock.CloseStream(ctx, h); err != nil {
			done <- err
			return
		}
		done <- mock.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream sequence failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream sequence did not finish")
	}
}
