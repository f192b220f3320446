package udprx

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

func lockedRing(t *testing.T, size int) (*Ring, *sync.Mutex) {
	t.Helper()
	mu := &sync.Mutex{}
	return NewRing(size, mu), mu
}

func seq(start, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(start + i)
	}
	return out
}

func TestRingPutPeekConsumeWraps(t *testing.T) {
	r, mu := lockedRing(t, 8)
	mu.Lock()
	defer mu.Unlock()

	r.Put(seq(0, 5))
	r.Consume(4)
	r.Put(seq(5, 5))
	if got := r.Available(); got != 6 {
		t.Fatalf("Available = %d, want 6", got)
	}
	dst := make([]int16, 10)
	n := r.Peek(dst)
	if n != 6 {
		t.Fatalf("Peek returned %d, want 6", n)
	}
	for i, v := range dst[:n] {
		if v != int16(4+i) {
			t.Fatalf("dst[%d] = %d, want %d", i, v, 4+i)
		}
	}
}

func TestRingIgnoresOversizedPut(t *testing.T) {
	r, mu := lockedRing(t, 8)
	mu.Lock()
	defer mu.Unlock()

	if r.Put(seq(0, 8)) {
		t.Fatalf("oversized put reported overflow")
	}
	if r.Available() != 0 {
		t.Fatalf("oversized put stored data")
	}
}

func TestRingOverflowDropsOldest(t *testing.T) {
	r, mu := lockedRing(t, 64)
	mu.Lock()
	defer mu.Unlock()

	r.Put(seq(0, 40))
	if !r.Put(seq(40, 30)) {
		t.Fatalf("expected overflow")
	}
	// head at 6, tail jumps to head+32.
	if got := r.Available(); got != 64-32 {
		t.Fatalf("Available after overflow = %d, want 32", got)
	}
	dst := make([]int16, 1)
	r.Peek(dst)
	if dst[0] != 38 {
		t.Fatalf("oldest element after overflow = %d, want 38", dst[0])
	}
}

func TestRingConsumeTooMuchResets(t *testing.T) {
	r, mu := lockedRing(t, 16)
	mu.Lock()
	defer mu.Unlock()

	r.Put(seq(0, 4))
	r.Consume(10)
	if r.Available() != 0 {
		t.Fatalf("ring not reset after over-consume")
	}
}

func TestStreamBufferGuardedRoundTrip(t *testing.T) {
	b := NewStreamBuffer(64)
	if b.Put(seq(1, 4)) {
		t.Fatalf("unexpected overflow")
	}
	if n := b.Wait(time.Second); n != 4 {
		t.Fatalf("Wait = %d, want 4", n)
	}
	dst := make([]int16, 4)
	if n := b.Read(dst, 4); n != 4 || dst[0] != 1 || dst[3] != 4 {
		t.Fatalf("Read = %d %v", n, dst)
	}
	b.Put(seq(0, 8))
	b.Reset()
	if b.Available() != 0 {
		t.Fatalf("Reset left data behind")
	}
}

func TestStreamBufferReleasesLockAfterPanic(t *testing.T) {
	b := &StreamBuffer{notify: make(chan struct{}, 1)}
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected Reset on a buffer without a ring to panic")
			}
		}()
		b.Reset()
	}()

	done := make(chan struct{})
	go func() {
		b.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a lock left held by the panic")
	}
	if !b.isClosed() {
		t.Fatal("Close did not mark the buffer closed")
	}
}

func TestStreamBufferWaitAndRead(t *testing.T) {
	b := NewStreamBuffer(1024)

	start := time.Now()
	if n := b.Wait(30 * time.Millisecond); n != 0 {
		t.Fatalf("Wait on empty buffer = %d", n)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("Wait returned early")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Put(seq(0, 100))
	}()
	if n := b.Wait(time.Second); n != 100 {
		t.Fatalf("Wait = %d, want 100", n)
	}

	dst := make([]int16, 64)
	if n := b.Read(dst, 80); n != 64 {
		t.Fatalf("Read limited by dst = %d, want 64", n)
	}
	if n := b.Read(dst, 10); n != 10 || dst[0] != 64 {
		t.Fatalf("second Read = %d first=%d", n, dst[0])
	}
	if b.Available() != 26 {
		t.Fatalf("Available = %d, want 26", b.Available())
	}
}

func TestDemuxInterleave(t *testing.T) {
	chans := [][]int16{seq(0, 128), seq(1000, 128), seq(2000, 128), seq(3000, 128)}
	pkt := EncodePacket(7, chans)
	if len(pkt) != PacketLen {
		t.Fatalf("packet length %d", len(pkt))
	}
	out := make([][]int16, 4)
	for i := range out {
		out[i] = make([]int16, ShortsPerPacket)
	}
	per := Demux(pkt[HeaderLen:], 4, out)
	if per != 128 {
		t.Fatalf("per-channel count = %d, want 128", per)
	}
	for ch := range chans {
		for i := 0; i < per; i++ {
			if out[ch][i] != chans[ch][i] {
				t.Fatalf("ch%d[%d] = %d, want %d", ch, i, out[ch][i], chans[ch][i])
			}
		}
	}
}

func TestReceiverDeliversOnlyWhenActive(t *testing.T) {
	ctx := context.Background()
	rx, err := Listen(ctx, Config{BindAddress: "127.0.0.1", BindPort: 0, Channels: 2})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer rx.Close()

	b0 := NewStreamBuffer(DefaultRingSize)
	b1 := NewStreamBuffer(DefaultRingSize)
	if err := rx.Attach(0, b0); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := rx.Attach(1, b1); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := rx.Attach(2, b1); err == nil {
		t.Fatalf("Attach beyond channel count should fail")
	}

	tx, err := net.DialUDP("udp4", nil, rx.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tx.Close()

	pkt := EncodePacket(1, [][]int16{seq(0, 256), seq(500, 256)})

	if _, err := tx.Write(pkt); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return rx.Stats().DroppedInactive == 1 })
	if b0.Available() != 0 {
		t.Fatalf("inactive receiver delivered data")
	}

	rx.SetActive(true)
	if _, err := tx.Write(pkt); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := tx.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if n := b0.Wait(time.Second); n != 256 {
		t.Fatalf("ch0 available = %d, want 256", n)
	}
	if n := b1.Wait(time.Second); n != 256 {
		t.Fatalf("ch1 available = %d, want 256", n)
	}
	dst := make([]int16, 4)
	b1.Read(dst, 4)
	if dst[0] != 500 || dst[3] != 503 {
		t.Fatalf("ch1 data = %v", dst)
	}
	waitFor(t, func() bool { return rx.Stats().BadSize == 1 })

	rx.Detach(b0)
	if _, err := tx.Write(pkt); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return rx.Stats().Packets == 3 })
	if b0.Available() != 256 {
		t.Fatalf("detached buffer still receives data")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
