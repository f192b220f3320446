package dsp

import (
	"math"
	"testing"
)

func tone(n, bin int, amplitude float64) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		phase := 2 * math.Pi * float64(bin) * float64(i) / float64(n)
		out[i] = complex64(complex(amplitude*math.Cos(phase), amplitude*math.Sin(phase)))
	}
	return out
}

func TestFFTAndDBFSPeak(t *testing.T) {
	n := 64
	fft, db := FFTAndDBFS(tone(n, 8, 1))
	if len(fft) != n || len(db) != n {
		t.Fatalf("unexpected lengths")
	}
	maxIdx := 0
	for i := range db {
		if db[i] > db[maxIdx] {
			maxIdx = i
		}
	}
	if maxIdx != n/2+8 {
		t.Fatalf("expected peak at %d got %d", n/2+8, maxIdx)
	}
	if math.Abs(db[maxIdx]) > 0.1 {
		t.Fatalf("full scale tone should read 0 dBFS, got %.3f", db[maxIdx])
	}
	for _, v := range db {
		if math.IsNaN(v) {
			t.Fatalf("dbfs contains NaN")
		}
	}
}

func TestFFTShift(t *testing.T) {
	in := []complex128{0, 1, 2, 3}
	out := FFTShift(in)
	expected := []complex128{2, 3, 0, 1}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("index %d expected %v got %v", i, expected[i], out[i])
		}
	}
	if in[0] != 0 {
		t.Fatalf("FFTShift modified its input")
	}
}

func TestBinFrequency(t *testing.T) {
	if got := BinFrequency(40, 64, 192e3); got != 24e3 {
		t.Fatalf("BinFrequency = %v, want 24000", got)
	}
	if got := BinFrequency(0, 64, 192e3); got != -96e3 {
		t.Fatalf("BinFrequency = %v, want -96000", got)
	}
}
