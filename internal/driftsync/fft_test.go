package driftsync

import (
	"math"
	"testing"
)

func TestFFT_RoundTrip(t *testing.T) {
	x := []complex128{1, 2, 3, 4, 0, -1, -2, 5}
	orig := make([]complex128, len(x))
	copy(orig, x)

	fft(x, false)
	fft(x, true)
	n := complex(float64(len(x)), 0)
	for i := range x {
		got := x[i] / n
		if math.Abs(real(got)-real(orig[i])) > 1e-9 || math.Abs(imag(got)) > 1e-9 {
			t.Fatalf("index %d: got %v, want %v", i, got, orig[i])
		}
	}
}

func TestNextPow2(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 4, 5: 8, 8: 8, 1000: 1024}
	for in, want := range cases {
		if got := nextPow2(in); got != want {
			t.Fatalf("nextPow2(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestCrossCorrelate_KnownShift(t *testing.T) {
	// b is a delayed by 7 samples, so the peak sits at lag -7.
	a := make([]float64, 256)
	b := make([]float64, 256)
	for i := 20; i < 30; i++ {
		a[i] = 1
		b[i+7] = 1
	}
	lag, score := crossCorrelate(a, b, 50)
	if lag != -7 {
		t.Fatalf("lag = %d, want -7", lag)
	}
	if score < 0.99 {
		t.Fatalf("score = %v, want about 1 for an exact shifted copy", score)
	}
}

func TestCrossCorrelate_ZeroInput(t *testing.T) {
	lag, score := crossCorrelate(make([]float64, 64), make([]float64, 64), 10)
	if lag != 0 || score != 0 {
		t.Fatalf("lag=%d score=%v, want zeros", lag, score)
	}
}
