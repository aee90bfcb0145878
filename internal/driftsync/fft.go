package driftsync

import "math"

// fft computes the in-place iterative radix-2 Cooley-Tukey transform.
// len(x) must be a power of two. inverse applies the conjugate transform
// without the 1/N scaling (the caller folds it into score normalization or
// applies it explicitly).
func fft(x []complex128, inverse bool) {
	n := len(x)
	if n <= 1 {
		return
	}

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j |= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}

	for length := 2; length <= n; length <<= 1 {
		ang := 2 * math.Pi / float64(length)
		if !inverse {
			ang = -ang
		}
		wl := complex(math.Cos(ang), math.Sin(ang))
		for i := 0; i < n; i += length {
			w := complex(1, 0)
			for j := range length / 2 {
				u := x[i+j]
				v := x[i+j+length/2] * w
				x[i+j] = u + v
				x[i+j+length/2] = u - v
				w *= wl
			}
		}
	}
}

// nextPow2 returns the smallest power of two >= n.
func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// crossCorrelate computes the cross-correlation of a against b via FFT and
// returns the lag (in samples, positive meaning b's content sits earlier than
// a's) with the highest correlation within ±maxLag, along with the peak value
// normalized by the L2 norms of both arrays.
func crossCorrelate(a, b []float64, maxLag int) (lag int, score float64) {
	n := nextPow2(len(a) + len(b) - 1)
	fa := make([]complex128, n)
	fb := make([]complex128, n)
	for i, v := range a {
		fa[i] = complex(v, 0)
	}
	for i, v := range b {
		fb[i] = complex(v, 0)
	}
	fft(fa, false)
	fft(fb, false)

	// corr[k] = sum_t a[(t+k) mod n] * b[t]
	prod := make([]complex128, n)
	for i := range prod {
		prod[i] = fa[i] * complexConj(fb[i])
	}
	fft(prod, true)

	var normA, normB float64
	for _, v := range a {
		normA += v * v
	}
	for _, v := range b {
		normB += v * v
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB) * float64(n)
	if denom == 0 {
		return 0, 0
	}

	best := math.Inf(-1)
	bestLag := 0
	for k := -maxLag; k <= maxLag; k++ {
		idx := k
		if idx < 0 {
			idx += n
		}
		if idx < 0 || idx >= n {
			continue
		}
		v := real(prod[idx])
		if v > best {
			best = v
			bestLag = k
		}
	}
	score = best / denom
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}
	return bestLag, score
}

func complexConj(c complex128) complex128 {
	return complex(real(c), -imag(c))
}
