// Package dsp provides the block spectrum used by the frequency detector.
package dsp

import (
	"fmt"
	"math"
	"math/bits"
	"math/cmplx"
)

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Spectrum returns the magnitude spectrum of a block of signed 16-bit
// samples: magnitudes for bins 0..len(block)/2 inclusive. The block length
// must be a power of two.
func Spectrum(block []int16) ([]float64, error) {
	n := len(block)
	if !IsPowerOfTwo(n) {
		return nil, fmt.Errorf("block size %d is not a power of two", n)
	}

	buf := make([]complex128, n)
	for i, s := range block {
		buf[i] = complex(float64(s), 0)
	}
	fft(buf)

	mags := make([]float64, n/2+1)
	for i := range mags {
		mags[i] = cmplx.Abs(buf[i])
	}
	return mags, nil
}

// fft performs an in-place iterative radix-2 Cooley-Tukey transform.
// len(buf) must be a power of two.
func fft(buf []complex128) {
	n := len(buf)
	if n < 2 {
		return
	}

	// Bit-reversal permutation.
	shift := 64 - uint(bits.TrailingZeros(uint(n)))
	for i := 0; i < n; i++ {
		j := int(bits.Reverse64(uint64(i)) >> shift)
		if j > i {
			buf[i], buf[j] = buf[j], buf[i]
		}
	}

	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		step := -2 * math.Pi / float64(size)
		for start := 0; start < n; start += size {
			for k := 0; k < half; k++ {
				w := cmplx.Rect(1, step*float64(k))
				even := buf[start+k]
				odd := w * buf[start+k+half]
				buf[start+k] = even + odd
				buf[start+k+half] = even - odd
			}
		}
	}
}

// BinFrequency returns the center frequency in Hz of spectral bin i for a
// block of n samples at the given sample rate.
func BinFrequency(i, n, sampleRate int) float64 {
	return float64(i) * float64(sampleRate) / float64(n)
}

// NearestBin returns the index of the spectral bin whose center frequency is
// closest to targetHz, restricted to the real half-spectrum 0..n/2.
func NearestBin(n, sampleRate int, targetHz float64) int {
	resolution := float64(sampleRate) / float64(n)
	bin := int(math.Round(targetHz / resolution))
	if bin < 0 {
		bin = 0
	}
	if bin > n/2 {
		bin = n / 2
	}
	return bin
}
