// Package fft implements the split-radix FFT kernel used by the
// convolution engine. Transforms operate in place on split-complex
// buffers (separate real and imaginary arrays) and are driven by an
// immutable Setup holding precomputed twiddle tables.
//
// Layout conventions:
//   - Real transforms pack the spectrum of N real samples into N/2
//     complex bins. The purely real Nyquist value is stored in Im[0],
//     sharing a slot with the purely real DC value in Re[0].
//   - A forward-then-inverse real round trip scales the signal by 4*N.
//     Callers compensate with a 1/(4*N) multiply after the inverse.
//   - The inverse complex transform is the forward transform applied
//     to a buffer with the real and imaginary arrays swapped.
package fft

import (
	"errors"
	"fmt"
	"math"

	"github.com/MeKo-Christian/algo-convolve/internal/vec"
)

// Float is the sample type constraint for transforms.
type Float = vec.Float

// Sentinel errors returned by setup creation.
var (
	// ErrSizeTooLarge is returned when the requested maximum transform
	// size exceeds what a Setup can hold tables for.
	ErrSizeTooLarge = errors.New("fft: maximum transform size too large")

	// ErrSizeInvalid is returned for a non-positive size exponent.
	ErrSizeInvalid = errors.New("fft: invalid transform size")
)

// maxSetupLog2 bounds the largest plannable transform (2^28 points).
const maxSetupLog2 = 28

// Twiddle tables exist for passes from this level upward. Smaller
// passes use hard-coded constants.
const trigTableOffset = 3

// Split is a split-complex buffer: equal-length real and imaginary
// arrays. It is used both as FFT input and output, and never holds
// interleaved complex samples.
type Split[T Float] struct {
	Re []T
	Im []T
}

// NewSplit allocates a zeroed split buffer of n bins.
func NewSplit[T Float](n int) Split[T] {
	return Split[T]{Re: make([]T, n), Im: make([]T, n)}
}

// Offset returns a view of s shifted by n bins. The view shares
// backing storage with s.
func (s Split[T]) Offset(n int) Split[T] {
	return Split[T]{Re: s.Re[n:], Im: s.Im[n:]}
}

// Slice returns the view s[from:to). The view shares backing storage.
func (s Split[T]) Slice(from, to int) Split[T] {
	return Split[T]{Re: s.Re[from:to], Im: s.Im[from:to]}
}

// Zero clears the first n bins of s.
func (s Split[T]) Zero(n int) {
	vec.Zero(s.Re[:n])
	vec.Zero(s.Im[:n])
}

// Setup holds the twiddle tables for transforms up to a maximum size.
// A Setup is immutable after creation and safe to share between
// goroutines performing concurrent transforms on distinct buffers.
type Setup[T Float] struct {
	maxLog2 int
	tables  []Split[T]
}

// NewSetup creates a Setup capable of transforms up to 2^maxLog2
// points. Tables are built for each pass level from 3 to maxLog2.
func NewSetup[T Float](maxLog2 int) (*Setup[T], error) {
	if maxLog2 < 1 {
		return nil, fmt.Errorf("%w: log2 size %d", ErrSizeInvalid, maxLog2)
	}

	if maxLog2 > maxSetupLog2 {
		return nil, fmt.Errorf("%w: log2 size %d exceeds %d", ErrSizeTooLarge, maxLog2, maxSetupLog2)
	}

	s := &Setup[T]{maxLog2: maxLog2}

	if maxLog2 < trigTableOffset {
		return s, nil
	}

	s.tables = make([]Split[T], maxLog2-trigTableOffset+1)

	for i := trigTableOffset; i <= maxLog2; i++ {
		length := 1 << (i - 1)
		table := NewSplit[T](length)

		for j := 0; j < length; j++ {
			angle := -float64(j) * math.Pi / float64(length)
			table.Re[j] = T(math.Cos(angle))
			table.Im[j] = T(math.Sin(angle))
		}

		s.tables[i-trigTableOffset] = table
	}

	return s, nil
}

// MaxLog2 reports the largest supported transform size as a base-2 log.
func (s *Setup[T]) MaxLog2() int {
	return s.maxLog2
}

// table returns the twiddle table for the given pass index, where pass
// p covers butterflies of span 2^(p+1).
func (s *Setup[T]) table(pass int) Split[T] {
	return s.tables[pass-(trigTableOffset-1)]
}

// realTable returns the full-resolution table for a real pass at the
// given transform size.
func (s *Setup[T]) realTable(log2 int) Split[T] {
	return s.tables[log2-trigTableOffset]
}

// FFT performs an in-place complex forward transform of 2^log2 points.
// The Setup must have been created with maxLog2 >= log2.
func (s *Setup[T]) FFT(x *Split[T], log2 int) {
	if log2 >= 4 {
		fftPasses(s, x, log2)
		return
	}

	smallFFT(x, log2)
}

// IFFT performs an in-place complex inverse transform of 2^log2
// points. It is the forward transform on a buffer with real and
// imaginary swapped, which leaves the result unscaled (a round trip
// multiplies by N).
func (s *Setup[T]) IFFT(x *Split[T], log2 int) {
	swap := Split[T]{Re: x.Im, Im: x.Re}
	s.FFT(&swap, log2)
}

// RFFT transforms 2^log2 real samples, already unzipped into x as
// 2^(log2-1) complex bins, in place. On return x holds the packed
// half-spectrum with Nyquist in Im[0].
func (s *Setup[T]) RFFT(x *Split[T], log2 int) {
	if log2 >= 3 {
		s.FFT(x, log2-1)
		passRealTrig(x, s, log2, false)
		return
	}

	smallRealFFT(x, log2, false)
}

// RIFFT performs the inverse of RFFT in place. The round trip scales
// by 4*N.
func (s *Setup[T]) RIFFT(x *Split[T], log2 int) {
	if log2 >= 3 {
		passRealTrig(x, s, log2, true)
		s.IFFT(x, log2-1)
		return
	}

	smallRealFFT(x, log2, true)
}

// RealFFT unzips up to 2^log2 real samples from in (zero padding any
// shortfall) into x and transforms them. x needs 2^(log2-1) bins.
func (s *Setup[T]) RealFFT(x *Split[T], in []T, log2 int) {
	UnzipZero(in, x, log2)
	s.RFFT(x, log2)
}

// RealIFFT inverse-transforms the packed half-spectrum in x and zips
// the 2^log2 real samples into out. x is clobbered.
func (s *Setup[T]) RealIFFT(out []T, x *Split[T], log2 int) {
	s.RIFFT(x, log2)
	Zip(x, out, 1<<(log2-1))
}
