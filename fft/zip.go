package fft

import "github.com/MeKo-Christian/algo-convolve/internal/vec"

// Unzip deinterleaves halfLength complex samples from in into the
// split buffer out.
func Unzip[T Float](in []T, out *Split[T], halfLength int) {
	vec.Deinterleave(in[:2*halfLength], out.Re[:halfLength], out.Im[:halfLength])
}

// Zip interleaves halfLength complex bins from in into out.
func Zip[T Float](in *Split[T], out []T, halfLength int) {
	vec.Interleave(in.Re[:halfLength], in.Im[:halfLength], out[:2*halfLength])
}

// UnzipZero deinterleaves up to 2^log2 real samples from in into out,
// zero padding the remainder of the buffer. Odd-length inputs place
// the final sample in the real array.
func UnzipZero[T Float](in []T, out *Split[T], log2 int) {
	inLength := len(in)

	fftSize := 1 << log2
	if inLength > fftSize {
		inLength = fftSize
	}

	var oddSample T
	if inLength > 0 {
		oddSample = in[inLength-1]
	}

	Unzip(in, out, inLength>>1)

	if fftSize > inLength {
		end1 := inLength >> 1
		end2 := fftSize >> 1

		if inLength&1 != 0 {
			out.Re[end1] = oddSample
		} else {
			out.Re[end1] = 0
		}
		out.Im[end1] = 0

		for i := end1 + 1; i < end2; i++ {
			out.Re[i] = 0
			out.Im[i] = 0
		}
	}
}
