// Package irload reads impulse responses from audio files and
// conforms them to an engine sample rate.
package irload

import (
	"errors"
	"fmt"
	"math"

	"scientificgo.org/fft"

	"github.com/MeKo-Christian/algo-convolve/audiofile"
)

// ErrNoChannel is returned when the requested channel does not exist.
var ErrNoChannel = errors.New("irload: channel out of range")

// Load reads one channel of the impulse response at path, resampling
// it to targetRate when the file rate differs. A negative channel
// averages all channels. It returns the samples and the rate of the
// returned data.
func Load(path string, channel int, targetRate float64) ([]float32, float64, error) {
	file, err := audiofile.Open(path)
	if err != nil {
		return nil, 0, err
	}

	if channel >= file.NumChannels {
		return nil, 0, fmt.Errorf("%w: %d of %d", ErrNoChannel, channel, file.NumChannels)
	}

	ir := make([]float64, file.NumFrames)

	if channel >= 0 {
		if err := file.ReadChannelFloat64(ir, channel, 0, file.NumFrames); err != nil {
			return nil, 0, err
		}
	} else {
		interleaved := make([]float64, file.NumFrames*file.NumChannels)
		if err := file.ReadFloat64(interleaved, 0, file.NumFrames); err != nil {
			return nil, 0, err
		}

		scale := 1 / float64(file.NumChannels)
		for i := range ir {
			sum := 0.0
			for ch := 0; ch < file.NumChannels; ch++ {
				sum += interleaved[i*file.NumChannels+ch]
			}
			ir[i] = sum * scale
		}
	}

	rate := file.SampleRate

	if targetRate > 0 && math.Abs(rate-targetRate) > 0.5 {
		ir = Resample(ir, rate, targetRate)
		rate = targetRate
	}

	out := make([]float32, len(ir))
	for i, v := range ir {
		out[i] = float32(v)
	}

	return out, rate, nil
}

// Resample converts in from fromRate to toRate by truncating or zero
// padding its spectrum. Frequency-domain resampling suits impulse
// responses: the signal is short, processed once, and band limiting
// falls out of the truncation.
func Resample(in []float64, fromRate, toRate float64) []float64 {
	n := len(in)
	if n == 0 || fromRate == toRate {
		return in
	}

	m := int(math.Round(float64(n) * toRate / fromRate))
	if m < 1 {
		m = 1
	}

	src := make([]complex128, n)
	for i, v := range in {
		src[i] = complex(v, 0)
	}

	spectrum := fft.Fft(src, false)

	resized := make([]complex128, m)

	keep := n
	if m < keep {
		keep = m
	}

	for k := 0; k <= keep/2; k++ {
		resized[k] = spectrum[k]
	}

	for k := 1; k < (keep+1)/2; k++ {
		resized[m-k] = spectrum[n-k]
	}

	result := fft.Fft(resized, true)

	scale := float64(m) / float64(n)

	out := make([]float64, m)
	for i := range out {
		out[i] = real(result[i]) * scale
	}

	return out
}
