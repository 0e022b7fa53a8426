package convolve

import "github.com/MeKo-Christian/algo-convolve/internal/vec"

// Time-domain convolution cost grows linearly with impulse length, so
// the direct convolver is capped well below the point where the
// partitioned path wins.
const (
	maxTimeImpulse = 2048
	timeChunk      = 4096
)

// TimeDomain performs direct convolution with a short impulse slice.
// It serves as the head of a zero-latency convolver stack, producing
// the output samples that depend on the current input block before
// any FFT hop has completed.
type TimeDomain struct {
	offset int
	length int

	// impulse holds the slice in reversed order so the inner loop is
	// a contiguous dot product.
	impulse       []float32
	impulseLength int

	// history keeps the trailing impulseLength-1 input samples between
	// blocks; work stages history plus the current chunk contiguously.
	history []float32
	work    []float32

	resetFlag bool
}

// NewTimeDomain creates a direct convolver for the impulse slice
// starting at offset with at most length samples. A zero length
// leaves the slice unclamped (up to the fixed maximum).
func NewTimeDomain(offset, length int) (*TimeDomain, error) {
	if offset < 0 || length < 0 || length > maxTimeImpulse {
		return nil, ErrTimeLengthOutOfRange
	}

	return &TimeDomain{
		offset:    offset,
		length:    length,
		impulse:   make([]float32, maxTimeImpulse),
		history:   make([]float32, maxTimeImpulse-1),
		work:      make([]float32, maxTimeImpulse-1+timeChunk),
		resetFlag: true,
	}, nil
}

// Set installs the convolver's slice of the impulse response and
// schedules a reset. Impulses longer than the fixed maximum are
// clipped and reported.
func (c *TimeDomain) Set(input []float32) error {
	e := ErrNone

	length := len(input)
	if length <= c.offset {
		length = 0
	} else {
		length -= c.offset
	}

	if c.length > 0 && length > c.length {
		length = c.length
	}

	if length > maxTimeImpulse {
		length = maxTimeImpulse
		e = ErrTimeImpulseTooLong
	}

	for i := 0; i < length; i++ {
		c.impulse[i] = input[c.offset+length-1-i]
	}

	c.impulseLength = length
	c.Reset()

	return errOrNil(e)
}

// Reset schedules the input history to be cleared on the next call to
// Process.
func (c *TimeDomain) Reset() {
	c.resetFlag = true
}

// Process convolves the input block with the installed impulse slice.
// It reports whether any output was produced; with no impulse loaded
// it writes silence (or, when accumulating, leaves the output
// untouched) and returns false.
func (c *TimeDomain) Process(in, out []float32, accumulate bool) bool {
	if c.impulseLength == 0 {
		if !accumulate {
			vec.Zero(out[:len(in)])
		}

		return false
	}

	if c.resetFlag {
		vec.Zero(c.history)
		c.resetFlag = false
	}

	hist := c.impulseLength - 1

	for pos := 0; pos < len(in); pos += timeChunk {
		n := len(in) - pos
		if n > timeChunk {
			n = timeChunk
		}

		copy(c.work[:hist], c.history[:hist])
		copy(c.work[hist:], in[pos:pos+n])

		h := c.impulse[:c.impulseLength]

		if accumulate {
			for s := 0; s < n; s++ {
				out[pos+s] += vec.Dot(c.work[s:], h)
			}
		} else {
			for s := 0; s < n; s++ {
				out[pos+s] = vec.Dot(c.work[s:], h)
			}
		}

		copy(c.history[:hist], c.work[n:hist+n])
	}

	return true
}
