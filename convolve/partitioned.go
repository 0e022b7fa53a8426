package convolve

import (
	"math/rand/v2"

	"github.com/MeKo-Christian/algo-convolve/fft"
	"github.com/MeKo-Christian/algo-convolve/internal/vec"
)

// The minimum size keeps at least a handful of bins per partition for
// the unrolled complex MAC; the maximum is conservative.
const (
	minFFTSizeLog2 = 5
	maxFFTSizeLog2 = 20
)

// Partitioned convolves a stream against an impulse response using
// uniformly partitioned overlap-save convolution at a fixed FFT size.
//
// The impulse is cut into partitions of half the FFT size, each stored
// as a forward real FFT. A circular history of input spectra pairs
// with them, and the per-partition complex multiply-accumulates are
// metered across the samples of each hop so the work between two
// transforms is spread evenly rather than clumping on hop boundaries.
type Partitioned struct {
	offset           int
	length           int
	maxImpulseLength int

	setup *fft.Setup[float32]

	maxFFTSizeLog2 int
	fftSizeLog2    int
	rwCounter      int

	// Scheduling state. inputPosition indexes the history slot the
	// next input spectrum lands in and walks backwards, so traversal
	// from it reads newest to oldest.
	inputPosition   int
	partitionsDone  int
	lastPartition   int
	numPartitions   int
	validPartitions int

	// fftBuffers[0] and [1] are the double-buffered input rings
	// (offset by half an FFT against each other), [2] is transform
	// scratch and [3] is the output ring.
	fftBuffers [4][]float32

	impulseBuffer fft.Split[float32]
	inputBuffer   fft.Split[float32]
	accumBuffer   fft.Split[float32]
	partitionTemp []float32

	resetOffset int
	resetFlag   bool

	rng *rand.Rand
}

// NewPartitioned creates a partitioned convolver able to hold
// maxLength impulse samples at FFT sizes up to maxFFTSize. The
// convolver is restricted to the impulse slice starting at offset and
// at most length samples long; a zero length means the rest of the
// impulse.
func NewPartitioned(maxFFTSize, maxLength, offset, length int) (*Partitioned, error) {
	maxLog2, exact := log2Of(maxFFTSize)

	switch {
	case !exact:
		return nil, ErrFFTSizeMaxNonPowerOfTwo
	case maxLog2 < minFFTSizeLog2:
		return nil, ErrFFTSizeMaxTooSmall
	case maxLog2 > maxFFTSizeLog2:
		return nil, ErrFFTSizeMaxTooLarge
	}

	halfMax := maxFFTSize >> 1

	// Round the capacity up so the maximum impulse loads whatever the
	// current FFT size.
	if maxLength%halfMax != 0 {
		maxLength = (maxLength/halfMax + 1) * halfMax
	}

	setup, err := fft.NewSetup[float32](maxLog2)
	if err != nil {
		return nil, err
	}

	c := &Partitioned{
		offset:           offset,
		maxImpulseLength: maxLength,
		setup:            setup,
		maxFFTSizeLog2:   maxLog2,
		impulseBuffer:    fft.NewSplit[float32](maxLength),
		inputBuffer:      fft.NewSplit[float32](maxLength),
		accumBuffer:      fft.NewSplit[float32](halfMax),
		partitionTemp:    make([]float32, maxFFTSize),
		resetOffset:      -1,
		resetFlag:        true,
		rng:              rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}

	for i := range c.fftBuffers {
		c.fftBuffers[i] = make([]float32, maxFFTSize)
	}

	if err := c.SetFFTSize(maxFFTSize); err != nil {
		return nil, err
	}

	c.SetLength(length)

	return c, nil
}

// FFTSize returns the current FFT size.
func (c *Partitioned) FFTSize() int {
	return 1 << c.fftSizeLog2
}

// SetFFTSize selects the FFT size used for partitioning. A size that
// is not a power of two is rounded up and reported. Changing size
// discards the loaded impulse until the next Set.
func (c *Partitioned) SetFFTSize(size int) error {
	log2, exact := log2Of(size)

	e := ErrNone

	if log2 < minFFTSizeLog2 || log2 > c.maxFFTSizeLog2 {
		return ErrFFTSizeOutOfRange
	}

	if !exact {
		e = ErrFFTSizeNonPowerOfTwo
	}

	if log2 != c.fftSizeLog2 {
		c.numPartitions = 0
		c.fftSizeLog2 = log2
	}

	return errOrNil(e)
}

// SetLength clamps the impulse slice to at most length samples. Zero
// means unclamped.
func (c *Partitioned) SetLength(length int) error {
	e := ErrNone

	if length > c.maxImpulseLength {
		length = c.maxImpulseLength
		e = ErrPartitionLengthTooLarge
	}

	c.length = length

	return errOrNil(e)
}

// SetOffset selects how many leading impulse samples this convolver
// skips.
func (c *Partitioned) SetOffset(offset int) {
	c.offset = offset
}

// SetResetOffset fixes the read/write phase installed by the next
// reset. A negative offset restores the default of picking a phase
// uniformly at random, which decorrelates the transform work of
// parallel instances.
func (c *Partitioned) SetResetOffset(offset int) {
	c.resetOffset = offset
}

// Set loads the convolver's slice of the impulse response, running
// the forward transforms for every partition, and schedules a reset.
// Impulses beyond the allocated capacity are clipped and reported.
func (c *Partitioned) Set(input []float32) error {
	e := ErrNone

	fftSize := c.FFTSize()
	half := fftSize >> 1

	length := len(input)
	if length <= c.offset {
		length = 0
	} else {
		length -= c.offset
	}

	if c.length > 0 && length > c.length {
		length = c.length
	}

	if length > c.maxImpulseLength {
		length = c.maxImpulseLength
		e = ErrMemAllocTooSmall
	}

	numPartitions := 0

	for position := c.offset; length > 0; position += half {
		numSamples := half
		if length < numSamples {
			numSamples = length
		}
		length -= numSamples

		copy(c.partitionTemp[:numSamples], input[position:position+numSamples])
		vec.Zero(c.partitionTemp[numSamples:fftSize])

		spectrum := c.impulseBuffer.Slice(numPartitions*half, (numPartitions+1)*half)
		c.setup.RealFFT(&spectrum, c.partitionTemp[:fftSize], c.fftSizeLog2)

		numPartitions++
	}

	c.numPartitions = numPartitions
	c.Reset()

	return errOrNil(e)
}

// Reset schedules state clearing on the next call to Process.
func (c *Partitioned) Reset() {
	c.resetFlag = true
}

// Process convolves one block using overlap-save, spreading the
// partition MACs across the block. It reports whether output was
// produced; with no impulse loaded it writes silence (or, when
// accumulating, leaves the output untouched) and returns false.
func (c *Partitioned) Process(in, out []float32, accumulate bool) bool {
	fftSize := c.FFTSize()
	half := fftSize >> 1
	hopMask := half - 1

	if c.numPartitions == 0 {
		if !accumulate {
			vec.Zero(out[:len(in)])
		}

		return false
	}

	rw := c.rwCounter

	// Reset here, on the processing thread, so a loader-side Set can
	// never interleave old and new state into one block.
	if c.resetFlag {
		for i := range c.fftBuffers {
			vec.Zero(c.fftBuffers[i])
		}
		c.accumBuffer.Zero(1 << (c.maxFFTSizeLog2 - 1))

		if c.resetOffset < 0 {
			rw = c.rng.IntN(half)
		} else {
			rw = c.resetOffset % half
		}

		c.inputPosition = 0
		c.partitionsDone = 0
		c.lastPartition = 0
		c.validPartitions = 1

		c.resetFlag = false
	}

	pos := 0
	samplesRemaining := len(in)

	for samplesRemaining > 0 {
		// Stop at the next hop boundary, where a transform is due.
		tillNextFFT := half - (rw & hopMask)
		loopSize := samplesRemaining
		if loopSize > tillNextFFT {
			loopSize = tillNextFFT
		}
		hiCounter := (rw + half) & (fftSize - 1)

		// The input lands in both ring copies, half an FFT apart, so a
		// full window is always contiguous in one of them.
		copy(c.fftBuffers[0][rw:rw+loopSize], in[pos:pos+loopSize])
		copy(c.fftBuffers[1][hiCounter:hiCounter+loopSize], in[pos:pos+loopSize])

		if accumulate {
			vec.Add(out[pos:pos+loopSize], c.fftBuffers[3][rw:rw+loopSize])
		} else {
			copy(out[pos:pos+loopSize], c.fftBuffers[3][rw:rw+loopSize])
		}

		samplesRemaining -= loopSize
		rw += loopSize
		pos += loopSize

		fftCounter := rw & hopMask
		fftNow := fftCounter == 0

		// Meter the partition MACs by the position within the hop.
		// Partition zero is excluded; it needs this hop's transform
		// and is handled below.
		var partitionsToDo int
		if fftNow {
			partitionsToDo = c.validPartitions - c.partitionsDone - 1
		} else {
			partitionsToDo = (c.validPartitions-1)*fftCounter/half - c.partitionsDone
		}

		for partitionsToDo > 0 {
			// One scheduling round may wrap the partition cursor once.
			nextPartition := c.lastPartition
			if nextPartition >= c.numPartitions {
				nextPartition = 0
			}

			c.lastPartition = nextPartition + partitionsToDo
			if c.lastPartition > c.numPartitions {
				c.lastPartition = c.numPartitions
			}
			partitionsToDo -= c.lastPartition - nextPartition

			irOffset := (c.partitionsDone + 1) * half
			inOffset := nextPartition * half

			for i := nextPartition; i < c.lastPartition; i++ {
				processPartition(
					c.inputBuffer.Slice(inOffset, inOffset+half),
					c.impulseBuffer.Slice(irOffset, irOffset+half),
					c.accumBuffer,
					half,
				)

				irOffset += half
				inOffset += half
				c.partitionsDone++
			}
		}

		if fftNow {
			// Transform the ring copy whose window just filled, MAC
			// with partition zero, then inverse transform, scale and
			// store for overlap-save.
			fftInput := c.fftBuffers[0]
			if rw == fftSize {
				fftInput = c.fftBuffers[1]
			}

			inSpectrum := c.inputBuffer.Slice(c.inputPosition*half, (c.inputPosition+1)*half)
			c.setup.RealFFT(&inSpectrum, fftInput[:fftSize], c.fftSizeLog2)
			processPartition(inSpectrum, c.impulseBuffer.Slice(0, half), c.accumBuffer, half)

			accum := c.accumBuffer.Slice(0, half)
			c.setup.RealIFFT(c.fftBuffers[2][:fftSize], &accum, c.fftSizeLog2)
			scaleStore(c.fftBuffers[3], c.fftBuffers[2], fftSize, rw != fftSize)

			vec.Zero(c.accumBuffer.Re[:half])
			vec.Zero(c.accumBuffer.Im[:half])

			rw &= fftSize - 1

			c.validPartitions = c.validPartitions + 1
			if c.validPartitions > c.numPartitions {
				c.validPartitions = c.numPartitions
			}

			if c.inputPosition == 0 {
				c.inputPosition = c.numPartitions - 1
			} else {
				c.inputPosition--
			}

			c.lastPartition = c.inputPosition + 1
			c.partitionsDone = 0
		}
	}

	c.rwCounter = rw

	return true
}

// processPartition accumulates the complex product of an input
// spectrum and an impulse spectrum. The Nyquist values packed into
// Im[0] are multiplied separately, with the slots zeroed around the
// bulk MAC so DC stays a pure product.
func processPartition(in1, in2, out fft.Split[float32], numBins int) {
	nyquist1 := in1.Im[0]
	nyquist2 := in2.Im[0]

	out.Im[0] += nyquist1 * nyquist2

	in1.Im[0] = 0
	in2.Im[0] = 0

	vec.ComplexMAC(out.Re[:numBins], out.Im[:numBins], in1.Re[:numBins], in1.Im[:numBins], in2.Re[:numBins], in2.Im[:numBins])

	in1.Im[0] = nyquist1
	in2.Im[0] = nyquist2
}

// scaleStore writes the retained half of an inverse transform into
// the output ring, undoing the kernel's 4*N round-trip scaling. The
// second half of the ring is used except on the wrap block.
func scaleStore(out, temp []float32, fftSize int, offset bool) {
	half := fftSize >> 1

	dst := out[:half]
	if offset {
		dst = out[half : half+half]
	}

	vec.Scale(dst, temp[:half], 1/float32(fftSize<<2))
}

// log2Of returns ceil(log2(value)) and whether value was an exact
// power of two.
func log2Of(value int) (int, bool) {
	if value <= 0 {
		return 0, false
	}

	bits := 0
	for v := value; v > 0; v >>= 1 {
		bits++
	}

	if value == 1<<(bits-1) {
		return bits - 1, true
	}

	return bits, false
}
