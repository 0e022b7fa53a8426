package convolve

import (
	"math/rand/v2"

	"github.com/MeKo-Christian/algo-convolve/internal/vec"
)

// LatencyMode selects a preset FFT size stack for a Mono convolver.
type LatencyMode int

const (
	// LatencyZero includes a time-domain head so the first output
	// sample depends only on the current input sample.
	LatencyZero LatencyMode = iota

	// LatencyShort runs the same partition stack without the head.
	LatencyShort

	// LatencyMedium starts partitioning at a larger size, trading
	// latency for throughput.
	LatencyMedium
)

// Mono is a hybrid monophonic convolver. It glues an optional
// time-domain head to up to four partitioned convolvers at strictly
// increasing FFT sizes, arranged so their partitions tile the impulse
// response contiguously in time.
//
// A Mono convolver is driven from exactly one processing goroutine;
// loading and resizing happen on a separate, non-realtime goroutine.
// The processing side never blocks: if the large partition bank is
// being replaced it emits silence for the block instead.
type Mono struct {
	allocator AllocFunc[Partitioned]

	sizes []int

	time  *TimeDomain
	part1 *Partitioned
	part2 *Partitioned
	part3 *Partitioned
	part4 MemorySwap[Partitioned]

	length int

	resetOffset int
	resetFlag   bool

	// flags accumulates one bit per error code raised by loader-side
	// operations, for hosts that poll rather than check every call.
	flags uint32

	rng *rand.Rand
}

// Flags returns the accumulated diagnostic bits. Bit n corresponds to
// the error with code n.
func (m *Mono) Flags() uint32 {
	return m.flags
}

// ClearFlags resets the accumulated diagnostic bits.
func (m *Mono) ClearFlags() {
	m.flags = 0
}

// note records an error in the diagnostic bitmask and passes it
// through.
func (m *Mono) note(err error) error {
	if e, ok := err.(Error); ok && e != ErrNone {
		m.flags |= 1 << uint(e.Code())
	}

	return err
}

// NewMono creates a convolver for impulse responses up to maxLength
// samples using one of the preset latency modes.
func NewMono(maxLength int, mode LatencyMode) (*Mono, error) {
	switch mode {
	case LatencyZero:
		return NewMonoSizes(maxLength, true, 256, 1024, 4096, 16384)
	case LatencyShort:
		return NewMonoSizes(maxLength, false, 256, 1024, 4096, 16384)
	default:
		return NewMonoSizes(maxLength, false, 1024, 4096, 16384)
	}
}

// NewMonoSizes creates a convolver with an explicit FFT size stack.
// Between one and four sizes are accepted; each must be a power of
// two within [2^5, 2^20] and strictly larger than its predecessor.
func NewMonoSizes(maxLength int, zeroLatency bool, sizes ...int) (*Mono, error) {
	if len(sizes) == 0 || len(sizes) > 4 {
		return nil, ErrFFTSizeOutOfRange
	}

	prev := 0
	for _, size := range sizes {
		log2, exact := log2Of(size)

		if !exact {
			return nil, ErrFFTSizeNonPowerOfTwo
		}

		if log2 < minFFTSizeLog2 || log2 > maxFFTSizeLog2 || size <= prev {
			return nil, ErrFFTSizeOutOfRange
		}

		prev = size
	}

	m := &Mono{
		sizes: append([]int(nil), sizes...),
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}

	if err := m.setPartitions(maxLength, zeroLatency); err != nil {
		return nil, err
	}

	return m, nil
}

// setPartitions builds the sub-convolvers so that each covers the
// impulse segment between its own FFT size and the next one's.
func (m *Mono) setPartitions(maxLength int, zeroLatency bool) error {
	numSizes := len(m.sizes)

	offset := 0
	if zeroLatency {
		offset = m.sizes[0] >> 1
	}

	largestSize := m.sizes[numSizes-1]

	createPart := func(size, next int) (*Partitioned, error) {
		span := (next - size) >> 1

		part, err := NewPartitioned(size, span, offset, span)
		if err != nil {
			return nil, err
		}

		offset += span

		return part, nil
	}

	var err error

	if zeroLatency {
		if m.time, err = NewTimeDomain(0, m.sizes[0]>>1); err != nil {
			return err
		}
	}

	if numSizes == 4 {
		if m.part1, err = createPart(m.sizes[0], m.sizes[1]); err != nil {
			return err
		}
	}

	if numSizes > 2 {
		if m.part2, err = createPart(m.sizes[numSizes-3], m.sizes[numSizes-2]); err != nil {
			return err
		}
	}

	if numSizes > 1 {
		if m.part3, err = createPart(m.sizes[numSizes-2], m.sizes[numSizes-1]); err != nil {
			return err
		}
	}

	// The tail convolver is resizeable, so it lives behind the swap
	// cell and always covers from the accumulated offset onwards.
	tailOffset := offset

	m.allocator = func(size int) *Partitioned {
		if size < largestSize {
			size = largestSize
		}

		part, err := NewPartitioned(largestSize, size-tailOffset, tailOffset, 0)
		if err != nil {
			return nil
		}

		return part
	}

	part4 := m.part4.Equal(m.allocator, nil, maxLength)
	m.applyResetOffset(&part4, -1)
	part4.Release()

	return nil
}

// SetResetOffset fixes the phase installed on the sub-convolvers by
// the next reset. A negative offset picks one at random. Each
// partitioned stage is staggered an extra eighth of a size so their
// transform hops never land on the same block.
func (m *Mono) SetResetOffset(offset int) {
	part4 := m.part4.Access()
	defer part4.Release()

	m.applyResetOffset(&part4, offset)
}

func (m *Mono) applyResetOffset(part4 *Handle[Partitioned], offset int) {
	numSizes := len(m.sizes)

	if offset < 0 {
		offset = m.rng.IntN(m.sizes[numSizes-1] >> 1)
	}

	if m.part1 != nil {
		m.part1.SetResetOffset(offset + m.sizes[numSizes-4]>>3)
	}

	if m.part2 != nil {
		m.part2.SetResetOffset(offset + m.sizes[numSizes-3]>>3)
	}

	if m.part3 != nil {
		m.part3.SetResetOffset(offset + m.sizes[numSizes-2]>>3)
	}

	if p := part4.Get(); p != nil {
		p.SetResetOffset(offset + m.sizes[numSizes-1]>>3)
	}

	m.resetOffset = offset
}

// Resize reallocates the tail partition bank for an impulse of the
// given length, dropping the installed impulse. The old bank is only
// released once no processing block can reference it.
func (m *Mono) Resize(length int) error {
	m.length = 0

	part4 := m.part4.Equal(m.allocator, nil, length)
	defer part4.Release()

	if p := part4.Get(); p != nil {
		p.SetResetOffset(m.resetOffset)
	}

	if part4.Size() != length {
		return m.note(ErrMemUnavailable)
	}

	return nil
}

// Set installs an impulse response, distributing its slices to the
// head and each partitioned stage, and schedules a reset so the
// processing thread never mixes old and new spectra. With
// requestResize the tail bank is reallocated to fit first.
func (m *Mono) Set(input []float32, requestResize bool) error {
	length := len(input)

	// Lock (or resize) first so in-flight processing finishes before
	// anything is replaced.
	m.length = 0

	var part4 Handle[Partitioned]
	if requestResize {
		part4 = m.part4.Equal(m.allocator, nil, length)
	} else {
		part4 = m.part4.Access()
	}
	defer part4.Release()

	if p := part4.Get(); p != nil {
		if m.time != nil {
			m.time.Set(input)
		}
		if m.part1 != nil {
			m.part1.Set(input)
		}
		if m.part2 != nil {
			m.part2.Set(input)
		}
		if m.part3 != nil {
			m.part3.Set(input)
		}
		p.Set(input)

		p.SetResetOffset(m.resetOffset)

		m.length = length
		m.Reset()
	}

	switch {
	case length > 0 && part4.Get() == nil:
		return m.note(ErrMemUnavailable)
	case length > part4.Size():
		return m.note(ErrMemAllocTooSmall)
	default:
		return nil
	}
}

// SetDouble installs a float64 impulse response.
func (m *Mono) SetDouble(input []float64, requestResize bool) error {
	converted := make([]float32, len(input))
	for i, v := range input {
		converted[i] = float32(v)
	}

	return m.Set(converted, requestResize)
}

// Reset schedules all sub-convolver state to be cleared on the next
// processed block.
func (m *Mono) Reset() error {
	m.resetFlag = true
	return nil
}

// Length returns the installed impulse length in samples.
func (m *Mono) Length() int {
	return m.length
}

// Process convolves one block of input. temp must be at least as long
// as the block; the sub-convolver outputs are summed through it into
// out. When the tail bank cannot be pinned without blocking, the
// block is silence: out is zeroed unless accumulate is set.
func (m *Mono) Process(in, temp, out []float32, accumulate bool) {
	n := len(in)

	part4 := m.part4.Attempt()
	defer part4.Release()

	if m.length == 0 || m.length > part4.Size() {
		if !accumulate {
			vec.Zero(out[:n])
		}

		return
	}

	if m.resetFlag {
		if m.time != nil {
			m.time.Reset()
		}
		if m.part1 != nil {
			m.part1.Reset()
		}
		if m.part2 != nil {
			m.part2.Reset()
		}
		if m.part3 != nil {
			m.part3.Reset()
		}
		if p := part4.Get(); p != nil {
			p.Reset()
		}

		m.resetFlag = false
	}

	prior := accumulate

	if m.time != nil {
		processAndSum(m.time, in, temp[:n], out[:n], prior)
		prior = true
	}

	if m.part1 != nil {
		processAndSum(m.part1, in, temp[:n], out[:n], prior)
		prior = true
	}

	if m.part2 != nil {
		processAndSum(m.part2, in, temp[:n], out[:n], prior)
		prior = true
	}

	if m.part3 != nil {
		processAndSum(m.part3, in, temp[:n], out[:n], prior)
		prior = true
	}

	if p := part4.Get(); p != nil {
		processAndSum(p, in, temp[:n], out[:n], prior)
	}
}

// processor is the shared surface of the head and the partitioned
// stages.
type processor interface {
	Process(in, out []float32, accumulate bool) bool
	Reset()
}

// processAndSum runs one sub-convolver. The first producer writes the
// output directly; later ones write temp, which is then added in.
func processAndSum(p processor, in, temp, out []float32, accumulate bool) {
	dst := out
	if accumulate {
		dst = temp
	}

	if p.Process(in, dst, false) && accumulate {
		vec.Add(out, temp)
	}
}
