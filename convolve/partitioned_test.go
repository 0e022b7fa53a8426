package convolve

import (
	"errors"
	"math/rand/v2"
	"testing"
)

func processBlocks(t *testing.T, c *Partitioned, input []float32, block int) []float32 {
	t.Helper()

	out := make([]float32, len(input))

	for pos := 0; pos < len(input); pos += block {
		n := len(input) - pos
		if n > block {
			n = block
		}

		c.Process(input[pos:pos+n], out[pos:pos+n], false)
	}

	return out
}

func TestPartitionedConstructorErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		maxFFT  int
		wantErr Error
	}{
		{"non power of two", 48, ErrFFTSizeMaxNonPowerOfTwo},
		{"too small", 16, ErrFFTSizeMaxTooSmall},
		{"too large", 1 << 21, ErrFFTSizeMaxTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := NewPartitioned(tt.maxFFT, 1024, 0, 0); !errors.Is(err, tt.wantErr) {
				t.Errorf("NewPartitioned(%d): got %v, want %v", tt.maxFFT, err, tt.wantErr)
			}
		})
	}
}

func TestPartitionedSetFFTSize(t *testing.T) {
	t.Parallel()

	c, err := NewPartitioned(256, 1024, 0, 0)
	if err != nil {
		t.Fatalf("NewPartitioned: %v", err)
	}

	if err := c.SetFFTSize(16); !errors.Is(err, ErrFFTSizeOutOfRange) {
		t.Errorf("SetFFTSize(16): got %v", err)
	}

	if err := c.SetFFTSize(512); !errors.Is(err, ErrFFTSizeOutOfRange) {
		t.Errorf("SetFFTSize(512): got %v", err)
	}

	// A non power of two rounds up and reports it.
	if err := c.SetFFTSize(48); !errors.Is(err, ErrFFTSizeNonPowerOfTwo) {
		t.Errorf("SetFFTSize(48): got %v", err)
	}

	if c.FFTSize() != 64 {
		t.Errorf("FFTSize() = %d, want 64", c.FFTSize())
	}

	if err := c.SetFFTSize(128); err != nil {
		t.Errorf("SetFFTSize(128): %v", err)
	}
}

func TestPartitionedSetErrors(t *testing.T) {
	t.Parallel()

	c, err := NewPartitioned(64, 100, 0, 0)
	if err != nil {
		t.Fatalf("NewPartitioned: %v", err)
	}

	// Capacity was rounded up to a whole number of partitions.
	if err := c.SetLength(1 << 20); !errors.Is(err, ErrPartitionLengthTooLarge) {
		t.Errorf("SetLength: got %v", err)
	}

	c.SetLength(0)

	long := make([]float32, 1000)
	long[0] = 1

	if err := c.Set(long); !errors.Is(err, ErrMemAllocTooSmall) {
		t.Errorf("Set oversized: got %v", err)
	}

	// The clipped impulse is still installed and convolves.
	in := make([]float32, 64)
	in[0] = 1

	out := make([]float32, 64)
	if !c.Process(in, out, false) {
		t.Error("Process reported no output after clipped Set")
	}
}

func TestPartitionedNoImpulse(t *testing.T) {
	t.Parallel()

	c, err := NewPartitioned(64, 256, 0, 0)
	if err != nil {
		t.Fatalf("NewPartitioned: %v", err)
	}

	out := []float32{7, 7, 7, 7}
	if c.Process([]float32{1, 2, 3, 4}, out, false) {
		t.Error("Process reported output with no impulse")
	}

	for i, v := range out {
		if v != 0 {
			t.Fatalf("sample %d not silenced: %g", i, v)
		}
	}

	// With accumulate set, the output is left untouched.
	out = []float32{7, 7, 7, 7}
	c.Process([]float32{1, 2, 3, 4}, out, true)

	for i, v := range out {
		if v != 7 {
			t.Fatalf("sample %d modified while accumulating: %g", i, v)
		}
	}
}

// checkShifted compares convolver output against a reference delayed
// by one hop: a standalone partitioned convolver emits its result
// half an FFT late, which is exactly the offset the hybrid stack
// hands each stage.
func checkShifted(t *testing.T, label string, got, want []float32, hop int, tol float32) {
	t.Helper()

	for i := range got {
		ref := float32(0)
		if i >= hop {
			ref = want[i-hop]
		}

		if diff := got[i] - ref; diff > tol || diff < -tol {
			t.Fatalf("%s sample %d: got %g, want %g", label, i, got[i], ref)
		}
	}
}

func TestPartitionedMatchesReference(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(31, 32))

	ir := randomSignal(rng, 80)
	input := randomSignal(rng, 400)
	want := directConvolve(input, ir)

	for _, block := range []int{1, 31, 32, 33, 64, 400} {
		c, err := NewPartitioned(64, 128, 0, 0)
		if err != nil {
			t.Fatalf("NewPartitioned: %v", err)
		}

		if err := c.Set(ir); err != nil {
			t.Fatalf("Set: %v", err)
		}

		out := processBlocks(t, c, input, block)

		checkShifted(t, "block run", out, want, 32, 1e-4)
	}
}

func TestPartitionedPhaseIndependence(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(33, 34))

	ir := randomSignal(rng, 200)
	input := randomSignal(rng, 600)

	outputs := make([][]float32, 0, 4)

	for _, offset := range []int{0, 7, 16, 31} {
		c, err := NewPartitioned(64, 256, 0, 0)
		if err != nil {
			t.Fatalf("NewPartitioned: %v", err)
		}

		c.SetResetOffset(offset)

		if err := c.Set(ir); err != nil {
			t.Fatalf("Set: %v", err)
		}

		outputs = append(outputs, processBlocks(t, c, input, 64))
	}

	// The reset phase shifts when transforms happen, never what the
	// block produces.
	for i := 1; i < len(outputs); i++ {
		for n := range outputs[0] {
			if diff := outputs[i][n] - outputs[0][n]; diff > 1e-4 || diff < -1e-4 {
				t.Fatalf("offset run %d sample %d: got %g, want %g", i, n, outputs[i][n], outputs[0][n])
			}
		}
	}
}

func TestPartitionedRandomResetOffset(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(35, 36))

	ir := randomSignal(rng, 100)
	input := randomSignal(rng, 500)

	reference := directConvolve(input, ir)

	// Many resets with random phases all convolve identically.
	c, err := NewPartitioned(64, 128, 0, 0)
	if err != nil {
		t.Fatalf("NewPartitioned: %v", err)
	}

	c.SetResetOffset(-1)

	if err := c.Set(ir); err != nil {
		t.Fatalf("Set: %v", err)
	}

	for trial := 0; trial < 20; trial++ {
		c.Reset()

		out := processBlocks(t, c, input, 128)

		checkShifted(t, "random phase", out, reference, 32, 1e-4)
	}
}

// TestPartitionedResetPhaseDistribution checks that random reset
// phases spread uniformly across the hop, which is what decorrelates
// the transform cost of parallel instances.
func TestPartitionedResetPhaseDistribution(t *testing.T) {
	t.Parallel()

	const half = 32

	c, err := NewPartitioned(2*half, half, 0, 0)
	if err != nil {
		t.Fatalf("NewPartitioned: %v", err)
	}

	c.SetResetOffset(-1)

	ir := make([]float32, half)
	ir[0] = 1

	if err := c.Set(ir); err != nil {
		t.Fatalf("Set: %v", err)
	}

	in := make([]float32, 1)
	out := make([]float32, 1)

	const trials = 1000

	counts := make([]int, half)

	for i := 0; i < trials; i++ {
		c.Reset()
		c.Process(in, out, false)

		phase := (c.rwCounter - 1 + 2*half) % half
		counts[phase]++
	}

	expected := float64(trials) / half

	chi2 := 0.0
	for _, n := range counts {
		d := float64(n) - expected
		chi2 += d * d / expected
	}

	// 99.9% quantile of chi-squared with 31 degrees of freedom.
	if chi2 > 61.1 {
		t.Fatalf("phase distribution chi-squared = %.1f, counts %v", chi2, counts)
	}
}

func TestPartitionedAccumulate(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(37, 38))

	ir := randomSignal(rng, 60)
	input := randomSignal(rng, 256)

	c, err := NewPartitioned(64, 64, 0, 0)
	if err != nil {
		t.Fatalf("NewPartitioned: %v", err)
	}

	c.SetResetOffset(0)

	if err := c.Set(ir); err != nil {
		t.Fatalf("Set: %v", err)
	}

	plain := processBlocks(t, c, input, 64)

	c.Reset()

	bias := float32(2.5)
	accumulated := make([]float32, len(input))
	for i := range accumulated {
		accumulated[i] = bias
	}

	for pos := 0; pos < len(input); pos += 64 {
		c.Process(input[pos:pos+64], accumulated[pos:pos+64], true)
	}

	for i := range plain {
		want := plain[i] + bias
		if diff := accumulated[i] - want; diff > 1e-5 || diff < -1e-5 {
			t.Fatalf("sample %d: got %g, want %g", i, accumulated[i], want)
		}
	}
}

// TestPartitionedScheduling drives the convolver one sample at a time
// and checks the metered partition work against the scheduling
// formula: within a hop, after j samples, floor((valid-1)*j/hop)
// partitions are done, and a hop ends with all but partition zero
// complete.
func TestPartitionedScheduling(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(39, 40))

	const fftSize = 64
	const half = fftSize / 2

	ir := randomSignal(rng, half*6) // six partitions
	input := randomSignal(rng, fftSize*10)

	c, err := NewPartitioned(fftSize, half*6, 0, 0)
	if err != nil {
		t.Fatalf("NewPartitioned: %v", err)
	}

	c.SetResetOffset(0)

	if err := c.Set(ir); err != nil {
		t.Fatalf("Set: %v", err)
	}

	out := make([]float32, 1)

	// Warm up until the history is fully valid.
	warm := half * 8
	for i := 0; i < warm; i++ {
		c.Process(input[i:i+1], out, false)
	}

	if c.validPartitions != c.numPartitions {
		t.Fatalf("validPartitions = %d, want %d", c.validPartitions, c.numPartitions)
	}

	// rw is hop-aligned after the warm-up; follow one full hop.
	for j := 1; j <= half; j++ {
		c.Process(input[warm+j-1:warm+j], out, false)

		if j == half {
			// The transform just ran; the counter is back at zero.
			if c.partitionsDone != 0 {
				t.Fatalf("after hop: partitionsDone = %d, want 0", c.partitionsDone)
			}

			continue
		}

		want := (c.validPartitions - 1) * j / half
		if c.partitionsDone != want {
			t.Fatalf("after %d samples: partitionsDone = %d, want %d", j, c.partitionsDone, want)
		}
	}
}

func TestPartitionedHotReload(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(41, 42))

	irA := randomSignal(rng, 100)
	irB := randomSignal(rng, 100)
	pre := randomSignal(rng, 512)
	post := randomSignal(rng, 512)

	c, err := NewPartitioned(64, 128, 0, 0)
	if err != nil {
		t.Fatalf("NewPartitioned: %v", err)
	}

	c.SetResetOffset(0)

	if err := c.Set(irA); err != nil {
		t.Fatalf("Set A: %v", err)
	}

	processBlocks(t, c, pre, 64)

	// Reload mid-stream. The reset clears history, so what follows is
	// the B-only convolution of the post-reload input.
	if err := c.Set(irB); err != nil {
		t.Fatalf("Set B: %v", err)
	}

	got := processBlocks(t, c, post, 64)
	want := directConvolve(post, irB)

	checkShifted(t, "after reload", got, want, 32, 1e-4)
}

func TestPartitionedOffsetSlice(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(43, 44))

	ir := randomSignal(rng, 96)
	input := randomSignal(rng, 400)

	// Convolver restricted to ir[32:64).
	c, err := NewPartitioned(64, 64, 32, 32)
	if err != nil {
		t.Fatalf("NewPartitioned: %v", err)
	}

	if err := c.Set(ir); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got := processBlocks(t, c, input, 64)
	want := directConvolve(input, ir[32:64])

	checkShifted(t, "sliced impulse", got, want, 32, 1e-4)
}
