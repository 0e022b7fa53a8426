package vec

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// Features describes the SIMD capabilities of the host CPU.
type Features struct {
	HasSSE2   bool
	HasAVX    bool
	HasAVX2   bool
	HasAVX512 bool
	HasNEON   bool

	Architecture string
}

// Detect performs CPU feature detection for the running process.
func Detect() Features {
	return Features{
		HasSSE2:      cpu.X86.HasSSE2,
		HasAVX:       cpu.X86.HasAVX,
		HasAVX2:      cpu.X86.HasAVX2,
		HasAVX512:    cpu.X86.HasAVX512F,
		HasNEON:      cpu.ARM64.HasASIMD || runtime.GOARCH == "arm64",
		Architecture: runtime.GOARCH,
	}
}

var detected = Detect()

// Width reports the widest hardware lane count for the sample type T.
// It is 16, 8, 4, 2 or 1 and bounds the per-pass lane blocking in the
// FFT. The kernels themselves are portable Go; the width controls how
// much independent work each loop iteration exposes to the compiler
// and hardware.
func Width[T Float]() int {
	bytes := 1
	switch {
	case detected.HasAVX512:
		bytes = 64
	case detected.HasAVX, detected.HasAVX2:
		bytes = 32
	case detected.HasSSE2, detected.HasNEON:
		bytes = 16
	}

	lanes := bytes / int(unsafe.Sizeof(*new(T)))
	if lanes < 1 {
		lanes = 1
	}

	return lanes
}
