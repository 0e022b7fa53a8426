// Command irinfo inspects impulse response files and optionally
// converts them to WAVE.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/MeKo-Christian/algo-convolve/audiofile"
)

func main() {
	convertTo := flag.String("convert", "", "Write the file as 32-bit float WAVE to this path")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: irinfo [-convert out.wav] <file>")
		os.Exit(1)
	}

	path := flag.Arg(0)

	file, err := audiofile.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	interleaved := make([]float32, file.NumFrames*file.NumChannels)
	if err := file.ReadFloat32(interleaved, 0, file.NumFrames); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	var peak float64
	for _, s := range interleaved {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}

	peakDB := math.Inf(-1)
	if peak > 0 {
		peakDB = 20 * math.Log10(peak)
	}

	encoding := fmt.Sprintf("%d-bit PCM", file.BitsPerSample)
	if file.FloatingPoint {
		encoding = fmt.Sprintf("%d-bit float", file.BitsPerSample)
	}

	fmt.Printf("%s:\n", path)
	fmt.Printf("  format:      %s (%s)\n", file.Format, encoding)
	fmt.Printf("  sample rate: %.0f Hz\n", file.SampleRate)
	fmt.Printf("  channels:    %d\n", file.NumChannels)
	fmt.Printf("  frames:      %d (%.3f s)\n", file.NumFrames, file.Duration())
	fmt.Printf("  peak:        %.1f dBFS\n", peakDB)

	if *convertTo != "" {
		err := audiofile.WriteWaveFile(*convertTo, interleaved, int(file.SampleRate), file.NumChannels, 32, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("  written:     %s\n", *convertTo)
	}
}
