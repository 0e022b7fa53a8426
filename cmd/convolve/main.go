// Command convolve applies an impulse response to audio using the
// zero-latency partitioned convolution engine.
//
// Two modes are supported. Offline mode convolves a WAVE file into a
// WAVE file. Stream mode reads raw little-endian float32 frames from
// stdin and writes the convolved frames to stdout, optionally showing
// level meters in a TUI and a browser monitor.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MeKo-Christian/algo-convolve/audiofile"
	"github.com/MeKo-Christian/algo-convolve/convolve"
	"github.com/MeKo-Christian/algo-convolve/internal/vec"
	"github.com/MeKo-Christian/algo-convolve/irload"
	"github.com/MeKo-Christian/algo-convolve/web"
)

// engine wraps a mono convolver per channel with the bookkeeping the
// monitor surfaces need.
type engine struct {
	convs []*convolve.Mono

	irFile      string
	irLength    int
	sampleRate  float64
	fftSizes    []int
	zeroLatency bool

	mu      sync.RWMutex
	inPeak  float32
	outPeak float32
}

// Meters implements web.EngineMonitor.
func (e *engine) Meters() (in, out float32) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.inPeak, e.outPeak
}

// State implements web.EngineMonitor.
func (e *engine) State() web.EngineState {
	return web.EngineState{
		IRFile:      e.irFile,
		IRLength:    e.irLength,
		SampleRate:  e.sampleRate,
		FFTSizes:    e.fftSizes,
		ZeroLatency: e.zeroLatency,
	}
}

func (e *engine) updateMeters(in, out []float32) {
	peak := func(buf []float32) float32 {
		var p float32
		for _, s := range buf {
			if s < 0 {
				s = -s
			}
			if s > p {
				p = s
			}
		}
		return p
	}

	e.mu.Lock()
	e.inPeak = peak(in)
	e.outPeak = peak(out)
	e.mu.Unlock()
}

func modeFromString(mode string) (convolve.LatencyMode, []int, bool, error) {
	switch strings.ToLower(mode) {
	case "zero":
		return convolve.LatencyZero, []int{256, 1024, 4096, 16384}, true, nil
	case "short":
		return convolve.LatencyShort, []int{256, 1024, 4096, 16384}, false, nil
	case "medium":
		return convolve.LatencyMedium, []int{1024, 4096, 16384}, false, nil
	}

	return 0, nil, false, fmt.Errorf("unknown latency mode %q", mode)
}

func main() {
	irFile := flag.String("ir", "", "Path to impulse response file (.wav or .aif)")
	irChannel := flag.Int("ir-channel", 0, "IR channel to use (-1 mixes all channels)")
	inFile := flag.String("in", "", "Input WAVE file (offline mode)")
	outFile := flag.String("out", "", "Output WAVE file (offline mode)")
	stream := flag.Bool("stream", false, "Stream raw float32 mono frames stdin to stdout")
	mode := flag.String("mode", "zero", "Latency mode: zero, short or medium")
	blockSize := flag.Int("block", 256, "Stream processing block size in samples")
	rate := flag.Float64("rate", 48000, "Stream sample rate in Hz")
	wetLevel := flag.Float64("wet", 1.0, "Convolved signal level (0.0-1.0)")
	dryLevel := flag.Float64("dry", 0.0, "Direct signal level (0.0-1.0)")
	useTUI := flag.Bool("tui", false, "Show level meters in a TUI (stream mode)")
	webPort := flag.Int("port", 8080, "Web monitor port (stream mode)")
	noWeb := flag.Bool("no-web", true, "Disable the web monitor")
	logFile := flag.String("log", "", "Log file path (default stderr)")

	flag.Parse()

	logDst := io.Writer(os.Stderr)
	if *logFile != "" {
		file, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer file.Close()
		logDst = file
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(logDst, nil)))
	slog.Info("Starting convolve", "args", os.Args)

	features := vec.Detect()
	slog.Info("CPU features detected",
		"arch", features.Architecture,
		"avx512", features.HasAVX512, "avx", features.HasAVX,
		"sse2", features.HasSSE2, "neon", features.HasNEON,
		"laneWidth32", vec.Width[float32]())

	if *irFile == "" {
		fmt.Fprintln(os.Stderr, "ERROR: -ir is required")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if !*stream && (*inFile == "" || *outFile == "") {
		fmt.Fprintln(os.Stderr, "ERROR: offline mode needs -in and -out (or use -stream)")
		os.Exit(1)
	}

	if *stream {
		if err := runStream(*irFile, *irChannel, *mode, *blockSize, *rate,
			float32(*wetLevel), float32(*dryLevel), *useTUI, !*noWeb, *webPort); err != nil {
			slog.Error("Stream processing failed", "error", err)
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runOffline(*irFile, *irChannel, *inFile, *outFile, *mode,
		float32(*wetLevel), float32(*dryLevel)); err != nil {
		slog.Error("Offline processing failed", "error", err)
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// newEngine loads the impulse response and builds one convolver per
// channel.
func newEngine(irFile string, irChannel int, mode string, sampleRate float64, channels int) (*engine, error) {
	latency, sizes, zeroLatency, err := modeFromString(mode)
	if err != nil {
		return nil, err
	}

	ir, irRate, err := irload.Load(irFile, irChannel, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("loading impulse response: %w", err)
	}

	slog.Info("Impulse response loaded", "file", irFile, "samples", len(ir), "rate", irRate)

	e := &engine{
		convs:       make([]*convolve.Mono, channels),
		irFile:      irFile,
		irLength:    len(ir),
		sampleRate:  sampleRate,
		fftSizes:    sizes,
		zeroLatency: zeroLatency,
	}

	for ch := range e.convs {
		conv, err := convolve.NewMono(len(ir), latency)
		if err != nil {
			return nil, err
		}

		if err := conv.Set(ir, false); err != nil {
			return nil, fmt.Errorf("installing impulse response: %w", err)
		}

		e.convs[ch] = conv
	}

	return e, nil
}

// runOffline convolves a WAVE file into a WAVE file, extending the
// output by the impulse tail.
func runOffline(irFile string, irChannel int, inPath, outPath, mode string, wet, dry float32) error {
	in, err := audiofile.Open(inPath)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}

	e, err := newEngine(irFile, irChannel, mode, in.SampleRate, in.NumChannels)
	if err != nil {
		return err
	}

	const block = 4096

	outFrames := in.NumFrames + e.irLength

	channels := make([][]float32, in.NumChannels)
	input := make([]float32, outFrames)
	temp := make([]float32, block)

	for ch := range channels {
		if err := in.ReadChannelFloat32(input[:in.NumFrames], ch, 0, in.NumFrames); err != nil {
			return err
		}

		// Zero tail drains the reverb.
		for i := in.NumFrames; i < outFrames; i++ {
			input[i] = 0
		}

		out := make([]float32, outFrames)

		for pos := 0; pos < outFrames; pos += block {
			n := outFrames - pos
			if n > block {
				n = block
			}

			e.convs[ch].Process(input[pos:pos+n], temp[:n], out[pos:pos+n], false)
		}

		for i := range out {
			out[i] = out[i]*wet + input[i]*dry
		}

		channels[ch] = out
	}

	interleaved := make([]float32, outFrames*in.NumChannels)
	for i := 0; i < outFrames; i++ {
		for ch := range channels {
			interleaved[i*in.NumChannels+ch] = channels[ch][i]
		}
	}

	bitDepth := in.BitsPerSample
	floating := in.FloatingPoint
	if floating && bitDepth == 64 {
		bitDepth = 32
	}
	if !floating && bitDepth != 16 && bitDepth != 24 {
		bitDepth = 24
	}

	if err := audiofile.WriteWaveFile(outPath, interleaved, int(in.SampleRate), in.NumChannels, bitDepth, floating); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	slog.Info("Offline convolution complete", "frames", outFrames, "channels", in.NumChannels)

	return nil
}

// runStream convolves raw float32 mono frames from stdin to stdout.
func runStream(irFile string, irChannel int, mode string, block int, rate float64, wet, dry float32, useTUI, useWeb bool, webPort int) error {
	if block < 1 || block > 1<<16 {
		return fmt.Errorf("block size %d out of range", block)
	}

	e, err := newEngine(irFile, irChannel, mode, rate, 1)
	if err != nil {
		return err
	}

	var webServer *web.Server
	if useWeb {
		webServer = web.NewServer(e, webPort)

		go func() {
			if err := webServer.Start(); err != nil {
				slog.Error("Web monitor error", "error", err)
			}
		}()

		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = webServer.Shutdown(ctx)
		}()
	}

	var tuiDone chan struct{}
	if useTUI {
		tuiDone = make(chan struct{})
		go runTUI(e, tuiDone)
		defer close(tuiDone)
	}

	reader := bufio.NewReaderSize(os.Stdin, block*8)
	writer := bufio.NewWriterSize(os.Stdout, block*8)
	defer writer.Flush()

	raw := make([]byte, block*4)
	in := make([]float32, block)
	temp := make([]float32, block)
	out := make([]float32, block)

	for {
		n, err := io.ReadFull(reader, raw)
		if n == 0 {
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}

		frames := n / 4
		for i := 0; i < frames; i++ {
			in[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}

		e.convs[0].Process(in[:frames], temp[:frames], out[:frames], false)

		for i := 0; i < frames; i++ {
			out[i] = out[i]*wet + in[i]*dry
		}

		e.updateMeters(in[:frames], out[:frames])

		for i := 0; i < frames; i++ {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(out[i]))
		}

		if _, err := writer.Write(raw[:frames*4]); err != nil {
			return err
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return writer.Flush()
		}
	}
}
