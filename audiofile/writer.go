package audiofile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// WaveWriter encodes interleaved samples into a RIFF-WAVE stream.
// Data is buffered and the finished file, with correct chunk sizes,
// is emitted by Close.
type WaveWriter struct {
	w io.Writer

	sampleRate int
	channels   int
	bitDepth   int
	floating   bool

	data bytes.Buffer
}

// NewWaveWriter prepares a WAVE encoder. Supported encodings are 16
// and 24 bit PCM and 32-bit float.
func NewWaveWriter(w io.Writer, sampleRate, channels, bitDepth int, floating bool) (*WaveWriter, error) {
	switch {
	case floating && bitDepth != 32:
		return nil, fmt.Errorf("%w: %d-bit float output", ErrUnsupportedFormat, bitDepth)
	case !floating && bitDepth != 16 && bitDepth != 24:
		return nil, fmt.Errorf("%w: %d-bit PCM output", ErrUnsupportedFormat, bitDepth)
	case channels < 1 || sampleRate <= 0:
		return nil, fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupportedFormat, channels, sampleRate)
	}

	return &WaveWriter{
		w:          w,
		sampleRate: sampleRate,
		channels:   channels,
		bitDepth:   bitDepth,
		floating:   floating,
	}, nil
}

// WriteFloat32 appends interleaved frames. Samples are clipped to
// [-1, 1] for PCM output.
func (w *WaveWriter) WriteFloat32(interleaved []float32) error {
	for _, s := range interleaved {
		switch {
		case w.floating:
			var raw [4]byte
			binary.LittleEndian.PutUint32(raw[:], math.Float32bits(s))
			w.data.Write(raw[:])

		case w.bitDepth == 16:
			v := int16(math.Round(float64(clip(s)) * 32767))

			var raw [2]byte
			binary.LittleEndian.PutUint16(raw[:], uint16(v))
			w.data.Write(raw[:])

		default:
			v := int32(math.Round(float64(clip(s)) * 8388607))
			w.data.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16)})
		}
	}

	return nil
}

// Close writes the RIFF structure and all buffered sample data.
func (w *WaveWriter) Close() error {
	dataSize := w.data.Len()
	blockAlign := w.channels * w.bitDepth / 8

	formatTag := uint16(waveFormatPCM)
	if w.floating {
		formatTag = waveFormatIEEEFloat
	}

	var header bytes.Buffer

	header.WriteString("RIFF")
	binary.Write(&header, binary.LittleEndian, uint32(36+dataSize))
	header.WriteString("WAVE")

	header.WriteString("fmt ")
	binary.Write(&header, binary.LittleEndian, uint32(16))
	binary.Write(&header, binary.LittleEndian, formatTag)
	binary.Write(&header, binary.LittleEndian, uint16(w.channels))
	binary.Write(&header, binary.LittleEndian, uint32(w.sampleRate))
	binary.Write(&header, binary.LittleEndian, uint32(w.sampleRate*blockAlign))
	binary.Write(&header, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&header, binary.LittleEndian, uint16(w.bitDepth))

	header.WriteString("data")
	binary.Write(&header, binary.LittleEndian, uint32(dataSize))

	if _, err := w.w.Write(header.Bytes()); err != nil {
		return err
	}

	if _, err := w.w.Write(w.data.Bytes()); err != nil {
		return err
	}

	if dataSize%2 != 0 {
		if _, err := w.w.Write([]byte{0}); err != nil {
			return err
		}
	}

	return nil
}

// WriteWaveFile writes interleaved frames to path in one call.
func WriteWaveFile(path string, interleaved []float32, sampleRate, channels, bitDepth int, floating bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := NewWaveWriter(f, sampleRate, channels, bitDepth, floating)
	if err != nil {
		return err
	}

	if err := w.WriteFloat32(interleaved); err != nil {
		return err
	}

	return w.Close()
}

func clip(s float32) float32 {
	if s > 1 {
		return 1
	}

	if s < -1 {
		return -1
	}

	return s
}
