package audiofile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

// buildWave assembles a minimal RIFF-WAVE file around the given fmt
// chunk body and raw sample data.
func buildWave(fmtBody, data []byte) []byte {
	var b bytes.Buffer

	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(4+8+len(fmtBody)+8+len(data)))
	b.WriteString("WAVE")

	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(len(fmtBody)))
	b.Write(fmtBody)

	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(len(data)))
	b.Write(data)

	return b.Bytes()
}

func pcmFmtBody(formatTag, channels, rate, bits int) []byte {
	var b bytes.Buffer

	blockAlign := channels * bits / 8

	binary.Write(&b, binary.LittleEndian, uint16(formatTag))
	binary.Write(&b, binary.LittleEndian, uint16(channels))
	binary.Write(&b, binary.LittleEndian, uint32(rate))
	binary.Write(&b, binary.LittleEndian, uint32(rate*blockAlign))
	binary.Write(&b, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&b, binary.LittleEndian, uint16(bits))

	return b.Bytes()
}

func extensibleFmtBody(subTag, channels, rate, bits int) []byte {
	b := bytes.NewBuffer(pcmFmtBody(waveFormatExtensible, channels, rate, bits))

	binary.Write(b, binary.LittleEndian, uint16(22)) // extension size
	binary.Write(b, binary.LittleEndian, uint16(bits))
	binary.Write(b, binary.LittleEndian, uint32(0x3)) // channel mask

	guid := make([]byte, 16)
	binary.LittleEndian.PutUint32(guid[0:4], uint32(subTag))
	binary.LittleEndian.PutUint16(guid[6:8], 0x0010)
	copy(guid[8:16], ksBaseGUID[8:16])

	b.Write(guid)

	return b.Bytes()
}

func TestParseWavePCM16(t *testing.T) {
	t.Parallel()

	// Two channels, two frames.
	var data bytes.Buffer
	for _, v := range []int16{16384, -16384, 8192, -8192} {
		binary.Write(&data, binary.LittleEndian, v)
	}

	f, err := Parse(bytes.NewReader(buildWave(pcmFmtBody(waveFormatPCM, 2, 44100, 16), data.Bytes())))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if f.Format != FormatWAVE || f.NumChannels != 2 || f.SampleRate != 44100 || f.NumFrames != 2 {
		t.Fatalf("header: %+v", f)
	}

	got := make([]float32, 4)
	if err := f.ReadFloat32(got, 0, 2); err != nil {
		t.Fatalf("ReadFloat32: %v", err)
	}

	want := []float32{0.5, -0.5, 0.25, -0.25}
	for i := range want {
		if diff := got[i] - want[i]; diff > 1e-4 || diff < -1e-4 {
			t.Fatalf("sample %d: got %g, want %g", i, got[i], want[i])
		}
	}

	ch1 := make([]float32, 2)
	if err := f.ReadChannelFloat32(ch1, 1, 0, 2); err != nil {
		t.Fatalf("ReadChannelFloat32: %v", err)
	}

	if ch1[0] != got[1] || ch1[1] != got[3] {
		t.Fatalf("channel read: got %v", ch1)
	}
}

func TestParseWaveFloat32(t *testing.T) {
	t.Parallel()

	samples := []float32{0.125, -0.75, 1.0}

	var data bytes.Buffer
	for _, v := range samples {
		binary.Write(&data, binary.LittleEndian, math.Float32bits(v))
	}

	f, err := Parse(bytes.NewReader(buildWave(pcmFmtBody(waveFormatIEEEFloat, 1, 48000, 32), data.Bytes())))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !f.FloatingPoint || f.NumFrames != 3 {
		t.Fatalf("header: %+v", f)
	}

	got := make([]float64, 3)
	if err := f.ReadFloat64(got, 0, 3); err != nil {
		t.Fatalf("ReadFloat64: %v", err)
	}

	for i, v := range samples {
		if got[i] != float64(v) {
			t.Fatalf("sample %d: got %g, want %g", i, got[i], v)
		}
	}
}

func TestParseWaveExtensible(t *testing.T) {
	t.Parallel()

	var data bytes.Buffer
	binary.Write(&data, binary.LittleEndian, int16(16384))

	f, err := Parse(bytes.NewReader(buildWave(extensibleFmtBody(waveFormatPCM, 1, 96000, 16), data.Bytes())))
	if err != nil {
		t.Fatalf("Parse extensible PCM: %v", err)
	}

	if f.FloatingPoint || f.SampleRate != 96000 || f.NumFrames != 1 {
		t.Fatalf("header: %+v", f)
	}

	// Float subformat.
	var fdata bytes.Buffer
	binary.Write(&fdata, binary.LittleEndian, math.Float32bits(0.5))

	f, err = Parse(bytes.NewReader(buildWave(extensibleFmtBody(waveFormatIEEEFloat, 1, 48000, 32), fdata.Bytes())))
	if err != nil {
		t.Fatalf("Parse extensible float: %v", err)
	}

	if !f.FloatingPoint {
		t.Fatal("extensible float not detected")
	}

	// A subformat outside the base GUID family is rejected.
	body := extensibleFmtBody(waveFormatPCM, 1, 48000, 16)
	body[len(body)-1] ^= 0xFF

	if _, err := Parse(bytes.NewReader(buildWave(body, data.Bytes()))); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("foreign GUID: got %v", err)
	}
}

func TestParseWave24Bit(t *testing.T) {
	t.Parallel()

	// +0.5 and -0.5 in 24-bit little-endian.
	data := []byte{0x00, 0x00, 0x40, 0x00, 0x00, 0xC0}

	f, err := Parse(bytes.NewReader(buildWave(pcmFmtBody(waveFormatPCM, 1, 48000, 24), data)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	got := make([]float32, 2)
	if err := f.ReadChannelFloat32(got, 0, 0, 2); err != nil {
		t.Fatalf("read: %v", err)
	}

	if diff := got[0] - 0.5; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("sample 0: got %g, want 0.5", got[0])
	}

	if diff := got[1] + 0.5; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("sample 1: got %g, want -0.5", got[1])
	}
}

func TestReadRangeChecks(t *testing.T) {
	t.Parallel()

	var data bytes.Buffer
	binary.Write(&data, binary.LittleEndian, int16(0))

	f, err := Parse(bytes.NewReader(buildWave(pcmFmtBody(waveFormatPCM, 1, 48000, 16), data.Bytes())))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	buf := make([]float32, 4)

	if err := f.ReadFloat32(buf, 0, 2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("over-read: got %v", err)
	}

	if err := f.ReadChannelFloat32(buf, 2, 0, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("bad channel: got %v", err)
	}
}

func TestParseUnknownFormat(t *testing.T) {
	t.Parallel()

	if _, err := Parse(bytes.NewReader([]byte("not an audio file at all"))); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("got %v", err)
	}
}

// encodeExtended produces the 80-bit float AIFF uses for sample
// rates. Integer rates only.
func encodeExtended(rate int) [10]byte {
	var b [10]byte

	if rate <= 0 {
		return b
	}

	msb := 0
	for v := rate; v > 1; v >>= 1 {
		msb++
	}

	exponent := 16383 + msb
	mantissa := uint64(rate) << (63 - msb)

	binary.BigEndian.PutUint16(b[0:2], uint16(exponent))
	binary.BigEndian.PutUint64(b[2:10], mantissa)

	return b
}

func buildAIFF(formType string, chunks ...[]byte) []byte {
	var body bytes.Buffer
	for _, c := range chunks {
		body.Write(c)
	}

	var b bytes.Buffer
	b.WriteString("FORM")
	binary.Write(&b, binary.BigEndian, uint32(4+body.Len()))
	b.WriteString(formType)
	b.Write(body.Bytes())

	return b.Bytes()
}

func commChunk(channels, frames, bits, rate int, compression string) []byte {
	var b bytes.Buffer

	b.WriteString("COMM")

	size := 18
	if compression != "" {
		size += 4
	}
	binary.Write(&b, binary.BigEndian, uint32(size))

	binary.Write(&b, binary.BigEndian, uint16(channels))
	binary.Write(&b, binary.BigEndian, uint32(frames))
	binary.Write(&b, binary.BigEndian, uint16(bits))

	ext := encodeExtended(rate)
	b.Write(ext[:])

	if compression != "" {
		b.WriteString(compression)
	}

	return b.Bytes()
}

func ssndChunk(data []byte) []byte {
	var b bytes.Buffer

	b.WriteString("SSND")
	binary.Write(&b, binary.BigEndian, uint32(8+len(data)))
	binary.Write(&b, binary.BigEndian, uint32(0))
	binary.Write(&b, binary.BigEndian, uint32(0))
	b.Write(data)

	if len(data)%2 != 0 {
		b.WriteByte(0)
	}

	return b.Bytes()
}

func fverChunk(version uint32) []byte {
	var b bytes.Buffer

	b.WriteString("FVER")
	binary.Write(&b, binary.BigEndian, uint32(4))
	binary.Write(&b, binary.BigEndian, version)

	return b.Bytes()
}

func TestParseAIFFPCM16(t *testing.T) {
	t.Parallel()

	var data bytes.Buffer
	binary.Write(&data, binary.BigEndian, int16(16384))
	binary.Write(&data, binary.BigEndian, int16(-16384))

	raw := buildAIFF("AIFF", commChunk(1, 2, 16, 44100, ""), ssndChunk(data.Bytes()))

	f, err := Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if f.Format != FormatAIFF || f.SampleRate != 44100 || f.NumFrames != 2 {
		t.Fatalf("header: %+v", f)
	}

	got := make([]float32, 2)
	if err := f.ReadChannelFloat32(got, 0, 0, 2); err != nil {
		t.Fatalf("read: %v", err)
	}

	if got[0] != 0.5 || got[1] != -0.5 {
		t.Fatalf("samples: got %v", got)
	}
}

func TestParseAIFCVariants(t *testing.T) {
	t.Parallel()

	t.Run("sowt little endian", func(t *testing.T) {
		t.Parallel()

		var data bytes.Buffer
		binary.Write(&data, binary.LittleEndian, int16(16384))

		raw := buildAIFF("AIFC",
			fverChunk(aifcVersion1),
			commChunk(1, 1, 16, 48000, "sowt"),
			ssndChunk(data.Bytes()))

		f, err := Parse(bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}

		got := make([]float32, 1)
		if err := f.ReadChannelFloat32(got, 0, 0, 1); err != nil {
			t.Fatalf("read: %v", err)
		}

		if got[0] != 0.5 {
			t.Fatalf("sample: got %g, want 0.5", got[0])
		}
	})

	t.Run("fl32", func(t *testing.T) {
		t.Parallel()

		var data bytes.Buffer
		binary.Write(&data, binary.BigEndian, math.Float32bits(0.75))

		raw := buildAIFF("AIFC",
			fverChunk(aifcVersion1),
			commChunk(1, 1, 32, 48000, "fl32"),
			ssndChunk(data.Bytes()))

		f, err := Parse(bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}

		if !f.FloatingPoint {
			t.Fatal("fl32 not marked floating point")
		}

		got := make([]float32, 1)
		if err := f.ReadChannelFloat32(got, 0, 0, 1); err != nil {
			t.Fatalf("read: %v", err)
		}

		if got[0] != 0.75 {
			t.Fatalf("sample: got %g, want 0.75", got[0])
		}
	})

	t.Run("missing FVER tolerated", func(t *testing.T) {
		t.Parallel()

		var data bytes.Buffer
		binary.Write(&data, binary.BigEndian, int16(0))

		raw := buildAIFF("AIFC", commChunk(1, 1, 16, 48000, "NONE"), ssndChunk(data.Bytes()))

		if _, err := Parse(bytes.NewReader(raw)); err != nil {
			t.Fatalf("Parse without FVER: %v", err)
		}
	})

	t.Run("bad FVER magic rejected", func(t *testing.T) {
		t.Parallel()

		var data bytes.Buffer
		binary.Write(&data, binary.BigEndian, int16(0))

		raw := buildAIFF("AIFC",
			fverChunk(0xDEADBEEF),
			commChunk(1, 1, 16, 48000, "NONE"),
			ssndChunk(data.Bytes()))

		if _, err := Parse(bytes.NewReader(raw)); !errors.Is(err, ErrUnsupportedFormat) {
			t.Fatalf("bad FVER: got %v", err)
		}
	})

	t.Run("unsupported compression rejected", func(t *testing.T) {
		t.Parallel()

		var data bytes.Buffer
		binary.Write(&data, binary.BigEndian, int16(0))

		raw := buildAIFF("AIFC", commChunk(1, 1, 16, 48000, "ulaw"), ssndChunk(data.Bytes()))

		if _, err := Parse(bytes.NewReader(raw)); !errors.Is(err, ErrUnsupportedFormat) {
			t.Fatalf("ulaw: got %v", err)
		}
	})
}

func TestWaveWriterRoundTrip(t *testing.T) {
	t.Parallel()

	samples := []float32{0, 0.25, -0.25, 0.5, -0.5, 1}

	for _, tt := range []struct {
		name     string
		bits     int
		floating bool
		tol      float32
	}{
		{"float32", 32, true, 0},
		{"pcm16", 16, false, 1.0 / 32768},
		{"pcm24", 24, false, 1.0 / 8388608},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer

			w, err := NewWaveWriter(&buf, 48000, 2, tt.bits, tt.floating)
			if err != nil {
				t.Fatalf("NewWaveWriter: %v", err)
			}

			if err := w.WriteFloat32(samples); err != nil {
				t.Fatalf("WriteFloat32: %v", err)
			}

			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			f, err := Parse(bytes.NewReader(buf.Bytes()))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}

			if f.NumChannels != 2 || f.SampleRate != 48000 || f.NumFrames != 3 {
				t.Fatalf("header: %+v", f)
			}

			got := make([]float32, len(samples))
			if err := f.ReadFloat32(got, 0, 3); err != nil {
				t.Fatalf("read: %v", err)
			}

			for i := range samples {
				if diff := got[i] - samples[i]; diff > tt.tol || diff < -tt.tol {
					t.Fatalf("sample %d: got %g, want %g", i, got[i], samples[i])
				}
			}
		})
	}
}
