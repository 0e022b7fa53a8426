package audiofile

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// WAVE format tags.
const (
	waveFormatPCM        = 0x0001
	waveFormatIEEEFloat  = 0x0003
	waveFormatExtensible = 0xFFFE
)

// ksBaseGUID is the Microsoft base subformat GUID. Extensible headers
// embed the format tag in the first field; the tail is fixed.
var ksBaseGUID = uuid.MustParse("00000000-0000-0010-8000-00aa00389b71")

// subformatTag extracts the format tag from an extensible subformat
// GUID, or 0 when the GUID is not derived from the base GUID.
func subformatTag(guid []byte) uint16 {
	if len(guid) != 16 {
		return 0
	}

	// On disk the first three GUID fields are little-endian; the
	// 8-byte tail matches the textual base GUID verbatim.
	for i := 8; i < 16; i++ {
		if guid[i] != ksBaseGUID[i] {
			return 0
		}
	}

	if binary.LittleEndian.Uint16(guid[6:8]) != 0x0010 || binary.LittleEndian.Uint16(guid[4:6]) != 0 {
		return 0
	}

	tag := binary.LittleEndian.Uint32(guid[0:4])
	if tag > 0xFFFF {
		return 0
	}

	return uint16(tag)
}

// parseWave decodes a RIFF-WAVE stream whose 12-byte RIFF header has
// already been consumed.
func parseWave(r io.Reader) (*File, error) {
	f := &File{Format: FormatWAVE}

	var fmtFound, dataFound bool

	for {
		var chunkHeader [8]byte
		if _, err := io.ReadFull(r, chunkHeader[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}

			return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
		}

		chunkID := string(chunkHeader[0:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		paddedSize := int64(chunkSize)
		if paddedSize%2 != 0 {
			paddedSize++
		}

		switch chunkID {
		case "fmt ":
			if err := f.parseWaveFormat(r, chunkSize); err != nil {
				return nil, err
			}

			fmtFound = true

			if chunkSize%2 != 0 {
				_, _ = io.CopyN(io.Discard, r, 1)
			}

		case "data":
			data := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
			}

			f.data = data
			dataFound = true

			if chunkSize%2 != 0 {
				_, _ = io.CopyN(io.Discard, r, 1)
			}

		default:
			if _, err := io.CopyN(io.Discard, r, paddedSize); err != nil {
				if err == io.EOF {
					break
				}

				return nil, fmt.Errorf("%w: failed to skip chunk %s: %w", ErrInvalidFile, chunkID, err)
			}
		}
	}

	if !fmtFound {
		return nil, fmt.Errorf("%w: fmt chunk", ErrMissingChunk)
	}

	if !dataFound {
		return nil, fmt.Errorf("%w: data chunk", ErrMissingChunk)
	}

	if err := f.validate(); err != nil {
		return nil, err
	}

	f.clampFrames()

	return f, nil
}

// parseWaveFormat decodes the fmt chunk, including the extensible
// variant carrying a subformat GUID.
func (f *File) parseWaveFormat(r io.Reader, size uint32) error {
	if size < 16 {
		return fmt.Errorf("%w: fmt chunk too small", ErrInvalidFile)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	formatTag := binary.LittleEndian.Uint16(body[0:2])
	f.NumChannels = int(binary.LittleEndian.Uint16(body[2:4]))
	f.SampleRate = float64(binary.LittleEndian.Uint32(body[4:8]))
	f.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))

	if formatTag == waveFormatExtensible {
		// wValidBitsPerSample and the channel mask sit between the
		// extension size and the subformat GUID.
		if size < 40 {
			return fmt.Errorf("%w: extensible fmt chunk too small", ErrInvalidFile)
		}

		formatTag = subformatTag(body[24:40])
	}

	switch formatTag {
	case waveFormatPCM:
		f.FloatingPoint = false
	case waveFormatIEEEFloat:
		f.FloatingPoint = true
	default:
		return fmt.Errorf("%w: format tag 0x%04X", ErrUnsupportedFormat, formatTag)
	}

	if f.FloatingPoint && f.BitsPerSample != 32 && f.BitsPerSample != 64 {
		return fmt.Errorf("%w: %d-bit float", ErrUnsupportedFormat, f.BitsPerSample)
	}

	return nil
}
