package audiofile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// aifcVersion1 is the timestamp identifying the only published AIFC
// version. Files in the wild omit or mangle the FVER chunk often
// enough that its absence is tolerated; a present chunk must match.
const aifcVersion1 = 0xA2805140

// parseAIFF decodes an AIFF or AIFC stream whose 12-byte FORM header
// has already been consumed. formType is "AIFF" or "AIFC".
func parseAIFF(r io.Reader, formType string) (*File, error) {
	f := &File{Format: FormatAIFF, bigEndian: true}
	if formType == "AIFC" {
		f.Format = FormatAIFC
	}

	var commFound, ssndFound bool

	for {
		var chunkHeader [8]byte
		if _, err := io.ReadFull(r, chunkHeader[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}

			return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
		}

		chunkID := string(chunkHeader[0:4])
		chunkSize := binary.BigEndian.Uint32(chunkHeader[4:8])

		paddedSize := int64(chunkSize)
		if paddedSize%2 != 0 {
			paddedSize++
		}

		switch chunkID {
		case "FVER":
			if err := f.parseFVER(r, chunkSize); err != nil {
				return nil, err
			}

		case "COMM":
			if err := f.parseCOMM(r, chunkSize, formType); err != nil {
				return nil, err
			}

			commFound = true

			if chunkSize%2 != 0 {
				_, _ = io.CopyN(io.Discard, r, 1)
			}

		case "SSND":
			if err := f.parseSSND(r, chunkSize); err != nil {
				return nil, err
			}

			ssndFound = true

			if chunkSize%2 != 0 {
				_, _ = io.CopyN(io.Discard, r, 1)
			}

		default:
			if _, err := io.CopyN(io.Discard, r, paddedSize); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}

				return nil, fmt.Errorf("%w: failed to skip chunk %s: %w", ErrInvalidFile, chunkID, err)
			}
		}
	}

	if !commFound {
		return nil, fmt.Errorf("%w: COMM chunk", ErrMissingChunk)
	}

	if !ssndFound {
		return nil, fmt.Errorf("%w: SSND chunk", ErrMissingChunk)
	}

	if err := f.validate(); err != nil {
		return nil, err
	}

	f.clampFrames()

	return f, nil
}

// parseFVER checks the AIFC version timestamp.
func (f *File) parseFVER(r io.Reader, size uint32) error {
	if size != 4 {
		return fmt.Errorf("%w: FVER chunk size %d", ErrInvalidFile, size)
	}

	var version [4]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	if binary.BigEndian.Uint32(version[:]) != aifcVersion1 {
		return fmt.Errorf("%w: AIFC version 0x%08X", ErrUnsupportedFormat, binary.BigEndian.Uint32(version[:]))
	}

	return nil
}

// parseCOMM decodes the Common chunk. AIFC appends a compression type
// that selects byte order and float encodings.
func (f *File) parseCOMM(r io.Reader, size uint32, formType string) error {
	if size < 18 {
		return fmt.Errorf("%w: COMM chunk too small", ErrInvalidFile)
	}

	var comm [18]byte
	if _, err := io.ReadFull(r, comm[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	f.NumChannels = int(binary.BigEndian.Uint16(comm[0:2]))
	f.NumFrames = int(binary.BigEndian.Uint32(comm[2:6]))
	f.BitsPerSample = int(binary.BigEndian.Uint16(comm[6:8]))
	f.SampleRate = extendedToFloat64(comm[8:18])

	if formType == "AIFC" && size > 18 {
		remaining := make([]byte, size-18)
		if _, err := io.ReadFull(r, remaining); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidFile, err)
		}

		if len(remaining) >= 4 {
			switch string(remaining[0:4]) {
			case "NONE", "none", "twos":
			case "sowt":
				f.bigEndian = false
			case "fl32", "FL32":
				f.FloatingPoint = true
			case "fl64", "FL64":
				f.FloatingPoint = true
			default:
				return fmt.Errorf("%w: AIFC compression %q", ErrUnsupportedFormat, string(remaining[0:4]))
			}
		}
	} else if size > 18 {
		if _, err := io.CopyN(io.Discard, r, int64(size-18)); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidFile, err)
		}
	}

	return nil
}

// parseSSND reads the Sound Data chunk into the raw sample buffer.
func (f *File) parseSSND(r io.Reader, size uint32) error {
	if size < 8 {
		return fmt.Errorf("%w: SSND chunk too small", ErrInvalidFile)
	}

	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	offset := binary.BigEndian.Uint32(header[0:4])

	if offset > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(offset)); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidFile, err)
		}
	}

	data := make([]byte, size-8-offset)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	f.data = data

	return nil
}

// extendedToFloat64 converts the 80-bit IEEE 754 extended float that
// AIFF uses for sample rates.
func extendedToFloat64(b []byte) float64 {
	if len(b) != 10 {
		return 0
	}

	sign := (b[0] >> 7) & 1
	exponent := int(binary.BigEndian.Uint16(b[0:2])) & 0x7FFF
	mantissa := binary.BigEndian.Uint64(b[2:10])

	if exponent == 0 && mantissa == 0 {
		return 0
	}

	if exponent == 0x7FFF {
		return math.Inf(1)
	}

	// The top mantissa bit is the explicit integer bit, so the
	// significand is mantissa / 2^63 in [1, 2).
	value := float64(mantissa) / float64(1<<63)
	value = math.Ldexp(value, exponent-16383)

	if sign == 1 {
		value = -value
	}

	return value
}
