// Package audio handles the PCM16 WAV containers exchanged with LINEAR16
// backends.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	pcmFormat     = 1
	bitsPerSample = 16
	headerSize    = 44
)

var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// wavHeader is the canonical 44-byte header for mono PCM16LE.
type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(headerSize + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(headerSize-8) + uint32(len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   pcmFormat,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * bitsPerSample / 8),
		BlockAlign:    bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	if err := binary.Write(out, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

// DecodePCM16LE returns the data chunk of a PCM16 WAV stream and its sample
// rate. Chunks other than fmt and data are skipped.
func DecodePCM16LE(b []byte) ([]byte, int, error) {
	if !IsWAV(b) {
		return nil, 0, ErrNotWAV
	}
	var (
		sampleRate int
		sawFmt     bool
	)
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		end := body + size
		if size < 0 || end > len(b) {
			if id == "data" {
				// Streaming encoders may leave the size unset.
				end = len(b)
			} else {
				return nil, 0, fmt.Errorf("audio: truncated %q chunk", id)
			}
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("audio: short fmt chunk (%d bytes)", size)
			}
			if f := binary.LittleEndian.Uint16(b[body:]); f != pcmFormat {
				return nil, 0, fmt.Errorf("audio: unsupported format tag %d", f)
			}
			if bits := binary.LittleEndian.Uint16(b[body+14:]); bits != bitsPerSample {
				return nil, 0, fmt.Errorf("audio: unsupported bit depth %d", bits)
			}
			sampleRate = int(binary.LittleEndian.Uint32(b[body+4:]))
			sawFmt = true
		case "data":
			if !sawFmt {
				return nil, 0, errors.New("audio: data chunk before fmt chunk")
			}
			return b[body:end], sampleRate, nil
		}
		// Chunks are word aligned.
		off = end + size%2
	}
	return nil, 0, errors.New("audio: missing data chunk")
}

// ConcatWAV joins PCM16 WAV segments into a single WAV stream. Segments
// must share a sample rate; sampleRate is used when segments is empty.
func ConcatWAV(segments [][]byte, sampleRate int) ([]byte, error) {
	var pcm bytes.Buffer
	for i, seg := range segments {
		data, rate, err := DecodePCM16LE(seg)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		if i == 0 {
			sampleRate = rate
		} else if rate != sampleRate {
			return nil, fmt.Errorf("segment %d: sample rate %d differs from %d", i, rate, sampleRate)
		}
		pcm.Write(data)
	}
	return EncodeWAVPCM16LE(pcm.Bytes(), sampleRate)
}
