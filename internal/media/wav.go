package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// WAV format codes for G.711.
const (
	wavFormatPCMA = 6
	wavFormatPCMU = 7
)

// wavInfo is what playback needs from a WAV header.
type wavInfo struct {
	format        uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
	dataSize      uint32
}

// readWAVInfo walks the RIFF chunks of r up to the data chunk and leaves r
// positioned at the first audio byte.
func readWAVInfo(r io.ReadSeeker) (*wavInfo, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, errors.New("not a RIFF/WAVE file")
	}

	info := &wavInfo{}
	haveFmt := false
	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, errors.New("wav file missing data chunk")
			}
			return nil, fmt.Errorf("reading chunk header: %w", err)
		}

		switch string(chunk.ID[:]) {
		case "fmt ":
			if chunk.Size < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunk.Size)
			}
			var f struct {
				Format        uint16
				Channels      uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
				return nil, fmt.Errorf("reading fmt chunk: %w", err)
			}
			info.format = f.Format
			info.channels = f.Channels
			info.sampleRate = f.SampleRate
			info.bitsPerSample = f.BitsPerSample
			if _, err := r.Seek(int64(chunk.Size-16), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping fmt extension: %w", err)
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, errors.New("wav file missing fmt chunk")
			}
			info.dataSize = chunk.Size
			return info, nil

		default:
			// Chunks are padded to an even length.
			skip := int64(chunk.Size) + int64(chunk.Size%2)
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", string(chunk.ID[:]), err)
			}
		}
	}
}

// payloadType checks that the audio is 8 kHz mono 8-bit G.711 and returns
// the matching RTP payload type.
func (w *wavInfo) payloadType() (uint8, error) {
	var pt uint8
	switch w.format {
	case wavFormatPCMU:
		pt = PayloadPCMU
	case wavFormatPCMA:
		pt = PayloadPCMA
	default:
		return 0, fmt.Errorf("unsupported wav format %d: only G.711 a-law (6) and u-law (7) are supported", w.format)
	}
	if w.channels != 1 {
		return 0, fmt.Errorf("wav file must be mono, got %d channels", w.channels)
	}
	if w.sampleRate != 8000 {
		return 0, fmt.Errorf("wav file must be 8000 Hz, got %d Hz", w.sampleRate)
	}
	if w.bitsPerSample != 8 {
		return 0, fmt.Errorf("wav file must be 8-bit, got %d-bit", w.bitsPerSample)
	}
	return pt, nil
}

// duration is the playing time of the data chunk.
func (w *wavInfo) duration() time.Duration {
	return time.Duration(w.dataSize) * time.Second / time.Duration(w.sampleRate)
}
