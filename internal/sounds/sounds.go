// Package sounds provides the default ringtone and attention sounds as
// G.711 u-law WAV files (8kHz, mono, 8-bit) suitable for direct RTP
// playback without transcoding.
//
// The sounds are synthesized and written to the sounds directory on first
// boot. Files already on disk are kept, so a carer can replace any of them
// with a recording of their own.
package sounds

import (
	"bytes"
	"encoding/binary"
	"math"
)

const sampleRate = 8000

// tone is a stretch of one or two summed sine waves. A zero frequency is
// silence.
type tone struct {
	freqs      []float64
	durationMs int
	decay      float64 // exponential decay per second, 0 holds the level
	level      float64 // peak amplitude, 0..1
}

// sound is a named default sound.
type sound struct {
	name  string
	tones []tone
}

// defaults are the sounds the audio controller plays by name. The names
// must match the audio package's Sound constants.
var defaults = []sound{
	{
		// Two cadences of the UK double ring; the controller loops it.
		name: "ringtone",
		tones: []tone{
			{freqs: []float64{400, 450}, durationMs: 400, level: 0.5},
			{durationMs: 200},
			{freqs: []float64{400, 450}, durationMs: 400, level: 0.5},
			{durationMs: 2000},
		},
	},
	{
		// A public-address style two-note chime, high then low.
		name: "tannoy_bingbong",
		tones: []tone{
			{freqs: []float64{659.25}, durationMs: 700, decay: 2.5, level: 0.8},
			{freqs: []float64{523.25}, durationMs: 1200, decay: 2, level: 0.8},
			{durationMs: 300},
		},
	},
	{
		name: "gentle_chime",
		tones: []tone{
			{freqs: []float64{880}, durationMs: 500, decay: 4, level: 0.4},
			{freqs: []float64{1318.5}, durationMs: 900, decay: 3, level: 0.35},
			{durationMs: 300},
		},
	},
}

// Names lists the default sounds in the order they are written.
func Names() []string {
	names := make([]string, len(defaults))
	for i, s := range defaults {
		names[i] = s.name
	}
	return names
}

// synthesize renders the tones as u-law samples.
func (s sound) synthesize() []byte {
	var out []byte
	for _, t := range s.tones {
		n := sampleRate * t.durationMs / 1000
		for i := 0; i < n; i++ {
			sec := float64(i) / sampleRate
			var v float64
			for _, f := range t.freqs {
				v += math.Sin(2 * math.Pi * f * sec)
			}
			if len(t.freqs) > 0 {
				v /= float64(len(t.freqs))
			}
			v *= t.level * math.Exp(-t.decay*sec)
			out = append(out, linearToULaw(int16(v*math.MaxInt16)))
		}
	}
	return out
}

// wav wraps u-law samples in a RIFF/WAVE container with format code 7.
func wav(samples []byte) []byte {
	var buf bytes.Buffer
	dataSize := uint32(len(samples))

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataSize) //nolint:errcheck
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, struct { //nolint:errcheck
		Size          uint32
		Format        uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
	}{16, 7, 1, sampleRate, sampleRate, 1, 8})

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize) //nolint:errcheck
	buf.Write(samples)
	return buf.Bytes()
}

// linearToULaw encodes one 16-bit sample as G.711 u-law.
func linearToULaw(sample int16) byte {
	const (
		bias = 0x84
		clip = 32635
	)
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}
