// Package audio defines the engine's canonical audio representation and the
// sample-rate conversion used to bridge narrowband telephony audio and
// provider-native audio.
package audio

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/voicebridge/voicebridge/pkg/core"
)

// Format identifies the encoding of a Chunk's payload.
type Format string

const (
	FormatPCM16 Format = "pcm16"
	FormatMulaw Format = "ulaw"
	FormatOpus  Format = "opus"
	FormatMP3   Format = "mp3"
)

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	switch f {
	case FormatPCM16, FormatMulaw, FormatOpus, FormatMP3:
		return true
	default:
		return false
	}
}

// Chunk is one hop's worth of audio. Chunks are streamed, never buffered past
// the hop that produced them.
type Chunk struct {
	Data       []byte
	Format     Format
	SampleRate int
	Timestamp  time.Time
}

// bytesPerSample for the sample-addressable formats.
func (f Format) bytesPerSample() int {
	switch f {
	case FormatPCM16:
		return 2
	case FormatMulaw:
		return 1
	default:
		return 0
	}
}

// DurationMS returns the chunk's play duration in milliseconds, or 0 for
// compressed formats whose duration is not derivable from the byte count.
func (c Chunk) DurationMS() int {
	bps := c.Format.bytesPerSample()
	if bps == 0 || c.SampleRate <= 0 {
		return 0
	}
	samples := len(c.Data) / bps
	return samples * 1000 / c.SampleRate
}

// Resample converts a PCM16 chunk to targetRate using linear interpolation.
// The input format is checked, never reinterpreted: anything other than PCM16
// with a positive sample rate and an even byte length is rejected with
// unsupported_audio_format.
func Resample(c Chunk, targetRate int) (Chunk, error) {
	if c.Format != FormatPCM16 {
		return Chunk{}, core.NewUnsupportedAudioFormat(
			fmt.Sprintf("resample requires pcm16 input, got %s", c.Format))
	}
	if c.SampleRate <= 0 || targetRate <= 0 {
		return Chunk{}, core.NewUnsupportedAudioFormat(
			fmt.Sprintf("invalid sample rate %d -> %d", c.SampleRate, targetRate))
	}
	if len(c.Data)%2 != 0 {
		return Chunk{}, core.NewUnsupportedAudioFormat("pcm16 payload has odd byte length")
	}
	if c.SampleRate == targetRate {
		return c, nil
	}

	in := make([]int16, len(c.Data)/2)
	for i := range in {
		in[i] = int16(binary.LittleEndian.Uint16(c.Data[2*i:]))
	}
	out := resampleLinear(in, c.SampleRate, targetRate)

	data := make([]byte, 2*len(out))
	for i, s := range out {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(s))
	}
	return Chunk{Data: data, Format: FormatPCM16, SampleRate: targetRate, Timestamp: c.Timestamp}, nil
}

func resampleLinear(in []int16, srcRate, dstRate int) []int16 {
	if len(in) == 0 {
		return nil
	}
	outLen := len(in) * dstRate / srcRate
	if outLen == 0 {
		outLen = 1
	}
	out := make([]int16, outLen)
	if len(in) == 1 {
		for i := range out {
			out[i] = in[0]
		}
		return out
	}
	// Map each output sample onto the input timeline and interpolate between
	// its two neighbors.
	step := 0.0
	if outLen > 1 {
		step = float64(len(in)-1) / float64(outLen-1)
	}
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(in[idx])
		b := float64(in[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}
