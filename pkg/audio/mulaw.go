package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/voicebridge/voicebridge/pkg/core"
)

// G.711 mu-law companding constants.
const (
	mulawBias = 0x84
	mulawClip = 32635
)

// DecodeMulaw expands a G.711 mu-law chunk into 16-bit linear PCM at the same
// sample rate.
func DecodeMulaw(c Chunk) (Chunk, error) {
	if c.Format != FormatMulaw {
		return Chunk{}, core.NewUnsupportedAudioFormat(
			fmt.Sprintf("mulaw decode requires ulaw input, got %s", c.Format))
	}
	data := make([]byte, 2*len(c.Data))
	for i, b := range c.Data {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(mulawDecodeSample(b)))
	}
	return Chunk{Data: data, Format: FormatPCM16, SampleRate: c.SampleRate, Timestamp: c.Timestamp}, nil
}

// EncodeMulaw compresses a 16-bit linear PCM chunk into G.711 mu-law at the
// same sample rate.
func EncodeMulaw(c Chunk) (Chunk, error) {
	if c.Format != FormatPCM16 {
		return Chunk{}, core.NewUnsupportedAudioFormat(
			fmt.Sprintf("mulaw encode requires pcm16 input, got %s", c.Format))
	}
	if len(c.Data)%2 != 0 {
		return Chunk{}, core.NewUnsupportedAudioFormat("pcm16 payload has odd byte length")
	}
	data := make([]byte, len(c.Data)/2)
	for i := range data {
		s := int16(binary.LittleEndian.Uint16(c.Data[2*i:]))
		data[i] = mulawEncodeSample(s)
	}
	return Chunk{Data: data, Format: FormatMulaw, SampleRate: c.SampleRate, Timestamp: c.Timestamp}, nil
}

func mulawDecodeSample(u byte) int16 {
	u = ^u
	t := ((int32(u&0x0F) << 3) + mulawBias) << ((u & 0x70) >> 4)
	if u&0x80 != 0 {
		return int16(mulawBias - t)
	}
	return int16(t - mulawBias)
}

func mulawEncodeSample(s int16) byte {
	v := int32(s)
	sign := byte(0)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}
