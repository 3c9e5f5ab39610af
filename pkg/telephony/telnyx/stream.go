package telnyx

import (
	"encoding/base64"
	"fmt"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/core"
)

// Media streaming wire framing. Telnyx sends connected/start/media/stop
// events; the engine sends media back on the same socket.

// StreamMessage is one media streaming WebSocket frame.
type StreamMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequence_number,omitempty"`
	StreamID       string       `json:"stream_id,omitempty"`
	Start          *StreamStart `json:"start,omitempty"`
	Media          *StreamMedia `json:"media,omitempty"`
	Stop           *StreamStop  `json:"stop,omitempty"`
}

// StreamStart announces a new stream and its media format.
type StreamStart struct {
	CallControlID string            `json:"call_control_id"`
	CallLegID     string            `json:"call_leg_id,omitempty"`
	MediaFormat   StreamMediaFormat `json:"media_format"`
}

type StreamMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// StreamMedia carries one base64-encoded mulaw frame.
type StreamMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type StreamStop struct {
	CallControlID string `json:"call_control_id"`
}

// DecodeStreamMedia turns an inbound media frame into a carrier-native chunk.
func DecodeStreamMedia(m *StreamMedia) (audio.Chunk, error) {
	data, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return audio.Chunk{}, core.NewProtocolError("telnyx", "media payload is not valid base64")
	}
	return audio.Chunk{Data: data, Format: audio.FormatMulaw, SampleRate: carrierSampleRate}, nil
}

// MediaMessage builds an outbound media frame for a mulaw chunk.
func MediaMessage(chunk audio.Chunk) (StreamMessage, error) {
	if chunk.Format != audio.FormatMulaw {
		return StreamMessage{}, core.NewUnsupportedAudioFormat(
			fmt.Sprintf("media stream requires ulaw, got %s", chunk.Format))
	}
	return StreamMessage{
		Event: "media",
		Media: &StreamMedia{Payload: base64.StdEncoding.EncodeToString(chunk.Data)},
	}, nil
}
