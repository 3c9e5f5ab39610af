package twilio

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/core"
)

// Media Streams wire framing. Inbound messages carry start/media/stop/mark
// events; outbound messages carry media and clear.

// StreamMessage is one Media Streams WebSocket frame.
type StreamMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSID      string       `json:"streamSid,omitempty"`
	Start          *StreamStart `json:"start,omitempty"`
	Media          *StreamMedia `json:"media,omitempty"`
	Mark           *StreamMark  `json:"mark,omitempty"`
	Stop           *StreamStop  `json:"stop,omitempty"`
}

// StreamStart announces a new stream and its media format.
type StreamStart struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  StreamMediaFormat `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters,omitempty"`
}

type StreamMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StreamMedia carries one base64-encoded mulaw frame.
type StreamMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type StreamMark struct {
	Name string `json:"name"`
}

type StreamStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// DecodeStreamMedia turns an inbound media frame into a carrier-native chunk:
// mulaw at 8 kHz, Twilio's only Media Streams encoding.
func DecodeStreamMedia(m *StreamMedia) (audio.Chunk, error) {
	data, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return audio.Chunk{}, core.NewProtocolError("twilio", "media payload is not valid base64")
	}
	return audio.Chunk{Data: data, Format: audio.FormatMulaw, SampleRate: carrierSampleRate}, nil
}

// MediaMessage builds an outbound media frame for a mulaw chunk.
func MediaMessage(streamSID string, chunk audio.Chunk) (StreamMessage, error) {
	if chunk.Format != audio.FormatMulaw {
		return StreamMessage{}, core.NewUnsupportedAudioFormat(
			fmt.Sprintf("media stream requires ulaw, got %s", chunk.Format))
	}
	return StreamMessage{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &StreamMedia{Payload: base64.StdEncoding.EncodeToString(chunk.Data)},
	}, nil
}

// ClearMessage discards any audio Twilio has buffered but not yet played.
func ClearMessage(streamSID string) StreamMessage {
	return StreamMessage{Event: "clear", StreamSID: streamSID}
}

// MarkMessage requests a mark event once buffered audio up to this point has
// been played to the caller.
func MarkMessage(streamSID, name string) StreamMessage {
	return StreamMessage{Event: "mark", StreamSID: streamSID, Mark: &StreamMark{Name: name}}
}

// connectStreamTwiML renders the TwiML that bridges a call onto a
// bidirectional media stream.
func connectStreamTwiML(streamURL string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="`)
	_ = xml.EscapeText(&b, []byte(streamURL))
	b.WriteString(`"/></Connect></Response>`)
	return b.String()
}
