// Package provider defines the capability protocol every AI voice backend
// implements: a shared capability descriptor plus two behavioral contracts,
// one for integrated audio-to-audio backends and one for backends assembled
// from separate speech-recognition, language-model, and synthesis stages.
package provider

import (
	"context"
	"fmt"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/core"
)

// Strategy selects which behavioral contract a provider implements. Callers
// branch on it exactly once, at session creation.
type Strategy string

const (
	StrategyRealtime  Strategy = "realtime"
	StrategySegmented Strategy = "segmented"
)

// CostTier is a coarse relative-cost label used for capacity planning.
type CostTier string

const (
	CostTierPremium  CostTier = "premium"
	CostTierStandard CostTier = "standard"
	CostTierEconomy  CostTier = "economy"
)

// Capabilities is the static per-provider descriptor. It is computed once per
// provider configuration and read-only afterwards.
type Capabilities struct {
	AudioFormats     []audio.Format
	SampleRates      []int
	Streaming        bool
	FunctionCalling  bool
	MaxContextTokens int
	CostTier         CostTier
}

// SupportsFormat reports whether the provider accepts the given format and
// sample rate combination.
func (c Capabilities) SupportsFormat(f audio.Format, sampleRate int) bool {
	formatOK := false
	for _, have := range c.AudioFormats {
		if have == f {
			formatOK = true
			break
		}
	}
	if !formatOK {
		return false
	}
	if len(c.SampleRates) == 0 {
		return true
	}
	for _, r := range c.SampleRates {
		if r == sampleRate {
			return true
		}
	}
	return false
}

// Tool describes a function the provider may call during a session.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionConfig is the immutable value object supplied at session creation.
type SessionConfig struct {
	Model        string
	SystemPrompt string
	Temperature  float64
	Format       audio.Format
	SampleRate   int
	Tools        []Tool
}

// Validate checks a session config against a provider's capability descriptor
// before connect. A mismatch is an unsupported_audio_format error; silently
// dropping data is never an option.
func (sc SessionConfig) Validate(caps Capabilities) error {
	if !sc.Format.Valid() {
		return core.NewUnsupportedAudioFormat(fmt.Sprintf("unknown audio format %q", sc.Format))
	}
	if !caps.SupportsFormat(sc.Format, sc.SampleRate) {
		return core.NewUnsupportedAudioFormat(
			fmt.Sprintf("provider does not support %s at %d Hz", sc.Format, sc.SampleRate))
	}
	if len(sc.Tools) > 0 && !caps.FunctionCalling {
		return core.NewProtocolError("", "provider does not support function calling")
	}
	return nil
}

// EventType tags events emitted by a provider connection.
type EventType string

const (
	EventAudio        EventType = "audio"
	EventTranscript   EventType = "transcript"
	EventText         EventType = "text"
	EventFunctionCall EventType = "function_call"
	EventError        EventType = "error"
	EventClosed       EventType = "closed"
)

// Event is one item from a provider's event stream.
type Event struct {
	Type EventType

	// Audio carries provider speech output for EventAudio.
	Audio audio.Chunk

	// Transcript fields for EventTranscript: Text plus whether this is a
	// final transcript or an intermediate hypothesis.
	Text  string
	Final bool

	// Function call fields for EventFunctionCall.
	CallID    string
	Name      string
	Arguments string

	// Err is set for EventError; the connection is torn down afterwards.
	Err error
}

// Connection is the surface shared by both contracts. Events() is a lazy,
// indefinite stream terminated only by Disconnect or a fatal error; the
// channel is bounded, so a consumer that falls behind blocks the producer
// rather than growing an unbounded buffer.
type Connection interface {
	Connect(ctx context.Context, cfg SessionConfig) error
	Disconnect(ctx context.Context) error
	SendAudio(chunk audio.Chunk) error
	SendText(text string) error
	Events() <-chan Event
	HandleFunctionResult(callID, result string) error
	Capabilities() Capabilities
}

// Realtime is the contract for integrated audio-to-audio backends.
type Realtime interface {
	Connection
}

// Segmented is the contract for backends assembled from independent STT, LLM,
// and TTS stages. SendAudio targets the speech-recognition stage and SendText
// targets the language-model stage directly; Events() yields intermediate
// transcripts in addition to final responses.
type Segmented interface {
	Connection
}

// Config describes one configured provider instance.
type Config struct {
	// Type identifies the backend ("openai-realtime", "staged", ...).
	Type string

	Strategy Strategy

	// Priority orders failover candidates; lower is tried first.
	Priority int

	Enabled bool

	APIKey  string
	BaseURL string
	Model   string

	// Segmented-stage credentials; unused by realtime backends.
	STTAPIKey string
	TTSAPIKey string
	TTSVoice  string
}

// Factory builds a fresh Connection for one session. Connections are never
// shared between sessions.
type Factory func(cfg Config) (Connection, error)
