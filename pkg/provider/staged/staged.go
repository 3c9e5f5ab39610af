// Package staged implements the segmented provider contract: a voice backend
// assembled from independent speech-to-text, language-model, and
// text-to-speech stages, surfaced through the same event stream as an
// integrated realtime backend.
package staged

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/core"
	"github.com/voicebridge/voicebridge/pkg/provider"
)

const (
	Name = "staged"

	eventBuffer = 64
)

// TranscriptResult is one item from a speech-to-text stream.
type TranscriptResult struct {
	Text  string
	Final bool
	Err   error
}

// SpeechToText is a streaming recognition stage.
type SpeechToText interface {
	Start(ctx context.Context, format audio.Format, sampleRate int) error
	SendAudio(chunk audio.Chunk) error
	Results() <-chan TranscriptResult
	Close(ctx context.Context) error
}

// Turn is one exchange in the conversation history.
type Turn struct {
	Role string // "user" | "assistant"
	Text string
}

// LanguageModel is a streaming completion stage. The returned channel yields
// text deltas and closes when the response is complete.
type LanguageModel interface {
	Complete(ctx context.Context, system string, history []Turn, user string) (<-chan string, error)
}

// TextToSpeech is a streaming synthesis stage.
type TextToSpeech interface {
	Synthesize(ctx context.Context, text string, format audio.Format, sampleRate int) (<-chan audio.Chunk, error)
}

// Provider composes the three stages behind the provider.Connection surface.
// Final transcripts drive LLM turns; LLM output is chunked into sentences and
// synthesized as soon as each sentence completes.
type Provider struct {
	stt SpeechToText
	llm LanguageModel
	tts TextToSpeech
	log *slog.Logger

	events chan provider.Event

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cfg       provider.SessionConfig
	history   []Turn
	connected bool
	closed    bool
	turns     sync.WaitGroup
}

// Factory builds a segmented pipeline per session from the provider config:
// the LLM key rides on the primary APIKey, the STT and TTS stages carry their
// own credentials.
func Factory(logger *slog.Logger) provider.Factory {
	return func(cfg provider.Config) (provider.Connection, error) {
		stt, err := NewSTTClient(STTConfig{APIKey: cfg.STTAPIKey, Logger: logger})
		if err != nil {
			return nil, err
		}
		llm, err := NewLLMClient(LLMConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, Logger: logger})
		if err != nil {
			return nil, err
		}
		tts, err := NewTTSClient(TTSConfig{APIKey: cfg.TTSAPIKey, VoiceID: cfg.TTSVoice, Logger: logger})
		if err != nil {
			return nil, err
		}
		return New(stt, llm, tts, logger)
	}
}

// New composes a segmented provider from its stages.
func New(stt SpeechToText, llm LanguageModel, tts TextToSpeech, logger *slog.Logger) (*Provider, error) {
	if stt == nil || llm == nil || tts == nil {
		return nil, core.NewProviderUnavailable("staged provider requires stt, llm, and tts stages")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		stt:    stt,
		llm:    llm,
		tts:    tts,
		log:    logger.With("provider", Name),
		events: make(chan provider.Event, eventBuffer),
	}, nil
}

// Capabilities: narrowband-friendly, streaming, no function calling.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		AudioFormats:     []audio.Format{audio.FormatPCM16, audio.FormatMulaw},
		SampleRates:      []int{8000, 16000, 24000},
		Streaming:        true,
		FunctionCalling:  false,
		MaxContextTokens: 32000,
		CostTier:         provider.CostTierEconomy,
	}
}

// Connect starts the recognition stream and the transcript orchestrator.
func (p *Provider) Connect(ctx context.Context, cfg provider.SessionConfig) error {
	if err := cfg.Validate(p.Capabilities()); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	if err := p.stt.Start(ctx, cfg.Format, cfg.SampleRate); err != nil {
		cancel()
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.ctx = runCtx
	p.cancel = cancel
	p.connected = true
	p.mu.Unlock()

	go p.orchestrate()
	return nil
}

// Disconnect stops the stages and terminates the event stream once in-flight
// turns have drained.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed || !p.connected {
		p.closed = true
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	err := p.stt.Close(ctx)
	cancel()
	return err
}

// SendAudio feeds the recognition stage.
func (p *Provider) SendAudio(chunk audio.Chunk) error {
	p.mu.Lock()
	cfg := p.cfg
	connected := p.connected && !p.closed
	p.mu.Unlock()
	if !connected {
		return core.NewConnectionError(Name, fmt.Errorf("not connected"))
	}
	if chunk.Format != cfg.Format || chunk.SampleRate != cfg.SampleRate {
		return core.NewUnsupportedAudioFormat(
			fmt.Sprintf("session audio is %s@%d, got %s@%d",
				cfg.Format, cfg.SampleRate, chunk.Format, chunk.SampleRate))
	}
	return p.stt.SendAudio(chunk)
}

// SendText bypasses recognition and drives the language-model stage
// directly.
func (p *Provider) SendText(text string) error {
	p.mu.Lock()
	connected := p.connected && !p.closed
	ctx := p.ctx
	p.mu.Unlock()
	if !connected {
		return core.NewConnectionError(Name, fmt.Errorf("not connected"))
	}
	p.turns.Add(1)
	go func() {
		defer p.turns.Done()
		p.runTurn(ctx, text)
	}()
	return nil
}

// HandleFunctionResult is unsupported: the staged pipeline publishes no
// function-calling capability.
func (p *Provider) HandleFunctionResult(string, string) error {
	return core.NewProtocolError(Name, "staged provider does not support function calling")
}

// Events is the unified provider event stream.
func (p *Provider) Events() <-chan provider.Event { return p.events }

// orchestrate owns the events channel: it forwards partial transcripts and
// runs one LLM+TTS turn per final transcript, in order.
func (p *Provider) orchestrate() {
	defer close(p.events)
	results := p.stt.Results()
	for {
		select {
		case <-p.ctx.Done():
			p.turns.Wait()
			p.emit(provider.Event{Type: provider.EventClosed})
			return
		case res, ok := <-results:
			if !ok {
				p.turns.Wait()
				p.emit(provider.Event{Type: provider.EventClosed})
				return
			}
			if res.Err != nil {
				p.emit(provider.Event{Type: provider.EventError,
					Err: core.NewConnectionError(Name, res.Err)})
				return
			}
			p.emit(provider.Event{Type: provider.EventTranscript, Text: res.Text, Final: res.Final})
			if res.Final && strings.TrimSpace(res.Text) != "" {
				// Turns run inline so responses keep arrival order.
				p.runTurn(p.ctx, res.Text)
			}
		}
	}
}

// runTurn streams one completion, synthesizing each finished sentence while
// the model is still writing the next one.
func (p *Provider) runTurn(ctx context.Context, userText string) {
	p.mu.Lock()
	system := p.cfg.SystemPrompt
	history := append([]Turn(nil), p.history...)
	p.mu.Unlock()

	deltas, err := p.llm.Complete(ctx, system, history, userText)
	if err != nil {
		p.emit(provider.Event{Type: provider.EventError, Err: core.NewConnectionError(Name, err)})
		return
	}

	var full, pending strings.Builder
	for delta := range deltas {
		full.WriteString(delta)
		pending.WriteString(delta)
		if sentence, rest, ok := splitSentence(pending.String()); ok {
			pending.Reset()
			pending.WriteString(rest)
			p.speak(ctx, sentence)
		}
	}
	if tail := strings.TrimSpace(pending.String()); tail != "" {
		p.speak(ctx, tail)
	}

	response := full.String()
	p.emit(provider.Event{Type: provider.EventText, Text: response, Final: true})
	p.mu.Lock()
	p.history = append(p.history, Turn{Role: "user", Text: userText},
		Turn{Role: "assistant", Text: response})
	p.mu.Unlock()
}

func (p *Provider) speak(ctx context.Context, text string) {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()
	chunks, err := p.tts.Synthesize(ctx, text, cfg.Format, cfg.SampleRate)
	if err != nil {
		p.emit(provider.Event{Type: provider.EventError, Err: core.NewConnectionError(Name, err)})
		return
	}
	for chunk := range chunks {
		p.emit(provider.Event{Type: provider.EventAudio, Audio: chunk})
	}
}

func (p *Provider) emit(ev provider.Event) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
		// Teardown raced the event; drop it.
	}
}

// splitSentence cuts the first complete sentence off text. ok is false while
// no sentence boundary has arrived yet.
func splitSentence(text string) (sentence, rest string, ok bool) {
	for i, r := range text {
		switch r {
		case '.', '!', '?':
			cut := i + 1
			return strings.TrimSpace(text[:cut]), strings.TrimLeft(text[cut:], " "), true
		}
	}
	return "", "", false
}
