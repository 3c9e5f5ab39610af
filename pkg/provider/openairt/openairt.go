// Package openairt implements the realtime end-to-end provider contract over
// the OpenAI Realtime WebSocket protocol: audio in, audio out, no separate
// STT or TTS stage.
package openairt

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/core"
	"github.com/voicebridge/voicebridge/pkg/provider"
)

const (
	Name = "openai-realtime"

	defaultBaseURL    = "wss://api.openai.com/v1/realtime"
	defaultModel      = "gpt-4o-realtime-preview"
	defaultSampleRate = 24000

	eventBuffer      = 64
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Connection is one realtime WebSocket session. Never shared between
// sessions.
type Connection struct {
	cfg provider.Config
	log *slog.Logger

	events chan provider.Event

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool

	writeMu sync.Mutex

	sampleRate int
}

// Factory builds connections for the engine's provider pool.
func Factory(logger *slog.Logger) provider.Factory {
	return func(cfg provider.Config) (provider.Connection, error) {
		return New(cfg, logger)
	}
}

// New creates an unconnected realtime connection.
func New(cfg provider.Config, logger *slog.Logger) (*Connection, error) {
	if cfg.APIKey == "" {
		return nil, core.NewProviderUnavailable("openai realtime API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		cfg:        cfg,
		log:        logger.With("provider", Name),
		events:     make(chan provider.Event, eventBuffer),
		sampleRate: defaultSampleRate,
	}, nil
}

// Capabilities: integrated audio-to-audio, streaming, function calling.
func (c *Connection) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		AudioFormats:     []audio.Format{audio.FormatPCM16},
		SampleRates:      []int{defaultSampleRate},
		Streaming:        true,
		FunctionCalling:  true,
		MaxContextTokens: 128000,
		CostTier:         provider.CostTierPremium,
	}
}

// Connect dials the realtime endpoint and configures the session.
func (c *Connection) Connect(ctx context.Context, cfg provider.SessionConfig) error {
	if err := cfg.Validate(c.Capabilities()); err != nil {
		return err
	}
	base := c.cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = c.cfg.Model
	}
	if model == "" {
		model = defaultModel
	}
	u, err := url.Parse(base)
	if err != nil {
		return core.NewProtocolError(Name, fmt.Sprintf("bad base URL %q", base))
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return core.NewConnectionError(Name, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.sampleRate = cfg.SampleRate
	c.mu.Unlock()

	if err := c.sendSessionUpdate(cfg); err != nil {
		_ = ws.Close()
		return err
	}
	go c.readLoop(ws)
	return nil
}

func (c *Connection) sendSessionUpdate(cfg provider.SessionConfig) error {
	settings := sessionSettings{
		Modalities:        []string{"audio", "text"},
		Instructions:      cfg.SystemPrompt,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Temperature:       cfg.Temperature,
	}
	for _, t := range cfg.Tools {
		settings.Tools = append(settings.Tools, sessionTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return c.writeEvent(clientEvent{Type: "session.update", Session: &settings})
}

// Disconnect closes the socket; the event stream terminates shortly after.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if alreadyClosed || ws == nil {
		return nil
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
	return ws.Close()
}

// SendAudio appends one PCM16 chunk to the input buffer. Server-side voice
// activity detection commits turns.
func (c *Connection) SendAudio(chunk audio.Chunk) error {
	if chunk.Format != audio.FormatPCM16 || chunk.SampleRate != c.sampleRate {
		return core.NewUnsupportedAudioFormat(
			fmt.Sprintf("realtime input is pcm16@%d, got %s@%d", c.sampleRate, chunk.Format, chunk.SampleRate))
	}
	return c.writeEvent(clientEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk.Data),
	})
}

// SendText injects a user message and requests a response.
func (c *Connection) SendText(text string) error {
	item := conversationItem{
		Type: "message",
		Role: "user",
		Content: []contentPart{
			{Type: "input_text", Text: text},
		},
	}
	if err := c.writeEvent(clientEvent{Type: "conversation.item.create", Item: &item}); err != nil {
		return err
	}
	return c.writeEvent(clientEvent{Type: "response.create"})
}

// HandleFunctionResult returns a function-call output and requests the
// follow-up response.
func (c *Connection) HandleFunctionResult(callID, result string) error {
	item := conversationItem{
		Type:   "function_call_output",
		CallID: callID,
		Output: result,
	}
	if err := c.writeEvent(clientEvent{Type: "conversation.item.create", Item: &item}); err != nil {
		return err
	}
	return c.writeEvent(clientEvent{Type: "response.create"})
}

// Events is the unified provider event stream. The channel is bounded; a slow
// consumer blocks the read loop rather than buffering without limit.
func (c *Connection) Events() <-chan provider.Event { return c.events }

func (c *Connection) writeEvent(ev clientEvent) error {
	c.mu.Lock()
	ws := c.ws
	closed := c.closed
	c.mu.Unlock()
	if ws == nil || closed {
		return core.NewConnectionError(Name, fmt.Errorf("not connected"))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(ev); err != nil {
		return core.NewConnectionError(Name, err)
	}
	return nil
}

// readLoop translates server events until the socket dies. It owns the events
// channel and is the only closer.
func (c *Connection) readLoop(ws *websocket.Conn) {
	defer close(c.events)
	for {
		var ev serverEvent
		if err := ws.ReadJSON(&ev); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.events <- provider.Event{Type: provider.EventClosed}
				return
			}
			c.events <- provider.Event{Type: provider.EventError, Err: core.NewConnectionError(Name, err)}
			return
		}
		c.dispatch(ev)
	}
}

func (c *Connection) dispatch(ev serverEvent) {
	switch ev.Type {
	case "response.audio.delta":
		data, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			c.log.Warn("undecodable audio delta dropped")
			return
		}
		c.events <- provider.Event{Type: provider.EventAudio, Audio: audio.Chunk{
			Data:       data,
			Format:     audio.FormatPCM16,
			SampleRate: c.sampleRate,
			Timestamp:  time.Now().UTC(),
		}}
	case "response.audio_transcript.delta":
		c.events <- provider.Event{Type: provider.EventTranscript, Text: ev.Delta}
	case "response.audio_transcript.done":
		c.events <- provider.Event{Type: provider.EventTranscript, Text: ev.Transcript, Final: true}
	case "conversation.item.input_audio_transcription.completed":
		c.events <- provider.Event{Type: provider.EventTranscript, Text: ev.Transcript, Final: true}
	case "response.text.delta":
		c.events <- provider.Event{Type: provider.EventText, Text: ev.Delta}
	case "response.text.done":
		c.events <- provider.Event{Type: provider.EventText, Text: ev.Text, Final: true}
	case "response.function_call_arguments.done":
		c.events <- provider.Event{
			Type:      provider.EventFunctionCall,
			CallID:    ev.CallID,
			Name:      ev.Name,
			Arguments: ev.Arguments,
		}
	case "error":
		msg := "server error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		c.events <- provider.Event{Type: provider.EventError, Err: core.NewProtocolError(Name, msg)}
	default:
		// session.created, response.done, rate-limit updates and the rest
		// carry nothing the engine acts on.
	}
}
