package staged

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/core"
)

const (
	defaultSTTBaseURL = "wss://api.deepgram.com/v1/listen"

	sttHandshakeTimeout = 10 * time.Second
	sttWriteTimeout     = 5 * time.Second
	sttResultBuffer     = 32
)

// STTConfig configures the streaming recognition client.
type STTConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Logger  *slog.Logger
}

// STTClient streams audio over a recognition WebSocket and yields interim and
// final transcripts.
type STTClient struct {
	cfg STTConfig
	log *slog.Logger

	results chan TranscriptResult

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool

	writeMu sync.Mutex
}

// NewSTTClient creates an unconnected recognition client.
func NewSTTClient(cfg STTConfig) (*STTClient, error) {
	if cfg.APIKey == "" {
		return nil, core.NewProviderUnavailable("stt API key is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &STTClient{
		cfg:     cfg,
		log:     cfg.Logger.With("stage", "stt"),
		results: make(chan TranscriptResult, sttResultBuffer),
	}, nil
}

// recognitionResult is the server transcript message shape.
type recognitionResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func sttEncoding(format audio.Format) (string, error) {
	switch format {
	case audio.FormatPCM16:
		return "linear16", nil
	case audio.FormatMulaw:
		return "mulaw", nil
	default:
		return "", core.NewUnsupportedAudioFormat(fmt.Sprintf("stt cannot accept %s", format))
	}
}

// Start dials the recognition endpoint for the given input framing.
func (c *STTClient) Start(ctx context.Context, format audio.Format, sampleRate int) error {
	encoding, err := sttEncoding(format)
	if err != nil {
		return err
	}
	base := c.cfg.BaseURL
	if base == "" {
		base = defaultSTTBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return core.NewProtocolError(Name, fmt.Sprintf("bad stt base URL %q", base))
	}
	q := u.Query()
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("interim_results", "true")
	if c.cfg.Model != "" {
		q.Set("model", c.cfg.Model)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+c.cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: sttHandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return core.NewConnectionError(Name, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	go c.readLoop(ws)
	return nil
}

// SendAudio writes one audio frame as a binary message.
func (c *STTClient) SendAudio(chunk audio.Chunk) error {
	c.mu.Lock()
	ws := c.ws
	closed := c.closed
	c.mu.Unlock()
	if ws == nil || closed {
		return core.NewConnectionError(Name, fmt.Errorf("stt stream not started"))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(sttWriteTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, chunk.Data); err != nil {
		return core.NewConnectionError(Name, err)
	}
	return nil
}

// Results yields transcripts until the stream ends.
func (c *STTClient) Results() <-chan TranscriptResult { return c.results }

// Close asks the server to flush remaining results and closes the socket.
func (c *STTClient) Close(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if alreadyClosed || ws == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(sttWriteTimeout))
	_ = ws.WriteJSON(map[string]string{"type": "CloseStream"})
	c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(sttWriteTimeout)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
	return ws.Close()
}

// readLoop is the only closer of the results channel.
func (c *STTClient) readLoop(ws *websocket.Conn) {
	defer close(c.results)
	for {
		var res recognitionResult
		if err := ws.ReadJSON(&res); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.results <- TranscriptResult{Err: err}
			return
		}
		if len(res.Channel.Alternatives) == 0 {
			continue
		}
		text := res.Channel.Alternatives[0].Transcript
		if text == "" {
			continue
		}
		c.results <- TranscriptResult{Text: text, Final: res.IsFinal}
	}
}
