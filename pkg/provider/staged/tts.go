package staged

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/core"
)

const (
	defaultTTSBaseURL = "https://api.elevenlabs.io/v1"
	defaultTTSVoice   = "21m00Tcm4TlvDq8ikWAM"
	defaultTTSModel   = "eleven_turbo_v2_5"

	// 100ms of pcm16 at 16kHz; smaller rates produce smaller frames.
	ttsFrameBytes  = 3200
	ttsChunkBuffer = 16
)

// TTSConfig configures the streaming synthesis client.
type TTSConfig struct {
	APIKey     string
	BaseURL    string
	VoiceID    string
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// TTSClient synthesizes text into a raw audio byte stream and frames it into
// chunks.
type TTSClient struct {
	cfg  TTSConfig
	http *http.Client
	log  *slog.Logger
}

// NewTTSClient creates a synthesis client.
func NewTTSClient(cfg TTSConfig) (*TTSClient, error) {
	if cfg.APIKey == "" {
		return nil, core.NewProviderUnavailable("tts API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTTSBaseURL
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = defaultTTSVoice
	}
	if cfg.Model == "" {
		cfg.Model = defaultTTSModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: time.Minute}
	}
	return &TTSClient{cfg: cfg, http: hc, log: cfg.Logger.With("stage", "tts")}, nil
}

// ttsOutputFormat maps session framing onto the synthesis API's output
// format names.
func ttsOutputFormat(format audio.Format, sampleRate int) (string, error) {
	switch format {
	case audio.FormatPCM16:
		switch sampleRate {
		case 8000, 16000, 24000:
			return fmt.Sprintf("pcm_%d", sampleRate), nil
		}
	case audio.FormatMulaw:
		if sampleRate == 8000 {
			return "ulaw_8000", nil
		}
	}
	return "", core.NewUnsupportedAudioFormat(
		fmt.Sprintf("tts cannot produce %s@%d", format, sampleRate))
}

type ttsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

// Synthesize streams one utterance. The channel closes when synthesis
// completes or the stream breaks.
func (c *TTSClient) Synthesize(ctx context.Context, text string, format audio.Format, sampleRate int) (<-chan audio.Chunk, error) {
	outputFormat, err := ttsOutputFormat(format, sampleRate)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(ttsRequest{Text: text, ModelID: c.cfg.Model})
	if err != nil {
		return nil, core.NewProtocolError(Name, err.Error())
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s",
		c.cfg.BaseURL, c.cfg.VoiceID, outputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, core.NewConnectionError(Name, err)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, core.NewConnectionError(Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, core.NewProtocolError(Name,
			fmt.Sprintf("synthesis request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
	}

	chunks := make(chan audio.Chunk, ttsChunkBuffer)
	go c.readStream(resp.Body, format, sampleRate, chunks)
	return chunks, nil
}

func (c *TTSClient) readStream(body io.ReadCloser, format audio.Format, sampleRate int, chunks chan<- audio.Chunk) {
	defer close(chunks)
	defer func() { _ = body.Close() }()

	buf := make([]byte, ttsFrameBytes)
	for {
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			chunks <- audio.Chunk{
				Data:       data,
				Format:     format,
				SampleRate: sampleRate,
				Timestamp:  time.Now().UTC(),
			}
		}
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				c.log.Warn("synthesis stream ended early", "error", err)
			}
			return
		}
	}
}
