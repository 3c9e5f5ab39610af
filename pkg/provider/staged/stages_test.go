package staged

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/core"
)

var upgrader = websocket.Upgrader{}

func TestSTTClientStream(t *testing.T) {
	frame := []byte{1, 2, 3, 4}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token dg-test" {
			t.Errorf("Authorization = %q", got)
		}
		q := r.URL.Query()
		if q.Get("encoding") != "linear16" || q.Get("sample_rate") != "16000" {
			t.Errorf("query = %v", q)
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer func() { _ = ws.Close() }()

		mt, data, err := ws.ReadMessage()
		if err != nil {
			t.Errorf("read audio: %v", err)
			return
		}
		if mt != websocket.BinaryMessage || string(data) != string(frame) {
			t.Errorf("audio message type=%d data=%v", mt, data)
		}

		write := func(text string, final bool) {
			var res recognitionResult
			res.Type = "Results"
			res.IsFinal = final
			res.Channel.Alternatives = []struct {
				Transcript string `json:"transcript"`
			}{{Transcript: text}}
			_ = ws.WriteJSON(res)
		}
		write("hello", false)
		write("hello world", true)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}))
	defer srv.Close()

	c, err := NewSTTClient(STTConfig{APIKey: "dg-test", BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background(), audio.FormatPCM16, 16000); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close(context.Background()) }()

	if err := c.SendAudio(audio.Chunk{Data: frame, Format: audio.FormatPCM16, SampleRate: 16000}); err != nil {
		t.Fatal(err)
	}

	var got []TranscriptResult
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case res, ok := <-c.Results():
			if !ok {
				t.Fatalf("results closed after %d items", len(got))
			}
			if res.Err != nil {
				t.Fatal(res.Err)
			}
			got = append(got, res)
		case <-timeout:
			t.Fatal("transcripts never arrived")
		}
	}
	if got[0].Final || got[0].Text != "hello" {
		t.Errorf("interim = %+v", got[0])
	}
	if !got[1].Final || got[1].Text != "hello world" {
		t.Errorf("final = %+v", got[1])
	}
}

func TestSTTClientRejectsUnknownFormat(t *testing.T) {
	c, err := NewSTTClient(STTConfig{APIKey: "dg-test"})
	if err != nil {
		t.Fatal(err)
	}
	err = c.Start(context.Background(), audio.Format("opus"), 48000)
	if core.CodeOf(err) != core.CodeUnsupportedAudioFormat {
		t.Errorf("err = %v, want unsupported_audio_format", err)
	}
}

func TestSTTClientRequiresKey(t *testing.T) {
	if _, err := NewSTTClient(STTConfig{}); core.CodeOf(err) != core.CodeProviderUnavailable {
		t.Errorf("err = %v, want provider_unavailable", err)
	}
}

func TestLLMClientStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream || len(req.Messages) != 3 {
			t.Errorf("request = %+v", req)
		}
		if req.Messages[0].Role != "system" || req.Messages[2].Content != "second question" {
			t.Errorf("messages = %+v", req.Messages)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hel", "lo."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c, err := NewLLMClient(LLMConfig{APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	history := []Turn{{Role: "user", Text: "first question"}}
	deltas, err := c.Complete(context.Background(), "Be brief.", history, "second question")
	if err != nil {
		t.Fatal(err)
	}
	var b strings.Builder
	for d := range deltas {
		b.WriteString(d)
	}
	if b.String() != "Hello." {
		t.Errorf("completion = %q", b.String())
	}
}

func TestLLMClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := NewLLMClient(LLMConfig{APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Complete(context.Background(), "", nil, "hi")
	if core.CodeOf(err) != core.CodeProtocolError {
		t.Errorf("err = %v, want protocol_error", err)
	}
}

func TestTTSClientStreams(t *testing.T) {
	const total = 5000
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("xi-api-key"); got != "xi-test" {
			t.Errorf("xi-api-key = %q", got)
		}
		if !strings.Contains(r.URL.Path, "/text-to-speech/voice-1/stream") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("output_format"); got != "pcm_16000" {
			t.Errorf("output_format = %q", got)
		}
		var req ttsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text != "Hello there." {
			t.Errorf("request = %+v err = %v", req, err)
		}
		_, _ = w.Write(make([]byte, total))
	}))
	defer srv.Close()

	c, err := NewTTSClient(TTSConfig{APIKey: "xi-test", BaseURL: srv.URL, VoiceID: "voice-1"})
	if err != nil {
		t.Fatal(err)
	}
	chunks, err := c.Synthesize(context.Background(), "Hello there.", audio.FormatPCM16, 16000)
	if err != nil {
		t.Fatal(err)
	}
	got := 0
	for chunk := range chunks {
		if chunk.Format != audio.FormatPCM16 || chunk.SampleRate != 16000 {
			t.Fatalf("chunk = %+v", chunk)
		}
		if len(chunk.Data) > ttsFrameBytes {
			t.Fatalf("oversized frame: %d bytes", len(chunk.Data))
		}
		got += len(chunk.Data)
	}
	if got != total {
		t.Errorf("received %d bytes, want %d", got, total)
	}
}

func TestTTSOutputFormat(t *testing.T) {
	tests := []struct {
		format audio.Format
		rate   int
		want   string
		ok     bool
	}{
		{audio.FormatPCM16, 16000, "pcm_16000", true},
		{audio.FormatPCM16, 24000, "pcm_24000", true},
		{audio.FormatMulaw, 8000, "ulaw_8000", true},
		{audio.FormatMulaw, 16000, "", false},
		{audio.FormatPCM16, 44100, "", false},
	}
	for _, tt := range tests {
		got, err := ttsOutputFormat(tt.format, tt.rate)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("ttsOutputFormat(%s, %d) = %q, %v", tt.format, tt.rate, got, err)
		}
		if !tt.ok && core.CodeOf(err) != core.CodeUnsupportedAudioFormat {
			t.Errorf("ttsOutputFormat(%s, %d) err = %v", tt.format, tt.rate, err)
		}
	}
}
