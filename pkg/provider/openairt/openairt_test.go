package openairt

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/core"
	"github.com/voicebridge/voicebridge/pkg/provider"
)

var upgrader = websocket.Upgrader{}

// fakeRealtimeServer scripts one server side of a realtime session.
func fakeRealtimeServer(t *testing.T, script func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Query().Get("model") == "" {
			t.Error("missing model query parameter")
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer func() { _ = ws.Close() }()
		script(ws)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sessionConfig() provider.SessionConfig {
	return provider.SessionConfig{
		Model:        "gpt-4o-realtime-preview",
		SystemPrompt: "You answer phone calls.",
		Format:       audio.FormatPCM16,
		SampleRate:   24000,
	}
}

func TestConnectSendsSessionUpdate(t *testing.T) {
	gotUpdate := make(chan clientEvent, 1)
	srv := fakeRealtimeServer(t, func(ws *websocket.Conn) {
		var ev clientEvent
		if err := ws.ReadJSON(&ev); err != nil {
			t.Errorf("read session.update: %v", err)
			return
		}
		gotUpdate <- ev
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})
	defer srv.Close()

	c, err := New(provider.Config{APIKey: "sk-test", BaseURL: wsURL(srv)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background(), sessionConfig()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Disconnect(context.Background()) }()

	select {
	case ev := <-gotUpdate:
		if ev.Type != "session.update" || ev.Session == nil {
			t.Fatalf("first client event = %+v", ev)
		}
		if ev.Session.InputAudioFormat != "pcm16" || ev.Session.Instructions != "You answer phone calls." {
			t.Errorf("session settings = %+v", ev.Session)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session.update never arrived")
	}
}

func TestSessionEventFlow(t *testing.T) {
	pcm := make([]byte, 480)
	srv := fakeRealtimeServer(t, func(ws *websocket.Conn) {
		// session.update then one audio append.
		for i := 0; i < 2; i++ {
			var ev clientEvent
			if err := ws.ReadJSON(&ev); err != nil {
				t.Errorf("read client event: %v", err)
				return
			}
			if i == 1 && ev.Type != "input_audio_buffer.append" {
				t.Errorf("second client event = %q", ev.Type)
			}
		}
		_ = ws.WriteJSON(serverEvent{Type: "response.audio.delta",
			Delta: base64.StdEncoding.EncodeToString(pcm)})
		_ = ws.WriteJSON(serverEvent{Type: "response.audio_transcript.done",
			Transcript: "hello there"})
		_ = ws.WriteJSON(serverEvent{Type: "response.function_call_arguments.done",
			CallID: "fc1", Name: "transfer_call", Arguments: `{"to":"+15550001111"}`})
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})
	defer srv.Close()

	c, err := New(provider.Config{APIKey: "sk-test", BaseURL: wsURL(srv)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background(), sessionConfig()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Disconnect(context.Background()) }()

	if err := c.SendAudio(audio.Chunk{Data: pcm, Format: audio.FormatPCM16, SampleRate: 24000}); err != nil {
		t.Fatal(err)
	}

	wantTypes := []provider.EventType{
		provider.EventAudio,
		provider.EventTranscript,
		provider.EventFunctionCall,
		provider.EventClosed,
	}
	for _, want := range wantTypes {
		select {
		case ev := <-c.Events():
			if ev.Type != want {
				t.Fatalf("event = %s, want %s", ev.Type, want)
			}
			switch want {
			case provider.EventAudio:
				if ev.Audio.Format != audio.FormatPCM16 || ev.Audio.SampleRate != 24000 {
					t.Errorf("audio chunk = %+v", ev.Audio)
				}
			case provider.EventTranscript:
				if ev.Text != "hello there" || !ev.Final {
					t.Errorf("transcript = %+v", ev)
				}
			case provider.EventFunctionCall:
				if ev.Name != "transfer_call" || ev.CallID != "fc1" {
					t.Errorf("function call = %+v", ev)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %s never arrived", want)
		}
	}
}

func TestServerErrorSurfacesAsEvent(t *testing.T) {
	srv := fakeRealtimeServer(t, func(ws *websocket.Conn) {
		var ev clientEvent
		_ = ws.ReadJSON(&ev)
		_ = ws.WriteJSON(serverEvent{Type: "error",
			Error: &serverError{Code: "session_expired", Message: "session expired"}})
	})
	defer srv.Close()

	c, err := New(provider.Config{APIKey: "sk-test", BaseURL: wsURL(srv)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background(), sessionConfig()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Disconnect(context.Background()) }()

	select {
	case ev := <-c.Events():
		if ev.Type != provider.EventError || core.CodeOf(ev.Err) != core.CodeProtocolError {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error event never arrived")
	}
}

func TestConnectRefused(t *testing.T) {
	c, err := New(provider.Config{APIKey: "sk-test", BaseURL: "ws://127.0.0.1:1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = c.Connect(context.Background(), sessionConfig())
	if core.CodeOf(err) != core.CodeConnectionError {
		t.Errorf("err = %v, want connection_error", err)
	}
}

func TestSendAudioFormatCheck(t *testing.T) {
	c, err := New(provider.Config{APIKey: "sk-test"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = c.SendAudio(audio.Chunk{Data: []byte{0xFF}, Format: audio.FormatMulaw, SampleRate: 8000})
	if core.CodeOf(err) != core.CodeUnsupportedAudioFormat {
		t.Errorf("err = %v, want unsupported_audio_format", err)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(provider.Config{}, nil); core.CodeOf(err) != core.CodeProviderUnavailable {
		t.Errorf("err = %v, want provider_unavailable", err)
	}
}
