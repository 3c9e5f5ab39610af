package staged

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/core"
	"github.com/voicebridge/voicebridge/pkg/provider"
)

type fakeSTT struct {
	mu      sync.Mutex
	results chan TranscriptResult
	sent    []audio.Chunk
	started bool
	closed  bool
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{results: make(chan TranscriptResult, 16)}
}

func (s *fakeSTT) Start(context.Context, audio.Format, int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *fakeSTT) SendAudio(chunk audio.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, chunk)
	return nil
}

func (s *fakeSTT) Results() <-chan TranscriptResult { return s.results }

func (s *fakeSTT) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}

type fakeLLM struct {
	mu     sync.Mutex
	deltas []string
	calls  []string // user text per turn
}

func (l *fakeLLM) Complete(_ context.Context, _ string, _ []Turn, user string) (<-chan string, error) {
	l.mu.Lock()
	l.calls = append(l.calls, user)
	deltas := l.deltas
	l.mu.Unlock()
	out := make(chan string, len(deltas))
	for _, d := range deltas {
		out <- d
	}
	close(out)
	return out, nil
}

type fakeTTS struct {
	mu    sync.Mutex
	texts []string
}

func (t *fakeTTS) Synthesize(_ context.Context, text string, format audio.Format, sampleRate int) (<-chan audio.Chunk, error) {
	t.mu.Lock()
	t.texts = append(t.texts, text)
	t.mu.Unlock()
	out := make(chan audio.Chunk, 1)
	out <- audio.Chunk{Data: []byte{1, 2, 3, 4}, Format: format, SampleRate: sampleRate}
	close(out)
	return out, nil
}

func pipelineConfig() provider.SessionConfig {
	return provider.SessionConfig{
		SystemPrompt: "Be brief.",
		Format:       audio.FormatPCM16,
		SampleRate:   16000,
	}
}

func nextEvent(t *testing.T, events <-chan provider.Event) provider.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("event never arrived")
	}
	return provider.Event{}
}

func TestPipelineTurn(t *testing.T) {
	stt := newFakeSTT()
	llm := &fakeLLM{deltas: []string{"Hi there. How can", " I help?"}}
	tts := &fakeTTS{}
	p, err := New(stt, llm, tts, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Connect(context.Background(), pipelineConfig()); err != nil {
		t.Fatal(err)
	}

	stt.results <- TranscriptResult{Text: "hello wor", Final: false}
	stt.results <- TranscriptResult{Text: "hello world", Final: true}

	ev := nextEvent(t, p.Events())
	if ev.Type != provider.EventTranscript || ev.Final || ev.Text != "hello wor" {
		t.Fatalf("partial = %+v", ev)
	}
	ev = nextEvent(t, p.Events())
	if ev.Type != provider.EventTranscript || !ev.Final || ev.Text != "hello world" {
		t.Fatalf("final = %+v", ev)
	}
	// One audio burst per sentence, then the full text.
	for i := 0; i < 2; i++ {
		ev = nextEvent(t, p.Events())
		if ev.Type != provider.EventAudio || ev.Audio.SampleRate != 16000 {
			t.Fatalf("audio %d = %+v", i, ev)
		}
	}
	ev = nextEvent(t, p.Events())
	if ev.Type != provider.EventText || !ev.Final || ev.Text != "Hi there. How can I help?" {
		t.Fatalf("text = %+v", ev)
	}

	tts.mu.Lock()
	spoken := append([]string(nil), tts.texts...)
	tts.mu.Unlock()
	if len(spoken) != 2 || spoken[0] != "Hi there." || spoken[1] != "How can I help?" {
		t.Errorf("spoken sentences = %q", spoken)
	}

	_ = stt.Close(context.Background())
	ev = nextEvent(t, p.Events())
	if ev.Type != provider.EventClosed {
		t.Errorf("event after stream end = %+v", ev)
	}
}

func TestPipelineKeepsHistory(t *testing.T) {
	stt := newFakeSTT()
	llm := &fakeLLM{deltas: []string{"Sure."}}
	p, err := New(stt, llm, &fakeTTS{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Connect(context.Background(), pipelineConfig()); err != nil {
		t.Fatal(err)
	}

	stt.results <- TranscriptResult{Text: "first question", Final: true}
	stt.results <- TranscriptResult{Text: "second question", Final: true}
	deadline := time.After(2 * time.Second)
	seenText := 0
	for seenText < 2 {
		select {
		case ev := <-p.Events():
			if ev.Type == provider.EventText {
				seenText++
			}
		case <-deadline:
			t.Fatal("turns did not complete")
		}
	}

	p.mu.Lock()
	history := append([]Turn(nil), p.history...)
	p.mu.Unlock()
	want := []Turn{
		{Role: "user", Text: "first question"},
		{Role: "assistant", Text: "Sure."},
		{Role: "user", Text: "second question"},
		{Role: "assistant", Text: "Sure."},
	}
	if len(history) != len(want) {
		t.Fatalf("history = %+v", history)
	}
	for i := range want {
		if history[i] != want[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, history[i], want[i])
		}
	}
}

func TestSendAudioChecksSessionFormat(t *testing.T) {
	stt := newFakeSTT()
	p, err := New(stt, &fakeLLM{}, &fakeTTS{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Connect(context.Background(), pipelineConfig()); err != nil {
		t.Fatal(err)
	}

	good := audio.Chunk{Data: []byte{0, 0}, Format: audio.FormatPCM16, SampleRate: 16000}
	if err := p.SendAudio(good); err != nil {
		t.Fatal(err)
	}
	bad := audio.Chunk{Data: []byte{0xFF}, Format: audio.FormatMulaw, SampleRate: 8000}
	if err := p.SendAudio(bad); core.CodeOf(err) != core.CodeUnsupportedAudioFormat {
		t.Errorf("err = %v, want unsupported_audio_format", err)
	}

	stt.mu.Lock()
	defer stt.mu.Unlock()
	if len(stt.sent) != 1 {
		t.Errorf("stt received %d chunks, want 1", len(stt.sent))
	}
}

func TestSendAudioBeforeConnect(t *testing.T) {
	p, err := New(newFakeSTT(), &fakeLLM{}, &fakeTTS{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	chunk := audio.Chunk{Data: []byte{0, 0}, Format: audio.FormatPCM16, SampleRate: 16000}
	if err := p.SendAudio(chunk); core.CodeOf(err) != core.CodeConnectionError {
		t.Errorf("err = %v, want connection_error", err)
	}
}

func TestFunctionCallingRejected(t *testing.T) {
	p, err := New(newFakeSTT(), &fakeLLM{}, &fakeTTS{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.HandleFunctionResult("fc1", "{}"); core.CodeOf(err) != core.CodeProtocolError {
		t.Errorf("err = %v, want protocol_error", err)
	}

	cfg := pipelineConfig()
	cfg.Tools = []provider.Tool{{Name: "transfer_call"}}
	if err := p.Connect(context.Background(), cfg); core.CodeOf(err) != core.CodeProtocolError {
		t.Errorf("connect with tools = %v, want protocol_error", err)
	}
}

func TestNewRequiresAllStages(t *testing.T) {
	if _, err := New(nil, &fakeLLM{}, &fakeTTS{}, nil); core.CodeOf(err) != core.CodeProviderUnavailable {
		t.Errorf("err = %v, want provider_unavailable", err)
	}
}

func TestSplitSentence(t *testing.T) {
	tests := []struct {
		in       string
		sentence string
		rest     string
		ok       bool
	}{
		{"Hello there. More", "Hello there.", "More", true},
		{"Really?", "Really?", "", true},
		{"Stop! Now", "Stop!", "Now", true},
		{"no boundary yet", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		sentence, rest, ok := splitSentence(tt.in)
		if sentence != tt.sentence || rest != tt.rest || ok != tt.ok {
			t.Errorf("splitSentence(%q) = %q, %q, %v", tt.in, sentence, rest, ok)
		}
	}
}
