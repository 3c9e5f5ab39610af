package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/engine"
	"github.com/voicebridge/voicebridge/pkg/engine/health"
	"github.com/voicebridge/voicebridge/pkg/engine/registry"
	"github.com/voicebridge/voicebridge/pkg/engine/session"
	"github.com/voicebridge/voicebridge/pkg/gateway/config"
	"github.com/voicebridge/voicebridge/pkg/provider"
	"github.com/voicebridge/voicebridge/pkg/telephony/twilio"
)

const testAuthToken = "token-secret"

type stubConn struct {
	mu     sync.Mutex
	events chan provider.Event
	sent   []audio.Chunk
}

func (c *stubConn) Connect(context.Context, provider.SessionConfig) error { return nil }
func (c *stubConn) Disconnect(context.Context) error                      { return nil }

func (c *stubConn) SendAudio(chunk audio.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, chunk)
	return nil
}

func (c *stubConn) SendText(string) error                     { return nil }
func (c *stubConn) Events() <-chan provider.Event             { return c.events }
func (c *stubConn) HandleFunctionResult(string, string) error { return nil }

func (c *stubConn) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		AudioFormats: []audio.Format{audio.FormatPCM16},
		SampleRates:  []int{24000},
		Streaming:    true,
	}
}

type rig struct {
	handlers *Handlers
	engine   *engine.Engine
	cfg      config.Config

	mu       sync.Mutex
	lastConn *stubConn
	apiCalls []string
}

func (r *rig) conn() *stubConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastConn
}

func (r *rig) carrierAPICalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.apiCalls...)
}

// newRig builds a handler set over a real engine, a real Twilio adapter
// pointed at a stub REST API, and a stub provider.
func newRig(t *testing.T) *rig {
	t.Helper()

	r := &rig{}
	carrierAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.apiCalls = append(r.apiCalls, req.Method+" "+req.URL.Path)
		r.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"sid":"CA1","status":"completed"}`)
	}))
	t.Cleanup(carrierAPI.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tw, err := twilio.New(twilio.Config{
		AccountSID:      "AC1",
		AuthToken:       testAuthToken,
		BaseURL:         carrierAPI.URL,
		StrictSignature: true,
		Logger:          logger,
	})
	if err != nil {
		t.Fatal(err)
	}

	hreg := health.NewRegistry(health.Config{})
	reg := registry.New(nil, logger)
	eng := engine.New(engine.Config{Session: session.Config{TeardownTimeout: time.Second}}, hreg, reg, logger, nil)
	eng.RegisterAdapter(tw)

	r.engine = eng
	eng.RegisterProvider("stub", provider.Config{
		Type: "stub", Strategy: provider.StrategyRealtime, Priority: 1, Enabled: true,
	}, func(provider.Config) (provider.Connection, error) {
		c := &stubConn{events: make(chan provider.Event, 16)}
		r.mu.Lock()
		r.lastConn = c
		r.mu.Unlock()
		return c, nil
	})

	r.cfg = config.Config{
		PublicURL:        "https://voice.example.com",
		SystemPrompt:     "Keep it short.",
		StrictSignatures: true,
	}
	r.handlers = New(r.cfg, eng, nil, logger)
	return r
}

func startSession(t *testing.T, r *rig, callID string) *session.Session {
	t.Helper()
	sess, err := r.engine.StartSession(context.Background(), "twilio", callID, r.handlers.sessionConfig())
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestHealthz(t *testing.T) {
	r := newRig(t)
	rec := httptest.NewRecorder()
	r.handlers.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestReadyzReportsDegradedStore(t *testing.T) {
	r := newRig(t)
	rec := httptest.NewRecorder()
	r.handlers.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["store_degraded"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestListAndGetSessions(t *testing.T) {
	r := newRig(t)
	sess := startSession(t, r, "CA100")
	defer func() { sess.End("test"); <-sess.Done() }()

	rec := httptest.NewRecorder()
	r.handlers.ListSessions(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Sessions []registry.Record `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].CallID != "CA100" {
		t.Errorf("sessions = %+v", list.Sessions)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+sess.ID(), nil)
	req.SetPathValue("id", sess.ID())
	r.handlers.GetSession(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var rec2 registry.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &rec2); err != nil {
		t.Fatal(err)
	}
	if rec2.ID != sess.ID() || rec2.Provider != "stub" {
		t.Errorf("record = %+v", rec2)
	}
}

func TestGetSessionMiss(t *testing.T) {
	r := newRig(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/nope", nil)
	req.SetPathValue("id", "nope")
	r.handlers.GetSession(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestEndSession(t *testing.T) {
	r := newRig(t)
	sess := startSession(t, r, "CA101")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+sess.ID(), nil)
	req.SetPathValue("id", sess.ID())
	r.handlers.EndSession(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	if sess.State() != session.StateDisconnected {
		t.Errorf("state = %s", sess.State())
	}
}

func TestProviderHealth(t *testing.T) {
	r := newRig(t)
	rec := httptest.NewRecorder()
	r.handlers.ProviderHealth(rec, httptest.NewRequest(http.MethodGet, "/v1/providers/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Providers []health.Health `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Providers) != 1 || body.Providers[0].Provider != "stub" {
		t.Errorf("providers = %+v", body.Providers)
	}
}
