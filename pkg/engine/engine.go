// Package engine wires provider selection, session lifecycle, and carrier
// events together. One Engine serves many concurrent sessions.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/pkg/core"
	"github.com/voicebridge/voicebridge/pkg/engine/health"
	"github.com/voicebridge/voicebridge/pkg/engine/registry"
	"github.com/voicebridge/voicebridge/pkg/engine/session"
	"github.com/voicebridge/voicebridge/pkg/metrics"
	"github.com/voicebridge/voicebridge/pkg/provider"
	"github.com/voicebridge/voicebridge/pkg/telephony"
)

const defaultSinkBuffer = 256

// Config tunes the engine.
type Config struct {
	Session session.Config

	// SinkBuffer is the consumer notification channel capacity.
	SinkBuffer int
}

// Engine owns the live session map and the provider/adapter registries.
type Engine struct {
	cfg      Config
	health   *health.Registry
	registry *registry.Registry
	log      *slog.Logger
	mets     *metrics.Metrics

	sink chan session.Notification

	mu        sync.Mutex
	factories map[string]provider.Factory
	provCfgs  map[string]provider.Config
	adapters  map[string]telephony.Adapter
	sessions  map[string]*session.Session
	byCall    map[string]string
	draining  bool
}

// New builds an engine. health and reg are required; metrics may be nil.
func New(cfg Config, h *health.Registry, reg *registry.Registry, logger *slog.Logger, mets *metrics.Metrics) *Engine {
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = defaultSinkBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		health:    h,
		registry:  reg,
		log:       logger,
		mets:      mets,
		sink:      make(chan session.Notification, cfg.SinkBuffer),
		factories: make(map[string]provider.Factory),
		provCfgs:  make(map[string]provider.Config),
		adapters:  make(map[string]telephony.Adapter),
		sessions:  make(map[string]*session.Session),
		byCall:    make(map[string]string),
	}
}

// RegisterProvider adds a provider instance to the selection pool.
func (e *Engine) RegisterProvider(name string, cfg provider.Config, factory provider.Factory) {
	e.mu.Lock()
	e.factories[name] = factory
	e.provCfgs[name] = cfg
	e.mu.Unlock()
	e.health.Register(name, cfg.Priority, cfg.Enabled)
}

// RegisterAdapter adds a carrier adapter.
func (e *Engine) RegisterAdapter(a telephony.Adapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[a.Name()] = a
}

// Adapter looks a carrier adapter up by name.
func (e *Engine) Adapter(name string) (telephony.Adapter, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.adapters[name]
	return a, ok
}

// Notifications is the consumer sink: session lifecycle, transcripts, and
// function-call requests. Consumers read only.
func (e *Engine) Notifications() <-chan session.Notification { return e.sink }

// Health exposes provider health snapshots for the status API.
func (e *Engine) Health() *health.Registry { return e.health }

// Registry exposes session records for the status API.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Session returns a live session by ID.
func (e *Engine) Session(id string) (*session.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	return s, ok
}

// SessionByCall returns the live session bound to a carrier call.
func (e *Engine) SessionByCall(callID string) (*session.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byCall[callID]
	if !ok {
		return nil, false
	}
	s, ok := e.sessions[id]
	return s, ok
}

// StartSession creates a session for a call and connects it to a provider.
//
// Selection walks the health registry's candidates in order: priority
// ascending, then error rate. Each candidate is tried at most once; a
// transient connection failure moves to the next candidate, any other
// failure is fatal immediately. An exhausted chain fails the session with
// provider_unavailable.
func (e *Engine) StartSession(ctx context.Context, carrier, callID string, cfg provider.SessionConfig) (*session.Session, error) {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return nil, core.NewProviderUnavailable("engine is draining")
	}
	adapter, ok := e.adapters[carrier]
	e.mu.Unlock()
	if !ok {
		return nil, core.NewProviderUnavailable(fmt.Sprintf("no adapter for carrier %q", carrier))
	}

	candidates := e.health.Candidates()
	if len(candidates) == 0 {
		return nil, core.NewProviderUnavailable("no healthy provider candidates")
	}

	e.mu.Lock()
	firstCfg := e.provCfgs[candidates[0]]
	e.mu.Unlock()
	sess := session.New(candidates[0], firstCfg.Strategy, adapter, callID, cfg,
		e.cfg.Session, e.sink, e.log, e.mets)
	if err := sess.MarkConnecting(); err != nil {
		return nil, err
	}
	e.track(sess)
	e.syncRecord(ctx, sess)

	var lastErr error
	for i, name := range candidates {
		e.mu.Lock()
		factory, okF := e.factories[name]
		provCfg, okC := e.provCfgs[name]
		e.mu.Unlock()
		if !okF || !okC {
			continue
		}

		sess.SetProvider(name, provCfg.Strategy)
		runCfg := cfg
		if runCfg.Model == "" {
			runCfg.Model = provCfg.Model
		}
		conn, err := e.connect(ctx, name, provCfg, runCfg, factory)
		if err != nil {
			lastErr = err
			if i > 0 {
				e.log.Warn("failover candidate failed", "provider", name, "error", err)
			} else {
				e.log.Warn("primary provider failed", "provider", name, "error", err)
			}
			if !core.IsRetryable(err) {
				break
			}
			continue
		}

		if err := sess.Attach(conn); err != nil {
			_ = conn.Disconnect(ctx)
			sess.Fail("attach_failed")
			e.syncRecord(ctx, sess)
			return nil, err
		}
		e.syncRecord(ctx, sess)
		e.log.Info("session connected", "session_id", sess.ID(), "provider", name, "call_id", callID)
		return sess, nil
	}

	sess.Fail("provider_unavailable")
	e.syncRecord(ctx, sess)
	if lastErr != nil {
		return nil, core.NewProviderUnavailable("all provider candidates exhausted").Wrap(lastErr)
	}
	return nil, core.NewProviderUnavailable("all provider candidates exhausted")
}

// connect runs one candidate attempt: build the connection, validate the
// session config against its capabilities, connect, and record health.
func (e *Engine) connect(ctx context.Context, name string, provCfg provider.Config,
	cfg provider.SessionConfig, factory provider.Factory) (provider.Connection, error) {

	conn, err := factory(provCfg)
	if err != nil {
		e.health.RecordFailure(name)
		return nil, err
	}
	if err := cfg.Validate(conn.Capabilities()); err != nil {
		e.health.RecordFailure(name)
		return nil, err
	}
	start := time.Now()
	if err := conn.Connect(ctx, cfg); err != nil {
		e.health.RecordFailure(name)
		if e.mets != nil {
			e.mets.RecordError(name, string(core.CodeOf(err)))
		}
		return nil, err
	}
	e.health.RecordSuccess(name, time.Since(start))
	return conn, nil
}

// track indexes a live session and watches for its teardown.
func (e *Engine) track(sess *session.Session) {
	e.mu.Lock()
	e.sessions[sess.ID()] = sess
	if sess.CallID() != "" {
		e.byCall[sess.CallID()] = sess.ID()
	}
	e.mu.Unlock()

	go func() {
		<-sess.Done()
		e.health.RecordSessionEnd(sess.Provider(), sess.State() == session.StateError)
		e.syncRecord(context.Background(), sess)
		e.mu.Lock()
		delete(e.sessions, sess.ID())
		if sess.CallID() != "" {
			delete(e.byCall, sess.CallID())
		}
		e.mu.Unlock()
	}()
}

// syncRecord mirrors the session into the registry. The registry is the
// single writer of persisted session state.
func (e *Engine) syncRecord(ctx context.Context, sess *session.Session) {
	rec := sess.Record()
	if err := e.registry.Update(ctx, rec); core.CodeOf(err) == core.CodeSessionNotFound {
		err = e.registry.Create(ctx, rec)
		if err != nil {
			e.log.Warn("registry create failed", "session_id", rec.ID, "error", err)
		}
	}
}

// HandleCarrierEvent routes a validated webhook result to session state.
// Duplicate hangups and events for unknown calls are no-ops.
func (e *Engine) HandleCarrierEvent(ctx context.Context, carrier string, res *telephony.WebhookResult) {
	if res == nil {
		return
	}
	sess, ok := e.SessionByCall(res.CallID)
	if !ok {
		e.log.Debug("carrier event for unknown call", "carrier", carrier,
			"call_id", res.CallID, "event_type", res.EventType)
		return
	}
	switch {
	case res.EventType == "call.hangup" || res.CallState.Terminal():
		sess.End("carrier_hangup")
	case res.EventType == "call.answered":
		e.syncRecord(ctx, sess)
	default:
		e.log.Debug("carrier event ignored", "event_type", res.EventType)
	}
}

// EndSessionByCall tears down the session bound to a call, if any.
func (e *Engine) EndSessionByCall(callID, reason string) {
	if sess, ok := e.SessionByCall(callID); ok {
		sess.End(reason)
	}
}

// Shutdown drains: no new sessions, existing ones are ended and awaited
// until ctx expires.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.draining = true
	live := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		live = append(live, s)
	}
	e.mu.Unlock()

	for _, s := range live {
		s.End("shutdown")
	}
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
