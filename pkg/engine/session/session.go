// Package session binds one telephony call to one provider connection and
// runs the two forwarding pumps for the session's lifetime.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/core"
	"github.com/voicebridge/voicebridge/pkg/engine/registry"
	"github.com/voicebridge/voicebridge/pkg/metrics"
	"github.com/voicebridge/voicebridge/pkg/provider"
	"github.com/voicebridge/voicebridge/pkg/telephony"
)

// Defaults applied when Config fields are zero.
const (
	DefaultTeardownTimeout = 5 * time.Second
	defaultFrameBuffer     = 32
)

// Config tunes per-session behavior.
type Config struct {
	// TeardownTimeout bounds how long teardown waits for either leg.
	TeardownTimeout time.Duration

	// FrameBuffer is the audio channel capacity per direction. When a
	// consumer falls behind the producer blocks; nothing buffers unbounded.
	FrameBuffer int
}

// Notification is one item on the consumer sink: lifecycle changes,
// transcripts, and function-call requests. Consumers read; they never mutate
// session state.
type Notification struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // state | transcript | function_call
	Timestamp time.Time `json:"timestamp"`

	State  State  `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`

	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`

	FunctionCallID string `json:"function_call_id,omitempty"`
	FunctionName   string `json:"function_name,omitempty"`
	FunctionArgs   string `json:"function_args,omitempty"`
}

// Session is the lifecycle object for one call leg. All state changes go
// through its FSM; the registry mirrors them for external readers.
type Session struct {
	id   string
	cfg  provider.SessionConfig
	opts Config

	adapter telephony.Adapter
	callID  string

	fsm  *FSM
	sink chan<- Notification
	log  *slog.Logger
	mets *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	inbound  chan audio.Chunk
	outbound chan audio.Chunk

	pumps      sync.WaitGroup
	activeOnce sync.Once
	endOnce    sync.Once
	done       chan struct{}

	mu           sync.Mutex
	providerName string
	strategy     provider.Strategy
	conn         provider.Connection
	reason       string
	createdAt    time.Time
}

// New creates an idle session for a call. The provider name may change once
// if connect-phase failover selects a different candidate.
func New(providerName string, strategy provider.Strategy, adapter telephony.Adapter,
	callID string, cfg provider.SessionConfig, opts Config,
	sink chan<- Notification, logger *slog.Logger, mets *metrics.Metrics) *Session {

	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	if opts.FrameBuffer <= 0 {
		opts.FrameBuffer = defaultFrameBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           uuid.NewString(),
		providerName: providerName,
		strategy:     strategy,
		cfg:          cfg,
		opts:         opts,
		adapter:      adapter,
		callID:       callID,
		fsm:          NewFSM(),
		sink:         sink,
		mets:         mets,
		ctx:          ctx,
		cancel:       cancel,
		inbound:      make(chan audio.Chunk, opts.FrameBuffer),
		outbound:     make(chan audio.Chunk, opts.FrameBuffer),
		done:         make(chan struct{}),
		createdAt:    time.Now().UTC(),
	}
	s.log = logger.With("session_id", s.id, "call_id", callID, "carrier", adapter.Name())
	if mets != nil {
		mets.RecordSessionStart()
	}
	return s
}

func (s *Session) ID() string     { return s.id }
func (s *Session) CallID() string { return s.callID }
func (s *Session) State() State   { return s.fsm.State() }

// Strategy returns the bound provider's contract variant.
func (s *Session) Strategy() provider.Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// Done closes once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Provider returns the currently bound provider name.
func (s *Session) Provider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerName
}

// SetProvider rebinds the provider name and strategy during connect-phase
// failover.
func (s *Session) SetProvider(name string, strategy provider.Strategy) {
	s.mu.Lock()
	s.providerName = name
	if strategy != "" {
		s.strategy = strategy
	}
	s.mu.Unlock()
}

// Reason returns the terminal reason code, empty while live.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Record snapshots the session for the registry.
func (s *Session) Record() registry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return registry.Record{
		ID:        s.id,
		Provider:  s.providerName,
		Strategy:  string(s.strategy),
		State:     string(s.fsm.State()),
		Carrier:   s.adapter.Name(),
		CallID:    s.callID,
		Reason:    s.reason,
		CreatedAt: s.createdAt,
		UpdatedAt: time.Now().UTC(),
	}
}

// MarkConnecting moves idle -> connecting once a candidate is selected.
func (s *Session) MarkConnecting() error {
	if err := s.fsm.Transition(StateConnecting); err != nil {
		return err
	}
	s.notifyState(StateConnecting, "")
	return nil
}

// Attach binds a connected provider and starts both pumps.
func (s *Session) Attach(conn provider.Connection) error {
	if err := s.fsm.Transition(StateConnected); err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.notifyState(StateConnected, "")

	s.pumps.Add(2)
	go s.inboundPump(conn)
	go s.outboundPump(conn)
	return nil
}

// PushFrame hands one carrier frame to the inbound pump. It blocks when the
// pump falls behind and fails once the session is torn down.
func (s *Session) PushFrame(chunk audio.Chunk) error {
	select {
	case s.inbound <- chunk:
		return nil
	case <-s.ctx.Done():
		return core.NewSessionNotFound(s.id)
	}
}

// Outbound is the stream of carrier-native audio for the media socket writer.
func (s *Session) Outbound() <-chan audio.Chunk { return s.outbound }

// HandleFunctionResult forwards a consumer's function-call result to the
// provider.
func (s *Session) HandleFunctionResult(callID, result string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return core.NewProtocolError("", "no provider attached")
	}
	return conn.HandleFunctionResult(callID, result)
}

// End tears the session down gracefully. Safe to call multiple times; carrier
// hangup webhooks are delivered at least once.
func (s *Session) End(reason string) { s.terminate(reason, false) }

// Fail tears the session down into the error state.
func (s *Session) Fail(reason string) { s.terminate(reason, true) }

func (s *Session) terminate(reason string, failed bool) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		go s.teardown(reason, failed)
	})
}

// teardown releases both legs independently, each bounded by the teardown
// timeout, so a wedged provider cannot hold the telephony leg hostage.
func (s *Session) teardown(reason string, failed bool) {
	defer close(s.done)

	if failed {
		_ = s.fsm.Transition(StateError)
	} else if err := s.fsm.Transition(StateDisconnecting); err != nil {
		// Session never got far enough for a graceful path.
		failed = true
		_ = s.fsm.Transition(StateError)
	}
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.TeardownTimeout)
	defer cancel()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		if err := conn.Disconnect(ctx); err != nil {
			s.log.Warn("provider disconnect failed", "error", err)
		}
	}
	if s.callID != "" {
		if err := s.adapter.EndCall(ctx, s.callID); err != nil {
			s.log.Warn("carrier hangup failed", "error", err)
		}
	}

	stopped := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.log.Warn("pumps did not stop within teardown timeout")
	}

	final := StateError
	if !failed {
		_ = s.fsm.Transition(StateDisconnected)
		final = StateDisconnected
	}
	s.log.Info("session ended", "state", final, "reason", reason)
	s.notifyState(final, reason)
	if s.mets != nil {
		s.mets.RecordSessionEnd(s.Provider(), s.adapter.Name(), string(final), time.Since(s.createdAt))
	}
}

// inboundPump forwards carrier frames to the provider in arrival order.
func (s *Session) inboundPump(conn provider.Connection) {
	defer s.pumps.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk := <-s.inbound:
			converted, err := s.adapter.ConvertFromTelephony(chunk, s.cfg.SampleRate)
			if err != nil {
				// Fatal for this send only; the session stays up.
				s.log.Warn("dropping inbound frame", "error", err)
				continue
			}
			if err := conn.SendAudio(converted); err != nil {
				s.pumpError("provider send failed", err)
				return
			}
			s.markActive()
			if s.mets != nil {
				s.mets.RecordAudio("inbound", len(chunk.Data))
			}
		}
	}
}

// outboundPump forwards provider events: audio back to the carrier,
// transcripts and function calls to the consumer sink.
func (s *Session) outboundPump(conn provider.Connection) {
	defer s.pumps.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				s.End("provider_closed")
				return
			}
			switch ev.Type {
			case provider.EventAudio:
				carrier, err := s.adapter.ConvertToTelephony(ev.Audio)
				if err != nil {
					s.log.Warn("dropping outbound frame", "error", err)
					continue
				}
				select {
				case s.outbound <- carrier:
					s.markActive()
					if s.mets != nil {
						s.mets.RecordAudio("outbound", len(carrier.Data))
					}
				case <-s.ctx.Done():
					return
				}
			case provider.EventTranscript, provider.EventText:
				s.notify(Notification{Kind: "transcript", Text: ev.Text, Final: ev.Final})
			case provider.EventFunctionCall:
				s.notify(Notification{
					Kind:           "function_call",
					FunctionCallID: ev.CallID,
					FunctionName:   ev.Name,
					FunctionArgs:   ev.Arguments,
				})
			case provider.EventError:
				s.pumpError("provider error", ev.Err)
				return
			case provider.EventClosed:
				s.End("provider_closed")
				return
			}
		}
	}
}

// pumpError translates a pump-boundary failure into an error transition. It
// never panics and never escapes the goroutine.
func (s *Session) pumpError(reason string, err error) {
	s.log.Error("pump failure", "reason", reason, "error", err)
	if s.mets != nil {
		s.mets.RecordError(s.Provider(), string(core.CodeOf(err)))
	}
	s.Fail(reason)
}

// markActive drives connected -> active on the first media in either
// direction.
func (s *Session) markActive() {
	s.activeOnce.Do(func() {
		if err := s.fsm.Transition(StateActive); err == nil {
			s.notifyState(StateActive, "")
		}
	})
}

func (s *Session) notifyState(state State, reason string) {
	s.notify(Notification{Kind: "state", State: state, Reason: reason})
}

// notify delivers to the consumer sink without ever blocking the call path.
func (s *Session) notify(n Notification) {
	if s.sink == nil {
		return
	}
	n.SessionID = s.id
	n.Timestamp = time.Now().UTC()
	select {
	case s.sink <- n:
	default:
		s.log.Warn("consumer sink full, dropping notification", "kind", n.Kind)
	}
}
