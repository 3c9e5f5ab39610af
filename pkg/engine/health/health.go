// Package health tracks per-provider rolling health and implements the
// selection policy used to pick a provider for a new session.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/pkg/metrics"
)

// Defaults applied when Config fields are zero.
const (
	DefaultFailureThreshold = 3
	DefaultCooldownWindow   = 60 * time.Second
	defaultLatencyWindow    = 64
)

// Config tunes the health policy.
type Config struct {
	// FailureThreshold is the consecutive-failure count that marks a
	// provider unhealthy.
	FailureThreshold int

	// CooldownWindow is how long an unhealthy provider is excluded from
	// selection. After it elapses the provider is eligible again on
	// probation; the next failure re-enters cooldown immediately.
	CooldownWindow time.Duration

	// LatencyWindow bounds the rolling latency sample.
	LatencyWindow int

	Metrics *metrics.Metrics
}

// Health is a point-in-time snapshot of one provider's record.
type Health struct {
	Provider            string        `json:"provider"`
	Priority            int           `json:"priority"`
	Enabled             bool          `json:"enabled"`
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	SuccessRate         float64       `json:"success_rate"`
	ErrorRate           float64       `json:"error_rate"`
	LatencyP50          time.Duration `json:"latency_p50"`
	LatencyP95          time.Duration `json:"latency_p95"`
	LatencyP99          time.Duration `json:"latency_p99"`
	LastCheck           time.Time     `json:"last_check"`
	CooldownUntil       time.Time     `json:"cooldown_until,omitzero"`
}

type record struct {
	priority int
	enabled  bool

	consecutiveFailures int
	connectSuccesses    int64
	connectFailures     int64
	sessionFailures     int64
	sessions            int64

	latencies []time.Duration
	latIdx    int
	latFull   bool

	lastCheck     time.Time
	cooldownUntil time.Time
}

// Registry holds one record per configured provider instance. It is injected
// wherever selection happens and synchronizes internally; every update is
// O(1) (percentiles are computed only on Snapshot).
type Registry struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	records map[string]*record
}

// NewRegistry builds an empty registry, applying defaults for zero config
// fields.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.CooldownWindow <= 0 {
		cfg.CooldownWindow = DefaultCooldownWindow
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = defaultLatencyWindow
	}
	return &Registry{
		cfg:     cfg,
		now:     time.Now,
		records: make(map[string]*record),
	}
}

// Register adds or reconfigures a provider record. Registering an existing
// provider updates priority and enablement without resetting its history.
func (r *Registry) Register(name string, priority int, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		rec = &record{latencies: make([]time.Duration, r.cfg.LatencyWindow)}
		r.records[name] = rec
	}
	rec.priority = priority
	rec.enabled = enabled
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.SetProviderHealthy(name, enabled && r.eligible(rec))
	}
}

// RecordSuccess notes a successful connect attempt and resets the failure
// streak and any cooldown.
func (r *Registry) RecordSuccess(name string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return
	}
	rec.connectSuccesses++
	rec.consecutiveFailures = 0
	rec.cooldownUntil = time.Time{}
	rec.lastCheck = r.now()

	rec.latencies[rec.latIdx] = latency
	rec.latIdx = (rec.latIdx + 1) % len(rec.latencies)
	if rec.latIdx == 0 {
		rec.latFull = true
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordConnectAttempt(name, true, latency)
		r.cfg.Metrics.SetProviderHealthy(name, rec.enabled)
	}
}

// RecordFailure notes a failed connect attempt. Crossing the failure
// threshold starts a cooldown during which the provider is never selected.
func (r *Registry) RecordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return
	}
	rec.connectFailures++
	rec.consecutiveFailures++
	rec.lastCheck = r.now()
	if rec.consecutiveFailures >= r.cfg.FailureThreshold {
		rec.cooldownUntil = r.now().Add(r.cfg.CooldownWindow)
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordConnectAttempt(name, false, 0)
		r.cfg.Metrics.SetProviderHealthy(name, rec.enabled && r.eligible(rec))
	}
}

// RecordSessionEnd folds a finished session into the provider's error rate.
func (r *Registry) RecordSessionEnd(name string, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return
	}
	rec.sessions++
	if failed {
		rec.sessionFailures++
	}
}

// eligible reports whether a record may be selected right now. Callers hold
// r.mu.
func (r *Registry) eligible(rec *record) bool {
	if rec.consecutiveFailures < r.cfg.FailureThreshold {
		return true
	}
	// Cooldown elapsed: eligible again on probation.
	return !rec.cooldownUntil.After(r.now())
}

func (rec *record) errorRate() float64 {
	attempts := rec.connectSuccesses + rec.connectFailures + rec.sessions
	if attempts == 0 {
		return 0
	}
	return float64(rec.connectFailures+rec.sessionFailures) / float64(attempts)
}

// Snapshot returns a copy of one provider's health.
func (r *Registry) Snapshot(name string) (Health, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return Health{}, false
	}
	return r.snapshotLocked(name, rec), true
}

// SnapshotAll returns every provider's health, sorted by priority.
func (r *Registry) SnapshotAll() []Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Health, 0, len(r.records))
	for name, rec := range r.records {
		out = append(out, r.snapshotLocked(name, rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

func (r *Registry) snapshotLocked(name string, rec *record) Health {
	attempts := rec.connectSuccesses + rec.connectFailures
	successRate := 0.0
	if attempts > 0 {
		successRate = float64(rec.connectSuccesses) / float64(attempts)
	}
	p50, p95, p99 := rec.percentiles()
	return Health{
		Provider:            name,
		Priority:            rec.priority,
		Enabled:             rec.enabled,
		Healthy:             r.eligible(rec),
		ConsecutiveFailures: rec.consecutiveFailures,
		SuccessRate:         successRate,
		ErrorRate:           rec.errorRate(),
		LatencyP50:          p50,
		LatencyP95:          p95,
		LatencyP99:          p99,
		LastCheck:           rec.lastCheck,
		CooldownUntil:       rec.cooldownUntil,
	}
}

func (rec *record) percentiles() (p50, p95, p99 time.Duration) {
	n := rec.latIdx
	if rec.latFull {
		n = len(rec.latencies)
	}
	if n == 0 {
		return 0, 0, 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, rec.latencies[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(q float64) time.Duration {
		idx := int(q * float64(n-1))
		return sorted[idx]
	}
	return at(0.50), at(0.95), at(0.99)
}

// Candidates returns the providers eligible for a new session, sorted by
// priority ascending then error rate ascending. Disabled providers and
// providers still in cooldown are excluded.
func (r *Registry) Candidates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	type cand struct {
		name      string
		priority  int
		errorRate float64
	}
	cands := make([]cand, 0, len(r.records))
	for name, rec := range r.records {
		if !rec.enabled || !r.eligible(rec) {
			continue
		}
		cands = append(cands, cand{name, rec.priority, rec.errorRate()})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].priority != cands[j].priority {
			return cands[i].priority < cands[j].priority
		}
		if cands[i].errorRate != cands[j].errorRate {
			return cands[i].errorRate < cands[j].errorRate
		}
		return cands[i].name < cands[j].name
	})

	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.name
	}
	return out
}
