package registry

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Registry fronts the in-memory store with an optional persistent store. The
// memory copy is authoritative for live sessions; the persistent store exists
// so sessions survive restarts and external status queries can see them.
//
// Persistent-store failures never fail the call path: the registry degrades
// to memory-only operation and logs loudly, once per outage.
type Registry struct {
	mem        *MemoryStore
	persistent Store
	log        *slog.Logger

	degraded atomic.Bool
}

// New builds a registry. persistent may be nil for memory-only operation.
func New(persistent Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		mem:        NewMemoryStore(),
		persistent: persistent,
		log:        logger,
	}
}

func (r *Registry) persist(ctx context.Context, op string, fn func(context.Context) error) {
	if r.persistent == nil {
		return
	}
	if err := fn(ctx); err != nil {
		if r.degraded.CompareAndSwap(false, true) {
			r.log.Error("session store unavailable, degrading to memory-only",
				"op", op, "error", err)
		} else {
			r.log.Warn("session store write failed", "op", op, "error", err)
		}
		return
	}
	if r.degraded.CompareAndSwap(true, false) {
		r.log.Info("session store recovered")
	}
}

// Degraded reports whether the last persistent-store operation failed.
func (r *Registry) Degraded() bool { return r.degraded.Load() }

// Create registers a new session record.
func (r *Registry) Create(ctx context.Context, rec Record) error {
	if err := r.mem.CreateSession(ctx, rec); err != nil {
		return err
	}
	r.persist(ctx, "create", func(ctx context.Context) error {
		return r.persistent.CreateSession(ctx, rec)
	})
	return nil
}

// Get looks a session up, falling through to the persistent store for
// sessions created before the last restart.
func (r *Registry) Get(ctx context.Context, id string) (Record, error) {
	rec, err := r.mem.GetSession(ctx, id)
	if err == nil {
		return rec, nil
	}
	if r.persistent == nil {
		return Record{}, err
	}
	rec, perr := r.persistent.GetSession(ctx, id)
	if perr != nil {
		return Record{}, err
	}
	return rec, nil
}

// Update rewrites a session record. The registry is the single writer of
// session state; everything else reads.
func (r *Registry) Update(ctx context.Context, rec Record) error {
	if err := r.mem.UpdateSession(ctx, rec); err != nil {
		return err
	}
	r.persist(ctx, "update", func(ctx context.Context) error {
		return r.persistent.UpdateSession(ctx, rec)
	})
	return nil
}

// Delete removes a session record.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.mem.DeleteSession(ctx, id); err != nil {
		return err
	}
	r.persist(ctx, "delete", func(ctx context.Context) error {
		return r.persistent.DeleteSession(ctx, id)
	})
	return nil
}

// List returns the in-memory records: the live view of this process.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	return r.mem.ListSessions(ctx)
}

// Close releases the persistent store.
func (r *Registry) Close() error {
	if r.persistent == nil {
		return nil
	}
	return r.persistent.Close()
}
