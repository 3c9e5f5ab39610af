// Package registry is the session directory: an authoritative in-memory map
// fronting an optional persistent store so sessions survive process restarts.
package registry

import (
	"context"
	"time"
)

// Record is the persisted view of a session. The live Session object stays in
// process memory; the record is what status queries and restarts see.
type Record struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Strategy  string    `json:"strategy"`
	State     string    `json:"state"`
	Carrier   string    `json:"carrier"`
	CallID    string    `json:"call_id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is one session backend. GetSession returns session_not_found on a
// miss, never a nil record.
type Store interface {
	CreateSession(ctx context.Context, rec Record) error
	GetSession(ctx context.Context, id string) (Record, error)
	UpdateSession(ctx context.Context, rec Record) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]Record, error)
	Close() error
}
