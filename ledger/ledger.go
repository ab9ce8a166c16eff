// Package ledger keeps a summary record per finished execution: who ran,
// how it ended and how long it took. It is an outcome log, not event
// storage; nothing is replayed from it.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("ledger: record not found")

// Record summarizes one finished execution.
type Record struct {
	ID        string        `json:"id"`
	ExecID    string        `json:"exec_id"`
	Kind      string        `json:"kind"`
	Outcome   string        `json:"outcome"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration_ns"`
	Events    uint64        `json:"events"`
}

// Store persists records.
type Store interface {
	// Append stores a record.
	Append(ctx context.Context, rec Record) error

	// List returns the records for an execution id, oldest first. An id can
	// have several records because ids may be registered again.
	List(ctx context.Context, kind, execID string) ([]Record, error)

	// Latest returns the newest record for an execution id.
	Latest(ctx context.Context, kind, execID string) (Record, error)

	// Recent returns up to limit records of a kind, newest first.
	Recent(ctx context.Context, kind string, limit int) ([]Record, error)

	// Close releases resources.
	Close() error
}
