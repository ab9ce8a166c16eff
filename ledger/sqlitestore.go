package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite ledger.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes records that ended before now-RetentionAge (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many records per kind (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration

	// Now supplies the clock for age pruning (default time.Now).
	Now func() time.Time
}

// SQLiteStore persists records to SQLite. It runs in WAL mode and, when
// retention is configured, prunes in a background goroutine.
type SQLiteStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteStore opens (or creates) a SQLite ledger.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

// Append stores a record.
func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, exec_id, kind, outcome, started_at, ended_at, duration_ns, events)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.ExecID,
		rec.Kind,
		rec.Outcome,
		rec.StartedAt.UnixNano(),
		rec.EndedAt.UnixNano(),
		int64(rec.Duration),
		int64(rec.Events), // #nosec G115 -- event counts stay far below MaxInt64
	)
	if err != nil {
		return fmt.Errorf("ledger: append: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, exec_id, kind, outcome, started_at, ended_at, duration_ns, events FROM executions`

// List returns the records for an execution id, oldest first.
func (s *SQLiteStore) List(ctx context.Context, kind, execID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE kind = ? AND exec_id = ? ORDER BY ended_at ASC, rowid ASC`,
		kind, execID,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Latest returns the newest record for an execution id.
func (s *SQLiteStore) Latest(ctx context.Context, kind, execID string) (Record, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE kind = ? AND exec_id = ? ORDER BY ended_at DESC, rowid DESC LIMIT 1`,
		kind, execID,
	)
	if err != nil {
		return Record{}, fmt.Errorf("ledger: latest: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[0], nil
}

// Recent returns up to limit records of a kind, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, kind string, limit int) ([]Record, error) {
	query := selectColumns + ` WHERE kind = ? ORDER BY ended_at DESC, rowid DESC`
	args := []any{kind}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteStore) Close() error {
	select {
	case <-s.stop:
		// Already closed.
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass. Exported for testing.
func (s *SQLiteStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := s.cfg.Now().Add(-s.cfg.RetentionAge).UnixNano()
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM executions WHERE ended_at < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("ledger: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionCount > 0 {
		kinds, err := s.kinds(ctx)
		if err != nil {
			return err
		}
		for _, kind := range kinds {
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM executions WHERE kind = ? AND id NOT IN (
					SELECT id FROM executions WHERE kind = ? ORDER BY ended_at DESC, rowid DESC LIMIT ?
				)`, kind, kind, s.cfg.RetentionCount,
			); err != nil {
				return fmt.Errorf("ledger: prune by count for %s: %w", kind, err)
			}
		}
	}

	return nil
}

func (s *SQLiteStore) kinds(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT kind FROM executions`)
	if err != nil {
		return nil, fmt.Errorf("ledger: prune list kinds: %w", err)
	}
	defer rows.Close()

	var kinds []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("ledger: prune scan kind: %w", err)
		}
		kinds = append(kinds, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: prune rows err: %w", err)
	}
	return kinds, nil
}

func (s *SQLiteStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			r                  Record
			started, ended     int64
			durationNS, events int64
		)
		if err := rows.Scan(&r.ID, &r.ExecID, &r.Kind, &r.Outcome, &started, &ended, &durationNS, &events); err != nil {
			return nil, fmt.Errorf("ledger: scan record: %w", err)
		}
		if events < 0 {
			return nil, errors.New("ledger: negative event count")
		}
		r.StartedAt = time.Unix(0, started).UTC()
		r.EndedAt = time.Unix(0, ended).UTC()
		r.Duration = time.Duration(durationNS)
		r.Events = uint64(events)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
