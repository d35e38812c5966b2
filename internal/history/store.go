// ABOUTME: SQLite log of answered chat requests using modernc.org/sqlite
// ABOUTME: One row per exchange: who asked, what, the reply or error, and how long it took

package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Limit bounds for Recent.
const (
	DefaultLimit = 20
	MaxLimit     = 500
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("history store closed")

// Exchange is one handled chat request.
type Exchange struct {
	ID        string
	Channel   string
	Nick      string
	Query     string
	Reply     string        // empty when the request failed
	Error     string        // generation error text, empty on success
	ToolCalls int           // tool invocations the engine made
	Started   time.Time     // when handling began
	Duration  time.Duration // time spent generating
}

// Failed reports whether the exchange ended in an apology.
func (e Exchange) Failed() bool {
	return e.Error != ""
}

// Store persists exchanges in a SQLite database.
type Store struct {
	logger *slog.Logger

	mu sync.RWMutex
	db *sql.DB // nil once closed
}

// Open creates or opens the database at path. Parent directories are
// created if needed and the schema is applied on every open.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "history")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{logger: logger, db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("history store initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS exchanges (
			id          TEXT PRIMARY KEY,
			channel     TEXT NOT NULL,
			nick        TEXT NOT NULL,
			query       TEXT NOT NULL,
			reply       TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			tool_calls  INTEGER NOT NULL DEFAULT 0,
			started_at  TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_exchanges_started ON exchanges(started_at);
		CREATE INDEX IF NOT EXISTS idx_exchanges_nick ON exchanges(nick);
	`)
	return err
}

// Record stores one exchange. Started defaults to now.
func (s *Store) Record(ctx context.Context, e Exchange) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	if e.ID == "" {
		return fmt.Errorf("recording exchange: missing id")
	}
	if e.Started.IsZero() {
		e.Started = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchanges (id, channel, nick, query, reply, error, tool_calls, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.Channel,
		e.Nick,
		e.Query,
		e.Reply,
		e.Error,
		e.ToolCalls,
		e.Started.UTC().Format(timeLayout),
		e.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting exchange: %w", err)
	}

	s.logger.Debug("recorded exchange", "id", e.ID, "nick", e.Nick, "failed", e.Failed())
	return nil
}

// Filter narrows Recent.
type Filter struct {
	Nick       string // only this asker, when set
	FailedOnly bool
	Limit      int // default DefaultLimit, capped at MaxLimit
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Recent returns matching exchanges, newest first.
func (s *Store) Recent(ctx context.Context, f Filter) ([]Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	query := `SELECT id, channel, nick, query, reply, error, tool_calls, started_at, duration_ms
		FROM exchanges WHERE 1=1`
	var args []any
	if f.Nick != "" {
		query += " AND nick = ?"
		args = append(args, f.Nick)
	}
	if f.FailedOnly {
		query += " AND error != ''"
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying exchanges: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var (
			e          Exchange
			startedAt  string
			durationMS int64
		)
		if err := rows.Scan(&e.ID, &e.Channel, &e.Nick, &e.Query, &e.Reply, &e.Error,
			&e.ToolCalls, &startedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scanning exchange: %w", err)
		}
		e.Started, err = time.Parse(timeLayout, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at %q: %w", startedAt, err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating exchanges: %w", err)
	}
	return out, nil
}

// Close closes the database. It waits for in-progress calls and is safe to
// call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
