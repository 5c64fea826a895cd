// Package history keeps a SQLite-backed audit log of unfurl outcomes for
// the ops surface. Writes flow through a single loop goroutine so event
// handling never blocks on the database.
package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/snowlink/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS unfurls (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	identifier TEXT NOT NULL,
	channel    TEXT NOT NULL DEFAULT '',
	outcome    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_unfurls_created ON unfurls(created_at);
`

// Outcome values recorded per match.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeFailed   = "failed"
)

// pruneEvery controls how often retention is enforced, in inserts.
const pruneEvery = 64

// Entry is one unfurl attempt.
type Entry struct {
	Kind       models.Kind `json:"kind"`
	Identifier string      `json:"identifier"`
	Channel    string      `json:"channel"`
	Outcome    string      `json:"outcome"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Store is the audit log. Record is fire-and-forget; Recent reads back the
// newest entries for the ops API.
type Store struct {
	conn    *sql.DB
	entryCh chan Entry
	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
	retain  int
	logger  *slog.Logger
}

// Open opens (or creates) the history database. retain bounds how many
// entries are kept; older rows are pruned opportunistically.
func Open(dsn string, retain int, logger *slog.Logger) (*Store, error) {
	if retain <= 0 {
		retain = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	s := &Store{
		conn:    conn,
		entryCh: make(chan Entry, 256),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
		retain:  retain,
		logger:  logger,
	}
	go s.run()
	return s, nil
}

func (s *Store) run() {
	defer close(s.stopped)

	inserts := 0
	insert := func(e Entry) {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		_, err := s.conn.Exec(
			`INSERT INTO unfurls (kind, identifier, channel, outcome, created_at) VALUES (?, ?, ?, ?, ?)`,
			string(e.Kind), e.Identifier, e.Channel, e.Outcome, e.CreatedAt,
		)
		if err != nil {
			s.logger.Warn("history insert failed", slog.String("error", err.Error()))
			return
		}
		inserts++
		if inserts%pruneEvery == 0 {
			s.prune()
		}
	}

	for {
		select {
		case <-s.stopCh:
			// Drain whatever is already queued before shutting down.
			for {
				select {
				case e := <-s.entryCh:
					insert(e)
				default:
					return
				}
			}
		case e := <-s.entryCh:
			insert(e)
		}
	}
}

func (s *Store) prune() {
	_, err := s.conn.Exec(
		`DELETE FROM unfurls WHERE id NOT IN (SELECT id FROM unfurls ORDER BY id DESC LIMIT ?)`,
		s.retain,
	)
	if err != nil {
		s.logger.Warn("history prune failed", slog.String("error", err.Error()))
	}
}

// Record queues one entry. It never blocks: when the queue is full the
// entry is dropped, the bot's behaviour matters more than its audit trail.
func (s *Store) Record(e Entry) {
	if s.closed.Load() {
		return
	}
	select {
	case s.entryCh <- e:
	default:
		s.logger.Warn("history queue full, entry dropped",
			slog.String("identifier", e.Identifier))
	}
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.conn.Query(
		`SELECT kind, identifier, channel, outcome, created_at FROM unfurls ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var kind string
		if err := rows.Scan(&kind, &e.Identifier, &e.Channel, &e.Outcome, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.Kind = models.Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close stops the write loop, drains queued entries, and closes the database.
func (s *Store) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.stopCh)
	}
	<-s.stopped
	return s.conn.Close()
}
