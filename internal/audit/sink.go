// Package audit implements the Audit Log Sink (C8): append-only,
// day-rotated structured logs for execution, authorization, and connection
// events, with a sqlite mirror backing "recent N" queries.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clawinfra/toolfabric/internal/types"
)

const maxOutputBytes = 500

// Sink writes AuditEntry records to day-rotated flat files (the durable
// source of truth) and mirrors them into sqlite for efficient recent-N
// reads, matching the original source's audit_logger.py behavior adapted
// to Go's append-mode file writes.
type Sink struct {
	mu   sync.Mutex
	dir  string
	db   *sql.DB
	now  func() time.Time
}

// Open creates (or reuses) dir for flat log files and opens/creates a
// sqlite mirror database at dir/audit.db.
func Open(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "audit.db"))
	if err != nil {
		return nil, fmt.Errorf("open audit sqlite mirror: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		ts INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_entries_kind_ts ON entries(kind, ts)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit index: %w", err)
	}
	return &Sink{dir: dir, db: db, now: time.Now}, nil
}

// Close releases the sqlite handle. Flat files need no explicit close
// since each Write opens, appends, and closes the file.
func (s *Sink) Close() error {
	return s.db.Close()
}

// Write appends entry to its kind's day-rotated flat file and mirrors it
// into sqlite. Output is truncated to 500 bytes before either write.
func (s *Sink) Write(entry types.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	if len(entry.Output) > maxOutputBytes {
		entry.Output = entry.Output[:maxOutputBytes]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	path := s.pathFor(entry.Kind, entry.Timestamp)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open audit log %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit log %s: %w", path, err)
	}

	if _, err := s.db.Exec(`INSERT INTO entries (ts, kind, payload) VALUES (?, ?, ?)`,
		entry.Timestamp.Unix(), string(entry.Kind), string(line)); err != nil {
		return fmt.Errorf("mirror audit entry to sqlite: %w", err)
	}
	return nil
}

func (s *Sink) pathFor(kind types.AuditKind, ts time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.log", kind, ts.UTC().Format("20060102")))
}

// Recent returns the most recent n entries of the given kind, newest last,
// restoring the original source's get_recent_*_logs behavior via the
// sqlite mirror instead of tailing flat files.
func (s *Sink) Recent(kind types.AuditKind, n int) ([]types.AuditEntry, error) {
	rows, err := s.db.Query(
		`SELECT payload FROM entries WHERE kind = ? ORDER BY ts DESC LIMIT ?`,
		string(kind), n)
	if err != nil {
		return nil, fmt.Errorf("query recent audit entries: %w", err)
	}
	defer rows.Close()

	var out []types.AuditEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		var entry types.AuditEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal audit row: %w", err)
		}
		out = append(out, entry)
	}
	// reverse to oldest-first within the returned window
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// Prune deletes flat-file logs and sqlite rows older than daysToKeep,
// restoring the original source's clear_old_logs behavior.
func (s *Sink) Prune(daysToKeep int) error {
	cutoff := s.now().UTC().AddDate(0, 0, -daysToKeep)

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read audit dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(s.dir, e.Name()))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`DELETE FROM entries WHERE ts < ?`, cutoff.Unix())
	if err != nil {
		return fmt.Errorf("prune sqlite mirror: %w", err)
	}
	return nil
}
