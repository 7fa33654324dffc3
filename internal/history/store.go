// Package history keeps a local record of finished calls and optionally
// publishes each record to the platform backend for the counselor dashboard.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("history")

// Record is one finished call as stored locally.
type Record struct {
	ID          int64     `json:"id"`
	CallID      string    `json:"call_id"`
	PeerID      string    `json:"peer_id"`
	PeerName    string    `json:"peer_name"`
	CallType    string    `json:"call_type"`
	Role        string    `json:"role"`
	EndReason   string    `json:"end_reason"`
	Demo        bool      `json:"demo"`
	StartedAt   time.Time `json:"started_at"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	EndedAt     time.Time `json:"ended_at"`
	DurationSec int64     `json:"duration_sec"`
}

// Store wraps the SQLite call log.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the call log database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrency between the dispatch path and the control API.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id      TEXT NOT NULL,
			peer_id      TEXT NOT NULL,
			peer_name    TEXT,
			call_type    TEXT NOT NULL,
			role         TEXT NOT NULL,
			end_reason   TEXT NOT NULL,
			demo         INTEGER NOT NULL DEFAULT 0,
			started_at   DATETIME NOT NULL,
			connected_at DATETIME,
			ended_at     DATETIME NOT NULL,
			duration_sec INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_calls_ended_at ON calls(ended_at DESC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Append stores one finished call.
func (s *Store) Append(r Record) error {
	var connectedAt any
	if !r.ConnectedAt.IsZero() {
		connectedAt = r.ConnectedAt.UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO calls
			(call_id, peer_id, peer_name, call_type, role, end_reason, demo,
			 started_at, connected_at, ended_at, duration_sec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CallID, r.PeerID, r.PeerName, r.CallType, r.Role, r.EndReason, r.Demo,
		r.StartedAt.UTC(), connectedAt, r.EndedAt.UTC(), r.DurationSec,
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		log.Debugf("CALL [%s]: recorded as #%d", r.CallID, id)
	}
	return nil
}

// Recent returns the latest limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, call_id, peer_id, peer_name, call_type, role, end_reason,
		       demo, started_at, connected_at, ended_at, duration_sec
		FROM calls ORDER BY ended_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var peerName sql.NullString
		var connectedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.CallID, &r.PeerID, &peerName, &r.CallType,
			&r.Role, &r.EndReason, &r.Demo, &r.StartedAt, &connectedAt,
			&r.EndedAt, &r.DurationSec); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		r.PeerName = peerName.String
		if connectedAt.Valid {
			r.ConnectedAt = connectedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
