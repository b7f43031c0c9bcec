//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package audit keeps a queryable history of reader events in SQLite.
//
// The store is a collaborator, not part of the readers themselves:
// a failure to record an event is logged and otherwise ignored.
package audit

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"edgexfoundry-holding/sampleguard-rfid/internal/event"
	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite" // pure Go driver, registered as "sqlite"
)

// MemoryPath opens a private, in-memory store.
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	id      TEXT NOT NULL UNIQUE,
	kind    TEXT NOT NULL,
	at      INTEGER NOT NULL,
	reader  TEXT NOT NULL DEFAULT '',
	vendor  TEXT NOT NULL DEFAULT '',
	epc     TEXT NOT NULL DEFAULT '',
	tag_id  TEXT NOT NULL DEFAULT '',
	payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS events_kind ON events (kind);
CREATE INDEX IF NOT EXISTS events_epc ON events (epc);
`

var ErrClosed = errors.New("audit store is closed")

// Filter selects events. Zero fields match everything.
type Filter struct {
	Kind   event.Kind
	EPC    string
	Reader string
	Since  time.Time
	// Limit caps the number of events returned; zero means no cap.
	Limit int
}

func (f Filter) where() (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if f.Kind != "" {
		add("kind = ?", string(f.Kind))
	}
	if f.EPC != "" {
		add("epc = ?", strings.ToUpper(f.EPC))
	}
	if f.Reader != "" {
		add("reader = ?", f.Reader)
	}
	if !f.Since.IsZero() {
		add("at >= ?", f.Since.UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Store records events in a SQLite database. It implements event.Sink.
type Store struct {
	lc logger.LoggingClient

	mu     sync.RWMutex
	db     *sql.DB
	insert *sql.Stmt
}

// Open opens or creates the database at path.
func Open(path string, lc logger.LoggingClient) (*Store, error) {
	if path == "" {
		path = MemoryPath
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, errors.Wrap(err, "failed to create audit directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open audit database %q", path)
	}
	// Every connection to :memory: is a different database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create audit schema")
	}
	insert, err := db.Prepare(`INSERT INTO events
		(id, kind, at, reader, vendor, epc, tag_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to prepare audit insert")
	}

	return &Store{lc: lc, db: db, insert: insert}, nil
}

// Record stores e.
func (s *Store) Record(e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	_, err = s.insert.Exec(e.ID, string(e.Kind), e.Time.UnixNano(),
		e.Reader, e.Vendor, strings.ToUpper(e.EPC), e.TagID, payload)
	return errors.Wrapf(err, "failed to store event %s", e.ID)
}

// Emit stores e, logging rather than returning any failure.
func (s *Store) Emit(e event.Event) {
	if err := s.Record(e); err != nil {
		s.lc.Error("Failed to record audit event.", "kind", string(e.Kind), "error", err)
	}
}

// Query returns the events matching f, oldest first.
// With a Limit, these are the most recent Limit matches.
func (s *Store) Query(f Filter) ([]event.Event, error) {
	where, args := f.where()
	q := "SELECT payload FROM events" + where + " ORDER BY seq DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query audit events")
	}
	defer func() { _ = rows.Close() }()

	events := []event.Event{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "failed to scan audit event")
		}
		var e event.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, errors.Wrap(err, "failed to decode audit event")
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read audit events")
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Count returns the number of events matching f, ignoring its Limit.
func (s *Store) Count(f Filter) (int, error) {
	where, args := f.where()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, ErrClosed
	}

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM events"+where, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count audit events")
	}
	return n, nil
}

// Close closes the database. Events emitted afterwards are logged and dropped.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	_ = s.insert.Close()
	err := s.db.Close()
	s.db = nil
	return errors.Wrap(err, "failed to close audit database")
}
