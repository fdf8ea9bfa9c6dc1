// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the local replica store. All mutation is synchronous and
// single-writer: the mutex is the sole serialization point for shared state,
// and every mutation is written through to SQLite before it returns.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	recs map[string]*Record
}

// Open initializes the replica schema on db and loads all persisted records
// into memory. The db handle stays owned by the caller.
func Open(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize replica schema: %w", err)
	}
	s := &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
		recs:   make(map[string]*Record),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// initializeSchema creates the replica tables if they do not exist yet.
func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	tables := []string{
		`CREATE TABLE IF NOT EXISTS meal_entries (
			local_id       TEXT PRIMARY KEY,
			remote_id      TEXT NOT NULL DEFAULT '',
			text           TEXT NOT NULL DEFAULT '',
			calories       REAL NOT NULL DEFAULT 0,
			protein        REAL NOT NULL DEFAULT 0,
			carbs          REAL NOT NULL DEFAULT 0,
			fat            REAL NOT NULL DEFAULT 0,
			eaten_at       TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			pending_sync   INTEGER NOT NULL DEFAULT 0,
			deleted        INTEGER NOT NULL DEFAULT 0,
			needs_review   INTEGER NOT NULL DEFAULT 0,
			attachment_ref TEXT NOT NULL DEFAULT ''
		)`,

		// Engine state (download watermark etc.), one row per key.
		`CREATE TABLE IF NOT EXISTS sync_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create replica table: %w", err)
		}
	}
	return nil
}

// Add inserts a new local record. The store is the authority for what "local
// wrote last" means: UpdatedAt is set to now and PendingSync is forced on.
func (s *Store) Add(r Record) error {
	if r.LocalID == "" {
		return fmt.Errorf("record has no local id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[r.LocalID]; ok {
		return fmt.Errorf("record %s already exists", r.LocalID)
	}
	r.UpdatedAt = s.now().UTC()
	r.PendingSync = true
	if err := s.writeThrough(&r); err != nil {
		return err
	}
	s.recs[r.LocalID] = &r
	return nil
}

// Update applies mutate to the record with the given local id. It bumps the
// last-writer clock, marks the record dirty, and clears any review parking.
// LocalID, RemoteID, and tombstone state cannot be changed through mutate.
func (s *Store) Update(localID string, mutate func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recs[localID]
	if !ok {
		return fmt.Errorf("record %s not found", localID)
	}
	next := *cur
	mutate(&next)
	next.LocalID = cur.LocalID
	next.RemoteID = cur.RemoteID
	next.Deleted = cur.Deleted
	next.UpdatedAt = s.now().UTC()
	next.PendingSync = true
	next.NeedsReview = false
	if err := s.writeThrough(&next); err != nil {
		return err
	}
	s.recs[localID] = &next
	return nil
}

// MarkDeleted tombstones a record. The tombstone stays in the replica, dirty,
// until the remote delete is acknowledged and Purge removes it.
func (s *Store) MarkDeleted(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recs[localID]
	if !ok {
		return fmt.Errorf("record %s not found", localID)
	}
	next := *cur
	next.Deleted = true
	next.PendingSync = true
	next.NeedsReview = false
	next.UpdatedAt = s.now().UTC()
	if err := s.writeThrough(&next); err != nil {
		return err
	}
	s.recs[localID] = &next
	return nil
}

// Purge physically removes a record. Called after the remote delete is
// acknowledged (or found unnecessary).
func (s *Store) Purge(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[localID]; !ok {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM meal_entries WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", localID, err)
	}
	delete(s.recs, localID)
	return nil
}

// ApplyRemote upserts a record verbatim, bypassing the local-write rules.
// This is the merge engine's write path: no clock bump, no dirty marking.
func (s *Store) ApplyRemote(r Record) error {
	if r.LocalID == "" {
		return fmt.Errorf("record has no local id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// A remote identity, once learned, is never un-set.
	if cur, ok := s.recs[r.LocalID]; ok && r.RemoteID == "" {
		r.RemoteID = cur.RemoteID
	}
	if err := s.writeThrough(&r); err != nil {
		return err
	}
	s.recs[r.LocalID] = &r
	return nil
}

// LinkRemote records the server-assigned identifier for a local record.
// Linking never clears an already known identity.
func (s *Store) LinkRemote(localID, remoteID string) error {
	if remoteID == "" {
		return fmt.Errorf("empty remote id for %s", localID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recs[localID]
	if !ok {
		return fmt.Errorf("record %s not found", localID)
	}
	if cur.RemoteID == remoteID {
		return nil
	}
	next := *cur
	next.RemoteID = remoteID
	if err := s.writeThrough(&next); err != nil {
		return err
	}
	s.recs[localID] = &next
	return nil
}

// MarkSynced clears PendingSync after a successful create/update
// acknowledgment and links the server identity if the response carried one.
func (s *Store) MarkSynced(localID, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recs[localID]
	if !ok {
		return fmt.Errorf("record %s not found", localID)
	}
	next := *cur
	next.PendingSync = false
	if remoteID != "" {
		next.RemoteID = remoteID
	}
	if err := s.writeThrough(&next); err != nil {
		return err
	}
	s.recs[localID] = &next
	return nil
}

// AckSynced records a successful create/update acknowledgment for the state
// captured at asOf. The identity link always sticks, but PendingSync is
// cleared only if no local write landed after the snapshot was taken; a
// mid-flight edit keeps the record dirty for the next cycle.
func (s *Store) AckSynced(localID, remoteID string, asOf time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recs[localID]
	if !ok {
		return fmt.Errorf("record %s not found", localID)
	}
	next := *cur
	if remoteID != "" {
		next.RemoteID = remoteID
	}
	if !cur.UpdatedAt.After(asOf) {
		next.PendingSync = false
	}
	if err := s.writeThrough(&next); err != nil {
		return err
	}
	s.recs[localID] = &next
	return nil
}

// MarkPending forces PendingSync on without touching the last-writer clock.
// Used by the reconciliation job to schedule re-creation.
func (s *Store) MarkPending(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recs[localID]
	if !ok {
		return fmt.Errorf("record %s not found", localID)
	}
	next := *cur
	next.PendingSync = true
	if err := s.writeThrough(&next); err != nil {
		return err
	}
	s.recs[localID] = &next
	return nil
}

// MarkNeedsReview parks a record after a non-recoverable validation
// rejection. Parked records stay visible but drop out of the dirty set.
func (s *Store) MarkNeedsReview(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recs[localID]
	if !ok {
		return fmt.Errorf("record %s not found", localID)
	}
	next := *cur
	next.NeedsReview = true
	if err := s.writeThrough(&next); err != nil {
		return err
	}
	s.recs[localID] = &next
	return nil
}

// SetAttachmentRef updates the attachment key without bumping the clock or
// dirty flag. Used when a combined upload already acknowledged field data.
func (s *Store) SetAttachmentRef(localID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recs[localID]
	if !ok {
		return fmt.Errorf("record %s not found", localID)
	}
	next := *cur
	next.AttachmentRef = ref
	if err := s.writeThrough(&next); err != nil {
		return err
	}
	s.recs[localID] = &next
	return nil
}

// Get returns a copy of the record with the given local id.
func (s *Store) Get(localID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[localID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// All returns the view presented to the UI: tombstones filtered out, ordered
// by EatenAt descending with UpdatedAt descending as the tie-break.
func (s *Store) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		if r.Deleted {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EatenAt.Equal(out[j].EatenAt) {
			return out[i].EatenAt.After(out[j].EatenAt)
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Snapshot returns copies of every record, tombstones included. Push and
// merge cycles iterate over a snapshot and write back through the store, so
// no mutation happens during iteration.
func (s *Store) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, *r)
	}
	return out
}

// Dirty returns copies of the records awaiting push: pending and not parked
// for review.
func (s *Store) Dirty() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.recs {
		if r.PendingSync && !r.NeedsReview {
			out = append(out, *r)
		}
	}
	return out
}

// GetState reads an engine state value (e.g. the download watermark).
// A missing key is returned as an empty string, not an error.
func (s *Store) GetState(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync state %q: %w", key, err)
	}
	return value, nil
}

// SetState writes an engine state value.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write sync state %q: %w", key, err)
	}
	return nil
}

// Persist rewrites the full table from memory in one transaction.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin persist transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM meal_entries`); err != nil {
		return fmt.Errorf("failed to clear meal_entries: %w", err)
	}
	for _, r := range s.recs {
		if err := upsertRecordTx(tx, r); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit persist transaction: %w", err)
	}
	return nil
}

// Reload replaces the in-memory map with the persisted table contents.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT local_id, remote_id, text, calories, protein, carbs, fat,
		       eaten_at, updated_at, pending_sync, deleted, needs_review, attachment_ref
		FROM meal_entries
	`)
	if err != nil {
		return fmt.Errorf("failed to query meal_entries: %w", err)
	}
	defer rows.Close()

	recs := make(map[string]*Record)
	for rows.Next() {
		var r Record
		var eatenAt, updatedAt string
		var pending, deleted, review int
		if err := rows.Scan(&r.LocalID, &r.RemoteID, &r.Text, &r.Calories, &r.Protein,
			&r.Carbs, &r.Fat, &eatenAt, &updatedAt, &pending, &deleted, &review,
			&r.AttachmentRef); err != nil {
			return fmt.Errorf("failed to scan record: %w", err)
		}
		if r.EatenAt, err = time.Parse(time.RFC3339Nano, eatenAt); err != nil {
			return fmt.Errorf("failed to parse eaten_at for %s: %w", r.LocalID, err)
		}
		if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return fmt.Errorf("failed to parse updated_at for %s: %w", r.LocalID, err)
		}
		r.PendingSync = pending != 0
		r.Deleted = deleted != 0
		r.NeedsReview = review != 0
		recs[r.LocalID] = &r
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating meal_entries: %w", err)
	}
	s.recs = recs
	return nil
}

func (s *Store) writeThrough(r *Record) error {
	_, err := s.db.Exec(`
		INSERT INTO meal_entries
			(local_id, remote_id, text, calories, protein, carbs, fat,
			 eaten_at, updated_at, pending_sync, deleted, needs_review, attachment_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			remote_id = excluded.remote_id,
			text = excluded.text,
			calories = excluded.calories,
			protein = excluded.protein,
			carbs = excluded.carbs,
			fat = excluded.fat,
			eaten_at = excluded.eaten_at,
			updated_at = excluded.updated_at,
			pending_sync = excluded.pending_sync,
			deleted = excluded.deleted,
			needs_review = excluded.needs_review,
			attachment_ref = excluded.attachment_ref
	`, r.LocalID, r.RemoteID, r.Text, r.Calories, r.Protein, r.Carbs, r.Fat,
		r.EatenAt.UTC().Format(time.RFC3339Nano), r.UpdatedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(r.PendingSync), boolToInt(r.Deleted), boolToInt(r.NeedsReview), r.AttachmentRef)
	if err != nil {
		return fmt.Errorf("failed to write record %s: %w", r.LocalID, err)
	}
	return nil
}

func upsertRecordTx(tx *sql.Tx, r *Record) error {
	_, err := tx.Exec(`
		INSERT INTO meal_entries
			(local_id, remote_id, text, calories, protein, carbs, fat,
			 eaten_at, updated_at, pending_sync, deleted, needs_review, attachment_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.LocalID, r.RemoteID, r.Text, r.Calories, r.Protein, r.Carbs, r.Fat,
		r.EatenAt.UTC().Format(time.RFC3339Nano), r.UpdatedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(r.PendingSync), boolToInt(r.Deleted), boolToInt(r.NeedsReview), r.AttachmentRef)
	if err != nil {
		return fmt.Errorf("failed to persist record %s: %w", r.LocalID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
