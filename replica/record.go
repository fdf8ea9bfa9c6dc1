// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

// Package replica provides the durable local replica of meal entries.
//
// The replica is the only thing the presentation layer reads. It is a
// write-through cache: an in-memory map serves reads, and every mutation
// updates both the map and a SQLite table under a single writer lock, so
// concurrent push/pull cycles never observe a partially written record.
package replica

import (
	"time"

	"github.com/google/uuid"
)

// Record is a single synchronized meal entry.
type Record struct {
	// LocalID is the client-generated stable identifier. It is assigned once
	// at creation, never changes, and is never reused even after deletion.
	LocalID string

	// RemoteID is the server-assigned identifier. Empty until the record has
	// been created remotely; once set it is never cleared.
	RemoteID string

	// Content fields.
	Text     string
	Calories float64
	Protein  float64
	Carbs    float64
	Fat      float64

	// EatenAt is the semantic time of the meal (primary sort key).
	EatenAt time.Time

	// UpdatedAt is the last-writer-wins clock: set to "now" by whichever
	// side most recently produced the currently held field values.
	UpdatedAt time.Time

	// PendingSync is true whenever local fields diverge from the last
	// acknowledged remote state.
	PendingSync bool

	// Deleted marks the record as a tombstone. The record stays in the
	// replica until the remote delete is confirmed, then it is purged.
	Deleted bool

	// NeedsReview parks a record that the server rejected with a
	// non-recoverable validation error. Parked records are excluded from
	// the dirty set; any local edit clears the flag and re-queues them.
	NeedsReview bool

	// AttachmentRef is the remote storage key of the photo attachment, if
	// any. It may lag behind a locally cached attachment pending upload.
	AttachmentRef string
}

// NewRecord creates a local record with a fresh LocalID, marked for sync.
// The caller supplies the semantic meal time; UpdatedAt is set by Store.Add.
func NewRecord(text string, eatenAt time.Time) Record {
	return Record{
		LocalID:     uuid.New().String(),
		Text:        text,
		EatenAt:     eatenAt,
		PendingSync: true,
	}
}
