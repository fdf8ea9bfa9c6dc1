// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"github.com/hungrylabs/mealsync/recordstore"
	"github.com/hungrylabs/mealsync/replica"
)

// fromRemote converts a remote record into replica form. The result is the
// last-acknowledged remote state, so it arrives clean.
func fromRemote(w recordstore.Record) replica.Record {
	return replica.Record{
		LocalID:       w.LocalID,
		RemoteID:      w.ID,
		Text:          w.Text,
		Calories:      w.Calories,
		Protein:       w.Protein,
		Carbs:         w.Carbs,
		Fat:           w.Fat,
		EatenAt:       w.Timestamp,
		UpdatedAt:     w.Updated,
		AttachmentRef: w.Photo,
		PendingSync:   false,
	}
}

// toRemote converts a replica record into the remote representation used
// for create and update requests.
func (e *Engine) toRemote(r replica.Record) recordstore.Record {
	return recordstore.Record{
		ID:        r.RemoteID,
		LocalID:   r.LocalID,
		User:      e.UserID,
		Text:      r.Text,
		Calories:  r.Calories,
		Protein:   r.Protein,
		Carbs:     r.Carbs,
		Fat:       r.Fat,
		Timestamp: r.EatenAt,
		Updated:   r.UpdatedAt,
		Photo:     r.AttachmentRef,
	}
}

// Merge reconciles a batch of remote records into the local replica using
// last-writer-wins with tombstone protection:
//
//  1. Unknown local id: accept as new (unless the remote record is itself
//     tombstoned), clean.
//  2. Local tombstone: skip. An in-flight delete is never resurrected by an
//     incoming payload.
//  3. Otherwise compare LWW clocks. Strictly newer remote overwrites all
//     local fields and clears PendingSync; a tie resolves in favor of local
//     so an identical-timestamp echo of an in-flight edit cannot clobber it.
//
// Independent of which side wins, an attachment reference is adopted
// field-level when the local one is empty: a photo uploaded through another
// path must never become invisible.
func (e *Engine) Merge(batch []recordstore.Record) error {
	for _, remote := range batch {
		local, ok := e.Store.Get(remote.LocalID)
		if !ok {
			if remote.Deleted {
				continue
			}
			if err := e.Store.ApplyRemote(fromRemote(remote)); err != nil {
				return err
			}
			continue
		}

		if local.Deleted {
			continue
		}

		if remote.Updated.After(local.UpdatedAt) {
			if err := e.Store.ApplyRemote(fromRemote(remote)); err != nil {
				return err
			}
			continue
		}

		// Local wins (later or equal clock). Still adopt the identity and
		// the attachment reference when we lack them.
		if local.RemoteID == "" && remote.ID != "" {
			if err := e.Store.LinkRemote(local.LocalID, remote.ID); err != nil {
				return err
			}
		}
		if local.AttachmentRef == "" && remote.Photo != "" {
			if err := e.Store.SetAttachmentRef(local.LocalID, remote.Photo); err != nil {
				return err
			}
		}
	}
	return nil
}
