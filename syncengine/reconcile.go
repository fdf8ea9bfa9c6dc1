// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"fmt"

	"github.com/hungrylabs/mealsync/recordstore"
)

// Reconcile runs the full-index repair pass. It is rare and expensive — a
// complete remote fetch, not a delta — and exists to fix drift the
// steady-state push/pull loop cannot, e.g. after a reinstall or a long
// offline stretch:
//
//   - local record without a remote identity, remote match exists: link it,
//     adopt the remote state if its clock is newer, and clear PendingSync;
//   - local record without a remote identity and no match: mark dirty so the
//     next push creates it;
//   - local record whose remote identity no longer appears in the index:
//     mark dirty to force re-creation.
//
// Tombstones are left alone; the delete path owns them. The job finishes by
// running an ordinary push cycle.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	e.status.Set(CategoryMeals, StatusSyncing)
	remote, err := e.Remote.ListAll(ctx, recordstore.EqFilter("user", e.UserID), e.config.FetchLimit)
	if err != nil {
		e.status.Set(CategoryMeals, StatusError)
		return fmt.Errorf("failed to fetch full remote set: %w", err)
	}

	index := make(map[string]recordstore.Record, len(remote))
	for _, rec := range remote {
		index[rec.LocalID] = rec
	}

	var relinked, scheduled int
	for _, local := range e.Store.Snapshot() {
		if local.Deleted {
			continue
		}
		match, found := index[local.LocalID]

		switch {
		case local.RemoteID == "" && found:
			if match.Updated.After(local.UpdatedAt) {
				if err := e.Store.ApplyRemote(fromRemote(match)); err != nil {
					return err
				}
			} else {
				if err := e.Store.LinkRemote(local.LocalID, match.ID); err != nil {
					return err
				}
				if err := e.Store.MarkSynced(local.LocalID, match.ID); err != nil {
					return err
				}
			}
			relinked++

		case local.RemoteID == "" && !found:
			if err := e.Store.MarkPending(local.LocalID); err != nil {
				return err
			}
			scheduled++

		case local.RemoteID != "" && !found:
			// The remote row is gone. Force re-creation on the next push.
			// This can resurrect an out-of-band server delete; accepted as
			// the lesser evil versus silently dropping local data.
			if err := e.Store.MarkPending(local.LocalID); err != nil {
				return err
			}
			scheduled++
		}
	}

	e.logger.Info("reconciliation complete",
		"remote", len(remote), "relinked", relinked, "scheduled", scheduled)

	return e.pushDirty(ctx)
}
