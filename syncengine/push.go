// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hungrylabs/mealsync/recordstore"
	"github.com/hungrylabs/mealsync/replica"
)

// PushDirty pushes all dirty local state to the remote store. It snapshots
// the dirty set before touching the network (no mutation during iteration),
// dispatches deletes first, and starts upserts only after every delete has
// been dispatched — a delete-then-recreate race must never resurrect a row
// the user meant to remove. Within each phase, records are pushed
// concurrently; a failure for one record never blocks another.
func (e *Engine) PushDirty(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return e.pushDirty(ctx)
}

func (e *Engine) pushDirty(ctx context.Context) error {
	dirty := e.Store.Dirty()
	if len(dirty) == 0 {
		e.status.Set(CategoryMeals, StatusUpToDate)
		return nil
	}
	e.status.Set(CategoryMeals, StatusSyncing)

	var tombstones, upserts []replica.Record
	for _, rec := range dirty {
		if rec.Deleted {
			tombstones = append(tombstones, rec)
		} else {
			upserts = append(upserts, rec)
		}
	}

	var failed, parked int32
	run := func(recs []replica.Record, op func(context.Context, replica.Record) error) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.config.MaxParallel)
		for _, rec := range recs {
			rec := rec
			g.Go(func() error {
				switch err := op(gctx, rec); {
				case err == nil:
				case errors.Is(err, errParked):
					atomic.AddInt32(&parked, 1)
				default:
					atomic.AddInt32(&failed, 1)
					e.logger.Debug("push failed, will retry next cycle",
						"local_id", rec.LocalID, "error", err)
				}
				// Per-record failures stay local; never cancel siblings.
				return nil
			})
		}
		_ = g.Wait()
	}

	run(tombstones, e.pushDelete)
	run(upserts, e.pushUpsert)

	if atomic.LoadInt32(&failed)+atomic.LoadInt32(&parked) > 0 {
		e.status.Set(CategoryMeals, StatusError)
	} else {
		e.status.Set(CategoryMeals, StatusUpToDate)
	}
	if n := atomic.LoadInt32(&failed); n > 0 {
		return fmt.Errorf("%d of %d dirty records failed to push", n, len(dirty))
	}
	return nil
}

// errParked marks a record moved to the review queue: handled, not retried.
var errParked = errors.New("record parked for review")

// pushDelete confirms one tombstone remotely and purges it locally.
// Any failure leaves the tombstone in place for the next cycle.
func (e *Engine) pushDelete(ctx context.Context, rec replica.Record) error {
	remoteID := rec.RemoteID
	if remoteID == "" {
		resolved, found, err := e.Resolver.Resolve(ctx, rec.LocalID)
		if err != nil {
			return err
		}
		if !found {
			// Never created remotely; nothing to delete.
			return e.Store.Purge(rec.LocalID)
		}
		remoteID = resolved
	}

	err := e.Remote.Delete(ctx, remoteID)
	if err != nil && !errors.Is(err, recordstore.ErrNotFound) {
		return err
	}
	// Deleted, or already gone: idempotent success either way.
	return e.Store.Purge(rec.LocalID)
}

// pushUpsert pushes one dirty, non-tombstoned record. A locally spooled
// attachment routes the whole upsert through the combined multipart path.
func (e *Engine) pushUpsert(ctx context.Context, rec replica.Record) error {
	if e.Cache.Has(rec.LocalID) {
		return e.uploadAttachment(ctx, rec)
	}
	return e.upsertFields(ctx, rec)
}

// upsertFields pushes field data only: patch when the remote identity is
// known, otherwise resolve-then-patch, otherwise create.
func (e *Engine) upsertFields(ctx context.Context, rec replica.Record) error {
	if rec.RemoteID != "" {
		return e.patch(ctx, rec, rec.RemoteID)
	}

	remoteID, found, err := e.Resolver.Resolve(ctx, rec.LocalID)
	if err != nil {
		return err
	}
	if found {
		if err := e.Resolver.Link(rec.LocalID, remoteID); err != nil {
			return err
		}
		return e.patch(ctx, rec, remoteID)
	}
	return e.create(ctx, rec)
}

// create POSTs a new remote record. A duplicate-key conflict means a
// concurrent cycle won the creation race; recover by resolving the
// now-discoverable identity and patching it instead, so at most one remote
// record ever exists per local id.
func (e *Engine) create(ctx context.Context, rec replica.Record) error {
	resp, err := e.Remote.Create(ctx, recordstore.Fields(e.toRemote(rec)))
	switch {
	case err == nil:
		return e.Store.AckSynced(rec.LocalID, resp.ID, rec.UpdatedAt)

	case errors.Is(err, recordstore.ErrConflict):
		remoteID, found, rerr := e.Resolver.Resolve(ctx, rec.LocalID)
		if rerr != nil {
			return rerr
		}
		if !found {
			// The row that caused the conflict should be discoverable;
			// if it is not yet, retry the whole upsert next cycle.
			return fmt.Errorf("create conflict for %s but identity not resolvable yet", rec.LocalID)
		}
		if lerr := e.Resolver.Link(rec.LocalID, remoteID); lerr != nil {
			return lerr
		}
		return e.patch(ctx, rec, remoteID)

	case errors.Is(err, recordstore.ErrRejected):
		return e.parkRejected(rec, err)

	default:
		return err
	}
}

// patch PATCHes an existing remote record. A 404 means the remote row
// vanished out from under us (out-of-band delete or reconciliation drift);
// fall back to re-creating it.
func (e *Engine) patch(ctx context.Context, rec replica.Record, remoteID string) error {
	resp, err := e.Remote.Update(ctx, remoteID, recordstore.Fields(e.toRemote(rec)))
	switch {
	case err == nil:
		return e.Store.AckSynced(rec.LocalID, resp.ID, rec.UpdatedAt)

	case errors.Is(err, recordstore.ErrNotFound):
		return e.create(ctx, rec)

	case errors.Is(err, recordstore.ErrRejected):
		return e.parkRejected(rec, err)

	default:
		return err
	}
}

// parkRejected handles a non-recoverable validation rejection: the record
// is parked for review instead of wedging the dirty queue forever. A later
// local edit re-queues it.
func (e *Engine) parkRejected(rec replica.Record, cause error) error {
	e.logger.Warn("server rejected record, parking for review",
		"local_id", rec.LocalID, "error", cause)
	if err := e.Store.MarkNeedsReview(rec.LocalID); err != nil {
		return err
	}
	return errParked
}
