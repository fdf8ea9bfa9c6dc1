package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hungrylabs/mealsync/recordstore"
	"github.com/hungrylabs/mealsync/replica"
)

func TestPushCreatesRecord(t *testing.T) {
	engine, store, fake := newTestEngine(t)
	ctx := context.Background()

	local := addLocal(t, store, "oatmeal with berries", time.Now())
	require.NoError(t, engine.PushDirty(ctx))

	require.Equal(t, 1, fake.createCalls)
	remote := fake.get(local.LocalID)
	require.NotNil(t, remote)

	got, ok := store.Get(local.LocalID)
	require.True(t, ok)
	require.Equal(t, remote.id, got.RemoteID)
	require.False(t, got.PendingSync)
}

func TestPushIdempotent(t *testing.T) {
	engine, store, fake := newTestEngine(t)
	ctx := context.Background()

	addLocal(t, store, "chicken salad", time.Now())
	addLocal(t, store, "protein shake", time.Now())
	require.NoError(t, engine.PushDirty(ctx))

	calls := fake.mutatingCalls()
	require.NoError(t, engine.PushDirty(ctx))
	require.Equal(t, calls, fake.mutatingCalls(),
		"second push with no local changes must issue zero state-changing calls")
}

func TestPushEditPatchesByRemoteID(t *testing.T) {
	engine, store, fake := newTestEngine(t)
	ctx := context.Background()

	local := addLocal(t, store, "ramen", time.Now())
	require.NoError(t, engine.PushDirty(ctx))

	require.NoError(t, store.Update(local.LocalID, func(r *replica.Record) { r.Text = "ramen, extra egg" }))
	require.NoError(t, engine.PushDirty(ctx))

	require.Equal(t, 1, fake.createCalls)
	require.Equal(t, 1, fake.patchCalls)
	require.Equal(t, "ramen, extra egg", fake.get(local.LocalID).text)

	got, _ := store.Get(local.LocalID)
	require.False(t, got.PendingSync)
}

func TestCreateConflictRecoversViaResolveThenPatch(t *testing.T) {
	engine, store, fake := newTestEngine(t)
	ctx := context.Background()

	local := addLocal(t, store, "burrito", time.Now())

	// Another client wins the creation race: the row appears between our
	// not-found resolve and the POST, so the POST hits the unique
	// constraint on local_id.
	fake.beforeCreate = func(f *fakeRemote) {
		f.insertLocked(map[string]any{
			"local_id":  local.LocalID,
			"user":      testUser,
			"text":      "burrito",
			"timestamp": recordstore.FormatTime(local.EatenAt),
			"updated":   recordstore.FormatTime(local.UpdatedAt.Add(-time.Minute)),
		})
	}

	require.NoError(t, engine.PushDirty(ctx))

	// Exactly one remote record exists and it was patched, not duplicated.
	require.Equal(t, 1, fake.createCalls)
	require.Equal(t, 1, fake.patchCalls)
	remote := fake.get(local.LocalID)
	require.NotNil(t, remote)

	got, _ := store.Get(local.LocalID)
	require.Equal(t, remote.id, got.RemoteID)
	require.False(t, got.PendingSync)
}

func TestDeleteNotFoundTreatedAsSuccess(t *testing.T) {
	engine, store, fake := newTestEngine(t)
	ctx := context.Background()

	local := addLocal(t, store, "leftovers", time.Now())
	require.NoError(t, engine.PushDirty(ctx))
	got, _ := store.Get(local.LocalID)

	// The remote row vanishes out-of-band, then the user deletes locally.
	fake.mu.Lock()
	delete(fake.records, got.RemoteID)
	delete(fake.byLocal, local.LocalID)
	fake.mu.Unlock()

	require.NoError(t, store.MarkDeleted(local.LocalID))
	require.NoError(t, engine.PushDirty(ctx))

	_, ok := store.Get(local.LocalID)
	require.False(t, ok, "tombstone must be purged after an idempotent 404 delete")
}

func TestDeleteResolvesUnknownIdentityFirst(t *testing.T) {
	engine, store, fake := newTestEngine(t)
	ctx := context.Background()

	// The record exists remotely but this replica never learned its id.
	eatenAt := time.Now().Add(-time.Hour).UTC()
	seeded := fake.seed("L-orphan", "mystery meal", eatenAt, eatenAt)
	require.NoError(t, store.ApplyRemote(replica.Record{
		LocalID:   "L-orphan",
		Text:      "mystery meal",
		EatenAt:   eatenAt,
		UpdatedAt: eatenAt,
	}))
	require.NoError(t, store.MarkDeleted("L-orphan"))

	require.NoError(t, engine.PushDirty(ctx))

	require.Equal(t, 1, fake.deleteCalls)
	require.Nil(t, fake.get("L-orphan"), "remote row %s should be deleted", seeded.id)
	_, ok := store.Get("L-orphan")
	require.False(t, ok)
}

func TestDeleteOfNeverCreatedRecordPurgesLocally(t *testing.T) {
	engine, store, fake := newTestEngine(t)
	ctx := context.Background()

	local := addLocal(t, store, "typo entry", time.Now())
	require.NoError(t, store.MarkDeleted(local.LocalID))
	require.NoError(t, engine.PushDirty(ctx))

	require.Equal(t, 0, fake.deleteCalls, "nothing remote to delete")
	_, ok := store.Get(local.LocalID)
	require.False(t, ok)
}

func TestOfflinePushPreservesState(t *testing.T) {
	engine, store, fake := newTestEngine(t)
	ctx := context.Background()

	pending := addLocal(t, store, "pending entry", time.Now())
	doomed := addLocal(t, store, "doomed entry", time.Now())
	require.NoError(t, store.MarkDeleted(doomed.LocalID))

	fake.offline = true
	require.Error(t, engine.PushDirty(ctx))

	got, ok := store.Get(pending.LocalID)
	require.True(t, ok)
	require.True(t, got.PendingSync, "transient failure must leave the dirty flag")

	tomb, ok := store.Get(doomed.LocalID)
	require.True(t, ok, "tombstone is never lost on network failure")
	require.True(t, tomb.Deleted)
	require.True(t, tomb.PendingSync)
	require.Equal(t, StatusError, engine.Status().Get(CategoryMeals))

	// Connectivity returns: the next cycle drains everything.
	fake.offline = false
	require.NoError(t, engine.PushDirty(ctx))
	got, _ = store.Get(pending.LocalID)
	require.False(t, got.PendingSync)
	_, ok = store.Get(doomed.LocalID)
	require.False(t, ok)
	require.Equal(t, StatusUpToDate, engine.Status().Get(CategoryMeals))
}

func TestValidationRejectionParksRecord(t *testing.T) {
	engine, store, fake := newTestEngine(t)
	ctx := context.Background()

	local := addLocal(t, store, "", time.Now())
	fake.rejectWrites = true
	require.NoError(t, engine.PushDirty(ctx), "a parked record is handled, not a push failure")

	got, _ := store.Get(local.LocalID)
	require.True(t, got.NeedsReview)
	require.Empty(t, store.Dirty())
	require.Equal(t, StatusError, engine.Status().Get(CategoryMeals))

	// A local edit clears the parking and re-queues the record.
	fake.rejectWrites = false
	require.NoError(t, store.Update(local.LocalID, func(r *replica.Record) { r.Text = "fixed text" }))
	got, _ = store.Get(local.LocalID)
	require.False(t, got.NeedsReview)
	require.True(t, got.PendingSync)

	require.NoError(t, engine.PushDirty(ctx))
	got, _ = store.Get(local.LocalID)
	require.False(t, got.PendingSync)
	require.Equal(t, "fixed text", fake.get(local.LocalID).text)
}

func TestEditDuringPushStaysDirty(t *testing.T) {
	engine, store, fake := newTestEngine(t)
	ctx := context.Background()

	local := addLocal(t, store, "first draft", time.Now())
	require.NoError(t, engine.PushDirty(ctx))

	// Simulate an edit landing between the push snapshot and the ack:
	// the ack for the stale snapshot must not clear the newer dirty flag.
	stale, _ := store.Get(local.LocalID)
	require.NoError(t, store.Update(local.LocalID, func(r *replica.Record) { r.Text = "second draft" }))
	require.NoError(t, store.AckSynced(local.LocalID, stale.RemoteID, stale.UpdatedAt))

	got, _ := store.Get(local.LocalID)
	require.True(t, got.PendingSync, "mid-flight edit must stay queued")
	require.NoError(t, engine.PushDirty(ctx))
	require.Equal(t, "second draft", fake.get(local.LocalID).text)
}
