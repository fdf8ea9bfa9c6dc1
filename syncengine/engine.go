// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

// Package syncengine implements the bidirectional sync engine: dirty-set
// push with deletes-before-upserts ordering, last-writer-wins merge with
// tombstone protection, identity resolution between client and server
// identifiers, resumable attachment upload, and a full-index
// reconciliation job.
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hungrylabs/mealsync/recordstore"
	"github.com/hungrylabs/mealsync/replica"
)

// stateLastPulled is the sync_state key holding the fetch watermark.
const stateLastPulled = "last_pulled_at"

// Config holds tunables for the sync engine.
type Config struct {
	FetchLimit   int           // page size for downloads, e.g. 200
	MaxParallel  int           // concurrent per-record network operations
	BackoffMin   time.Duration // 1s
	BackoffMax   time.Duration // 60s
	SyncInterval time.Duration // steady-state cycle period
	CacheDir     string        // attachment spool directory
}

// DefaultConfig returns the engine defaults. CacheDir must be provided by
// the caller; there is no meaningful default spool location for a library.
func DefaultConfig(cacheDir string) *Config {
	return &Config{
		FetchLimit:   200,
		MaxParallel:  4,
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
		SyncInterval: 30 * time.Second,
		CacheDir:     cacheDir,
	}
}

// Engine drives sync between the local replica and the remote record store.
// The replica store is the single point of shared mutable state; the engine
// reads snapshots and writes back through the store's own interface.
type Engine struct {
	Store    *replica.Store
	Remote   *recordstore.Client
	Resolver *IdentityResolver
	Cache    *AttachmentCache
	UserID   string

	config *Config
	logger *slog.Logger
	status *StatusBoard
	now    func() time.Time

	// cycleMu serializes full sync cycles. Overlapping cycles triggered by
	// callers remain safe without it (the conflict-and-resolve fallback
	// guarantees at most one remote record per local id), but back-to-back
	// cycles waste network calls, so they queue here.
	cycleMu sync.Mutex

	// Pause switches (atomic): suspend push/pull activity deterministically.
	pushPaused int32
	pullPaused int32

	// kick wakes the sync loop outside its timer, e.g. when the attachment
	// watcher sees a newly spooled file.
	kick chan struct{}
}

// New creates a sync engine for one user's replica.
func New(store *replica.Store, remote *recordstore.Client, userID string, config *Config, logger *slog.Logger) (*Engine, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if userID == "" {
		return nil, fmt.Errorf("userID must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := NewAttachmentCache(config.CacheDir)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		Store:  store,
		Remote: remote,
		Cache:  cache,
		UserID: userID,
		config: config,
		logger: logger,
		status: NewStatusBoard(),
		now:    time.Now,
		kick:   make(chan struct{}, 1),
	}
	e.Resolver = &IdentityResolver{Remote: remote, Store: store, UserID: userID}
	return e, nil
}

// Status returns the aggregate sync-status board.
func (e *Engine) Status() *StatusBoard { return e.status }

// PausePush suspends push activity (background loop and SyncOnce respect it).
func (e *Engine) PausePush() { atomic.StoreInt32(&e.pushPaused, 1) }

// ResumePush resumes push activity.
func (e *Engine) ResumePush() { atomic.StoreInt32(&e.pushPaused, 0) }

// PausePull suspends fetch/merge activity.
func (e *Engine) PausePull() { atomic.StoreInt32(&e.pullPaused, 1) }

// ResumePull resumes fetch/merge activity.
func (e *Engine) ResumePull() { atomic.StoreInt32(&e.pullPaused, 0) }

// Kick requests an immediate sync cycle from the background loop.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// SyncOnce runs one full cycle: push dirty state, then fetch and merge
// remote changes. Failures stay local to the failing record; the returned
// error summarizes transient trouble for the caller's backoff.
func (e *Engine) SyncOnce(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	var pushErr, pullErr error
	if atomic.LoadInt32(&e.pushPaused) == 0 {
		pushErr = e.pushDirty(ctx)
	}
	if atomic.LoadInt32(&e.pullPaused) == 0 {
		pullErr = e.fetch(ctx)
	}
	if pushErr != nil {
		return pushErr
	}
	return pullErr
}

// Start launches the background sync loop and the attachment-cache watcher.
// Both stop when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	go e.syncLoop(ctx)
	if err := e.watchCache(ctx); err != nil {
		// The watcher is an optimization; timer-driven sync still covers
		// spooled attachments on the next tick.
		e.logger.Warn("attachment cache watcher unavailable", "error", err)
	}
	return nil
}

// syncLoop runs sync cycles on a timer with exponential backoff on failure.
func (e *Engine) syncLoop(ctx context.Context) {
	backoff := e.config.BackoffMin
	wait := e.config.SyncInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.kick:
		case <-time.After(wait):
		}

		if err := e.SyncOnce(ctx); err != nil {
			e.logger.Debug("sync cycle failed, backing off", "backoff", backoff, "error", err)
			wait = backoff
			backoff *= 2
			if backoff > e.config.BackoffMax {
				backoff = e.config.BackoffMax
			}
		} else {
			backoff = e.config.BackoffMin
			wait = e.config.SyncInterval
		}
	}
}

// fetch pulls remote changes since the last applied watermark and merges
// them into the replica. The watermark advances only after a fully applied
// batch, so an interrupted fetch is re-done from scratch next cycle.
func (e *Engine) fetch(ctx context.Context) error {
	filter := recordstore.EqFilter("user", e.UserID)

	raw, err := e.Store.GetState(stateLastPulled)
	if err != nil {
		return err
	}
	if raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			// Unreadable watermark: fall back to a full fetch.
			e.logger.Warn("resetting unreadable fetch watermark", "value", raw)
		} else {
			filter = recordstore.And(filter, recordstore.UpdatedSince(since))
		}
	}

	batch, err := e.Remote.ListAll(ctx, filter, e.config.FetchLimit)
	if err != nil {
		e.status.Set(CategoryMeals, StatusError)
		return fmt.Errorf("failed to fetch remote changes: %w", err)
	}
	if err := e.Merge(batch); err != nil {
		return err
	}

	watermark := time.Time{}
	for _, rec := range batch {
		if rec.Updated.After(watermark) {
			watermark = rec.Updated
		}
	}
	if !watermark.IsZero() {
		if err := e.Store.SetState(stateLastPulled, watermark.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return nil
}
