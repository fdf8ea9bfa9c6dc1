// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package syncengine

import "sync"

// Status is the aggregate, user-visible sync state of one data category.
// This indicator is the only error surface: individual record failures are
// retried or parked, never raised as dialogs.
type Status int

const (
	StatusIdle Status = iota
	StatusSyncing
	StatusUpToDate
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSyncing:
		return "syncing"
	case StatusUpToDate:
		return "up-to-date"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Data categories tracked by the engine.
const (
	CategoryMeals       = "meals"
	CategoryAttachments = "attachments"
)

// StatusBoard tracks per-category status, readable concurrently.
type StatusBoard struct {
	mu         sync.RWMutex
	categories map[string]Status
}

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{categories: map[string]Status{
		CategoryMeals:       StatusIdle,
		CategoryAttachments: StatusIdle,
	}}
}

// Set updates one category.
func (b *StatusBoard) Set(category string, s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.categories[category] = s
}

// Get reads one category.
func (b *StatusBoard) Get(category string) Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.categories[category]
}

// All returns a copy of every category's status.
func (b *StatusBoard) All() map[string]Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Status, len(b.categories))
	for k, v := range b.categories {
		out[k] = v
	}
	return out
}
