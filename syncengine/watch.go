// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchCache watches the attachment spool directory and kicks the sync loop
// when a new photo lands, so an upload starts without waiting for the next
// timer tick. Events are debounced: a burst of writes yields one kick.
func (e *Engine) watchCache(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(e.Cache.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch attachment cache dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				// Spool writes go to a .tmp file first; only the rename to
				// the final name signals a complete attachment.
				if strings.HasSuffix(event.Name, ".tmp") {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, e.Kick)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				e.logger.Warn("attachment cache watcher error", "error", err)
			}
		}
	}()
	return nil
}
