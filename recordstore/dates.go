// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package recordstore

import (
	"fmt"
	"time"
)

// The remote store emits timestamps in several layouts depending on the
// field and server version: space or "T" separator, with or without
// sub-second precision, "Z" or an explicit numeric offset. Parsing tries
// each accepted layout and fails closed: an unparseable date rejects the
// record rather than guessing.
var acceptedLayouts = []string{
	"2006-01-02 15:04:05.999Z",
	"2006-01-02 15:04:05Z",
	"2006-01-02 15:04:05.999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	time.RFC3339Nano,
	time.RFC3339,
}

// canonicalLayout is what the store expects on writes.
const canonicalLayout = "2006-01-02 15:04:05.000Z"

// ParseTime parses a wire timestamp in any accepted layout.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range acceptedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// FormatTime renders a timestamp in the store's canonical layout (UTC,
// millisecond precision).
func FormatTime(t time.Time) string {
	return t.UTC().Format(canonicalLayout)
}
