// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

// Package recordstore is the HTTP client for the remote record store.
//
// The store exposes per-collection REST endpoints (list/query with a filter
// expression, create, update, delete) plus multipart upload for binary
// attachments. Authentication is a bearer token supplied by an injected
// token function.
package recordstore

import (
	"fmt"
	"strings"
	"time"
)

// Record is a meal entry as the remote store represents it.
type Record struct {
	ID        string // server-assigned identifier
	LocalID   string // client-generated identifier (indexed, unique)
	User      string // owning user
	Text      string
	Calories  float64
	Protein   float64
	Carbs     float64
	Fat       float64
	Timestamp time.Time // the record's own semantic time
	Updated   time.Time // last-writer-wins clock
	Photo     string    // stored attachment key, empty when absent
	Deleted   bool      // soft-delete marker, set only by deployments that keep tombstones
}

// wireRecord is the JSON shape on the wire. Timestamps travel as strings in
// one of several accepted layouts, so decoding goes through ParseTime.
type wireRecord struct {
	ID        string  `json:"id"`
	LocalID   string  `json:"local_id"`
	User      string  `json:"user"`
	Text      string  `json:"text"`
	Calories  float64 `json:"calories"`
	Protein   float64 `json:"protein"`
	Carbs     float64 `json:"carbs"`
	Fat       float64 `json:"fat"`
	Timestamp string  `json:"timestamp"`
	Updated   string  `json:"updated"`
	Photo     string  `json:"photo"`
	Deleted   bool    `json:"deleted,omitempty"`
}

// toRecord decodes the wire form, failing closed on any unparseable date.
func (w *wireRecord) toRecord() (Record, error) {
	r := Record{
		ID:       w.ID,
		LocalID:  w.LocalID,
		User:     w.User,
		Text:     w.Text,
		Calories: w.Calories,
		Protein:  w.Protein,
		Carbs:    w.Carbs,
		Fat:      w.Fat,
		Photo:    w.Photo,
		Deleted:  w.Deleted,
	}
	var err error
	if r.Timestamp, err = ParseTime(w.Timestamp); err != nil {
		return Record{}, fmt.Errorf("record %s: bad timestamp: %w", w.ID, err)
	}
	if r.Updated, err = ParseTime(w.Updated); err != nil {
		return Record{}, fmt.Errorf("record %s: bad updated clock: %w", w.ID, err)
	}
	return r, nil
}

// listResponse is the paged envelope returned by list queries.
type listResponse struct {
	Page       int          `json:"page"`
	PerPage    int          `json:"perPage"`
	TotalItems int          `json:"totalItems"`
	Items      []wireRecord `json:"items"`
}

// ListPage is one decoded page of a list query. Records whose dates failed
// to parse are dropped and counted in Rejected.
type ListPage struct {
	Page       int
	PerPage    int
	TotalItems int
	Records    []Record
	Rejected   int
}

// Fields renders the writable fields of a record the way create and update
// requests expect them. The server assigns ID; local_id and the LWW clock
// are client-owned.
func Fields(r Record) map[string]any {
	return map[string]any{
		"local_id":  r.LocalID,
		"user":      r.User,
		"text":      r.Text,
		"calories":  r.Calories,
		"protein":   r.Protein,
		"carbs":     r.Carbs,
		"fat":       r.Fat,
		"timestamp": FormatTime(r.Timestamp),
		"updated":   FormatTime(r.Updated),
	}
}

// EqFilter builds an equality filter expression, e.g.
// EqFilter("local_id", "L1", "user", "U1") -> "local_id='L1' && user='U1'".
// Single quotes in values are escaped.
func EqFilter(pairs ...string) string {
	if len(pairs)%2 != 0 {
		panic("EqFilter requires key/value pairs")
	}
	terms := make([]string, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		value := strings.ReplaceAll(pairs[i+1], "'", "\\'")
		terms = append(terms, fmt.Sprintf("%s='%s'", pairs[i], value))
	}
	return strings.Join(terms, " && ")
}

// And joins filter terms. Empty terms are skipped.
func And(terms ...string) string {
	parts := terms[:0:0]
	for _, t := range terms {
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " && ")
}

// UpdatedSince builds a strict lower-bound filter on the LWW clock, used by
// the steady-state fetch to request only records changed after the last
// applied watermark.
func UpdatedSince(t time.Time) string {
	return fmt.Sprintf("updated>'%s'", FormatTime(t))
}
