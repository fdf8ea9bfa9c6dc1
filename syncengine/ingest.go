// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"time"

	"github.com/hungrylabs/mealsync/replica"
)

// ParsedMeal is the structured output of the external text-to-nutrition
// parser. The parser itself is a black box behind MealParser.
type ParsedMeal struct {
	Text     string
	Calories float64
	Protein  float64
	Carbs    float64
	Fat      float64
	EatenAt  time.Time
}

// MealParser turns free-form meal text into a structured record. Implemented
// by the external AI parsing service; the engine only consumes its output.
type MealParser interface {
	Parse(ctx context.Context, text string) (ParsedMeal, error)
}

// Sample is one time-series point from the platform health-data layer.
type Sample struct {
	Kind  string // e.g. "active_energy", "weight"
	Value float64
	At    time.Time
}

// SampleSource is the platform sensor/health-data query layer, treated as a
// pull source of time-series samples.
type SampleSource interface {
	Samples(ctx context.Context, from, to time.Time) ([]Sample, error)
}

// Ingest creates local records for parsed meals. Each gets a fresh local id
// and enters the replica dirty, so the next push cycle creates it remotely.
// Returns the assigned local ids in input order.
func (e *Engine) Ingest(meals ...ParsedMeal) ([]string, error) {
	ids := make([]string, 0, len(meals))
	for _, m := range meals {
		eatenAt := m.EatenAt
		if eatenAt.IsZero() {
			eatenAt = e.now().UTC()
		}
		rec := replica.NewRecord(m.Text, eatenAt)
		rec.Calories = m.Calories
		rec.Protein = m.Protein
		rec.Carbs = m.Carbs
		rec.Fat = m.Fat
		if err := e.Store.Add(rec); err != nil {
			return ids, err
		}
		ids = append(ids, rec.LocalID)
	}
	return ids, nil
}
