package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIngestCreatesDirtyRecords(t *testing.T) {
	engine, store, fake := newTestEngine(t)

	eatenAt := time.Date(2026, 8, 29, 19, 30, 0, 0, time.UTC)
	ids, err := engine.Ingest(
		ParsedMeal{Text: "grilled salmon", Calories: 450, Protein: 40, Fat: 28, EatenAt: eatenAt},
		ParsedMeal{Text: "side salad", Calories: 120, Carbs: 10},
	)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.NotEqual(t, ids[0], ids[1])

	salmon, ok := store.Get(ids[0])
	require.True(t, ok)
	require.Equal(t, "grilled salmon", salmon.Text)
	require.Equal(t, float64(450), salmon.Calories)
	require.True(t, salmon.EatenAt.Equal(eatenAt))
	require.True(t, salmon.PendingSync)

	salad, _ := store.Get(ids[1])
	require.False(t, salad.EatenAt.IsZero(), "a missing meal time defaults to now")

	// The next push cycle creates both remotely.
	require.NoError(t, engine.PushDirty(context.Background()))
	require.Equal(t, 2, fake.createCalls)
}
