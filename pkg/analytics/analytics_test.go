// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/spindle/pkg/config"
	"github.com/teradata-labs/spindle/pkg/store"
	"github.com/teradata-labs/spindle/pkg/types"
)

func newCache(t *testing.T) (*Cache, *store.Store) {
	t.Helper()
	st, err := store.NewStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewCache(config.AnalyticsConfig{SnapshotTTLSeconds: 60}, st, nil), st
}

// seedData plants two runs with variants and one rating.
func seedData(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		run := &types.Run{
			TaskClass:     "codegen",
			Task:          "write a max function",
			NTotal:        2,
			Strategy:      types.StrategyUCB1,
			FrameworkMask: types.AllFrameworks(),
		}
		_, err := st.CreateRun(ctx, run)
		require.NoError(t, err)
		for j := 0; j < 2; j++ {
			v := &types.Variant{
				RunID:          run.ID,
				IterationIndex: j,
				Operator:       "raise_temp",
				Recipe:         types.Recipe{Engine: types.EngineLocal},
				TotalReward:    0.5 + 0.1*float64(j),
			}
			_, err := st.SaveVariant(ctx, v)
			require.NoError(t, err)
			if i == 0 && j == 0 {
				_, err = st.InsertRating(ctx, v.ID, 8, "solid")
				require.NoError(t, err)
			}
		}
		require.NoError(t, st.SetBaseline(ctx, run.ID, 0.5))
		require.NoError(t, st.FinishRun(ctx, run.ID, types.RunStatusComplete, ""))
	}
}

func TestGetRejectsUnknownWindow(t *testing.T) {
	c, _ := newCache(t)
	_, err := c.Get(context.Background(), "90d")
	var cfgErr *types.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestSnapshotTotals(t *testing.T) {
	c, st := newCache(t)
	seedData(t, st)

	snap, err := c.Get(context.Background(), "all")
	require.NoError(t, err)
	assert.Equal(t, "all", snap.Window)
	assert.False(t, snap.Cached)
	assert.EqualValues(t, 2, snap.Totals.Runs)
	assert.EqualValues(t, 2, snap.Totals.Completed)
	assert.EqualValues(t, 4, snap.Totals.Variants)
	assert.EqualValues(t, 1, snap.Totals.TaskClasses)
	assert.EqualValues(t, 1, snap.Totals.RatingCount)
	assert.InDelta(t, 8.0, snap.Totals.RatingAvg, 1e-9)
	assert.InDelta(t, 0.55, snap.Totals.AvgTotalReward, 1e-9)
	assert.InDelta(t, 0.6, snap.Totals.MaxTotalReward, 1e-9)
}

func TestSecondReadWithinTTLIsCached(t *testing.T) {
	c, st := newCache(t)
	seedData(t, st)
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	first, err := c.Get(ctx, "7d")
	require.NoError(t, err)
	assert.False(t, first.Cached)

	clock = clock.Add(10 * time.Second)
	second, err := c.Get(ctx, "7d")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.EqualValues(t, 10, second.AgeSeconds)
	assert.Equal(t, first.Totals, second.Totals)
	assert.Equal(t, first.GeneratedAt, second.GeneratedAt, "cache hit reuses the computed snapshot")
}

func TestPayloadByteIdenticalWithinTTL(t *testing.T) {
	c, st := newCache(t)
	seedData(t, st)
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	first, cached, err := c.Payload(ctx, "7d")
	require.NoError(t, err)
	assert.False(t, cached)

	// New writes inside the TTL do not leak into the payload.
	seedData(t, st)
	clock = clock.Add(30 * time.Second)

	second, cached, err := c.Payload(ctx, "7d")
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, first, second)

	// Past the TTL the payload refreshes and sees the new rows.
	clock = clock.Add(31 * time.Second)
	third, cached, err := c.Payload(ctx, "7d")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.NotEqual(t, first, third)
}

func TestSnapshotPersistedToStore(t *testing.T) {
	c, st := newCache(t)
	seedData(t, st)
	ctx := context.Background()

	_, err := c.Get(ctx, "30d")
	require.NoError(t, err)

	payload, createdAt, err := st.SnapshotGet(ctx, "30d")
	require.NoError(t, err)
	assert.NotEmpty(t, payload)
	assert.NotZero(t, createdAt)
}

func TestInvalidateForcesRecompute(t *testing.T) {
	c, st := newCache(t)
	seedData(t, st)
	ctx := context.Background()

	_, err := c.Get(ctx, "7d")
	require.NoError(t, err)
	snap, err := c.Get(ctx, "7d")
	require.NoError(t, err)
	assert.True(t, snap.Cached)

	c.Invalidate()
	snap, err = c.Get(ctx, "7d")
	require.NoError(t, err)
	assert.False(t, snap.Cached)
}

func TestConcurrentReadsShareOneCompute(t *testing.T) {
	c, st := newCache(t)
	seedData(t, st)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Snapshot, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := c.Get(ctx, "all")
			assert.NoError(t, err)
			results[i] = snap
		}(i)
	}
	wg.Wait()

	for _, snap := range results {
		require.NotNil(t, snap)
		assert.Equal(t, results[0].Totals, snap.Totals)
	}
}
