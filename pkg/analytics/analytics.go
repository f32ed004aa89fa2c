// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package analytics rolls runs, variants, operator stats, ratings, and
// golden results into windowed snapshots. Snapshots are cached per window
// behind an atomic swap with a short TTL: readers never block the writer,
// and two reads inside the TTL return byte-identical payloads.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/spindle/pkg/config"
	"github.com/teradata-labs/spindle/pkg/store"
	"github.com/teradata-labs/spindle/pkg/types"
)

// Windows are the recognized snapshot windows.
var Windows = map[string]int{
	"7d":  7,
	"30d": 30,
	"all": 0,
}

// Totals is the headline block of a snapshot.
type Totals struct {
	Runs           int64   `json:"runs"`
	Completed      int64   `json:"completed"`
	Errored        int64   `json:"errored"`
	Cancelled      int64   `json:"cancelled"`
	Variants       int64   `json:"variants"`
	TaskClasses    int64   `json:"task_classes"`
	AvgTotalReward float64 `json:"avg_total_reward"`
	MaxTotalReward float64 `json:"max_total_reward"`
	AvgCostPenalty float64 `json:"avg_cost_penalty"`
	AvgImprovement float64 `json:"avg_improvement"`
	RatingCount    int64   `json:"rating_count"`
	RatingAvg      float64 `json:"rating_avg"`
}

// Meta carries the leaderboards and trends attached to a snapshot.
type Meta struct {
	TopRecipes          []*types.PromotedRecipe  `json:"top_recipes"`
	OperatorLeaderboard []store.OperatorRow      `json:"operator_leaderboard"`
	GoldenTrend         []store.GoldenTrendPoint `json:"golden_trend"`
}

// Snapshot is one cached analytics roll-up.
type Snapshot struct {
	Window      string             `json:"window"`
	Totals      Totals             `json:"totals"`
	Series      []store.TrendPoint `json:"series"`
	Meta        Meta               `json:"meta"`
	GeneratedAt int64              `json:"generated_at"`
	Cached      bool               `json:"cached"`
	AgeSeconds  int64              `json:"age_seconds"`
}

// entry is one cached window: the computed snapshot plus its serialized
// form, which repeat reads return unchanged inside the TTL.
type entry struct {
	snapshot  Snapshot
	payload   string
	createdAt time.Time
}

// Cache computes and caches snapshots. Reads go through an atomic.Value
// holding an immutable window map; the writer copies and swaps under its
// own lock, so readers never contend with a recompute.
type Cache struct {
	store  *store.Store
	ttl    time.Duration
	logger *zap.Logger

	entries atomic.Value // map[string]*entry
	writeMu sync.Mutex

	now func() time.Time
}

// NewCache wires the snapshot cache to the store.
func NewCache(cfg config.AnalyticsConfig, st *store.Store, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		store:  st,
		ttl:    time.Duration(cfg.SnapshotTTLSeconds) * time.Second,
		logger: logger,
		now:    time.Now,
	}
	c.entries.Store(map[string]*entry{})
	return c
}

// Get returns the snapshot for a window, recomputing when the cached copy
// expired. The Cached flag is true on cache hits, and AgeSeconds reports
// how stale the hit is.
func (c *Cache) Get(ctx context.Context, window string) (*Snapshot, error) {
	days, ok := Windows[window]
	if !ok {
		return nil, &types.ConfigError{Field: "window", Reason: fmt.Sprintf("unknown window %q", window)}
	}

	if e := c.lookup(window); e != nil {
		out := e.snapshot
		out.Cached = true
		out.AgeSeconds = int64(c.now().Sub(e.createdAt).Seconds())
		return &out, nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Another writer may have refreshed the window while we waited.
	if e := c.lookup(window); e != nil {
		out := e.snapshot
		out.Cached = true
		out.AgeSeconds = int64(c.now().Sub(e.createdAt).Seconds())
		return &out, nil
	}

	snap, err := c.compute(ctx, window, days)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := c.store.SnapshotPut(ctx, window, string(payload)); err != nil {
		c.logger.Warn("snapshot persistence failed", zap.String("window", window), zap.Error(err))
	}

	c.swap(window, &entry{snapshot: *snap, payload: string(payload), createdAt: c.now()})
	return snap, nil
}

// Payload returns the serialized snapshot, computing it on a miss. Two
// calls inside the TTL return identical bytes.
func (c *Cache) Payload(ctx context.Context, window string) (string, bool, error) {
	if e := c.lookup(window); e != nil {
		return e.payload, true, nil
	}
	if _, err := c.Get(ctx, window); err != nil {
		return "", false, err
	}
	e := c.lookup(window)
	if e == nil {
		return "", false, fmt.Errorf("snapshot for %q vanished after compute", window)
	}
	return e.payload, false, nil
}

// Invalidate drops every cached window. Used by tests and by the code-loop
// after a committed tuning change.
func (c *Cache) Invalidate() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.entries.Store(map[string]*entry{})
}

func (c *Cache) lookup(window string) *entry {
	entries := c.entries.Load().(map[string]*entry)
	e, ok := entries[window]
	if !ok || c.now().Sub(e.createdAt) >= c.ttl {
		return nil
	}
	return e
}

// swap publishes a new window entry by copying the immutable map.
// Callers hold writeMu.
func (c *Cache) swap(window string, e *entry) {
	old := c.entries.Load().(map[string]*entry)
	next := make(map[string]*entry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[window] = e
	c.entries.Store(next)
}

// compute builds a fresh snapshot from the store.
func (c *Cache) compute(ctx context.Context, window string, days int) (*Snapshot, error) {
	runTotals, err := c.store.GetRunTotals(ctx, days)
	if err != nil {
		return nil, err
	}
	variantTotals, err := c.store.GetVariantTotals(ctx, days)
	if err != nil {
		return nil, err
	}
	ratingStats, err := c.store.GetRatingStats(ctx, days)
	if err != nil {
		return nil, err
	}
	series, err := c.store.GetBestRewardTrend(ctx, days)
	if err != nil {
		return nil, err
	}
	topRecipes, err := c.store.GetTopRecipes(ctx, 5)
	if err != nil {
		return nil, err
	}
	leaderboard, err := c.store.GetOperatorLeaderboard(ctx, 3)
	if err != nil {
		return nil, err
	}
	goldenTrend, err := c.store.GetGoldenTrend(ctx, 10)
	if err != nil {
		return nil, err
	}
	if len(leaderboard) > 10 {
		leaderboard = leaderboard[:10]
	}

	return &Snapshot{
		Window: window,
		Totals: Totals{
			Runs:           runTotals.Runs,
			Completed:      runTotals.Completed,
			Errored:        runTotals.Errored,
			Cancelled:      runTotals.Cancelled,
			Variants:       variantTotals.Count,
			TaskClasses:    variantTotals.TaskClasses,
			AvgTotalReward: variantTotals.AvgTotalReward,
			MaxTotalReward: variantTotals.MaxTotalReward,
			AvgCostPenalty: variantTotals.AvgCostPenalty,
			AvgImprovement: runTotals.AvgImprovement,
			RatingCount:    ratingStats.Count,
			RatingAvg:      ratingStats.AvgScore,
		},
		Series:      series,
		Meta:        Meta{TopRecipes: topRecipes, OperatorLeaderboard: leaderboard, GoldenTrend: goldenTrend},
		GeneratedAt: c.now().Unix(),
	}, nil
}
