// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/spindle/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRun(t *testing.T, s *Store, taskClass string) *types.Run {
	t.Helper()
	run := &types.Run{
		TaskClass:     taskClass,
		Task:          "write a max function",
		NTotal:        4,
		Strategy:      types.StrategyUCB1,
		FrameworkMask: types.AllFrameworks(),
		Seed:          42,
	}
	_, err := s.CreateRun(context.Background(), run)
	require.NoError(t, err)
	return run
}

func newVariant(t *testing.T, s *Store, runID int64, iter int, total float64) *types.Variant {
	t.Helper()
	v := &types.Variant{
		RunID:          runID,
		IterationIndex: iter,
		Operator:       "raise_temp",
		Recipe:         types.Recipe{Temperature: 0.8, TopK: 40, Engine: types.EngineLocal},
		Output:         "answer",
		OutcomeReward:  total,
		TotalReward:    total,
	}
	_, err := s.SaveVariant(context.Background(), v)
	require.NoError(t, err)
	return v
}

func TestCreateRunAssignsMonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	first := newRun(t, s, "codegen")
	second := newRun(t, s, "codegen")
	assert.Greater(t, second.ID, first.ID)

	loaded, err := s.GetRun(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, "codegen", loaded.TaskClass)
	assert.Equal(t, types.NormalizeTaskClass("codegen"), loaded.NormalizedTaskClass)
	assert.Equal(t, types.RunStatusRunning, loaded.Status)
}

func TestGetRunUnknownID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), 999)
	assert.ErrorIs(t, err, types.ErrRunNotFound)
}

func TestSaveVariantRejectsTerminalRun(t *testing.T) {
	s := newTestStore(t)
	run := newRun(t, s, "codegen")
	require.NoError(t, s.FinishRun(context.Background(), run.ID, types.RunStatusComplete, ""))

	_, err := s.SaveVariant(context.Background(), &types.Variant{RunID: run.ID, TotalReward: 0.5})
	assert.ErrorIs(t, err, types.ErrRunNotRunning)
}

func TestSaveVariantRequiresRun(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveVariant(context.Background(), &types.Variant{RunID: 12345})
	assert.ErrorIs(t, err, types.ErrRunNotFound)
}

func TestUpdateBestKeepsSingleFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newRun(t, s, "codegen")
	v1 := newVariant(t, s, run.ID, 0, 0.4)
	v2 := newVariant(t, s, run.ID, 1, 0.6)

	require.NoError(t, s.UpdateBest(ctx, run.ID, v1.ID, 0.4))
	require.NoError(t, s.UpdateBest(ctx, run.ID, v2.ID, 0.6))

	variants, err := s.ListVariants(ctx, run.ID)
	require.NoError(t, err)
	best := 0
	for _, v := range variants {
		if v.IsBest {
			best++
			assert.Equal(t, v2.ID, v.ID)
		}
	}
	assert.Equal(t, 1, best)

	loaded, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.BestVariantID)
	assert.Equal(t, v2.ID, *loaded.BestVariantID)
	assert.InDelta(t, 0.6, *loaded.BestScore, 1e-9)
}

func TestFinishRunIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newRun(t, s, "codegen")

	require.NoError(t, s.FinishRun(ctx, run.ID, types.RunStatusCancelled, "cancelled"))
	require.NoError(t, s.FinishRun(ctx, run.ID, types.RunStatusComplete, ""))

	loaded, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCancelled, loaded.Status, "first writer wins")
}

func TestFinishRunRejectsNonTerminalStatus(t *testing.T) {
	s := newTestStore(t)
	run := newRun(t, s, "codegen")
	err := s.FinishRun(context.Background(), run.ID, types.RunStatusRunning, "")
	var cfgErr *types.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestOperatorStatIncrementalMean(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rewards := []float64{0.2, 0.4, 0.9, 0.1, 0.65}
	var sum float64
	for _, r := range rewards {
		require.NoError(t, s.UpdateOperatorStat(ctx, "codegen", "raise_temp", r))
		sum += r
	}

	st, err := s.GetOperatorStat(ctx, "codegen", "raise_temp")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, int64(len(rewards)), st.Pulls)
	assert.InDelta(t, sum, st.SumReward, 1e-9)
	assert.InDelta(t, sum/float64(len(rewards)), st.MeanReward, 1e-9)
}

func TestOperatorStatsIndependentArms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpdateOperatorStat(ctx, "codegen", "raise_temp", 0.9))
	require.NoError(t, s.UpdateOperatorStat(ctx, "codegen", "lower_temp", 0.1))
	require.NoError(t, s.UpdateOperatorStat(ctx, "analysis", "raise_temp", 0.5))

	stats, err := s.ListOperatorStats(ctx, "codegen")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "raise_temp", stats[0].Operator, "ordered by mean reward")

	snapshot, err := s.ArmSnapshot(ctx, "codegen", []string{"raise_temp"})
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, int64(1), snapshot["raise_temp"].Pulls)
}

func TestPromoteRecipeAndSeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newRun(t, s, "codegen")
	v := newVariant(t, s, run.ID, 1, 0.46)

	rec, err := s.PromoteRecipe(ctx, PromotionRequest{
		VariantID:     v.ID,
		BaselineDelta: 0.06,
		CostRatio:     0.85,
		Approved:      types.ApprovalAuto,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalAuto, rec.Approved)

	best, err := s.BestRecipe(ctx, "codegen")
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, rec.ID, best.ID)
	assert.InDelta(t, 0.8, best.Recipe.Temperature, 1e-9)
}

func TestPromoteRecipeConflictReturnsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newRun(t, s, "codegen")
	v := newVariant(t, s, run.ID, 1, 0.5)

	first, err := s.PromoteRecipe(ctx, PromotionRequest{VariantID: v.ID, Approved: types.ApprovalAuto})
	require.NoError(t, err)

	second, err := s.PromoteRecipe(ctx, PromotionRequest{VariantID: v.ID, Approved: types.ApprovalAuto})
	var conflict *types.PromotionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, second.ID)
}

func TestPendingRecipeDoesNotSeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newRun(t, s, "codegen")
	v := newVariant(t, s, run.ID, 1, 0.5)

	_, err := s.PromoteRecipe(ctx, PromotionRequest{VariantID: v.ID, Approved: types.ApprovalPending})
	require.NoError(t, err)

	best, err := s.BestRecipe(ctx, "codegen")
	require.NoError(t, err)
	assert.Nil(t, best, "pending recipes never seed runs")
}

func TestTouchRecipeUseFoldsScore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newRun(t, s, "codegen")
	v := newVariant(t, s, run.ID, 1, 0.5)
	rec, err := s.PromoteRecipe(ctx, PromotionRequest{VariantID: v.ID, Approved: types.ApprovalAuto})
	require.NoError(t, err)

	require.NoError(t, s.TouchRecipeUse(ctx, rec.ID, 0.6))
	require.NoError(t, s.TouchRecipeUse(ctx, rec.ID, 0.8))

	recipes, err := s.ListRecipes(ctx, "codegen")
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	assert.Equal(t, int64(2), recipes[0].Uses)
	assert.InDelta(t, 0.7, recipes[0].AvgScore, 1e-9)
}

func TestRatingsPreserveHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newRun(t, s, "codegen")
	v := newVariant(t, s, run.ID, 0, 0.5)

	_, err := s.InsertRating(ctx, v.ID, 7, "decent")
	require.NoError(t, err)
	_, err = s.InsertRating(ctx, v.ID, 9, "better on reread")
	require.NoError(t, err)

	ratings, err := s.ListRatings(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, ratings, 2, "repeat ratings append, never overwrite")
	assert.Equal(t, 7, ratings[0].Score)
	assert.Equal(t, 9, ratings[1].Score)
}

func TestRatingValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertRating(ctx, 1, 11, "")
	var cfgErr *types.ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = s.InsertRating(ctx, 999, 5, "")
	assert.ErrorIs(t, err, types.ErrVariantNotFound)
}

func TestTuningRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tuning, err := s.GetTuning(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, tuning.ProcessMultiplier, 1e-9)

	require.NoError(t, s.SetTuning(ctx, types.Tuning{ProcessMultiplier: 1.05, CostMultiplier: 0.95}))
	tuning, err = s.GetTuning(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.05, tuning.ProcessMultiplier, 1e-9)
	assert.InDelta(t, 0.95, tuning.CostMultiplier, 1e-9)
}

func TestCostBaselineRollingAverage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateCostBaseline(ctx, "codegen", 100, 20))
	require.NoError(t, s.UpdateCostBaseline(ctx, "codegen", 200, 20))

	avg, samples, err := s.GetCostBaseline(ctx, "codegen")
	require.NoError(t, err)
	assert.Equal(t, 2, samples)
	assert.InDelta(t, 150, avg, 1e-9)
}

func TestGoldenResultRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agg := &types.GoldenAggregate{
		ModelID:        "golden-pinned-v1",
		ItemCount:      2,
		AvgTotalReward: 0.55,
		AvgCostPenalty: -0.1,
		AvgSteps:       1.5,
		PassRate:       0.5,
		Items: []types.GoldenItemResult{
			{ItemID: "a", TotalReward: 0.7, Passed: true},
			{ItemID: "b", TotalReward: 0.4},
		},
	}
	_, err := s.InsertGoldenResult(ctx, agg)
	require.NoError(t, err)

	latest, err := s.LatestGoldenResult(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.InDelta(t, 0.5, latest.PassRate, 1e-9)
	require.Len(t, latest.Items, 2)
	assert.True(t, latest.Items[0].Passed)
}

func TestCodeLoopArtifactIdempotencyBySource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	art := &types.CodeLoopArtifact{
		LoopID:      "loop-1",
		SourceRunID: 7,
		Mode:        types.CodeLoopLive,
		Decision:    types.DecisionRollback,
	}
	_, err := s.InsertCodeLoopArtifact(ctx, art)
	require.NoError(t, err)

	dup := &types.CodeLoopArtifact{LoopID: "loop-2", SourceRunID: 7, Mode: types.CodeLoopLive, Decision: types.DecisionCommit}
	_, err = s.InsertCodeLoopArtifact(ctx, dup)
	assert.Error(t, err, "unique constraint on source_run_id backs idempotency")

	loaded, err := s.GetCodeLoopArtifactBySource(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "loop-1", loaded.LoopID)
}

func TestSnapshotPutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload, createdAt, err := s.SnapshotGet(ctx, "7d")
	require.NoError(t, err)
	assert.Empty(t, payload)
	assert.Zero(t, createdAt)

	require.NoError(t, s.SnapshotPut(ctx, "7d", `{"runs":1}`))
	payload, createdAt, err = s.SnapshotGet(ctx, "7d")
	require.NoError(t, err)
	assert.Equal(t, `{"runs":1}`, payload)
	assert.NotZero(t, createdAt)
}
