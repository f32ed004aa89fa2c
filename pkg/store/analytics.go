// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/teradata-labs/spindle/pkg/types"
)

// RunTotals summarizes run outcomes over a window.
type RunTotals struct {
	Runs           int64   `json:"runs"`
	Completed      int64   `json:"completed"`
	Errored        int64   `json:"errored"`
	Cancelled      int64   `json:"cancelled"`
	Variants       int64   `json:"variants"`
	AvgBestScore   float64 `json:"avg_best_score"`
	AvgBaseline    float64 `json:"avg_baseline"`
	AvgImprovement float64 `json:"avg_improvement"`
}

// TrendPoint is one day of best-reward history.
type TrendPoint struct {
	Date    string  `json:"date"`
	AvgBest float64 `json:"avg_best"`
	Runs    int64   `json:"runs"`
}

// OperatorRow is one operator's cross-class aggregate.
type OperatorRow struct {
	Operator   string  `json:"operator"`
	Pulls      int64   `json:"pulls"`
	MeanReward float64 `json:"mean_reward"`
}

// RatingStats summarizes human ratings over a window.
type RatingStats struct {
	Count    int64   `json:"count"`
	AvgScore float64 `json:"avg_score"`
	MinScore int     `json:"min_score"`
	MaxScore int     `json:"max_score"`
}

// GoldenTrendPoint is one golden evaluation's headline numbers.
type GoldenTrendPoint struct {
	RunAt          int64   `json:"run_at"`
	PassRate       float64 `json:"pass_rate"`
	AvgTotalReward float64 `json:"avg_total_reward"`
}

// windowCutoff converts a day window to a unix lower bound; 0 days means
// the whole history.
func (s *Store) windowCutoff(days int) int64 {
	if days <= 0 {
		return 0
	}
	return s.now().AddDate(0, 0, -days).Unix()
}

// GetRunTotals aggregates run outcomes since the window cutoff.
func (s *Store) GetRunTotals(ctx context.Context, days int) (*RunTotals, error) {
	cutoff := s.windowCutoff(days)
	var (
		t        RunTotals
		avgBest  sql.NullFloat64
		avgBase  sql.NullFloat64
		avgDelta sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) AS runs,
			SUM(CASE WHEN status = 'complete' THEN 1 ELSE 0 END) AS completed,
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END) AS errored,
			SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END) AS cancelled,
			AVG(best_score) AS avg_best,
			AVG(baseline_score) AS avg_baseline,
			AVG(CASE WHEN best_score IS NOT NULL AND baseline_score IS NOT NULL
				THEN best_score - baseline_score END) AS avg_improvement
		FROM runs WHERE started_at >= ?`, cutoff).Scan(
		&t.Runs, &t.Completed, &t.Errored, &t.Cancelled, &avgBest, &avgBase, &avgDelta)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate runs: %w", err)
	}
	t.AvgBestScore = avgBest.Float64
	t.AvgBaseline = avgBase.Float64
	t.AvgImprovement = avgDelta.Float64

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM variants WHERE created_at >= ?`, cutoff).Scan(&t.Variants)
	if err != nil {
		return nil, fmt.Errorf("failed to count variants: %w", err)
	}
	return &t, nil
}

// VariantTotals summarizes variant rewards over a window.
type VariantTotals struct {
	Count          int64   `json:"count"`
	TaskClasses    int64   `json:"task_classes"`
	AvgTotalReward float64 `json:"avg_total_reward"`
	MaxTotalReward float64 `json:"max_total_reward"`
	AvgCostPenalty float64 `json:"avg_cost_penalty"`
}

// GetVariantTotals aggregates variant rewards since the window cutoff.
func (s *Store) GetVariantTotals(ctx context.Context, days int) (*VariantTotals, error) {
	cutoff := s.windowCutoff(days)
	var (
		t                VariantTotals
		avgT, maxT, avgC sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			AVG(v.total_reward),
			MAX(v.total_reward),
			AVG(v.cost_penalty)
		FROM variants v WHERE v.created_at >= ?`, cutoff).Scan(&t.Count, &avgT, &maxT, &avgC)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate variants: %w", err)
	}
	t.AvgTotalReward = avgT.Float64
	t.MaxTotalReward = maxT.Float64
	t.AvgCostPenalty = avgC.Float64

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT normalized_task_class) FROM runs WHERE started_at >= ?`,
		cutoff).Scan(&t.TaskClasses)
	if err != nil {
		return nil, fmt.Errorf("failed to count task classes: %w", err)
	}
	return &t, nil
}

// GetBestRewardTrend returns per-day average best reward for completed runs.
func (s *Store) GetBestRewardTrend(ctx context.Context, days int) ([]TrendPoint, error) {
	cutoff := s.windowCutoff(days)
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			DATE(started_at, 'unixepoch') AS date,
			AVG(best_score) AS avg_best,
			COUNT(*) AS runs
		FROM runs
		WHERE started_at >= ? AND best_score IS NOT NULL
		GROUP BY DATE(started_at, 'unixepoch')
		ORDER BY date ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward trend: %w", err)
	}
	defer rows.Close()

	var out []TrendPoint
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Date, &p.AvgBest, &p.Runs); err != nil {
			return nil, fmt.Errorf("failed to scan trend point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetTopRecipes returns the highest-scoring promoted recipes.
func (s *Store) GetTopRecipes(ctx context.Context, limit int) ([]*types.PromotedRecipe, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_class, parent_variant_id, recipe_json, baseline_delta,
		       cost_ratio, approved, uses, avg_score, created_at
		FROM recipes ORDER BY avg_score DESC, created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top recipes: %w", err)
	}
	defer rows.Close()

	var out []*types.PromotedRecipe
	for rows.Next() {
		rec, err := scanRecipe(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetOperatorLeaderboard aggregates operator performance across all task
// classes. Operators under minPulls are excluded as too noisy to rank.
func (s *Store) GetOperatorLeaderboard(ctx context.Context, minPulls int) ([]OperatorRow, error) {
	if minPulls <= 0 {
		minPulls = 3
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			operator,
			SUM(pulls) AS pulls,
			SUM(sum_reward) / SUM(pulls) AS mean_reward
		FROM operator_stats
		GROUP BY operator
		HAVING SUM(pulls) >= ?
		ORDER BY mean_reward DESC, operator ASC`, minPulls)
	if err != nil {
		return nil, fmt.Errorf("failed to query operator leaderboard: %w", err)
	}
	defer rows.Close()

	var out []OperatorRow
	for rows.Next() {
		var r OperatorRow
		if err := rows.Scan(&r.Operator, &r.Pulls, &r.MeanReward); err != nil {
			return nil, fmt.Errorf("failed to scan operator row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRatingStats aggregates human ratings since the window cutoff.
func (s *Store) GetRatingStats(ctx context.Context, days int) (*RatingStats, error) {
	cutoff := s.windowCutoff(days)
	var (
		st          RatingStats
		avg, lo, hi sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(score), MIN(score), MAX(score)
		FROM ratings WHERE created_at >= ?`, cutoff).Scan(&st.Count, &avg, &lo, &hi)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate ratings: %w", err)
	}
	st.AvgScore = avg.Float64
	st.MinScore = int(lo.Float64)
	st.MaxScore = int(hi.Float64)
	return &st, nil
}

// GetGoldenTrend returns headline numbers of recent golden evaluations,
// oldest first so callers can plot the drift.
func (s *Store) GetGoldenTrend(ctx context.Context, limit int) ([]GoldenTrendPoint, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_at, pass_rate, avg_total_reward FROM (
			SELECT id, run_at, pass_rate, avg_total_reward
			FROM golden_results ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query golden trend: %w", err)
	}
	defer rows.Close()

	var out []GoldenTrendPoint
	for rows.Next() {
		var p GoldenTrendPoint
		if err := rows.Scan(&p.RunAt, &p.PassRate, &p.AvgTotalReward); err != nil {
			return nil, fmt.Errorf("failed to scan golden trend point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
