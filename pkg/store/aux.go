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

// InsertRating records a human rating (1-10) against a variant. Repeat
// ratings append rather than overwrite, preserving the history.
func (s *Store) InsertRating(ctx context.Context, variantID int64, score int, feedback string) (int64, error) {
	if score < 1 || score > 10 {
		return 0, &types.ConfigError{Field: "score", Reason: "must be between 1 and 10"}
	}

	var id int64
	err := s.withRetry(ctx, "insert_rating", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM variants WHERE id = ?`, variantID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check variant: %w", err)
		}
		if exists == 0 {
			return types.ErrVariantNotFound
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO ratings (variant_id, score, feedback, created_at)
			VALUES (?, ?, ?, ?)`,
			variantID, score, nullIfEmpty(feedback), s.now().Unix())
		if err != nil {
			return fmt.Errorf("failed to insert rating: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get rating id: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListRatings returns all ratings for a variant, oldest first.
func (s *Store) ListRatings(ctx context.Context, variantID int64) ([]*types.HumanRating, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, variant_id, score, feedback, created_at
		FROM ratings WHERE variant_id = ? ORDER BY id ASC`, variantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ratings: %w", err)
	}
	defer rows.Close()

	var out []*types.HumanRating
	for rows.Next() {
		var (
			r        types.HumanRating
			feedback sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.VariantID, &r.Score, &feedback, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rating: %w", err)
		}
		r.Feedback = feedback.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetTuning returns the singleton reward-tuning row, defaulting both
// multipliers to 1.0 when the critic has never adjusted them.
func (s *Store) GetTuning(ctx context.Context) (*types.Tuning, error) {
	var t types.Tuning
	err := s.db.QueryRowContext(ctx, `
		SELECT process_multiplier, cost_multiplier, updated_at
		FROM tuning WHERE id = 1`).Scan(&t.ProcessMultiplier, &t.CostMultiplier, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		def := types.DefaultTuning()
		return &def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tuning: %w", err)
	}
	return &t, nil
}

// SetTuning upserts the reward-tuning multipliers.
func (s *Store) SetTuning(ctx context.Context, t types.Tuning) error {
	return s.withRetry(ctx, "set_tuning", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tuning (id, process_multiplier, cost_multiplier, updated_at)
			VALUES (1, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				process_multiplier = excluded.process_multiplier,
				cost_multiplier = excluded.cost_multiplier,
				updated_at = excluded.updated_at`,
			t.ProcessMultiplier, t.CostMultiplier, s.now().Unix())
		if err != nil {
			return fmt.Errorf("failed to set tuning: %w", err)
		}
		return nil
	})
}

// GetCostBaseline returns the rolling average blended cost observed for a
// task class, or 0 when no samples exist yet.
func (s *Store) GetCostBaseline(ctx context.Context, taskClass string) (float64, int, error) {
	var (
		avg     float64
		samples int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT avg_cost, samples FROM cost_baselines WHERE task_class = ?`,
		types.NormalizeTaskClass(taskClass)).Scan(&avg, &samples)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get cost baseline: %w", err)
	}
	return avg, samples, nil
}

// UpdateCostBaseline folds an observed blended cost into the task class's
// rolling average. The window caps the divisor so old observations decay.
func (s *Store) UpdateCostBaseline(ctx context.Context, taskClass string, cost float64, window int) error {
	if window <= 0 {
		window = 20
	}
	key := types.NormalizeTaskClass(taskClass)
	return s.withRetry(ctx, "update_cost_baseline", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cost_baselines (task_class, avg_cost, samples, updated_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT (task_class) DO UPDATE SET
				avg_cost = avg_cost + (excluded.avg_cost - avg_cost) / MIN(samples + 1, ?),
				samples = samples + 1,
				updated_at = excluded.updated_at`,
			key, cost, s.now().Unix(), window)
		if err != nil {
			return fmt.Errorf("failed to update cost baseline: %w", err)
		}
		return nil
	})
}

// SnapshotPut caches a serialized analytics snapshot for a window key.
func (s *Store) SnapshotPut(ctx context.Context, windowKey, payload string) error {
	return s.withRetry(ctx, "snapshot_put", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO snapshots (window_key, payload, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT (window_key) DO UPDATE SET
				payload = excluded.payload,
				created_at = excluded.created_at`,
			windowKey, payload, s.now().Unix())
		if err != nil {
			return fmt.Errorf("failed to put snapshot: %w", err)
		}
		return nil
	})
}

// SnapshotGet returns the cached payload and its write time, or ("", 0)
// when the key has never been cached.
func (s *Store) SnapshotGet(ctx context.Context, windowKey string) (string, int64, error) {
	var (
		payload   string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, created_at FROM snapshots WHERE window_key = ?`,
		windowKey).Scan(&payload, &createdAt)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return payload, createdAt, nil
}
