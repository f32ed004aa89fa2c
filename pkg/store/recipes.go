// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/teradata-labs/spindle/pkg/types"
)

// PromotionRequest carries the predicate results the runner computed for a
// winning variant.
type PromotionRequest struct {
	VariantID     int64
	BaselineDelta float64
	CostRatio     float64
	Approved      types.ApprovalState
}

// PromoteRecipe stores a winning variant's recipe for future seeding.
//
// Collisions are non-fatal: promoting the same variant twice returns the
// existing row wrapped in a PromotionConflictError, and a recipe promoted
// for the same task class while this run was in flight downgrades the new
// row to pending.
func (s *Store) PromoteRecipe(ctx context.Context, req PromotionRequest) (*types.PromotedRecipe, error) {
	var out *types.PromotedRecipe
	var conflict error

	err := s.withRetry(ctx, "promote_recipe", func() error {
		conflict = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			taskClass  string
			recipeJSON string
			startedAt  int64
		)
		err = tx.QueryRowContext(ctx, `
			SELECT r.normalized_task_class, v.recipe_json, r.started_at
			FROM variants v JOIN runs r ON r.id = v.run_id
			WHERE v.id = ?`, req.VariantID).Scan(&taskClass, &recipeJSON, &startedAt)
		if err == sql.ErrNoRows {
			return types.ErrVariantNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load variant for promotion: %w", err)
		}

		var existingID int64
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM recipes WHERE task_class = ? AND parent_variant_id = ?`,
			taskClass, req.VariantID).Scan(&existingID)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to check existing recipe: %w", err)
		}
		if err == nil {
			existing, lerr := s.getRecipeTx(ctx, tx, existingID)
			if lerr != nil {
				return lerr
			}
			out = existing
			conflict = &types.PromotionConflictError{TaskClass: taskClass, ParentVariantID: req.VariantID}
			return tx.Commit()
		}

		approved := req.Approved
		var newer int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM recipes WHERE task_class = ? AND created_at >= ?`,
			taskClass, startedAt).Scan(&newer)
		if err != nil {
			return fmt.Errorf("failed to check concurrent promotions: %w", err)
		}
		if newer > 0 && approved == types.ApprovalAuto {
			approved = types.ApprovalPending
		}

		createdAt := s.now().Unix()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO recipes (task_class, parent_variant_id, recipe_json,
				baseline_delta, cost_ratio, approved, uses, avg_score, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)`,
			taskClass, req.VariantID, recipeJSON,
			req.BaselineDelta, req.CostRatio, string(approved), createdAt)
		if err != nil {
			return fmt.Errorf("failed to insert recipe: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get recipe id: %w", err)
		}

		var recipe types.Recipe
		if err := json.Unmarshal([]byte(recipeJSON), &recipe); err != nil {
			return fmt.Errorf("failed to unmarshal recipe: %w", err)
		}
		out = &types.PromotedRecipe{
			ID:              id,
			TaskClass:       taskClass,
			ParentVariantID: req.VariantID,
			Recipe:          recipe,
			BaselineDelta:   req.BaselineDelta,
			CostRatio:       req.CostRatio,
			Approved:        approved,
			CreatedAt:       createdAt,
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return out, conflict
}

func (s *Store) getRecipeTx(ctx context.Context, tx *sql.Tx, id int64) (*types.PromotedRecipe, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, task_class, parent_variant_id, recipe_json, baseline_delta,
		       cost_ratio, approved, uses, avg_score, created_at
		FROM recipes WHERE id = ?`, id)
	return scanRecipe(row)
}

func scanRecipe(row rowScanner) (*types.PromotedRecipe, error) {
	var (
		rec        types.PromotedRecipe
		recipeJSON string
	)
	err := row.Scan(&rec.ID, &rec.TaskClass, &rec.ParentVariantID, &recipeJSON,
		&rec.BaselineDelta, &rec.CostRatio, &rec.Approved, &rec.Uses, &rec.AvgScore, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan recipe: %w", err)
	}
	if err := json.Unmarshal([]byte(recipeJSON), &rec.Recipe); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipe: %w", err)
	}
	return &rec, nil
}

// ListRecipes returns promoted recipes for a task class (or all when empty),
// best average score first.
func (s *Store) ListRecipes(ctx context.Context, taskClass string) ([]*types.PromotedRecipe, error) {
	query := `
		SELECT id, task_class, parent_variant_id, recipe_json, baseline_delta,
		       cost_ratio, approved, uses, avg_score, created_at
		FROM recipes`
	args := []any{}
	if taskClass != "" {
		query += ` WHERE task_class = ?`
		args = append(args, types.NormalizeTaskClass(taskClass))
	}
	query += ` ORDER BY avg_score DESC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipes: %w", err)
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

// BestRecipe returns the approved recipe used to seed a new run's baseline,
// or nil when the task class has none.
func (s *Store) BestRecipe(ctx context.Context, taskClass string) (*types.PromotedRecipe, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_class, parent_variant_id, recipe_json, baseline_delta,
		       cost_ratio, approved, uses, avg_score, created_at
		FROM recipes
		WHERE task_class = ? AND approved IN (?, ?)
		ORDER BY avg_score DESC, created_at DESC
		LIMIT 1`,
		types.NormalizeTaskClass(taskClass), string(types.ApprovalAuto), string(types.ApprovalManual))
	rec, err := scanRecipe(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// TouchRecipeUse records that a run seeded from the recipe and folds the
// run's best score into the recipe's rolling average.
func (s *Store) TouchRecipeUse(ctx context.Context, recipeID int64, score float64) error {
	return s.withRetry(ctx, "touch_recipe_use", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE recipes SET
				avg_score = (avg_score * uses + ?) / (uses + 1),
				uses = uses + 1
			WHERE id = ?`, score, recipeID)
		if err != nil {
			return fmt.Errorf("failed to touch recipe: %w", err)
		}
		return nil
	})
}

// ApproveRecipe manually approves a pending recipe.
func (s *Store) ApproveRecipe(ctx context.Context, recipeID int64) error {
	return s.withRetry(ctx, "approve_recipe", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE recipes SET approved = ? WHERE id = ?`,
			string(types.ApprovalManual), recipeID)
		if err != nil {
			return fmt.Errorf("failed to approve recipe: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check approval: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("recipe %d not found", recipeID)
		}
		return nil
	})
}
