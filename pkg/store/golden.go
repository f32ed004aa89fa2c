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

// InsertGoldenResult persists the aggregate of one golden evaluation pass,
// with per-item results serialized alongside.
func (s *Store) InsertGoldenResult(ctx context.Context, agg *types.GoldenAggregate) (int64, error) {
	itemsJSON, err := json.Marshal(agg.Items)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal golden items: %w", err)
	}
	if agg.RunAt == 0 {
		agg.RunAt = s.now().Unix()
	}

	var id int64
	err = s.withRetry(ctx, "insert_golden_result", func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO golden_results (
				run_at, model_id, rag_index_hash, item_count, avg_total_reward,
				avg_cost_penalty, avg_steps, pass_rate, items_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			agg.RunAt, agg.ModelID, agg.RAGIndexHash, agg.ItemCount, agg.AvgTotalReward,
			agg.AvgCostPenalty, agg.AvgSteps, agg.PassRate, string(itemsJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to insert golden result: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get golden result id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	agg.ID = id
	return id, nil
}

// ListGoldenResults returns recent golden aggregates, newest first.
func (s *Store) ListGoldenResults(ctx context.Context, limit int) ([]*types.GoldenAggregate, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_at, model_id, rag_index_hash, item_count, avg_total_reward,
		       avg_cost_penalty, avg_steps, pass_rate, items_json
		FROM golden_results ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query golden results: %w", err)
	}
	defer rows.Close()

	var out []*types.GoldenAggregate
	for rows.Next() {
		agg, err := scanGoldenAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

// LatestGoldenResult returns the most recent golden aggregate, or nil when
// no evaluation has ever run.
func (s *Store) LatestGoldenResult(ctx context.Context) (*types.GoldenAggregate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_at, model_id, rag_index_hash, item_count, avg_total_reward,
		       avg_cost_penalty, avg_steps, pass_rate, items_json
		FROM golden_results ORDER BY id DESC LIMIT 1`)
	agg, err := scanGoldenAggregate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return agg, nil
}

func scanGoldenAggregate(row rowScanner) (*types.GoldenAggregate, error) {
	var (
		agg       types.GoldenAggregate
		itemsJSON string
	)
	err := row.Scan(
		&agg.ID, &agg.RunAt, &agg.ModelID, &agg.RAGIndexHash, &agg.ItemCount,
		&agg.AvgTotalReward, &agg.AvgCostPenalty, &agg.AvgSteps, &agg.PassRate, &itemsJSON,
	)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan golden result: %w", err)
	}
	if err := json.Unmarshal([]byte(itemsJSON), &agg.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal golden items: %w", err)
	}
	return &agg, nil
}

// InsertCodeLoopArtifact persists a completed code-loop cycle. The UNIQUE
// constraint on source_run_id backs the loop's idempotency guarantee.
func (s *Store) InsertCodeLoopArtifact(ctx context.Context, art *types.CodeLoopArtifact) (int64, error) {
	artJSON, err := json.Marshal(art)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal artifact: %w", err)
	}
	if art.CreatedAt == 0 {
		art.CreatedAt = s.now().Unix()
	}

	var id int64
	err = s.withRetry(ctx, "insert_code_loop_artifact", func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO code_loop_artifacts (loop_id, source_run_id, mode, decision, artifact_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			art.LoopID, art.SourceRunID, string(art.Mode), string(art.Decision),
			string(artJSON), art.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert code loop artifact: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get artifact id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetCodeLoopArtifactBySource returns the artifact previously produced for
// a source run, or nil when the run never triggered a loop. Callers use it
// to answer repeat requests without re-running.
func (s *Store) GetCodeLoopArtifactBySource(ctx context.Context, sourceRunID int64) (*types.CodeLoopArtifact, error) {
	var artJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT artifact_json FROM code_loop_artifacts WHERE source_run_id = ?`,
		sourceRunID).Scan(&artJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get code loop artifact: %w", err)
	}
	var art types.CodeLoopArtifact
	if err := json.Unmarshal([]byte(artJSON), &art); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
	}
	return &art, nil
}

// ListCodeLoopArtifacts returns recent code-loop artifacts, newest first.
func (s *Store) ListCodeLoopArtifacts(ctx context.Context, limit int) ([]*types.CodeLoopArtifact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_json FROM code_loop_artifacts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query code loop artifacts: %w", err)
	}
	defer rows.Close()

	var out []*types.CodeLoopArtifact
	for rows.Next() {
		var artJSON string
		if err := rows.Scan(&artJSON); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		var art types.CodeLoopArtifact
		if err := json.Unmarshal([]byte(artJSON), &art); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
		}
		out = append(out, &art)
	}
	return out, rows.Err()
}
