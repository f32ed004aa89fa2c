// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package store persists runs, variants, bandit arms, promoted recipes,
// ratings, golden results, code-loop artifacts, analytics snapshots, and
// reward tuning in SQLite. Durable writes retry transiently failed
// statements with exponential backoff before surfacing a StorageError.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "github.com/teradata-labs/spindle/internal/sqlitedriver"
	"github.com/teradata-labs/spindle/pkg/types"
)

const (
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
)

// Store manages persistent storage for the engine.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	// armMu serializes read-modify-write per (task_class, operator) key.
	mu    sync.Mutex
	armMu map[string]*sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// NewStore opens (or creates) the database at dbPath.
// Use ":memory:" for an in-memory database (useful for testing).
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection keeps the pragmas in force and sidesteps
	// SQLITE_BUSY between concurrent runners.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		armMu:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates the database tables.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL DEFAULT '',
		task_class TEXT NOT NULL,
		normalized_task_class TEXT NOT NULL,
		task TEXT NOT NULL,
		n_total INTEGER NOT NULL,
		strategy TEXT NOT NULL,
		epsilon REAL NOT NULL,
		framework_mask TEXT NOT NULL, -- JSON array
		memory_k INTEGER NOT NULL DEFAULT 0,
		rag_k INTEGER NOT NULL DEFAULT 0,
		seed INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		baseline_score REAL,
		best_score REAL,
		best_variant_id INTEGER,
		status TEXT NOT NULL DEFAULT 'running',
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_task_class ON runs(normalized_task_class);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS variants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		iteration_index INTEGER NOT NULL,
		operator TEXT NOT NULL,
		recipe_json TEXT NOT NULL,
		prompt_length INTEGER NOT NULL DEFAULT 0,
		output TEXT NOT NULL DEFAULT '',
		engine_id TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		outcome_reward REAL NOT NULL,
		process_reward REAL NOT NULL,
		cost_penalty REAL NOT NULL,
		total_reward REAL NOT NULL,
		judge_json TEXT NOT NULL DEFAULT '{}',
		is_best INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_variants_run_id ON variants(run_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_variants_run_iter ON variants(run_id, iteration_index);
	CREATE INDEX IF NOT EXISTS idx_variants_created_at ON variants(created_at);

	CREATE TABLE IF NOT EXISTS operator_stats (
		task_class TEXT NOT NULL,
		operator TEXT NOT NULL,
		pulls INTEGER NOT NULL DEFAULT 0,
		sum_reward REAL NOT NULL DEFAULT 0,
		mean_reward REAL NOT NULL DEFAULT 0,
		last_updated INTEGER NOT NULL,
		PRIMARY KEY (task_class, operator)
	);

	CREATE TABLE IF NOT EXISTS recipes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_class TEXT NOT NULL,
		parent_variant_id INTEGER NOT NULL REFERENCES variants(id),
		recipe_json TEXT NOT NULL,
		baseline_delta REAL NOT NULL,
		cost_ratio REAL NOT NULL,
		approved TEXT NOT NULL,
		uses INTEGER NOT NULL DEFAULT 0,
		avg_score REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE (task_class, parent_variant_id)
	);

	CREATE INDEX IF NOT EXISTS idx_recipes_task_class ON recipes(task_class);

	CREATE TABLE IF NOT EXISTS ratings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		variant_id INTEGER NOT NULL REFERENCES variants(id) ON DELETE CASCADE,
		score INTEGER NOT NULL,
		feedback TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ratings_variant_id ON ratings(variant_id);

	CREATE TABLE IF NOT EXISTS golden_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_at INTEGER NOT NULL,
		model_id TEXT NOT NULL,
		rag_index_hash TEXT NOT NULL DEFAULT '',
		item_count INTEGER NOT NULL,
		avg_total_reward REAL NOT NULL,
		avg_cost_penalty REAL NOT NULL,
		avg_steps REAL NOT NULL,
		pass_rate REAL NOT NULL,
		items_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_golden_run_at ON golden_results(run_at);

	CREATE TABLE IF NOT EXISTS code_loop_artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		loop_id TEXT NOT NULL UNIQUE,
		source_run_id INTEGER NOT NULL UNIQUE,
		mode TEXT NOT NULL,
		decision TEXT NOT NULL,
		artifact_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		window_key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tuning (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		process_multiplier REAL NOT NULL DEFAULT 1.0,
		cost_multiplier REAL NOT NULL DEFAULT 1.0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cost_baselines (
		task_class TEXT PRIMARY KEY,
		avg_cost REAL NOT NULL,
		samples INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// withRetry runs fn up to retryAttempts times with exponential backoff,
// wrapping the final failure in a StorageError. Business rejections and
// context cancellation are returned as-is without retrying.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			s.logger.Warn("retrying storage operation",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return &types.StorageError{Op: op, Err: err}
}

// retryable reports whether an error is worth a backoff-and-retry.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, types.ErrRunNotFound) ||
		errors.Is(err, types.ErrVariantNotFound) ||
		errors.Is(err, types.ErrRunNotRunning) ||
		errors.Is(err, sql.ErrNoRows) {
		return false
	}
	var promo *types.PromotionConflictError
	if errors.As(err, &promo) {
		return false
	}
	var cfg *types.ConfigError
	return !errors.As(err, &cfg)
}

// CreateRun inserts a new run in the running state and assigns a
// monotonically increasing id.
func (s *Store) CreateRun(ctx context.Context, run *types.Run) (int64, error) {
	maskJSON, err := json.Marshal(run.FrameworkMask)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal framework mask: %w", err)
	}
	if run.NormalizedTaskClass == "" {
		run.NormalizedTaskClass = types.NormalizeTaskClass(run.TaskClass)
	}
	if run.StartedAt == 0 {
		run.StartedAt = s.now().Unix()
	}
	if run.Status == "" {
		run.Status = types.RunStatusRunning
	}

	var id int64
	err = s.withRetry(ctx, "create_run", func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (
				session_id, task_class, normalized_task_class, task, n_total,
				strategy, epsilon, framework_mask, memory_k, rag_k, seed,
				started_at, status
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.SessionID, run.TaskClass, run.NormalizedTaskClass, run.Task, run.NTotal,
			string(run.Strategy), run.Epsilon, string(maskJSON), run.MemoryK, run.RAGK, run.Seed,
			run.StartedAt, string(run.Status),
		)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get run id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	run.ID = id
	return id, nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, id int64) (*types.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, task_class, normalized_task_class, task, n_total,
		       strategy, epsilon, framework_mask, memory_k, rag_k, seed,
		       started_at, finished_at, baseline_score, best_score,
		       best_variant_id, status, error
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*types.Run, error) {
	var (
		run      types.Run
		maskJSON string
		errText  sql.NullString
	)
	err := row.Scan(
		&run.ID, &run.SessionID, &run.TaskClass, &run.NormalizedTaskClass, &run.Task,
		&run.NTotal, &run.Strategy, &run.Epsilon, &maskJSON, &run.MemoryK, &run.RAGK,
		&run.Seed, &run.StartedAt, &run.FinishedAt, &run.BaselineScore, &run.BestScore,
		&run.BestVariantID, &run.Status, &errText,
	)
	if err == sql.ErrNoRows {
		return nil, types.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if err := json.Unmarshal([]byte(maskJSON), &run.FrameworkMask); err != nil {
		return nil, fmt.Errorf("failed to unmarshal framework mask: %w", err)
	}
	run.Error = errText.String
	return &run, nil
}

// SetBaseline records the baseline score measured by the first iteration.
func (s *Store) SetBaseline(ctx context.Context, runID int64, score float64) error {
	return s.withRetry(ctx, "set_baseline", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE runs SET baseline_score = ? WHERE id = ?`, score, runID)
		if err != nil {
			return fmt.Errorf("failed to set baseline: %w", err)
		}
		return nil
	})
}

// SaveVariant persists one scored iteration. The owning run must still be
// running; terminal runs reject new variants.
func (s *Store) SaveVariant(ctx context.Context, v *types.Variant) (int64, error) {
	recipeJSON, err := json.Marshal(v.Recipe)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal recipe: %w", err)
	}
	judgeJSON, err := json.Marshal(v.JudgeInfo)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal judge info: %w", err)
	}
	if v.CreatedAt == 0 {
		v.CreatedAt = s.now().Unix()
	}

	var id int64
	err = s.withRetry(ctx, "save_variant", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status string
		err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, v.RunID).Scan(&status)
		if err == sql.ErrNoRows {
			return types.ErrRunNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check run status: %w", err)
		}
		if types.RunStatus(status) != types.RunStatusRunning {
			return types.ErrRunNotRunning
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO variants (
				run_id, iteration_index, operator, recipe_json, prompt_length,
				output, engine_id, duration_ms, outcome_reward, process_reward,
				cost_penalty, total_reward, judge_json, is_best, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			v.RunID, v.IterationIndex, v.Operator, string(recipeJSON), v.PromptLength,
			v.Output, v.EngineID, v.DurationMS, v.OutcomeReward, v.ProcessReward,
			v.CostPenalty, v.TotalReward, string(judgeJSON), v.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert variant: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get variant id: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	v.ID = id
	return id, nil
}

// GetVariant retrieves a variant by id.
func (s *Store) GetVariant(ctx context.Context, id int64) (*types.Variant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, iteration_index, operator, recipe_json, prompt_length,
		       output, engine_id, duration_ms, outcome_reward, process_reward,
		       cost_penalty, total_reward, judge_json, is_best, created_at
		FROM variants WHERE id = ?`, id)
	return scanVariant(row)
}

// ListVariants returns all variants of a run in iteration order.
func (s *Store) ListVariants(ctx context.Context, runID int64) ([]*types.Variant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, iteration_index, operator, recipe_json, prompt_length,
		       output, engine_id, duration_ms, outcome_reward, process_reward,
		       cost_penalty, total_reward, judge_json, is_best, created_at
		FROM variants WHERE run_id = ? ORDER BY iteration_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query variants: %w", err)
	}
	defer rows.Close()

	var out []*types.Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVariant(row rowScanner) (*types.Variant, error) {
	var (
		v          types.Variant
		recipeJSON string
		judgeJSON  string
		isBest     int
	)
	err := row.Scan(
		&v.ID, &v.RunID, &v.IterationIndex, &v.Operator, &recipeJSON, &v.PromptLength,
		&v.Output, &v.EngineID, &v.DurationMS, &v.OutcomeReward, &v.ProcessReward,
		&v.CostPenalty, &v.TotalReward, &judgeJSON, &isBest, &v.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, types.ErrVariantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan variant: %w", err)
	}
	if err := json.Unmarshal([]byte(recipeJSON), &v.Recipe); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipe: %w", err)
	}
	if err := json.Unmarshal([]byte(judgeJSON), &v.JudgeInfo); err != nil {
		return nil, fmt.Errorf("failed to unmarshal judge info: %w", err)
	}
	v.IsBest = isBest == 1
	return &v, nil
}

// UpdateBest atomically marks variantID as the run's best, clearing any
// previous best. At most one variant per run carries the flag.
func (s *Store) UpdateBest(ctx context.Context, runID, variantID int64, score float64) error {
	return s.withRetry(ctx, "update_best", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`UPDATE variants SET is_best = 0 WHERE run_id = ? AND is_best = 1`, runID); err != nil {
			return fmt.Errorf("failed to clear best flag: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE variants SET is_best = 1 WHERE id = ? AND run_id = ?`, variantID, runID)
		if err != nil {
			return fmt.Errorf("failed to set best flag: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check best update: %w", err)
		}
		if n == 0 {
			return types.ErrVariantNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET best_variant_id = ?, best_score = ? WHERE id = ?`,
			variantID, score, runID); err != nil {
			return fmt.Errorf("failed to update run best: %w", err)
		}
		return tx.Commit()
	})
}

// FinishRun transitions a run to a terminal state. Idempotent: the first
// writer wins and later calls are no-ops.
func (s *Store) FinishRun(ctx context.Context, runID int64, status types.RunStatus, errMsg string) error {
	if !status.Terminal() {
		return &types.ConfigError{Field: "status", Reason: fmt.Sprintf("%q is not terminal", status)}
	}
	return s.withRetry(ctx, "finish_run", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE runs SET finished_at = ?, status = ?, error = ?
			WHERE id = ? AND finished_at IS NULL`,
			s.now().Unix(), string(status), nullIfEmpty(errMsg), runID)
		if err != nil {
			return fmt.Errorf("failed to finish run: %w", err)
		}
		return nil
	})
}

// ListRuns returns recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*types.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, task_class, normalized_task_class, task, n_total,
		       strategy, epsilon, framework_mask, memory_k, rag_k, seed,
		       started_at, finished_at, baseline_score, best_score,
		       best_variant_id, status, error
		FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []*types.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
