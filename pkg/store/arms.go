// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/teradata-labs/spindle/pkg/types"
)

// armLock returns the mutex for one (task_class, operator) key, creating it
// on first use. Updates for different arms stay independent.
func (s *Store) armLock(taskClass, operator string) *sync.Mutex {
	key := taskClass + "\x00" + operator
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.armMu[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.armMu[key] = m
	return m
}

// UpdateOperatorStat applies one reward observation to an arm: pulls,
// sum_reward, and mean_reward move in a single read-modify-write step under
// the arm's exclusive lock.
func (s *Store) UpdateOperatorStat(ctx context.Context, taskClass, operator string, reward float64) error {
	lock := s.armLock(taskClass, operator)
	lock.Lock()
	defer lock.Unlock()

	return s.withRetry(ctx, "update_operator_stat", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO operator_stats (task_class, operator, pulls, sum_reward, mean_reward, last_updated)
			VALUES (?, ?, 1, ?, ?, ?)
			ON CONFLICT (task_class, operator) DO UPDATE SET
				pulls = pulls + 1,
				sum_reward = sum_reward + excluded.sum_reward,
				mean_reward = (sum_reward + excluded.sum_reward) / (pulls + 1),
				last_updated = excluded.last_updated`,
			taskClass, operator, reward, reward, s.now().Unix())
		if err != nil {
			return fmt.Errorf("failed to upsert operator stat: %w", err)
		}
		return nil
	})
}

// GetOperatorStat returns one arm, or nil when it has never been pulled.
func (s *Store) GetOperatorStat(ctx context.Context, taskClass, operator string) (*types.OperatorStat, error) {
	stats, err := s.ListOperatorStats(ctx, taskClass)
	if err != nil {
		return nil, err
	}
	for i := range stats {
		if stats[i].Operator == operator {
			return &stats[i], nil
		}
	}
	return nil, nil
}

// ListOperatorStats returns arms for a task class, or every arm when
// taskClass is empty. Ordered by mean reward descending.
func (s *Store) ListOperatorStats(ctx context.Context, taskClass string) ([]types.OperatorStat, error) {
	query := `
		SELECT task_class, operator, pulls, sum_reward, mean_reward, last_updated
		FROM operator_stats`
	args := []any{}
	if taskClass != "" {
		query += ` WHERE task_class = ?`
		args = append(args, taskClass)
	}
	query += ` ORDER BY mean_reward DESC, operator ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operator stats: %w", err)
	}
	defer rows.Close()

	var out []types.OperatorStat
	for rows.Next() {
		var st types.OperatorStat
		if err := rows.Scan(&st.TaskClass, &st.Operator, &st.Pulls, &st.SumReward, &st.MeanReward, &st.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan operator stat: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ArmSnapshot returns the current stats for the given operators keyed by
// operator name. Operators never pulled are absent from the map.
func (s *Store) ArmSnapshot(ctx context.Context, taskClass string, operators []string) (map[string]types.OperatorStat, error) {
	stats, err := s.ListOperatorStats(ctx, taskClass)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(operators))
	for _, op := range operators {
		allowed[op] = true
	}
	out := make(map[string]types.OperatorStat, len(stats))
	for _, st := range stats {
		if allowed[st.Operator] {
			out[st.Operator] = st
		}
	}
	return out, nil
}
