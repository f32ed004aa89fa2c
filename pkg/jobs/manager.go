// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package jobs supervises the engine's concurrency: the active-run
// registry, the global code-loop lock, sliding-window rate limits, run
// and loop timeouts, and the optional scheduled golden sweep. One
// manager serves the process.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teradata-labs/spindle/pkg/codeloop"
	"github.com/teradata-labs/spindle/pkg/config"
	"github.com/teradata-labs/spindle/pkg/golden"
	"github.com/teradata-labs/spindle/pkg/runner"
	"github.com/teradata-labs/spindle/pkg/types"
)

// runHandle tracks one active run.
type runHandle struct {
	run    *types.Run
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager is the process-wide job supervisor.
type Manager struct {
	cfg    *config.Config
	runner *runner.Runner
	gate   *codeloop.Gate
	loader *golden.Loader
	eval   *golden.Evaluator
	logger *zap.Logger

	mu      sync.Mutex
	active  map[int64]*runHandle
	runRate map[string][]time.Time

	loopMu       sync.Mutex
	loopActive   bool
	loopStarts   []time.Time
	goldenActive bool

	cron *cron.Cron

	now func() time.Time
}

// NewManager wires the supervisor to the runner, the code-loop gate, and
// the golden evaluator.
func NewManager(cfg *config.Config, r *runner.Runner, gate *codeloop.Gate, loader *golden.Loader, eval *golden.Evaluator, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		runner:  r,
		gate:    gate,
		loader:  loader,
		eval:    eval,
		logger:  logger,
		active:  make(map[int64]*runHandle),
		runRate: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// StartRun validates the parameters, creates the run, and launches it on
// its own goroutine. The returned run is already registered and emitting
// events.
func (m *Manager) StartRun(ctx context.Context, p runner.Params) (*types.Run, error) {
	if err := m.admitRun(p.SessionID); err != nil {
		return nil, err
	}

	run, err := m.runner.Prepare(ctx, p)
	if err != nil {
		return nil, err
	}

	runCtx := context.Background()
	var cancel context.CancelFunc
	if m.cfg.Run.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(m.cfg.Run.TimeoutSeconds)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	handle := &runHandle{run: run, cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.active[run.ID] = handle
	m.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			m.mu.Lock()
			delete(m.active, run.ID)
			m.mu.Unlock()
			close(handle.done)
		}()
		m.runner.Execute(runCtx, run)
	}()

	m.logger.Info("run started",
		zap.Int64("run_id", run.ID),
		zap.String("task_class", run.TaskClass),
		zap.Int("n", run.NTotal))
	return run, nil
}

// CancelRun flips the run's cooperative cancellation flag. The runner
// observes it between iteration steps; no further iteration events follow
// the terminal done event.
func (m *Manager) CancelRun(runID int64) error {
	m.mu.Lock()
	handle, ok := m.active[runID]
	m.mu.Unlock()
	if !ok {
		return types.ErrRunNotFound
	}
	handle.cancel()
	m.logger.Info("run cancellation requested", zap.Int64("run_id", runID))
	return nil
}

// ActiveRuns lists the runs currently executing.
func (m *Manager) ActiveRuns() []*types.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Run, 0, len(m.active))
	for _, h := range m.active {
		out = append(out, h.run)
	}
	return out
}

// Wait blocks until the run leaves the registry. Used by the CLI and by
// tests; returns immediately for unknown runs.
func (m *Manager) Wait(runID int64) {
	m.mu.Lock()
	handle, ok := m.active[runID]
	m.mu.Unlock()
	if ok {
		<-handle.done
	}
}

// admitRun enforces the per-client sliding-hour rate limit.
func (m *Manager) admitRun(sessionID string) error {
	limit := m.cfg.Run.MaxPerHourPerClient
	if limit <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	recent := prune(m.runRate[sessionID], now)
	if len(recent) >= limit {
		m.runRate[sessionID] = recent
		return &types.RateLimitError{
			Limit:      limit,
			Window:     time.Hour,
			RetryAfter: recent[0].Add(time.Hour).Sub(now),
		}
	}
	m.runRate[sessionID] = append(recent, now)
	return nil
}

// RunCodeLoop executes one gated self-edit cycle. At most one loop runs
// process-wide, live and dry-run alike; repeats for the same source run
// return the stored artifact without consuming the lock or the rate
// budget.
func (m *Manager) RunCodeLoop(ctx context.Context, sourceRunID int64, mode types.CodeLoopMode) (*types.CodeLoopArtifact, error) {
	if !mode.Valid() {
		return nil, &types.ConfigError{Field: "mode", Reason: "unknown code-loop mode " + string(mode)}
	}

	// Repeats answer from the store before the lock or the hourly budget
	// is touched.
	if existing, err := m.gate.StoredArtifact(ctx, sourceRunID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if err := m.acquireLoop(); err != nil {
		return nil, err
	}
	defer m.releaseLoop()

	loopCtx := ctx
	if m.cfg.CodeLoop.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		loopCtx, cancel = context.WithTimeout(ctx, time.Duration(m.cfg.CodeLoop.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	return m.gate.Execute(loopCtx, sourceRunID, mode)
}

// acquireLoop takes the global code-loop lock and charges the sliding-hour
// budget, failing synchronously on contention or exhaustion.
func (m *Manager) acquireLoop() error {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.loopActive {
		return &types.ConflictError{Resource: "code loop"}
	}

	now := m.now()
	recent := prune(m.loopStarts, now)
	if len(recent) >= m.cfg.CodeLoop.MaxPerHour {
		m.loopStarts = recent
		return &types.RateLimitError{
			Limit:      m.cfg.CodeLoop.MaxPerHour,
			Window:     time.Hour,
			RetryAfter: recent[0].Add(time.Hour).Sub(now),
		}
	}
	m.loopStarts = append(recent, now)
	m.loopActive = true
	return nil
}

func (m *Manager) releaseLoop() {
	m.loopMu.Lock()
	m.loopActive = false
	m.loopMu.Unlock()
}

// RunGolden executes a golden sweep over the named subset (all items when
// empty). Concurrent sweeps are skipped rather than queued.
func (m *Manager) RunGolden(ctx context.Context, subset []string) (*types.GoldenAggregate, error) {
	m.loopMu.Lock()
	if m.goldenActive {
		m.loopMu.Unlock()
		return nil, &types.ConflictError{Resource: "golden sweep"}
	}
	m.goldenActive = true
	m.loopMu.Unlock()
	defer func() {
		m.loopMu.Lock()
		m.goldenActive = false
		m.loopMu.Unlock()
	}()

	items, err := m.loader.Subset(subset)
	if err != nil {
		return nil, err
	}
	return m.eval.Run(ctx, items)
}

// StartSchedule registers the optional cron golden sweep. A sweep that
// fires while another is running is skipped with a log line.
func (m *Manager) StartSchedule() error {
	if m.cfg.Golden.Schedule == "" {
		return nil
	}
	m.cron = cron.New()
	_, err := m.cron.AddFunc(m.cfg.Golden.Schedule, func() {
		_, err := m.RunGolden(context.Background(), nil)
		var conflict *types.ConflictError
		switch {
		case errors.As(err, &conflict):
			m.logger.Info("scheduled golden sweep skipped, another is running")
		case err != nil:
			m.logger.Warn("scheduled golden sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return &types.ConfigError{Field: "golden.schedule", Reason: err.Error()}
	}
	m.cron.Start()
	m.logger.Info("golden sweep scheduled", zap.String("schedule", m.cfg.Golden.Schedule))
	return nil
}

// Stop halts the cron scheduler and cancels every active run. It does not
// wait for runners to flush; callers that need that use Wait per run.
func (m *Manager) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
	m.mu.Lock()
	handles := make([]*runHandle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

// prune drops timestamps older than one sliding hour, oldest first.
func prune(stamps []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Hour)
	out := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
