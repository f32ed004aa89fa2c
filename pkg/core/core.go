// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package core assembles the engine. CoreRuntime is the single object an
// HTTP layer or CLI threads through request handlers: it owns the store,
// the event bus, the reward model, the runner, the golden evaluator, the
// code-loop gate, the analytics cache, and the job manager, and exposes
// the engine's operations.
package core

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/spindle/pkg/analytics"
	"github.com/teradata-labs/spindle/pkg/codeloop"
	"github.com/teradata-labs/spindle/pkg/config"
	"github.com/teradata-labs/spindle/pkg/events"
	"github.com/teradata-labs/spindle/pkg/golden"
	"github.com/teradata-labs/spindle/pkg/jobs"
	"github.com/teradata-labs/spindle/pkg/reward"
	"github.com/teradata-labs/spindle/pkg/runner"
	"github.com/teradata-labs/spindle/pkg/store"
	"github.com/teradata-labs/spindle/pkg/types"
)

// Collaborators are the external systems the engine drives. Engines,
// Judge, and Embedder are required; the retrievers, patcher, test runner,
// and critic are optional and degrade their feature when nil.
type Collaborators struct {
	Engines    runner.EngineSet
	Judge      types.Judge
	Embedder   types.Embedder
	Memory     types.Retriever
	RAG        types.Retriever
	Web        types.Retriever
	RAGDir     string
	Patcher    types.Patcher
	TestRunner types.TestRunner
	Critic     codeloop.Critic
}

// CoreRuntime is the assembled engine. Its lifetime is the process.
type CoreRuntime struct {
	cfg    *config.Config
	store  *store.Store
	bus    *events.Bus
	model  *reward.Model
	loader *golden.Loader
	cache  *analytics.Cache
	jobs   *jobs.Manager
	logger *zap.Logger
}

// New builds the runtime. The store is opened from cfg.Storage.Path; the
// caller owns Close.
func New(cfg *config.Config, collab Collaborators, logger *zap.Logger) (*CoreRuntime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if collab.Engines.For(types.EngineLocal) == nil {
		return nil, &types.ConfigError{Field: "engines", Reason: "a local engine is required"}
	}

	st, err := store.NewStore(cfg.Storage.Path, logger.Named("store"))
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(cfg.EventBus, logger.Named("events"))
	model := reward.NewModel(cfg.Reward, collab.Judge, collab.Embedder,
		time.Duration(cfg.Run.JudgeTimeoutS)*time.Second, logger.Named("reward"))

	run := runner.New(cfg, st, bus, model, collab.Engines, runner.Retrievers{
		Memory: collab.Memory,
		RAG:    collab.RAG,
		Web:    collab.Web,
	}, logger.Named("runner"))

	loader, err := golden.NewLoader(cfg.Golden.Dir, logger.Named("golden"))
	if err != nil {
		st.Close()
		return nil, err
	}
	eval := golden.NewEvaluator(cfg.Golden, collab.Engines.For(types.EngineLocal), model, st,
		collab.RAG, collab.RAGDir, logger.Named("golden"))

	gate := codeloop.NewGate(cfg.CodeLoop, cfg.Promotion, st, loader, eval,
		collab.Critic, collab.Patcher, collab.TestRunner, nil, logger.Named("codeloop"))

	manager := jobs.NewManager(cfg, run, gate, loader, eval, logger.Named("jobs"))

	rt := &CoreRuntime{
		cfg:    cfg,
		store:  st,
		bus:    bus,
		model:  model,
		loader: loader,
		cache:  analytics.NewCache(cfg.Analytics, st, logger.Named("analytics")),
		jobs:   manager,
		logger: logger,
	}

	if cfg.Golden.HotReload {
		if _, err := loader.Watch(); err != nil {
			logger.Warn("golden hot reload unavailable", zap.Error(err))
		}
	}
	if err := manager.StartSchedule(); err != nil {
		st.Close()
		return nil, err
	}
	return rt, nil
}

// Close stops supervision and releases the store.
func (rt *CoreRuntime) Close() error {
	rt.jobs.Stop()
	return rt.store.Close()
}

// StartRun launches a meta-evolution run asynchronously.
func (rt *CoreRuntime) StartRun(ctx context.Context, p runner.Params) (*types.Run, error) {
	return rt.jobs.StartRun(ctx, p)
}

// CancelRun requests cooperative cancellation of an active run.
func (rt *CoreRuntime) CancelRun(runID int64) error {
	return rt.jobs.CancelRun(runID)
}

// WaitRun blocks until an active run terminates.
func (rt *CoreRuntime) WaitRun(runID int64) {
	rt.jobs.Wait(runID)
}

// SubscribeEvents attaches to a run's event stream.
func (rt *CoreRuntime) SubscribeEvents(runID int64) (<-chan events.Event, func(), error) {
	return rt.bus.Subscribe(runID)
}

// Bus exposes the event bus so transport adapters such as
// events.Handler can serve run streams.
func (rt *CoreRuntime) Bus() *events.Bus {
	return rt.bus
}

// GetRun loads one run.
func (rt *CoreRuntime) GetRun(ctx context.Context, runID int64) (*types.Run, error) {
	return rt.store.GetRun(ctx, runID)
}

// ListRuns lists recent runs, newest first.
func (rt *CoreRuntime) ListRuns(ctx context.Context, limit int) ([]*types.Run, error) {
	return rt.store.ListRuns(ctx, limit)
}

// GetVariant loads one variant.
func (rt *CoreRuntime) GetVariant(ctx context.Context, variantID int64) (*types.Variant, error) {
	return rt.store.GetVariant(ctx, variantID)
}

// ListVariants lists a run's variants in iteration order.
func (rt *CoreRuntime) ListVariants(ctx context.Context, runID int64) ([]*types.Variant, error) {
	return rt.store.ListVariants(ctx, runID)
}

// ListOperatorStats lists bandit arms, optionally filtered by task class.
func (rt *CoreRuntime) ListOperatorStats(ctx context.Context, taskClass string) ([]types.OperatorStat, error) {
	if taskClass != "" {
		taskClass = types.NormalizeTaskClass(taskClass)
	}
	return rt.store.ListOperatorStats(ctx, taskClass)
}

// ListRecipes lists promoted recipes, optionally filtered by task class.
func (rt *CoreRuntime) ListRecipes(ctx context.Context, taskClass string) ([]*types.PromotedRecipe, error) {
	return rt.store.ListRecipes(ctx, taskClass)
}

// Rate records a human rating against a variant. History is preserved;
// the latest supersedes for display. Ratings never alter total_reward.
func (rt *CoreRuntime) Rate(ctx context.Context, variantID int64, score int, feedback string) error {
	_, err := rt.store.InsertRating(ctx, variantID, score, feedback)
	return err
}

// RunGolden executes a golden sweep over the named subset.
func (rt *CoreRuntime) RunGolden(ctx context.Context, subset []string) (*types.GoldenAggregate, error) {
	return rt.jobs.RunGolden(ctx, subset)
}

// GoldenItems lists the currently loaded golden items.
func (rt *CoreRuntime) GoldenItems() []types.GoldenItem {
	return rt.loader.Items()
}

// RunCodeLoop runs one gated self-edit cycle for a source run.
func (rt *CoreRuntime) RunCodeLoop(ctx context.Context, sourceRunID int64, mode types.CodeLoopMode) (*types.CodeLoopArtifact, error) {
	return rt.jobs.RunCodeLoop(ctx, sourceRunID, mode)
}

// GetAnalyticsSnapshot returns the cached roll-up for a window.
func (rt *CoreRuntime) GetAnalyticsSnapshot(ctx context.Context, window string) (*analytics.Snapshot, error) {
	return rt.cache.Get(ctx, window)
}
