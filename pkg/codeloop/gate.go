// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package codeloop orchestrates the gated self-edit cycle: criticize,
// edit, test, decide. Patches are capped in size and confined to an
// allowlist; acceptance requires passing tests, a golden reward delta, a
// cost ceiling, a golden pass-rate floor, and a schema-valid artifact.
// Anything less rolls back to the pre-patch state.
package codeloop

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"github.com/teradata-labs/spindle/pkg/config"
	"github.com/teradata-labs/spindle/pkg/golden"
	"github.com/teradata-labs/spindle/pkg/store"
	"github.com/teradata-labs/spindle/pkg/types"
)

// DefaultAllowlist confines patches to reward tuning, golden-set files,
// and their tests.
var DefaultAllowlist = []string{"tuning/", "golden/", "pkg/reward/testdata/"}

// Gate runs code-loops. One loop at a time process-wide; the job manager
// holds the lock.
type Gate struct {
	cfg       config.CodeLoopConfig
	promotion config.PromotionConfig
	store     *store.Store
	loader    *golden.Loader
	eval      *golden.Evaluator
	critic    Critic
	patcher   types.Patcher
	tests     types.TestRunner
	allowlist []string
	logger    *zap.Logger
}

// NewGate wires the gate to its collaborators. A nil critic gets the
// default tuning critic; a nil allowlist gets the default.
func NewGate(cfg config.CodeLoopConfig, promotion config.PromotionConfig, st *store.Store, loader *golden.Loader, eval *golden.Evaluator, critic Critic, patcher types.Patcher, tests types.TestRunner, allowlist []string, logger *zap.Logger) *Gate {
	if critic == nil {
		critic = NewTuningCritic()
	}
	if allowlist == nil {
		allowlist = DefaultAllowlist
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		cfg:       cfg,
		promotion: promotion,
		store:     st,
		loader:    loader,
		eval:      eval,
		critic:    critic,
		patcher:   patcher,
		tests:     tests,
		allowlist: allowlist,
		logger:    logger,
	}
}

// StoredArtifact returns the artifact an earlier loop produced for the
// source run, or nil when none exists. The job manager consults it so
// repeats skip the lock and the hourly budget entirely.
func (g *Gate) StoredArtifact(ctx context.Context, sourceRunID int64) (*types.CodeLoopArtifact, error) {
	return g.store.GetCodeLoopArtifactBySource(ctx, sourceRunID)
}

// Execute runs one loop for a source run. Idempotent by source run id:
// a run that already produced an artifact returns it unchanged.
func (g *Gate) Execute(ctx context.Context, sourceRunID int64, mode types.CodeLoopMode) (*types.CodeLoopArtifact, error) {
	if existing, err := g.store.GetCodeLoopArtifactBySource(ctx, sourceRunID); err != nil {
		return nil, err
	} else if existing != nil {
		g.logger.Info("code loop already ran for source run, returning artifact",
			zap.Int64("source_run_id", sourceRunID))
		return existing, nil
	}

	run, err := g.store.GetRun(ctx, sourceRunID)
	if err != nil {
		return nil, err
	}
	variants, err := g.store.ListVariants(ctx, sourceRunID)
	if err != nil {
		return nil, err
	}
	tuningBefore, err := g.store.GetTuning(ctx)
	if err != nil {
		return nil, err
	}

	art := &types.CodeLoopArtifact{
		LoopID:      uuid.NewString(),
		SourceRunID: sourceRunID,
		Mode:        mode,
		Thresholds: types.CodeLoopThresholds{
			DeltaRewardMin:       g.promotion.DeltaRewardMin,
			CostRatioMax:         g.promotion.CostRatioMax,
			GoldenPassRateTarget: g.cfg.GoldenPassRateTarget,
		},
	}
	logger := g.logger.With(zap.String("loop_id", art.LoopID), zap.Int64("source_run_id", sourceRunID))

	before, err := g.eval.Run(ctx, g.loader.CodeLoopSubset(5))
	if err != nil {
		return nil, err
	}
	art.GoldenBefore = summarize(before)

	report, pkg, err := g.critic.Criticize(ctx, run, variants, *tuningBefore)
	if err != nil {
		return nil, err
	}
	art.Critic = *report
	pkg.LoopID = art.LoopID
	art.Patch = summarizePatch(pkg)

	if reason := g.checkCaps(pkg); reason != "" {
		logger.Warn("patch rejected before apply", zap.String("reason", reason))
		art.GoldenAfter = art.GoldenBefore
		return g.decide(ctx, art, types.DecisionReject, reason)
	}

	if mode == types.CodeLoopDryRun {
		logger.Info("dry run: patch validated, not applied")
		art.GoldenAfter = art.GoldenBefore
		return g.decide(ctx, art, types.DecisionReject, "dry run: patch not applied")
	}

	return g.applyAndGate(ctx, art, report, pkg, *tuningBefore, logger)
}

// applyAndGate runs the live half of the loop: apply, test, re-evaluate,
// accept or roll back.
func (g *Gate) applyAndGate(ctx context.Context, art *types.CodeLoopArtifact, report *types.CriticReport, pkg *types.EditPackage, tuningBefore types.Tuning, logger *zap.Logger) (*types.CodeLoopArtifact, error) {
	if err := g.store.SetTuning(ctx, ProposedTuning(tuningBefore, report)); err != nil {
		return nil, err
	}
	rollbackTuning := func() {
		if err := g.store.SetTuning(ctx, tuningBefore); err != nil {
			logger.Error("failed to restore tuning after rollback", zap.Error(err))
		}
	}

	patched, err := g.patcher.Apply(ctx, *pkg)
	if err != nil || !patched.OK {
		rollbackTuning()
		reason := "patch apply failed"
		if err != nil {
			reason += ": " + err.Error()
		}
		art.GoldenAfter = art.GoldenBefore
		return g.decide(ctx, art, types.DecisionRollback, reason)
	}
	if len(patched.TouchedFiles) > 0 {
		art.Patch.Files = patched.TouchedFiles
	}
	if len(patched.Diffs) > 0 {
		art.Patch.Diff = strings.Join(patched.Diffs, "\n")
	}

	rollbackAll := func() {
		if err := g.patcher.Revert(ctx, patched.RevertToken); err != nil {
			logger.Error("failed to revert patch", zap.Error(err))
		}
		rollbackTuning()
	}

	testReport, err := g.tests.RunTests(ctx)
	if err != nil {
		rollbackAll()
		art.GoldenAfter = art.GoldenBefore
		return g.decide(ctx, art, types.DecisionRollback, "test run failed: "+err.Error())
	}
	art.Tests = *testReport

	after, err := g.eval.Run(ctx, g.loader.CodeLoopSubset(5))
	if err != nil {
		rollbackAll()
		art.GoldenAfter = art.GoldenBefore
		return g.decide(ctx, art, types.DecisionRollback, "golden evaluation failed: "+err.Error())
	}
	art.GoldenAfter = summarize(after)

	if reason := g.gateReason(art); reason != "" {
		logger.Info("gate failed, rolling back", zap.String("reason", reason))
		rollbackAll()
		return g.decide(ctx, art, types.DecisionRollback, reason)
	}

	logger.Info("code loop committed",
		zap.String("target", report.Target),
		zap.Float64("golden_delta", art.GoldenAfter.AvgTotalReward-art.GoldenBefore.AvgTotalReward))
	return g.decide(ctx, art, types.DecisionCommit, "")
}

// gateReason evaluates every acceptance gate and names the first failure;
// empty means all gates held.
func (g *Gate) gateReason(art *types.CodeLoopArtifact) string {
	if !art.Tests.Passed {
		return "unit tests failed"
	}
	if delta := art.GoldenAfter.AvgTotalReward - art.GoldenBefore.AvgTotalReward; delta < art.Thresholds.DeltaRewardMin {
		return "golden reward delta below threshold"
	}
	// Penalties are clipped non-negative, so a zero baseline admits only
	// zero-cost-growth patches.
	if art.GoldenAfter.AvgCostPenalty > art.Thresholds.CostRatioMax*art.GoldenBefore.AvgCostPenalty {
		return "golden cost above ceiling"
	}
	if art.GoldenAfter.PassRate < art.Thresholds.GoldenPassRateTarget {
		return "golden pass rate below target"
	}
	if err := ValidateArtifact(art); err != nil {
		return err.Error()
	}
	return ""
}

// checkCaps enforces the hard patch caps and the allowlist. Empty string
// means the package is admissible.
func (g *Gate) checkCaps(pkg *types.EditPackage) string {
	if len(pkg.Patches) == 0 {
		return "empty edit package"
	}
	if len(pkg.Patches) > g.cfg.MaxPatches {
		return "too many patches"
	}
	files := make(map[string]bool)
	for _, patch := range pkg.Patches {
		loc := 0
		for _, edit := range patch.Files {
			files[edit.Path] = true
			if !g.allowed(edit.Path) {
				return "path outside allowlist: " + edit.Path
			}
			loc += changedLines(edit.Before, edit.After)
		}
		if loc > g.cfg.MaxLOC {
			return "patch exceeds line cap"
		}
	}
	if len(files) > g.cfg.MaxFiles {
		return "too many files touched"
	}
	return ""
}

func (g *Gate) allowed(path string) bool {
	for _, prefix := range g.allowlist {
		if path == prefix || strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// decide validates, persists, and returns the finished artifact.
func (g *Gate) decide(ctx context.Context, art *types.CodeLoopArtifact, decision types.CodeLoopDecision, reason string) (*types.CodeLoopArtifact, error) {
	art.Decision = decision
	art.Reason = reason
	if err := ValidateArtifact(art); err != nil {
		// Schema failures on the artifact itself are a defect, not a
		// gate outcome; surface them.
		return nil, err
	}
	if _, err := g.store.InsertCodeLoopArtifact(ctx, art); err != nil {
		return nil, err
	}
	return art, nil
}

// summarize extracts the gate-relevant slice of a golden aggregate.
func summarize(agg *types.GoldenAggregate) types.GoldenSummary {
	return types.GoldenSummary{
		AvgTotalReward: agg.AvgTotalReward,
		AvgCostPenalty: agg.AvgCostPenalty,
		AvgSteps:       agg.AvgSteps,
		PassRate:       agg.PassRate,
	}
}

// summarizePatch condenses an edit package: touched files, rendered
// diffs, and the edit count.
func summarizePatch(pkg *types.EditPackage) types.PatchSummary {
	dmp := diffmatchpatch.New()
	files := []string{}
	var diffs []string
	seen := make(map[string]bool)
	edits := 0
	for _, patch := range pkg.Patches {
		for _, edit := range patch.Files {
			edits++
			if !seen[edit.Path] {
				seen[edit.Path] = true
				files = append(files, edit.Path)
			}
			patches := dmp.PatchMake(edit.Before, edit.After)
			diffs = append(diffs, "--- "+edit.Path+"\n"+dmp.PatchToText(patches))
		}
	}
	return types.PatchSummary{
		Files:     files,
		Diff:      strings.Join(diffs, "\n"),
		EditCount: edits,
	}
}

// changedLines counts added plus removed lines between two file bodies.
func changedLines(before, after string) int {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	changed := 0
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			continue
		}
		changed += strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") && d.Text != "" {
			changed++
		}
	}
	return changed
}
