// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package codeloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/spindle/pkg/config"
	"github.com/teradata-labs/spindle/pkg/golden"
	"github.com/teradata-labs/spindle/pkg/reward"
	"github.com/teradata-labs/spindle/pkg/store"
	"github.com/teradata-labs/spindle/pkg/types"
)

// switchEngine answers well or badly depending on a flag the fake patcher
// flips, so golden sweeps before and after a patch see different quality.
type switchEngine struct{ good bool }

func (e *switchEngine) Generate(_ context.Context, _ types.GenerationRequest) (*types.GenerationResult, error) {
	output := "broken fragment"
	if e.good {
		output = "complete max implementation"
	}
	return &types.GenerationResult{Output: output, DurationMS: 50, TokensEstimate: 40}, nil
}

type qualityJudge struct{}

func (qualityJudge) Evaluate(_ context.Context, _, _, output string) (*types.JudgeVerdict, error) {
	score := 0.2
	if strings.Contains(output, "complete") {
		score = 0.9
	}
	return &types.JudgeVerdict{Score: score}, nil
}

// fakePatcher flips the engine flag to effect and records the lifecycle.
type fakePatcher struct {
	engine   *switchEngine
	effect   bool
	applies  int
	reverts  int
	previous bool
}

func (p *fakePatcher) Apply(_ context.Context, _ types.EditPackage) (*types.PatchResult, error) {
	p.applies++
	p.previous = p.engine.good
	p.engine.good = p.effect
	return &types.PatchResult{OK: true, TouchedFiles: []string{TuningFile}, RevertToken: "tok-1"}, nil
}

func (p *fakePatcher) Revert(_ context.Context, token string) error {
	p.reverts++
	p.engine.good = p.previous
	return nil
}

type fakeTests struct {
	passed bool
	runs   int
}

func (f *fakeTests) RunTests(context.Context) (*types.TestReport, error) {
	f.runs++
	return &types.TestReport{Passed: f.passed, DurationMS: 10}, nil
}

// pathCritic proposes an edit against an arbitrary path, for cap tests.
type pathCritic struct {
	path  string
	after string
}

func (c pathCritic) Criticize(_ context.Context, _ *types.Run, _ []*types.Variant, tuning types.Tuning) (*types.CriticReport, *types.EditPackage, error) {
	report := &types.CriticReport{Target: "process_multiplier", Before: tuning.ProcessMultiplier, After: tuning.ProcessMultiplier}
	pkg := &types.EditPackage{Patches: []types.CodePatch{{
		Rationale: "test edit",
		Files:     []types.FileEdit{{Path: c.path, Before: "", After: c.after}},
	}}}
	return report, pkg, nil
}

type gateFixture struct {
	gate    *Gate
	store   *store.Store
	engine  *switchEngine
	patcher *fakePatcher
	tests   *fakeTests
	runID   int64
}

// newGateFixture builds a gate over a one-item golden set and a finished
// source run whose mean reward selects the critic branch.
func newGateFixture(t *testing.T, critic Critic, engineGood, patchEffect, testsPass bool, variantReward float64) *gateFixture {
	t.Helper()
	cfg := config.Default()
	ctx := context.Background()

	st, err := store.NewStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dir := t.TempDir()
	set := `apiVersion: spindle/v1
kind: GoldenSet
metadata:
  name: gate
spec:
  items:
    - id: gate-item
      task_type: codegen
      task_class: codegen
      task: write a max function
      assertions: ["max"]
      seed: 1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "set.yaml"), []byte(set), 0o644))
	loader, err := golden.NewLoader(dir, nil)
	require.NoError(t, err)

	engine := &switchEngine{good: engineGood}
	model := reward.NewModel(cfg.Reward, qualityJudge{}, nil, time.Second, nil)
	eval := golden.NewEvaluator(cfg.Golden, engine, model, st, nil, "", nil)

	run := &types.Run{TaskClass: "codegen", Task: "write a max function", NTotal: 2, Strategy: types.StrategyUCB1, FrameworkMask: types.AllFrameworks()}
	_, err = st.CreateRun(ctx, run)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = st.SaveVariant(ctx, &types.Variant{
			RunID:          run.ID,
			IterationIndex: i,
			Operator:       "raise_temp",
			Recipe:         types.Recipe{Engine: types.EngineLocal},
			TotalReward:    variantReward,
		})
		require.NoError(t, err)
	}
	require.NoError(t, st.FinishRun(ctx, run.ID, types.RunStatusComplete, ""))

	patcher := &fakePatcher{engine: engine, effect: patchEffect}
	tests := &fakeTests{passed: testsPass}
	gate := NewGate(cfg.CodeLoop, cfg.Promotion, st, loader, eval, critic, patcher, tests, nil, nil)
	return &gateFixture{gate: gate, store: st, engine: engine, patcher: patcher, tests: tests, runID: run.ID}
}

func TestLoopCommitsWhenEveryGateHolds(t *testing.T) {
	// Low variant rewards pick the process-multiplier branch; the patch
	// turns the engine from broken to good, so the golden delta is large.
	fx := newGateFixture(t, nil, false, true, true, 0.2)
	ctx := context.Background()

	art, err := fx.gate.Execute(ctx, fx.runID, types.CodeLoopLive)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionCommit, art.Decision)
	assert.Empty(t, art.Reason)
	assert.Equal(t, "process_multiplier", art.Critic.Target)
	assert.InDelta(t, 1.05, art.Critic.After, 1e-9)
	assert.Greater(t, art.GoldenAfter.AvgTotalReward, art.GoldenBefore.AvgTotalReward)
	assert.GreaterOrEqual(t, art.GoldenAfter.PassRate, 0.80)
	assert.Equal(t, 1, fx.patcher.applies)
	assert.Zero(t, fx.patcher.reverts)

	// The committed tuning survives.
	tuning, err := fx.store.GetTuning(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.05, tuning.ProcessMultiplier, 1e-9)
}

func TestGoldenRegressionRollsBack(t *testing.T) {
	// The engine starts healthy and the patch breaks it: the golden delta
	// gate fails and everything reverts, tuning included.
	fx := newGateFixture(t, nil, true, false, true, 0.2)
	ctx := context.Background()

	art, err := fx.gate.Execute(ctx, fx.runID, types.CodeLoopLive)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionRollback, art.Decision)
	assert.Contains(t, art.Reason, "golden reward delta")
	assert.Equal(t, 1, fx.patcher.applies)
	assert.Equal(t, 1, fx.patcher.reverts)
	assert.True(t, fx.engine.good, "patch effect undone")

	tuning, err := fx.store.GetTuning(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, tuning.ProcessMultiplier, 1e-9, "tuning restored on rollback")
}

func TestFailingTestsRollBack(t *testing.T) {
	fx := newGateFixture(t, nil, false, true, false, 0.2)

	art, err := fx.gate.Execute(context.Background(), fx.runID, types.CodeLoopLive)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionRollback, art.Decision)
	assert.Contains(t, art.Reason, "unit tests failed")
	assert.Equal(t, 1, fx.patcher.reverts)
}

func TestAllowlistRejectsForeignPaths(t *testing.T) {
	critic := pathCritic{path: "pkg/bandit/bandit.go", after: "sabotage\n"}
	fx := newGateFixture(t, critic, true, true, true, 0.2)

	art, err := fx.gate.Execute(context.Background(), fx.runID, types.CodeLoopLive)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionReject, art.Decision)
	assert.Contains(t, art.Reason, "outside allowlist")
	assert.Zero(t, fx.patcher.applies, "rejected patches are never applied")
}

func TestLineCapRejectsOversizedPatch(t *testing.T) {
	var big strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&big, "line %d\n", i)
	}
	critic := pathCritic{path: TuningFile, after: big.String()}
	fx := newGateFixture(t, critic, true, true, true, 0.2)

	art, err := fx.gate.Execute(context.Background(), fx.runID, types.CodeLoopLive)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionReject, art.Decision)
	assert.Contains(t, art.Reason, "line cap")
	assert.Zero(t, fx.patcher.applies)
}

func TestDryRunValidatesWithoutApplying(t *testing.T) {
	fx := newGateFixture(t, nil, false, true, true, 0.2)

	art, err := fx.gate.Execute(context.Background(), fx.runID, types.CodeLoopDryRun)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionReject, art.Decision)
	assert.Contains(t, art.Reason, "dry run")
	assert.Equal(t, art.GoldenBefore, art.GoldenAfter)
	assert.Zero(t, fx.patcher.applies)
	assert.Zero(t, fx.tests.runs)
}

func TestExecuteIsIdempotentBySourceRun(t *testing.T) {
	fx := newGateFixture(t, nil, false, true, true, 0.2)
	ctx := context.Background()

	first, err := fx.gate.Execute(ctx, fx.runID, types.CodeLoopLive)
	require.NoError(t, err)
	second, err := fx.gate.Execute(ctx, fx.runID, types.CodeLoopLive)
	require.NoError(t, err)

	assert.Equal(t, first.LoopID, second.LoopID)
	assert.Equal(t, 1, fx.patcher.applies, "repeat request does not re-run the loop")
	assert.Equal(t, 1, fx.tests.runs)
}

func TestTuningCriticBranches(t *testing.T) {
	critic := NewTuningCritic()
	run := &types.Run{ID: 1}
	tuning := types.DefaultTuning()

	low := []*types.Variant{{TotalReward: 0.1}, {TotalReward: 0.2}}
	report, pkg, err := critic.Criticize(context.Background(), run, low, tuning)
	require.NoError(t, err)
	assert.Equal(t, "process_multiplier", report.Target)
	assert.InDelta(t, 1.05, report.After, 1e-9)
	require.Len(t, pkg.Patches, 1)
	assert.Equal(t, TuningFile, pkg.Patches[0].Files[0].Path)

	high := []*types.Variant{{TotalReward: 0.8}, {TotalReward: 0.9}}
	report, _, err = critic.Criticize(context.Background(), run, high, tuning)
	require.NoError(t, err)
	assert.Equal(t, "cost_multiplier", report.Target)
	assert.InDelta(t, 0.95, report.After, 1e-9)
}

func TestTuningCriticRespectsBounds(t *testing.T) {
	critic := NewTuningCritic()
	run := &types.Run{ID: 1}

	atCap := types.Tuning{ProcessMultiplier: 1.5, CostMultiplier: 1.0}
	report, _, err := critic.Criticize(context.Background(), run, []*types.Variant{{TotalReward: 0.1}}, atCap)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, report.After, 1e-9, "process multiplier saturates at the cap")

	atFloor := types.Tuning{ProcessMultiplier: 1.0, CostMultiplier: 0.5}
	report, _, err = critic.Criticize(context.Background(), run, []*types.Variant{{TotalReward: 0.9}}, atFloor)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, report.After, 1e-9, "cost multiplier saturates at the floor")
}

func TestProposedTuningAppliesOnlyTarget(t *testing.T) {
	base := types.DefaultTuning()
	out := ProposedTuning(base, &types.CriticReport{Target: "cost_multiplier", After: 0.85})
	assert.InDelta(t, 0.85, out.CostMultiplier, 1e-9)
	assert.InDelta(t, 1.0, out.ProcessMultiplier, 1e-9)
}

func TestValidateArtifactRejectsMalformed(t *testing.T) {
	valid := &types.CodeLoopArtifact{
		LoopID:      "loop-1",
		SourceRunID: 1,
		Mode:        types.CodeLoopLive,
		Critic:      types.CriticReport{Target: "process_multiplier", Before: 1.0, After: 1.05},
		Patch:       types.PatchSummary{Files: []string{TuningFile}, EditCount: 1},
		Decision:    types.DecisionCommit,
	}
	assert.NoError(t, ValidateArtifact(valid))

	noLoop := *valid
	noLoop.LoopID = ""
	assert.Error(t, ValidateArtifact(&noLoop))

	badDecision := *valid
	badDecision.Decision = "maybe"
	assert.Error(t, ValidateArtifact(&badDecision))

	badTarget := *valid
	badTarget.Critic.Target = "alpha"
	assert.Error(t, ValidateArtifact(&badTarget))
}
