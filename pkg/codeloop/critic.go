// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package codeloop

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/teradata-labs/spindle/pkg/types"
)

// Critic inspects a finished run and proposes one bounded self-edit:
// a critique report plus the edit package realizing it.
type Critic interface {
	Criticize(ctx context.Context, run *types.Run, variants []*types.Variant, tuning types.Tuning) (*types.CriticReport, *types.EditPackage, error)
}

// TuningFile is the reward-tuning path on the code-loop allowlist.
const TuningFile = "tuning/reward_tuning.yaml"

// Multiplier bounds the tuning critic respects.
const (
	processMultStep = 0.05
	processMultCap  = 1.5
	costMultStep    = 0.05
	costMultFloor   = 0.5

	// lowRewardThreshold splits the critic's two moves: runs averaging
	// below it get a stronger process weight, runs above it get a cost
	// weight relaxation.
	lowRewardThreshold = 0.35
)

// TuningCritic is the default critic: it nudges exactly one reward
// multiplier per loop. Runs with weak mean reward raise the process
// multiplier; healthy runs lower the cost multiplier instead.
type TuningCritic struct{}

// NewTuningCritic returns the default critic.
func NewTuningCritic() *TuningCritic { return &TuningCritic{} }

// Criticize proposes the single multiplier adjustment and the tuning-file
// edit that records it.
func (c *TuningCritic) Criticize(_ context.Context, run *types.Run, variants []*types.Variant, tuning types.Tuning) (*types.CriticReport, *types.EditPackage, error) {
	if len(variants) == 0 {
		return nil, nil, fmt.Errorf("run %d has no variants to criticize", run.ID)
	}

	var sum float64
	for _, v := range variants {
		sum += v.TotalReward
	}
	mean := sum / float64(len(variants))

	after := tuning
	report := &types.CriticReport{}
	if mean < lowRewardThreshold {
		report.Target = "process_multiplier"
		report.Before = tuning.ProcessMultiplier
		after.ProcessMultiplier = min(tuning.ProcessMultiplier+processMultStep, processMultCap)
		report.After = after.ProcessMultiplier
		report.Notes = fmt.Sprintf("mean total reward %.3f below %.2f: strengthening the process term", mean, lowRewardThreshold)
	} else {
		report.Target = "cost_multiplier"
		report.Before = tuning.CostMultiplier
		after.CostMultiplier = max(tuning.CostMultiplier-costMultStep, costMultFloor)
		report.After = after.CostMultiplier
		report.Notes = fmt.Sprintf("mean total reward %.3f is healthy: relaxing the cost term", mean)
	}

	before, err := renderTuning(tuning)
	if err != nil {
		return nil, nil, err
	}
	afterText, err := renderTuning(after)
	if err != nil {
		return nil, nil, err
	}

	pkg := &types.EditPackage{
		Patches: []types.CodePatch{{
			Rationale: report.Notes,
			Files: []types.FileEdit{{
				Path:   TuningFile,
				Before: before,
				After:  afterText,
			}},
		}},
	}
	return report, pkg, nil
}

// ProposedTuning reconstructs the tuning row a critic report asks for.
func ProposedTuning(current types.Tuning, report *types.CriticReport) types.Tuning {
	out := current
	switch report.Target {
	case "process_multiplier":
		out.ProcessMultiplier = report.After
	case "cost_multiplier":
		out.CostMultiplier = report.After
	}
	return out
}

func renderTuning(t types.Tuning) (string, error) {
	raw, err := yaml.Marshal(map[string]float64{
		"process_multiplier": t.ProcessMultiplier,
		"cost_multiplier":    t.CostMultiplier,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render tuning: %w", err)
	}
	return string(raw), nil
}
