// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

// CodeLoopMode distinguishes a committing loop from a rehearsal.
type CodeLoopMode string

const (
	CodeLoopLive   CodeLoopMode = "live"
	CodeLoopDryRun CodeLoopMode = "dry_run"
)

// Valid reports whether the mode is recognized.
func (m CodeLoopMode) Valid() bool {
	return m == CodeLoopLive || m == CodeLoopDryRun
}

// CodeLoopDecision is the gate's verdict on one loop.
type CodeLoopDecision string

const (
	// DecisionCommit keeps the patch: every gate held.
	DecisionCommit CodeLoopDecision = "commit"
	// DecisionRollback reverts the patch: a gate failed after apply.
	DecisionRollback CodeLoopDecision = "rollback"
	// DecisionReject never applied the patch (caps exceeded, dry run).
	DecisionReject CodeLoopDecision = "reject"
)

// CriticReport records the single bounded adjustment the critic proposed.
type CriticReport struct {
	Notes  string  `json:"notes"`
	Target string  `json:"target"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
}

// PatchSummary condenses the applied edit package for the artifact.
type PatchSummary struct {
	Files     []string `json:"files"`
	Diff      string   `json:"diff"`
	EditCount int      `json:"edit_count"`
}

// GoldenSummary is the slice of a golden aggregate the gate compares.
type GoldenSummary struct {
	AvgTotalReward float64 `json:"avg_total_reward"`
	AvgCostPenalty float64 `json:"avg_cost_penalty"`
	AvgSteps       float64 `json:"avg_steps"`
	PassRate       float64 `json:"pass_rate"`
}

// CodeLoopThresholds are the acceptance gates in force for one loop.
type CodeLoopThresholds struct {
	DeltaRewardMin       float64 `json:"delta_reward_min"`
	CostRatioMax         float64 `json:"cost_ratio_max"`
	GoldenPassRateTarget float64 `json:"golden_pass_rate_target"`
}

// CodeLoopArtifact is the durable record of one criticize-edit-test-decide
// cycle, written whether or not the patch survived.
type CodeLoopArtifact struct {
	LoopID       string             `json:"loop_id"`
	SourceRunID  int64              `json:"source_run_id"`
	Mode         CodeLoopMode       `json:"mode"`
	Critic       CriticReport       `json:"critic"`
	Patch        PatchSummary       `json:"patch"`
	Tests        TestReport         `json:"tests"`
	GoldenBefore GoldenSummary      `json:"golden_before"`
	GoldenAfter  GoldenSummary      `json:"golden_after"`
	Thresholds   CodeLoopThresholds `json:"thresholds"`
	Decision     CodeLoopDecision   `json:"decision"`
	Reason       string             `json:"reason,omitempty"`
	CreatedAt    int64              `json:"created_at"`
}
