// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package types contains shared types used across the spindle engine.
// This package breaks import cycles by providing the domain vocabulary —
// runs, variants, recipes, bandit arms, promoted recipes, golden items,
// code-loop artifacts — plus the collaborator contracts the engine
// depends on.
package types

import (
	"strings"
	"unicode"
)

// Strategy selects a bandit policy for operator selection.
type Strategy string

const (
	// StrategyEpsilonGreedy explores with probability epsilon, exploits otherwise.
	StrategyEpsilonGreedy Strategy = "epsilon_greedy"
	// StrategyUCB1 picks the arm maximizing mean + c*sqrt(ln N / pulls).
	StrategyUCB1 Strategy = "ucb1"
)

// Valid reports whether the strategy is one of the known policies.
func (s Strategy) Valid() bool {
	return s == StrategyEpsilonGreedy || s == StrategyUCB1
}

// Framework tags an operator with the subsystem it mutates.
type Framework string

const (
	// FrameworkSEAL covers prompt-shaping operators (system, nudge,
	// temperature, few-shot, memory, RAG).
	FrameworkSEAL Framework = "SEAL"
	// FrameworkWEB covers the web-research toggle.
	FrameworkWEB Framework = "WEB"
	// FrameworkENGINE covers generation-backend switches.
	FrameworkENGINE Framework = "ENGINE"
	// FrameworkSAMPLING covers sampling-parameter operators (top_k).
	FrameworkSAMPLING Framework = "SAMPLING"
)

// AllFrameworks lists every framework tag in canonical order.
func AllFrameworks() []Framework {
	return []Framework{FrameworkSEAL, FrameworkWEB, FrameworkENGINE, FrameworkSAMPLING}
}

// ParseFrameworks converts raw mask strings into framework tags.
// An empty input means no restriction (all frameworks allowed).
func ParseFrameworks(raw []string) ([]Framework, error) {
	if len(raw) == 0 {
		return AllFrameworks(), nil
	}
	seen := make(map[Framework]bool, len(raw))
	out := make([]Framework, 0, len(raw))
	for _, r := range raw {
		f := Framework(strings.ToUpper(strings.TrimSpace(r)))
		switch f {
		case FrameworkSEAL, FrameworkWEB, FrameworkENGINE, FrameworkSAMPLING:
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		default:
			return nil, &ConfigError{Field: "framework_mask", Reason: "unknown framework " + r}
		}
	}
	return out, nil
}

// RunStatus is the lifecycle state of a meta-evolution run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusError     RunStatus = "error"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete || s == RunStatusError || s == RunStatusCancelled
}

// Engine flag values on a recipe. The concrete backends live behind the
// Engine collaborator; the recipe only records which one to use.
const (
	EngineLocal  = "local"
	EngineHosted = "hosted"
)

// FewshotExample is one worked example spliced into a prompt.
type FewshotExample struct {
	Task   string `json:"task"`
	Answer string `json:"answer"`
}

// Recipe is the concrete set of generation parameters and context flags used
// for one iteration. Operators transform recipes; the engine consumes them.
type Recipe struct {
	System      string           `json:"system"`
	SystemIndex int              `json:"system_index"`
	Nudge       string           `json:"nudge"`
	NudgeIndex  int              `json:"nudge_index"`
	Temperature float64          `json:"temperature"`
	TopK        int              `json:"top_k"`
	MemoryK     int              `json:"memory_k"`
	RAGK        int              `json:"rag_k"`
	UseWeb      bool             `json:"use_web"`
	Engine      string           `json:"engine"`
	Fewshot     []FewshotExample `json:"fewshot,omitempty"`
}

// Clone returns a deep copy so operator transforms never alias the base.
func (r Recipe) Clone() Recipe {
	out := r
	if len(r.Fewshot) > 0 {
		out.Fewshot = make([]FewshotExample, len(r.Fewshot))
		copy(out.Fewshot, r.Fewshot)
	}
	return out
}

// Run is one invocation of the meta-evolution loop.
type Run struct {
	ID                  int64       `json:"run_id"`
	SessionID           string      `json:"session_id"`
	TaskClass           string      `json:"task_class"`
	NormalizedTaskClass string      `json:"normalized_task_class"`
	Task                string      `json:"task"`
	NTotal              int         `json:"n_total"`
	Strategy            Strategy    `json:"strategy"`
	Epsilon             float64     `json:"epsilon"`
	FrameworkMask       []Framework `json:"framework_mask"`
	MemoryK             int         `json:"memory_k"`
	RAGK                int         `json:"rag_k"`
	Seed                int64       `json:"seed"`
	StartedAt           int64       `json:"started_at"`
	FinishedAt          *int64      `json:"finished_at,omitempty"`
	BaselineScore       *float64    `json:"baseline_score,omitempty"`
	BestScore           *float64    `json:"best_score,omitempty"`
	BestVariantID       *int64      `json:"best_variant_id,omitempty"`
	Status              RunStatus   `json:"status"`
	Error               string      `json:"error,omitempty"`
}

// JudgeScore records one judge model's verdict on a variant.
type JudgeScore struct {
	Model      string  `json:"model"`
	Raw        float64 `json:"raw"`
	Score      float64 `json:"score"`
	Rationale  string  `json:"rationale,omitempty"`
	DurationMS int64   `json:"duration_ms"`
	Failed     bool    `json:"failed,omitempty"`
}

// JudgeInfo is the full record of the two-judge (plus optional tie-breaker)
// protocol for one variant.
type JudgeInfo struct {
	Judges         []JudgeScore `json:"judges"`
	TieBreakerUsed bool         `json:"tie_breaker_used"`
	TieBreaker     *JudgeScore  `json:"tie_breaker,omitempty"`
	FinalScore     float64      `json:"final_score"`
	PairKey        string       `json:"pair_key,omitempty"`
	OverheadMS     int64        `json:"overhead_ms"`
}

// RewardBreakdown carries the reward components for one variant.
type RewardBreakdown struct {
	Outcome     float64 `json:"outcome"`
	AIScore     float64 `json:"ai_score"`
	Semantic    float64 `json:"semantic"`
	Process     float64 `json:"process"`
	CostPenalty float64 `json:"cost_penalty"`
	Total       float64 `json:"total"`
}

// Variant is the scored result of one iteration. Immutable after persist.
type Variant struct {
	ID             int64     `json:"variant_id"`
	RunID          int64     `json:"run_id"`
	IterationIndex int       `json:"iteration_index"`
	Operator       string    `json:"operator"`
	Recipe         Recipe    `json:"recipe"`
	PromptLength   int       `json:"prompt_length"`
	Output         string    `json:"output"`
	EngineID       string    `json:"engine_id,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
	OutcomeReward  float64   `json:"outcome_reward"`
	ProcessReward  float64   `json:"process_reward"`
	CostPenalty    float64   `json:"cost_penalty"`
	TotalReward    float64   `json:"total_reward"`
	JudgeInfo      JudgeInfo `json:"judge_info"`
	IsBest         bool      `json:"is_best"`
	CreatedAt      int64     `json:"created_at"`
}

// OperatorStat is one bandit arm: cross-run statistics for a
// (task_class, operator) pair.
type OperatorStat struct {
	TaskClass   string  `json:"task_class"`
	Operator    string  `json:"operator"`
	Pulls       int64   `json:"pulls"`
	SumReward   float64 `json:"sum_reward"`
	MeanReward  float64 `json:"mean_reward"`
	LastUpdated int64   `json:"last_updated"`
}

// ApprovalState is the promotion approval of a recipe.
type ApprovalState string

const (
	ApprovalAuto    ApprovalState = "auto"
	ApprovalPending ApprovalState = "pending"
	ApprovalManual  ApprovalState = "manual"
)

// PromotedRecipe is a variant's recipe kept for seeding future runs.
type PromotedRecipe struct {
	ID              int64         `json:"recipe_id"`
	TaskClass       string        `json:"task_class"`
	ParentVariantID int64         `json:"parent_variant_id"`
	Recipe          Recipe        `json:"recipe"`
	BaselineDelta   float64       `json:"baseline_delta"`
	CostRatio       float64       `json:"cost_ratio"`
	Approved        ApprovalState `json:"approved"`
	Uses            int64         `json:"uses"`
	AvgScore        float64       `json:"avg_score"`
	CreatedAt       int64         `json:"created_at"`
}

// HumanRating is optional feedback on a variant, scored 1-10. Ratings feed
// analytics only; they never alter a persisted total_reward.
type HumanRating struct {
	ID        int64  `json:"id"`
	VariantID int64  `json:"variant_id"`
	Score     int    `json:"score"`
	Feedback  string `json:"feedback,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Tuning holds the reward multipliers the code-loop is allowed to adjust.
type Tuning struct {
	ProcessMultiplier float64 `json:"process_multiplier"`
	CostMultiplier    float64 `json:"cost_multiplier"`
	UpdatedAt         int64   `json:"updated_at"`
}

// DefaultTuning returns the neutral multipliers.
func DefaultTuning() Tuning {
	return Tuning{ProcessMultiplier: 1.0, CostMultiplier: 1.0}
}

// NormalizeTaskClass canonicalizes a task class for storage and arm keys:
// lower-cased, trimmed, runs of non-alphanumerics collapsed to single
// underscores.
func NormalizeTaskClass(taskClass string) string {
	var b strings.Builder
	b.Grow(len(taskClass))
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(taskClass)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}
