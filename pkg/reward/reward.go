// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package reward scores variants. The total reward blends three
// components: an outcome term (two AI judges with a tie-breaker, mixed
// with embedding similarity), a process term (cheap heuristics over the
// output text), and a cost penalty (blended cost against a rolling
// per-task-class baseline). Non-finite values never leave this package;
// they are coerced to an error and the iteration is treated as failed.
package reward

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/spindle/pkg/config"
	"github.com/teradata-labs/spindle/pkg/types"
)

// Input is everything the model needs to score one variant.
type Input struct {
	Task       string
	Output     string
	Expected   string
	Assertions []string

	Prompt         string
	DurationMS     int64
	ToolCalls      int
	TokensEstimate int

	// BaselineCost is the rolling blended cost for the task class; zero
	// means no history yet and yields a neutral penalty.
	BaselineCost float64

	Tuning types.Tuning

	// RNG drives the weighted judge-pool draw. The runner passes its own
	// seeded PRNG; nil falls back to the model's.
	RNG *rand.Rand
}

// Result is the full scoring record for one variant.
type Result struct {
	Breakdown types.RewardBreakdown
	JudgeInfo types.JudgeInfo
	// BlendedCost is the raw pre-normalization cost, fed back into the
	// task class's rolling baseline.
	BlendedCost float64
}

// Model composes the outcome, process, and cost components. Safe for
// concurrent use by multiple runners; judge usage counts are shared for
// the process lifetime so pool draws stay balanced across runs.
type Model struct {
	cfg      config.RewardConfig
	judge    types.Judge
	embedder types.Embedder
	logger   *zap.Logger

	judgeTimeout time.Duration

	mu       sync.Mutex
	uses     map[string]int64
	fallback *rand.Rand
}

// NewModel builds a reward model around the judge and embedder
// collaborators.
func NewModel(cfg config.RewardConfig, judge types.Judge, embedder types.Embedder, judgeTimeout time.Duration, logger *zap.Logger) *Model {
	if logger == nil {
		logger = zap.NewNop()
	}
	if judgeTimeout <= 0 {
		judgeTimeout = 60 * time.Second
	}
	return &Model{
		cfg:          cfg,
		judge:        judge,
		embedder:     embedder,
		logger:       logger,
		judgeTimeout: judgeTimeout,
		uses:         make(map[string]int64),
		fallback:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Score evaluates one variant. The returned error is non-nil only when the
// blend produced a non-finite value; collaborator failures degrade the
// outcome term instead of failing the call.
func (m *Model) Score(ctx context.Context, in Input) (*Result, error) {
	aiScore, aiOK, judgeInfo := m.judgeOutcome(ctx, in)
	semantic, semOK := m.semantic(ctx, in)

	var outcome float64
	switch {
	case aiOK && semOK:
		outcome = m.cfg.AIWeight*aiScore + m.cfg.SemanticWeight*semantic
	case aiOK:
		outcome = aiScore
	case semOK:
		// Both judges failed: the outcome degrades to similarity alone.
		outcome = semantic
	default:
		outcome = 0
	}

	process := processReward(in.Output, in.Assertions)
	penalty, blended := m.costPenalty(in)

	procMult := in.Tuning.ProcessMultiplier
	if procMult == 0 {
		procMult = 1
	}
	costMult := in.Tuning.CostMultiplier
	if costMult == 0 {
		costMult = 1
	}

	total := m.cfg.Alpha*outcome +
		m.cfg.BetaProcess*procMult*process +
		m.cfg.GammaCost*costMult*penalty

	breakdown := types.RewardBreakdown{
		Outcome:     outcome,
		AIScore:     aiScore,
		Semantic:    semantic,
		Process:     process,
		CostPenalty: penalty,
		Total:       total,
	}
	if err := sanitize(&breakdown); err != nil {
		return nil, err
	}
	return &Result{Breakdown: breakdown, JudgeInfo: judgeInfo, BlendedCost: blended}, nil
}

// sanitize rejects NaN and infinities so they can never be persisted.
func sanitize(b *types.RewardBreakdown) error {
	for _, v := range []float64{b.Outcome, b.AIScore, b.Semantic, b.Process, b.CostPenalty, b.Total} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return types.ErrNonFiniteScore
		}
	}
	return nil
}

func clip01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, 0), 1)
}

// semantic computes cosine similarity between the output embedding and the
// embedding of the task (plus any expected reference), clipped to [0,1].
func (m *Model) semantic(ctx context.Context, in Input) (float64, bool) {
	if m.embedder == nil {
		return 0, false
	}
	reference := in.Task
	if in.Expected != "" {
		reference += "\n" + in.Expected
	}

	out, err := m.embedder.Embed(ctx, in.Output)
	if err != nil {
		m.logger.Warn("output embedding failed", zap.Error(err))
		return 0, false
	}
	ref, err := m.embedder.Embed(ctx, reference)
	if err != nil {
		m.logger.Warn("reference embedding failed", zap.Error(err))
		return 0, false
	}
	return clip01(cosine(out, ref)), true
}

func cosine(a, b []float64) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
