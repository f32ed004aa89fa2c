// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package reward

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/spindle/pkg/types"
)

// judgeOutcome runs the two-judge protocol: two distinct primary judges
// drawn by inverse-frequency weight, scored concurrently, with one
// tie-breaker from the third pool when they disagree by at least the
// configured threshold. Returns (score, ok, info); ok is false when every
// judge call failed.
func (m *Model) judgeOutcome(ctx context.Context, in Input) (float64, bool, types.JudgeInfo) {
	start := time.Now()
	info := types.JudgeInfo{}

	if m.judge == nil {
		return 0, false, info
	}

	model1, model2 := m.drawPair(in.RNG)
	info.PairKey = model1 + "|" + model2

	var wg sync.WaitGroup
	scores := make([]types.JudgeScore, 2)
	for i, modelID := range []string{model1, model2} {
		wg.Add(1)
		go func(i int, modelID string) {
			defer wg.Done()
			scores[i] = m.callJudge(ctx, modelID, in)
		}(i, modelID)
	}
	wg.Wait()
	info.Judges = scores

	s1, s2 := scores[0], scores[1]
	var final float64
	ok := true
	switch {
	case s1.Failed && s2.Failed:
		ok = false
	case s1.Failed:
		final = s2.Score
	case s2.Failed:
		final = s1.Score
	default:
		if diff := s1.Score - s2.Score; diff >= m.cfg.JudgeDisagreementThreshold || -diff >= m.cfg.JudgeDisagreementThreshold {
			tb := m.callJudge(ctx, m.drawFrom(m.cfg.JudgePool3, in.RNG, ""), in)
			info.TieBreaker = &tb
			info.TieBreakerUsed = true
			if tb.Failed {
				// Tie-breaker unavailable: fall back to the mean of the
				// disagreeing primaries.
				final = (s1.Score + s2.Score) / 2
			} else {
				final = tb.Score
			}
		} else {
			final = (s1.Score + s2.Score) / 2
		}
	}

	info.FinalScore = final
	info.OverheadMS = time.Since(start).Milliseconds()
	return final, ok, info
}

// callJudge invokes one judge model under its own deadline and normalizes
// the returned score.
func (m *Model) callJudge(ctx context.Context, modelID string, in Input) types.JudgeScore {
	jctx, cancel := context.WithTimeout(ctx, m.judgeTimeout)
	defer cancel()

	start := time.Now()
	verdict, err := m.judge.Evaluate(jctx, modelID, in.Task, in.Output)
	if err != nil {
		m.logger.Warn("judge call failed",
			zap.String("model", modelID),
			zap.Error(err))
		return types.JudgeScore{
			Model:      modelID,
			Failed:     true,
			DurationMS: time.Since(start).Milliseconds(),
		}
	}
	return types.JudgeScore{
		Model:      modelID,
		Raw:        verdict.Score,
		Score:      NormalizeScore(verdict.Score),
		Rationale:  verdict.Rationale,
		DurationMS: verdict.DurationMS,
	}
}

// NormalizeScore maps a judge score onto [0,1] at the reward boundary.
// Values above 1.5 are treated as a 1-10 scale and mapped by (s-1)/9;
// everything is clipped to [0,1].
func NormalizeScore(s float64) float64 {
	if s > 1.5 {
		s = (s - 1) / 9
	}
	return clip01(s)
}

// drawPair picks one model from each primary pool under inverse-frequency
// weighting, guaranteeing the two are distinct.
func (m *Model) drawPair(rng *rand.Rand) (string, string) {
	first := m.drawFrom(m.cfg.JudgePool1, rng, "")
	second := m.drawFrom(m.cfg.JudgePool2, rng, first)
	return first, second
}

// drawFrom selects one model from a pool, weighting each by 1/(1+uses) so
// under-used judges surface. The exclude argument keeps the primary pair
// distinct when the pools overlap.
func (m *Model) drawFrom(pool []string, rng *rand.Rand, exclude string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rng == nil {
		rng = m.fallback
	}

	candidates := pool
	if exclude != "" {
		filtered := make([]string, 0, len(pool))
		for _, p := range pool {
			if p != exclude {
				filtered = append(filtered, p)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}
	if len(candidates) == 0 {
		return ""
	}

	var total float64
	weights := make([]float64, len(candidates))
	for i, c := range candidates {
		weights[i] = 1 / float64(1+m.uses[c])
		total += weights[i]
	}
	target := rng.Float64() * total
	choice := candidates[len(candidates)-1]
	for i, w := range weights {
		if target < w {
			choice = candidates[i]
			break
		}
		target -= w
	}
	m.uses[choice]++
	return choice
}

// JudgeUses returns a copy of the per-model usage counters, for analytics
// and tests.
func (m *Model) JudgeUses() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.uses))
	for k, v := range m.uses {
		out[k] = v
	}
	return out
}
