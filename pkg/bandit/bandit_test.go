// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package bandit

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/spindle/pkg/config"
	"github.com/teradata-labs/spindle/pkg/types"
)

func elevenOps() []Candidate {
	return []Candidate{
		{Name: "change_system", Framework: types.FrameworkSEAL},
		{Name: "change_nudge", Framework: types.FrameworkSEAL},
		{Name: "raise_temp", Framework: types.FrameworkSEAL},
		{Name: "lower_temp", Framework: types.FrameworkSEAL},
		{Name: "add_fewshot", Framework: types.FrameworkSEAL},
		{Name: "inject_memory", Framework: types.FrameworkSEAL},
		{Name: "inject_rag", Framework: types.FrameworkSEAL},
		{Name: "toggle_web", Framework: types.FrameworkWEB},
		{Name: "use_alt_engine", Framework: types.FrameworkENGINE},
		{Name: "raise_top_k", Framework: types.FrameworkSAMPLING},
		{Name: "lower_top_k", Framework: types.FrameworkSAMPLING},
	}
}

func banditConfig(strategy string) config.BanditConfig {
	return config.BanditConfig{
		Strategy:              strategy,
		Epsilon:               -1,
		UCBC:                  2.0,
		WarmStartMinPulls:     1,
		StratifiedExploration: false,
	}
}

func TestWarmStartCoversEveryOperator(t *testing.T) {
	// n = |allowed| = 11: every operator must be selected exactly once.
	sel := New(banditConfig(string(types.StrategyUCB1)), rand.New(rand.NewSource(42)), nil)
	allowed := elevenOps()

	stats := map[string]types.OperatorStat{}
	seen := map[string]int{}
	for i := 0; i < len(allowed); i++ {
		op, err := sel.Select(allowed, stats)
		require.NoError(t, err)
		seen[op]++

		st := stats[op]
		st.Operator = op
		st.Pulls++
		st.SumReward += 0.5
		st.MeanReward = st.SumReward / float64(st.Pulls)
		stats[op] = st
	}

	require.Len(t, seen, len(allowed))
	var totalPulls int64
	for _, c := range allowed {
		assert.Equal(t, 1, seen[c.Name], "operator %s", c.Name)
		totalPulls += stats[c.Name].Pulls
	}
	assert.Equal(t, int64(11), totalPulls)
}

func TestWarmStartPrefersLeastPulledWithInsertionOrderTies(t *testing.T) {
	cfg := banditConfig(string(types.StrategyUCB1))
	cfg.WarmStartMinPulls = 2
	sel := New(cfg, rand.New(rand.NewSource(1)), nil)

	allowed := []Candidate{
		{Name: "a", Framework: types.FrameworkSEAL},
		{Name: "b", Framework: types.FrameworkSEAL},
		{Name: "c", Framework: types.FrameworkSEAL},
	}
	stats := map[string]types.OperatorStat{
		"a": {Operator: "a", Pulls: 1},
		"b": {Operator: "b", Pulls: 0},
		"c": {Operator: "c", Pulls: 1},
	}

	op, err := sel.Select(allowed, stats)
	require.NoError(t, err)
	assert.Equal(t, "b", op, "least-pulled wins")

	stats["b"] = types.OperatorStat{Operator: "b", Pulls: 1}
	op, err = sel.Select(allowed, stats)
	require.NoError(t, err)
	assert.Equal(t, "a", op, "equal pulls fall back to insertion order")
}

func TestEpsilonGreedyPureExploitTieBreak(t *testing.T) {
	// Two arms with identical means: 1000 pure-exploit selections should
	// split 50/50 within 3 sigma of Binomial(1000, 0.5).
	cfg := banditConfig(string(types.StrategyEpsilonGreedy))
	cfg.Epsilon = 0
	cfg.WarmStartMinPulls = 1
	sel := New(cfg, rand.New(rand.NewSource(7)), nil)

	allowed := []Candidate{
		{Name: "left", Framework: types.FrameworkSEAL},
		{Name: "right", Framework: types.FrameworkWEB},
	}
	stats := map[string]types.OperatorStat{
		"left":  {Operator: "left", Pulls: 3, SumReward: 1.5, MeanReward: 0.5},
		"right": {Operator: "right", Pulls: 3, SumReward: 1.5, MeanReward: 0.5},
	}

	const trials = 1000
	counts := map[string]int{}
	for i := 0; i < trials; i++ {
		op, err := sel.Select(allowed, stats)
		require.NoError(t, err)
		counts[op]++
	}

	sigma := math.Sqrt(trials * 0.25)
	assert.InDelta(t, trials/2, counts["left"], 3*sigma)
	assert.InDelta(t, trials/2, counts["right"], 3*sigma)
}

func TestEpsilonGreedyExploitsBestMean(t *testing.T) {
	cfg := banditConfig(string(types.StrategyEpsilonGreedy))
	cfg.Epsilon = 0
	sel := New(cfg, rand.New(rand.NewSource(3)), nil)

	allowed := []Candidate{
		{Name: "weak", Framework: types.FrameworkSEAL},
		{Name: "strong", Framework: types.FrameworkSEAL},
	}
	stats := map[string]types.OperatorStat{
		"weak":   {Operator: "weak", Pulls: 5, MeanReward: 0.2},
		"strong": {Operator: "strong", Pulls: 5, MeanReward: 0.8},
	}

	for i := 0; i < 20; i++ {
		op, err := sel.Select(allowed, stats)
		require.NoError(t, err)
		assert.Equal(t, "strong", op)
	}
}

func TestUCB1PrefersUnderExploredArm(t *testing.T) {
	// Equal means: the confidence bonus favors the arm with fewer pulls.
	sel := New(banditConfig(string(types.StrategyUCB1)), rand.New(rand.NewSource(5)), nil)

	allowed := []Candidate{
		{Name: "explored", Framework: types.FrameworkSEAL},
		{Name: "fresh", Framework: types.FrameworkSEAL},
	}
	stats := map[string]types.OperatorStat{
		"explored": {Operator: "explored", Pulls: 50, MeanReward: 0.5},
		"fresh":    {Operator: "fresh", Pulls: 2, MeanReward: 0.5},
	}

	op, err := sel.Select(allowed, stats)
	require.NoError(t, err)
	assert.Equal(t, "fresh", op)
}

func TestUCB1ArgmaxMath(t *testing.T) {
	// With c=2, N=12: a 0.4/2-pull arm beats a 0.7/10-pull arm because
	// 0.4 + 2*sqrt(ln12/2) = 2.63 > 0.7 + 2*sqrt(ln12/10) = 1.70.
	sel := New(banditConfig(string(types.StrategyUCB1)), rand.New(rand.NewSource(5)), nil)

	allowed := []Candidate{
		{Name: "high_mean", Framework: types.FrameworkSEAL},
		{Name: "uncertain", Framework: types.FrameworkSEAL},
	}
	stats := map[string]types.OperatorStat{
		"high_mean": {Operator: "high_mean", Pulls: 10, MeanReward: 0.7},
		"uncertain": {Operator: "uncertain", Pulls: 2, MeanReward: 0.4},
	}

	op, err := sel.Select(allowed, stats)
	require.NoError(t, err)
	assert.Equal(t, "uncertain", op)
}

func TestStratifiedExplorationRestoresFrameworkBalance(t *testing.T) {
	// After three SEAL pulls and zero elsewhere, the candidate set shrinks
	// to the starved frameworks even under pure exploitation.
	cfg := banditConfig(string(types.StrategyEpsilonGreedy))
	cfg.Epsilon = 0
	cfg.WarmStartMinPulls = 0
	cfg.StratifiedExploration = true
	sel := New(cfg, rand.New(rand.NewSource(11)), nil)

	allowed := []Candidate{
		{Name: "seal_a", Framework: types.FrameworkSEAL},
		{Name: "seal_b", Framework: types.FrameworkSEAL},
		{Name: "web", Framework: types.FrameworkWEB},
		{Name: "engine", Framework: types.FrameworkENGINE},
	}
	// SEAL dominates on mean, so exploitation alone would never leave it.
	stats := map[string]types.OperatorStat{
		"seal_a": {Operator: "seal_a", Pulls: 3, MeanReward: 0.9},
		"seal_b": {Operator: "seal_b", Pulls: 3, MeanReward: 0.9},
		"web":    {Operator: "web", Pulls: 1, MeanReward: 0.1},
		"engine": {Operator: "engine", Pulls: 1, MeanReward: 0.1},
	}

	// Seed the run-local counts with three SEAL pulls.
	for i := 0; i < 3; i++ {
		op, err := sel.Select(allowed[:2], stats)
		require.NoError(t, err)
		assert.Contains(t, []string{"seal_a", "seal_b"}, op)
	}

	op, err := sel.Select(allowed, stats)
	require.NoError(t, err)
	assert.Contains(t, []string{"web", "engine"}, op,
		"starved frameworks must be offered before SEAL again")
}

func TestSelectRejectsEmptyAllowedSet(t *testing.T) {
	sel := New(banditConfig(string(types.StrategyUCB1)), rand.New(rand.NewSource(1)), nil)
	_, err := sel.Select(nil, nil)
	var cfgErr *types.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}
