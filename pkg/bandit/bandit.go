// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package bandit selects mutation operators for the meta-evolution loop.
// Two policies are supported, epsilon-greedy and UCB1, both behind a warm
// start that guarantees every allowed operator is pulled at least
// min_pulls times before the policy proper takes over. Stratified
// exploration optionally keeps per-framework pull shares balanced within
// a run.
//
// Selection is a pure function of the arm snapshot, the allowed set, the
// configuration, and the PRNG state. The runner owns the PRNG so tests
// can pin seeds.
package bandit

import (
	"math"
	"math/rand"

	"go.uber.org/zap"

	"github.com/teradata-labs/spindle/pkg/config"
	"github.com/teradata-labs/spindle/pkg/types"
)

// Candidate is one selectable operator together with its framework tag.
// The order of a candidate slice is the registry insertion order, which
// breaks warm-start ties.
type Candidate struct {
	Name      string
	Framework types.Framework
}

// Selector chooses the next operator for one run. It is not safe for
// concurrent use; each run owns its own selector.
type Selector struct {
	strategy   types.Strategy
	epsilon    float64
	ucbC       float64
	minPulls   int64
	stratified bool
	rng        *rand.Rand
	logger     *zap.Logger

	// Run-local pull counts drive stratified exploration; cross-run
	// statistics arrive per call in the arm snapshot.
	runPulls       int64
	frameworkPulls map[types.Framework]int64
}

// New builds a selector from the bandit configuration. The caller provides
// the PRNG; a nil rng panics early rather than silently degrading
// determinism guarantees.
func New(cfg config.BanditConfig, rng *rand.Rand, logger *zap.Logger) *Selector {
	if rng == nil {
		panic("bandit: nil rng")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		strategy:       types.Strategy(cfg.Strategy),
		epsilon:        cfg.EffectiveEpsilon(),
		ucbC:           cfg.UCBC,
		minPulls:       cfg.WarmStartMinPulls,
		stratified:     cfg.StratifiedExploration,
		rng:            rng,
		logger:         logger,
		frameworkPulls: make(map[types.Framework]int64),
	}
}

// Select returns the next operator to try. The stats map carries cross-run
// arm statistics keyed by operator name; operators never pulled are absent.
func (s *Selector) Select(allowed []Candidate, stats map[string]types.OperatorStat) (string, error) {
	if len(allowed) == 0 {
		return "", &types.ConfigError{Field: "allowed_ops", Reason: "no operators allowed under the framework mask"}
	}

	choice := s.pick(allowed, stats)

	// Record the pull for stratified quotas regardless of what the
	// iteration later observes as reward.
	s.runPulls++
	for _, c := range allowed {
		if c.Name == choice {
			s.frameworkPulls[c.Framework]++
			break
		}
	}
	return choice, nil
}

func (s *Selector) pick(allowed []Candidate, stats map[string]types.OperatorStat) string {
	// Warm start: any operator under min_pulls goes first, least-pulled
	// wins, insertion order breaks ties. This covers every allowed
	// operator within the first |allowed| iterations.
	if op, ok := s.warmStart(allowed, stats); ok {
		return op
	}

	candidates := allowed
	if s.stratified {
		if under := s.underQuota(allowed); len(under) > 0 {
			candidates = under
		}
	}

	switch s.strategy {
	case types.StrategyEpsilonGreedy:
		return s.epsilonGreedy(candidates, stats)
	default:
		return s.ucb1(candidates, stats)
	}
}

func (s *Selector) warmStart(allowed []Candidate, stats map[string]types.OperatorStat) (string, bool) {
	best := ""
	var bestPulls int64
	found := false
	for _, c := range allowed {
		pulls := stats[c.Name].Pulls
		if pulls >= s.minPulls {
			continue
		}
		if !found || pulls < bestPulls {
			best, bestPulls, found = c.Name, pulls, true
		}
	}
	return best, found
}

// underQuota returns the candidates whose framework's run-local pull share
// is below that framework's share of the allowed set. An empty result means
// every framework is at or above quota.
func (s *Selector) underQuota(allowed []Candidate) []Candidate {
	if s.runPulls == 0 {
		return nil
	}
	counts := make(map[types.Framework]int64, 4)
	for _, c := range allowed {
		counts[c.Framework]++
	}
	total := int64(len(allowed))

	var out []Candidate
	for _, c := range allowed {
		// pulled/runPulls < count/total, cross-multiplied to stay integral.
		if s.frameworkPulls[c.Framework]*total < counts[c.Framework]*s.runPulls {
			out = append(out, c)
		}
	}
	return out
}

func (s *Selector) epsilonGreedy(candidates []Candidate, stats map[string]types.OperatorStat) string {
	if s.rng.Float64() < s.epsilon {
		return candidates[s.rng.Intn(len(candidates))].Name
	}
	return s.argmax(candidates, func(c Candidate) float64 {
		st, ok := stats[c.Name]
		if !ok || st.Pulls == 0 {
			return 0
		}
		return st.MeanReward
	})
}

func (s *Selector) ucb1(candidates []Candidate, stats map[string]types.OperatorStat) string {
	var total int64
	for _, c := range candidates {
		total += stats[c.Name].Pulls
	}
	logN := math.Log(math.Max(float64(total), 1))
	return s.argmax(candidates, func(c Candidate) float64 {
		st, ok := stats[c.Name]
		if !ok || st.Pulls == 0 {
			// Warm start handles the zero-pull case; this path only
			// matters when min_pulls is 0.
			return math.Inf(1)
		}
		return st.MeanReward + s.ucbC*math.Sqrt(logN/float64(st.Pulls))
	})
}

// argmax returns the candidate maximizing score, breaking exact ties
// uniformly at random.
func (s *Selector) argmax(candidates []Candidate, score func(Candidate) float64) string {
	best := math.Inf(-1)
	var ties []string
	for _, c := range candidates {
		v := score(c)
		switch {
		case v > best:
			best = v
			ties = ties[:0]
			ties = append(ties, c.Name)
		case v == best:
			ties = append(ties, c.Name)
		}
	}
	if len(ties) == 1 {
		return ties[0]
	}
	return ties[s.rng.Intn(len(ties))]
}
