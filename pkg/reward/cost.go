// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package reward

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// costRatioMax clips runaway cost ratios so a single pathological
// iteration cannot dominate the blend.
const costRatioMax = 3.0

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// EstimateTokens counts tokens with the cl100k_base encoding, falling back
// to the len/4 rule when the encoding is unavailable (offline builds).
func EstimateTokens(text string) int {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			zap.L().Warn("tiktoken encoding unavailable, using len/4 estimate", zap.Error(err))
			return
		}
		encoder = enc
	})
	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// costPenalty normalizes the blended iteration cost against the task
// class's rolling baseline. The penalty is ratio-1, so under-baseline
// iterations score negative (a bonus under the negative gamma weight).
// Returns (penalty, blendedCost).
func (m *Model) costPenalty(in Input) (float64, float64) {
	tokens := in.TokensEstimate
	if tokens <= 0 {
		tokens = EstimateTokens(in.Prompt + in.Output)
	}

	blended := m.cfg.CostTimeWeight*float64(in.DurationMS) +
		m.cfg.CostToolWeight*float64(in.ToolCalls) +
		m.cfg.CostTokenWeight*float64(tokens)

	if in.BaselineCost <= 0 {
		// No history for the class yet: neutral penalty.
		return 0, blended
	}

	ratio := blended / in.BaselineCost
	if ratio > costRatioMax {
		ratio = costRatioMax
	}
	if ratio < 0 {
		ratio = 0
	}
	return ratio - 1, blended
}
