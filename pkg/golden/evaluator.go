// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package golden

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"github.com/teradata-labs/spindle/pkg/config"
	"github.com/teradata-labs/spindle/pkg/operators"
	"github.com/teradata-labs/spindle/pkg/reward"
	"github.com/teradata-labs/spindle/pkg/store"
	"github.com/teradata-labs/spindle/pkg/types"
)

// Evaluator runs golden items against the pinned engine configuration and
// scores them with the production reward model. Items execute sequentially
// in id order; an item failure scores zero and does not stop the sweep.
type Evaluator struct {
	cfg    config.GoldenConfig
	engine types.Engine
	model  *reward.Model
	store  *store.Store
	rag    types.Retriever
	ragDir string
	logger *zap.Logger
}

// NewEvaluator wires the evaluator to the pinned engine and the store.
// ragDir locates the RAG index whose listing is hashed into the artifact;
// empty means RAG is off.
func NewEvaluator(cfg config.GoldenConfig, engine types.Engine, model *reward.Model, st *store.Store, rag types.Retriever, ragDir string, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		cfg:    cfg,
		engine: engine,
		model:  model,
		store:  st,
		rag:    rag,
		ragDir: ragDir,
		logger: logger,
	}
}

// Run executes the given items and persists the aggregate. The items are
// evaluated in id order regardless of input order.
func (e *Evaluator) Run(ctx context.Context, items []types.GoldenItem) (*types.GoldenAggregate, error) {
	if len(items) == 0 {
		return nil, &types.ConfigError{Field: "golden", Reason: "no golden items to evaluate"}
	}
	sorted := make([]types.GoldenItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	agg := &types.GoldenAggregate{
		ModelID:      e.cfg.ModelID,
		RAGIndexHash: hashDirListing(e.ragDir),
		ItemCount:    len(sorted),
	}

	var sumTotal, sumCost, sumSteps float64
	passed := 0
	for _, item := range sorted {
		result := e.runItem(ctx, item)
		agg.Items = append(agg.Items, result)
		sumTotal += result.TotalReward
		sumCost += result.CostPenalty
		sumSteps += float64(result.Steps)
		if result.Passed {
			passed++
		}
	}

	n := float64(len(sorted))
	agg.AvgTotalReward = sumTotal / n
	agg.AvgCostPenalty = sumCost / n
	agg.AvgSteps = sumSteps / n
	agg.PassRate = float64(passed) / n

	if _, err := e.store.InsertGoldenResult(ctx, agg); err != nil {
		return nil, err
	}
	e.logger.Info("golden sweep complete",
		zap.Int("items", agg.ItemCount),
		zap.Float64("pass_rate", agg.PassRate),
		zap.Float64("avg_total_reward", agg.AvgTotalReward))
	return agg, nil
}

// runItem evaluates one item under pinned flags. The evaluation's own
// latency is folded into the cost component through the measured duration.
func (e *Evaluator) runItem(ctx context.Context, item types.GoldenItem) types.GoldenItemResult {
	result := types.GoldenItemResult{ItemID: item.ID}

	recipe := operators.DefaultRecipe()
	recipe.UseWeb = false
	recipe.RAGK = item.Flags.RAGK
	if recipe.RAGK == 0 {
		recipe.RAGK = e.cfg.RAGK
	}

	prompt := operators.BuildPrompt(recipe, item.Task, e.retrieve(ctx, item, recipe))

	start := time.Now()
	gen, err := e.engine.Generate(ctx, types.GenerationRequest{
		Task:    item.Task,
		Prompt:  prompt,
		Recipe:  recipe,
		Seed:    item.Seed,
		ModelID: e.cfg.ModelID,
	})
	if err != nil {
		e.logger.Warn("golden generation failed", zap.String("item", item.ID), zap.Error(err))
		result.Error = err.Error()
		return result
	}
	if gen.DurationMS == 0 {
		gen.DurationMS = time.Since(start).Milliseconds()
	}

	scored, err := e.model.Score(ctx, reward.Input{
		Task:           item.Task,
		Output:         gen.Output,
		Expected:       item.Expected,
		Assertions:     item.Assertions,
		Prompt:         prompt,
		DurationMS:     gen.DurationMS,
		ToolCalls:      gen.ToolCalls,
		TokensEstimate: gen.TokensEstimate,
	})
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.OutcomeReward = scored.Breakdown.Outcome
	result.ProcessReward = scored.Breakdown.Process
	result.CostPenalty = scored.Breakdown.CostPenalty
	result.TotalReward = scored.Breakdown.Total
	result.Steps = steps(gen)
	result.Passed = reward.AssertionsSatisfied(gen.Output, item.Assertions)
	if item.Expected != "" {
		sim := Similarity(gen.Output, item.Expected)
		result.Similarity = &sim
	}
	return result
}

func (e *Evaluator) retrieve(ctx context.Context, item types.GoldenItem, recipe types.Recipe) operators.Retrieved {
	if e.rag == nil || recipe.RAGK <= 0 {
		return operators.Retrieved{}
	}
	snippets, err := e.rag.Retrieve(ctx, item.Task, recipe.RAGK)
	if err != nil {
		e.logger.Warn("golden rag retrieval failed", zap.String("item", item.ID), zap.Error(err))
		return operators.Retrieved{}
	}
	return operators.Retrieved{RAG: snippets}
}

// steps counts the item's work units: one generation plus any tool calls.
func steps(gen *types.GenerationResult) int {
	return 1 + gen.ToolCalls
}

// Similarity is the character-level overlap between output and expected,
// common/total over a diffmatchpatch diff, in [0,1].
func Similarity(output, expected string) float64 {
	if output == "" && expected == "" {
		return 1
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(output, expected, false)

	var common, total int
	for _, d := range diffs {
		n := len([]rune(d.Text))
		total += n
		if d.Type == diffmatchpatch.DiffEqual {
			common += n
		}
	}
	if total == 0 {
		return 0
	}
	return float64(common) / float64(total)
}

// hashDirListing fingerprints a RAG index by its sorted file listing with
// sizes. Empty string when the directory is unset or unreadable.
func hashDirListing(dir string) string {
	if dir == "" {
		return ""
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		names = append(names, fmt.Sprintf("%s:%d", entry.Name(), info.Size()))
	}
	sort.Strings(names)

	h := sha256.New()
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
