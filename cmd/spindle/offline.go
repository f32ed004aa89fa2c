// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/teradata-labs/spindle/pkg/core"
	"github.com/teradata-labs/spindle/pkg/runner"
	"github.com/teradata-labs/spindle/pkg/types"
)

// offlineCollaborators builds the collaborator set used when no external
// generation or judging endpoints are wired in: a deterministic local
// engine, a heuristic judge, and a token-hash embedder. They exist so the
// loop, scoring, storage, and event plumbing can run end to end on an
// air-gapped machine; their outputs carry no model quality.
func offlineCollaborators() core.Collaborators {
	return core.Collaborators{
		Engines: runner.EngineSet{
			types.EngineLocal:  &offlineEngine{id: "offline-local"},
			types.EngineHosted: &offlineEngine{id: "offline-hosted", latency: 40 * time.Millisecond},
		},
		Judge:    &offlineJudge{},
		Embedder: &hashEmbedder{dim: 64},
	}
}

// offlineEngine renders a deterministic answer from the prompt contents.
type offlineEngine struct {
	id      string
	latency time.Duration
}

func (e *offlineEngine) Generate(ctx context.Context, req types.GenerationRequest) (*types.GenerationResult, error) {
	if e.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.latency):
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Approach: addressing the task at temperature %.2f.\n", req.Recipe.Temperature)
	b.WriteString("1. Restate: ")
	b.WriteString(firstLine(req.Task))
	b.WriteString("\n2. Because the offline engine cannot reason, it echoes the salient prompt sections.\n")
	if req.Recipe.Nudge != "" {
		b.WriteString("Constraint honored: " + req.Recipe.Nudge + "\n")
	}
	output := b.String()

	return &types.GenerationResult{
		Output:         output,
		PromptLength:   len([]rune(req.Prompt)),
		EngineID:       e.id,
		ModelID:        e.id,
		TokensEstimate: len(output) / 4,
	}, nil
}

// offlineJudge scores structure rather than substance: sentence count and
// marker presence, deterministic per (model, output).
type offlineJudge struct{}

func (j *offlineJudge) Evaluate(_ context.Context, modelID, task, output string) (*types.JudgeVerdict, error) {
	score := 0.3
	if strings.Contains(output, "1.") {
		score += 0.2
	}
	if len(output) > 80 {
		score += 0.2
	}
	if strings.Contains(strings.ToLower(output), firstWord(task)) {
		score += 0.2
	}
	h := fnv.New32a()
	h.Write([]byte(modelID))
	h.Write([]byte(output))
	score += float64(h.Sum32()%100) / 1000

	return &types.JudgeVerdict{
		Score:     math.Min(score, 1),
		Rationale: "offline heuristic verdict",
	}, nil
}

// hashEmbedder buckets token hashes into a fixed-dimension vector. Cosine
// similarity over it reflects token overlap only.
type hashEmbedder struct {
	dim int
}

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%e.dim]++
	}
	return vec, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func firstWord(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
