// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import "context"

// GenerationRequest is what the engine collaborator receives for one
// iteration: the assembled prompt plus the recipe parameters it was built
// from. Seed and ModelID are pinned for golden-set runs and zero otherwise.
type GenerationRequest struct {
	Task    string
	Prompt  string
	Recipe  Recipe
	Seed    int64
	ModelID string
}

// GenerationResult is the engine collaborator's reply.
type GenerationResult struct {
	Output         string
	DurationMS     int64
	PromptLength   int
	EngineID       string
	ModelID        string
	ToolCalls      int
	TokensEstimate int
}

// Engine produces one candidate output from a recipe and task.
type Engine interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}

// Embedder maps text to a fixed-dimension vector for semantic similarity.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// JudgeVerdict is one judge model's raw reply. Score may be on a [0,1] or a
// 1-10 scale; normalization happens at the reward boundary.
type JudgeVerdict struct {
	Score      float64
	Rationale  string
	DurationMS int64
}

// Judge scores a variant output against its task using a named model.
type Judge interface {
	Evaluate(ctx context.Context, modelID, task, output string) (*JudgeVerdict, error)
}

// Retriever returns up to k bounded textual snippets for a query. The same
// contract serves memory recall, RAG retrieval, and web search; the operator
// library splices the snippets into prompts.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]string, error)
}

// FileEdit replaces the full content of one file within a patch.
type FileEdit struct {
	Path   string `json:"path"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// CodePatch is one patch in an edit package. Caps on lines changed, patch
// count, and files touched are enforced by the code-loop before Apply.
type CodePatch struct {
	Rationale string     `json:"rationale"`
	Files     []FileEdit `json:"files"`
}

// EditPackage is the full set of patches one code-loop proposes.
type EditPackage struct {
	LoopID  string      `json:"loop_id"`
	Patches []CodePatch `json:"patches"`
}

// PatchResult reports what the patcher collaborator actually changed.
// RevertToken identifies the pre-patch state for rollback.
type PatchResult struct {
	OK           bool     `json:"ok"`
	Diffs        []string `json:"diffs"`
	TouchedFiles []string `json:"touched_files"`
	RevertToken  string   `json:"revert_token"`
}

// Patcher applies and reverts edit packages. The mechanism (git, overlay,
// in-place writes) is the collaborator's concern.
type Patcher interface {
	Apply(ctx context.Context, pkg EditPackage) (*PatchResult, error)
	Revert(ctx context.Context, revertToken string) error
}

// TestReport is the outcome of one unit-test pass over the patched tree.
type TestReport struct {
	Passed     bool     `json:"passed"`
	Failures   []string `json:"failures,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// TestRunner executes the project's unit tests for the code-loop gate.
type TestRunner interface {
	RunTests(ctx context.Context) (*TestReport, error)
}
