// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package operators

import (
	"strings"

	"github.com/teradata-labs/spindle/pkg/types"
)

// Voices are the system prompts change_system rotates through.
var Voices = []string{
	"You are a pragmatic senior engineer. Solve the task directly, favoring proven approaches over novelty.",
	"You are a concise expert. Minimal prose, code first, no filler.",
	"You are a teaching-oriented explainer. Walk through the task so a newcomer could follow every step.",
	"You are a meticulous reviewer. Hunt for edge cases and failure modes before declaring anything done.",
	"You are a product-minded builder. Optimize for what the end user actually needs from this task.",
}

// Nudges are the constraint lines change_nudge rotates through.
var Nudges = []string{
	"Think step by step.",
	"State assumptions explicitly.",
	"Prefer the simplest working approach.",
	"Cite which inputs you used.",
	"List risks or unknowns at the end.",
	"Answer first, then justify.",
	"If uncertain, say so plainly.",
}

// fewshotFamilies maps a task-class family to its worked examples.
// add_fewshot picks a family by substring match on the normalized task
// class and falls back to "code".
var fewshotFamilies = map[string][]types.FewshotExample{
	"code": {
		{
			Task:   "Write a function that returns the larger of two integers.",
			Answer: "func max(a, b int) int {\n\tif a > b {\n\t\treturn a\n\t}\n\treturn b\n}",
		},
		{
			Task:   "Reverse a string preserving unicode characters.",
			Answer: "func reverse(s string) string {\n\trunes := []rune(s)\n\tfor i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {\n\t\trunes[i], runes[j] = runes[j], runes[i]\n\t}\n\treturn string(runes)\n}",
		},
	},
	"analysis": {
		{
			Task:   "Summarize the tradeoffs of caching at the edge versus the origin.",
			Answer: "Edge caching cuts latency and origin load but risks staleness and uneven invalidation; origin caching is simpler to keep consistent but saves less bandwidth. Pick edge for read-heavy, tolerance-for-staleness workloads.",
		},
		{
			Task:   "Given rising p99 latency but flat p50, what do you investigate first?",
			Answer: "Tail latency with a flat median points at a subset of requests: GC pauses, lock contention, a slow dependency shard, or queue buildup under burst. Start with per-dependency latency breakdown at p99.",
		},
	},
	"debug": {
		{
			Task:   "A goroutine leak grows under load. How do you find it?",
			Answer: "Capture two goroutine profiles minutes apart and diff the stacks; the growing stack is the leak. Then check the blocking point: unbuffered channel sends without receivers or missing context cancellation are the usual causes.",
		},
		{
			Task:   "Tests pass locally but fail in CI with a timeout.",
			Answer: "Assume the CI box is slower and more parallel: look for hardcoded sleeps, races the -race flag would catch, and shared state between tests. Reproduce with GOMAXPROCS set to the CI value.",
		},
	},
	"design": {
		{
			Task:   "Design a rate limiter for a multi-tenant API.",
			Answer: "Token bucket per tenant key in a shared store, with a local cache to absorb hot keys. Refill rate from the tenant's plan; deny with a retry-after header. Degrade open on limiter-store failure with a conservative local fallback.",
		},
		{
			Task:   "Where should retries live: client, gateway, or service?",
			Answer: "Retry closest to where failure semantics are known. Idempotent reads can retry at the gateway; writes retry at the client with idempotency keys; never stack retries at every layer or the fan-out multiplies.",
		},
	},
}

// FewshotFor returns the example set for a task class, matching family
// names by substring on the normalized class.
func FewshotFor(taskClass string) []types.FewshotExample {
	normalized := types.NormalizeTaskClass(taskClass)
	for _, family := range []string{"debug", "analysis", "design", "code"} {
		if strings.Contains(normalized, family) {
			return fewshotFamilies[family]
		}
	}
	return fewshotFamilies["code"]
}

// DefaultRecipe is the system fallback when a task class has no promoted
// recipe to seed from.
func DefaultRecipe() types.Recipe {
	return types.Recipe{
		System:      Voices[0],
		SystemIndex: 0,
		Nudge:       Nudges[0],
		NudgeIndex:  0,
		Temperature: 0.7,
		TopK:        40,
		MemoryK:     0,
		RAGK:        0,
		UseWeb:      false,
		Engine:      types.EngineLocal,
	}
}
