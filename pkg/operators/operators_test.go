// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package operators

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/spindle/pkg/types"
)

func testContext(seed int64) *Context {
	return &Context{RNG: rand.New(rand.NewSource(seed)), TaskClass: "code_review"}
}

func TestRegistryIsClosedSetOfEleven(t *testing.T) {
	reg := Registry()
	require.Len(t, reg, 11)

	byFramework := map[types.Framework]int{}
	seen := map[string]bool{}
	for _, op := range reg {
		assert.False(t, seen[op.Name], "duplicate operator %s", op.Name)
		seen[op.Name] = true
		assert.NotNil(t, op.Apply)
		byFramework[op.Framework]++
	}
	assert.Equal(t, 7, byFramework[types.FrameworkSEAL])
	assert.Equal(t, 1, byFramework[types.FrameworkWEB])
	assert.Equal(t, 1, byFramework[types.FrameworkENGINE])
	assert.Equal(t, 2, byFramework[types.FrameworkSAMPLING])
}

func TestAllowedFiltersOnMask(t *testing.T) {
	ops := Allowed([]types.Framework{types.FrameworkSAMPLING})
	require.Len(t, ops, 2)
	assert.Equal(t, "raise_top_k", ops[0].Name)
	assert.Equal(t, "lower_top_k", ops[1].Name)

	assert.Len(t, Allowed(types.AllFrameworks()), 11)
	assert.Empty(t, Allowed(nil))
}

func TestTransformsArePureOfTheirInput(t *testing.T) {
	base := DefaultRecipe()
	base.Fewshot = []types.FewshotExample{{Task: "t", Answer: "a"}}
	snapshot := base.Clone()

	for _, op := range Registry() {
		op.Apply(base, testContext(1))
	}
	assert.Equal(t, snapshot, base, "apply must never mutate the base recipe")
}

func TestRotationNeverRepeatsCurrentEntry(t *testing.T) {
	ctx := testContext(9)
	r := DefaultRecipe()
	for i := 0; i < 50; i++ {
		next := changeSystem(r, ctx)
		assert.NotEqual(t, r.SystemIndex, next.SystemIndex)
		assert.Equal(t, Voices[next.SystemIndex], next.System)
		r = next
	}
	for i := 0; i < 50; i++ {
		next := changeNudge(r, ctx)
		assert.NotEqual(t, r.NudgeIndex, next.NudgeIndex)
		assert.Equal(t, Nudges[next.NudgeIndex], next.Nudge)
		r = next
	}
}

func TestTemperatureGuardrails(t *testing.T) {
	ctx := testContext(3)
	r := DefaultRecipe()

	for i := 0; i < 20; i++ {
		r = raiseTemp(r, ctx)
	}
	assert.LessOrEqual(t, r.Temperature, tempMax)
	assert.InDelta(t, tempMax, r.Temperature, 1e-9)

	for i := 0; i < 20; i++ {
		r = lowerTemp(r, ctx)
	}
	assert.GreaterOrEqual(t, r.Temperature, tempMin)
	assert.InDelta(t, tempMin, r.Temperature, 1e-9)
}

func TestTopKGuardrails(t *testing.T) {
	ctx := testContext(4)
	r := DefaultRecipe()

	for i := 0; i < 20; i++ {
		r = raiseTopK(r, ctx)
	}
	assert.Equal(t, topKMax, r.TopK)

	for i := 0; i < 20; i++ {
		r = lowerTopK(r, ctx)
	}
	assert.Equal(t, topKMin, r.TopK)
}

func TestInjectMemoryAndRAGFallBackToDefault(t *testing.T) {
	r := DefaultRecipe()

	ctx := testContext(5)
	assert.Equal(t, defaultContextK, injectMemory(r, ctx).MemoryK)
	assert.Equal(t, defaultContextK, injectRAG(r, ctx).RAGK)

	ctx.MemoryK = 7
	ctx.RAGK = 9
	assert.Equal(t, 7, injectMemory(r, ctx).MemoryK)
	assert.Equal(t, 9, injectRAG(r, ctx).RAGK)
}

func TestToggleWebAndEngineFlip(t *testing.T) {
	r := DefaultRecipe()

	flipped := toggleWeb(r, nil)
	assert.True(t, flipped.UseWeb)
	assert.False(t, toggleWeb(flipped, nil).UseWeb)

	alt := useAltEngine(r, nil)
	assert.Equal(t, types.EngineHosted, alt.Engine)
	assert.Equal(t, types.EngineLocal, useAltEngine(alt, nil).Engine)
}

func TestFewshotFamilySelection(t *testing.T) {
	tests := []struct {
		taskClass string
		wantTask  string
	}{
		{taskClass: "debug incident", wantTask: "A goroutine leak grows under load. How do you find it?"},
		{taskClass: "Data Analysis", wantTask: "Summarize the tradeoffs of caching at the edge versus the origin."},
		{taskClass: "api design", wantTask: "Design a rate limiter for a multi-tenant API."},
		{taskClass: "code_review", wantTask: "Write a function that returns the larger of two integers."},
		{taskClass: "unmapped class", wantTask: "Write a function that returns the larger of two integers."},
	}
	for _, tt := range tests {
		t.Run(tt.taskClass, func(t *testing.T) {
			examples := FewshotFor(tt.taskClass)
			require.NotEmpty(t, examples)
			assert.Equal(t, tt.wantTask, examples[0].Task)
		})
	}
}

func TestBuildPromptSectionsInFixedOrder(t *testing.T) {
	r := DefaultRecipe()
	r.Fewshot = FewshotFor("code")
	r.MemoryK = 1
	r.RAGK = 2
	r.UseWeb = true

	prompt := BuildPrompt(r, "Implement a queue.", Retrieved{
		Memory: []string{"user prefers generics", "ignored beyond k"},
		RAG:    []string{"queue docs", "ring buffer notes", "ignored"},
		Web:    []string{"recent queue benchmarks"},
	})

	require.True(t, strings.HasPrefix(prompt, "Implement a queue."))
	iExamples := strings.Index(prompt, "Examples:")
	iMemory := strings.Index(prompt, "Memory:")
	iContext := strings.Index(prompt, "Context:")
	iWeb := strings.Index(prompt, "Web:")
	iConstraints := strings.Index(prompt, "Constraints:")
	for name, idx := range map[string]int{
		"Examples": iExamples, "Memory": iMemory, "Context": iContext,
		"Web": iWeb, "Constraints": iConstraints,
	} {
		require.GreaterOrEqual(t, idx, 0, "%s section missing", name)
	}
	assert.Less(t, iExamples, iMemory)
	assert.Less(t, iMemory, iContext)
	assert.Less(t, iContext, iWeb)
	assert.Less(t, iWeb, iConstraints)

	assert.NotContains(t, prompt, "ignored beyond k", "memory clipped to MemoryK")
	assert.Contains(t, prompt, "ring buffer notes")
	assert.NotContains(t, prompt, "\n- ignored\n")
}

func TestBuildPromptOmitsEmptySections(t *testing.T) {
	r := DefaultRecipe()
	r.Nudge = ""
	prompt := BuildPrompt(r, "Just the task.", Retrieved{Web: []string{"unused: web off"}})
	assert.Equal(t, "Just the task.", prompt)
}
