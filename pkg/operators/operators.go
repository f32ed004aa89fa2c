// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package operators is the closed library of recipe mutations the bandit
// selects from. An operator is a pure transform from (recipe, context) to
// a new recipe plus a framework tag; the registry fixes the set of eleven
// and their insertion order, which the bandit uses for warm-start
// tie-breaking.
package operators

import (
	"math/rand"

	"github.com/teradata-labs/spindle/pkg/types"
)

// Temperature and top_k guardrails applied inside the transforms.
const (
	tempMin = 0.1
	tempMax = 1.5
	topKMin = 1
	topKMax = 100
)

// defaultContextK is used when a run carries no memory_k/rag_k of its own.
const defaultContextK = 3

// Context carries what a transform may consult: the run's PRNG and the
// run-level context budgets.
type Context struct {
	RNG       *rand.Rand
	TaskClass string
	// MemoryK and RAGK are the run parameters; inject_memory and
	// inject_rag fall back to defaultContextK when they are zero.
	MemoryK int
	RAGK    int
}

// Operator is one named recipe transform.
type Operator struct {
	Name      string
	Framework types.Framework
	Apply     func(r types.Recipe, ctx *Context) types.Recipe
}

// Registry returns the closed operator set in canonical insertion order.
func Registry() []Operator {
	return []Operator{
		{Name: "change_system", Framework: types.FrameworkSEAL, Apply: changeSystem},
		{Name: "change_nudge", Framework: types.FrameworkSEAL, Apply: changeNudge},
		{Name: "raise_temp", Framework: types.FrameworkSEAL, Apply: raiseTemp},
		{Name: "lower_temp", Framework: types.FrameworkSEAL, Apply: lowerTemp},
		{Name: "add_fewshot", Framework: types.FrameworkSEAL, Apply: addFewshot},
		{Name: "inject_memory", Framework: types.FrameworkSEAL, Apply: injectMemory},
		{Name: "inject_rag", Framework: types.FrameworkSEAL, Apply: injectRAG},
		{Name: "toggle_web", Framework: types.FrameworkWEB, Apply: toggleWeb},
		{Name: "use_alt_engine", Framework: types.FrameworkENGINE, Apply: useAltEngine},
		{Name: "raise_top_k", Framework: types.FrameworkSAMPLING, Apply: raiseTopK},
		{Name: "lower_top_k", Framework: types.FrameworkSAMPLING, Apply: lowerTopK},
	}
}

// Allowed filters the registry down to the frameworks in the run's mask,
// preserving insertion order.
func Allowed(mask []types.Framework) []Operator {
	allowed := make(map[types.Framework]bool, len(mask))
	for _, f := range mask {
		allowed[f] = true
	}
	var out []Operator
	for _, op := range Registry() {
		if allowed[op.Framework] {
			out = append(out, op)
		}
	}
	return out
}

// Lookup returns the operator by name, or false for an unknown tag.
func Lookup(name string) (Operator, bool) {
	for _, op := range Registry() {
		if op.Name == name {
			return op, true
		}
	}
	return Operator{}, false
}

// rotate returns a catalog index different from cur when the catalog has
// at least two entries, uniformly over the remaining choices.
func rotate(cur, n int, rng *rand.Rand) int {
	if n < 2 {
		return cur
	}
	return (cur + 1 + rng.Intn(n-1)) % n
}

func changeSystem(r types.Recipe, ctx *Context) types.Recipe {
	out := r.Clone()
	out.SystemIndex = rotate(r.SystemIndex, len(Voices), ctx.RNG)
	out.System = Voices[out.SystemIndex]
	return out
}

func changeNudge(r types.Recipe, ctx *Context) types.Recipe {
	out := r.Clone()
	out.NudgeIndex = rotate(r.NudgeIndex, len(Nudges), ctx.RNG)
	out.Nudge = Nudges[out.NudgeIndex]
	return out
}

func raiseTemp(r types.Recipe, ctx *Context) types.Recipe {
	out := r.Clone()
	out.Temperature = min(r.Temperature+0.1+0.2*ctx.RNG.Float64(), tempMax)
	return out
}

func lowerTemp(r types.Recipe, ctx *Context) types.Recipe {
	out := r.Clone()
	out.Temperature = max(r.Temperature-(0.1+0.2*ctx.RNG.Float64()), tempMin)
	return out
}

func addFewshot(r types.Recipe, ctx *Context) types.Recipe {
	out := r.Clone()
	out.Fewshot = FewshotFor(ctx.TaskClass)
	return out
}

func injectMemory(r types.Recipe, ctx *Context) types.Recipe {
	out := r.Clone()
	out.MemoryK = ctx.MemoryK
	if out.MemoryK <= 0 {
		out.MemoryK = defaultContextK
	}
	return out
}

func injectRAG(r types.Recipe, ctx *Context) types.Recipe {
	out := r.Clone()
	out.RAGK = ctx.RAGK
	if out.RAGK <= 0 {
		out.RAGK = defaultContextK
	}
	return out
}

func toggleWeb(r types.Recipe, _ *Context) types.Recipe {
	out := r.Clone()
	out.UseWeb = !r.UseWeb
	return out
}

func useAltEngine(r types.Recipe, _ *Context) types.Recipe {
	out := r.Clone()
	if r.Engine == types.EngineHosted {
		out.Engine = types.EngineLocal
	} else {
		out.Engine = types.EngineHosted
	}
	return out
}

func raiseTopK(r types.Recipe, ctx *Context) types.Recipe {
	out := r.Clone()
	out.TopK = min(r.TopK+5+ctx.RNG.Intn(11), topKMax)
	return out
}

func lowerTopK(r types.Recipe, ctx *Context) types.Recipe {
	out := r.Clone()
	out.TopK = max(r.TopK-(5+ctx.RNG.Intn(11)), topKMin)
	return out
}
