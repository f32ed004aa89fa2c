// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package reward

import "strings"

// reasoningMarkers signal structured reasoning in an output.
var reasoningMarkers = []string{
	"step 1", "first,", "second,", "therefore", "because",
	"1.", "2.", "- ", "## ", "approach:",
}

// uncertaintyMarkers signal honest admission when a claim cannot be backed.
var uncertaintyMarkers = []string{
	"i'm not sure", "i am not sure", "uncertain", "cannot verify",
	"not enough information", "i don't know", "it depends", "unverified",
}

// processReward is the cheap heuristic bundle: structured reasoning,
// code-block syntactic validity, hallucination refusal, and assertion
// coverage, averaged. Each sub-score lands in [0,1].
func processReward(output string, assertions []string) float64 {
	lower := strings.ToLower(output)

	coverage := assertionCoverage(lower, assertions)
	scores := []float64{
		structuredReasoning(lower),
		codeBlockValidity(output),
		hallucinationGuard(lower, coverage, len(assertions)),
		coverage,
	}

	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// structuredReasoning scores marker presence, saturating at three hits.
func structuredReasoning(lower string) float64 {
	hits := 0
	for _, marker := range reasoningMarkers {
		if strings.Contains(lower, marker) {
			hits++
			if hits == 3 {
				break
			}
		}
	}
	return float64(hits) / 3
}

// codeBlockValidity checks balanced code fences and brackets. Outputs with
// no code at all score full marks; there is nothing to get wrong.
func codeBlockValidity(output string) float64 {
	fences := strings.Count(output, "```")
	if fences%2 != 0 {
		return 0
	}

	score := 1.0
	for _, pair := range [][2]rune{{'{', '}'}, {'[', ']'}, {'(', ')'}} {
		open := strings.Count(output, string(pair[0]))
		closed := strings.Count(output, string(pair[1]))
		if open != closed {
			score -= 0.25
		}
	}
	if score < 0 {
		return 0
	}
	return score
}

// hallucinationGuard rewards either full assertion coverage or a plain
// admission of uncertainty; confident outputs that miss assertions and
// claim nothing uncertain score zero.
func hallucinationGuard(lower string, coverage float64, assertionCount int) float64 {
	if assertionCount == 0 || coverage >= 1 {
		return 1
	}
	for _, marker := range uncertaintyMarkers {
		if strings.Contains(lower, marker) {
			return 1
		}
	}
	return 0
}

// assertionCoverage is the fraction of task assertions literally present
// in the output. No assertions means nothing to cover: full marks.
func assertionCoverage(lower string, assertions []string) float64 {
	if len(assertions) == 0 {
		return 1
	}
	met := 0
	for _, a := range assertions {
		if strings.Contains(lower, strings.ToLower(strings.TrimSpace(a))) {
			met++
		}
	}
	return float64(met) / float64(len(assertions))
}

// AssertionsSatisfied reports whether every assertion is literally present
// in the output. The golden evaluator's pass criterion.
func AssertionsSatisfied(output string, assertions []string) bool {
	lower := strings.ToLower(output)
	return assertionCoverage(lower, assertions) >= 1
}
