// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package operators

import (
	"strings"

	"github.com/teradata-labs/spindle/pkg/types"
)

// Retrieved bundles the collaborator snippets available to one iteration.
// Slices the recipe does not ask for are ignored.
type Retrieved struct {
	Memory []string
	RAG    []string
	Web    []string
}

// BuildPrompt renders the generation prompt for one iteration: the task,
// then few-shot examples, memory, RAG context, and web findings in fixed
// order, then the constraint nudge. Empty sections are omitted. The rune
// length of the result is the variant's prompt_length.
func BuildPrompt(r types.Recipe, task string, retrieved Retrieved) string {
	var b strings.Builder
	b.WriteString(task)

	if len(r.Fewshot) > 0 {
		b.WriteString("\n\nExamples:")
		for _, ex := range r.Fewshot {
			b.WriteString("\nQ: ")
			b.WriteString(ex.Task)
			b.WriteString("\nA: ")
			b.WriteString(ex.Answer)
		}
	}

	writeSection(&b, "Memory", clip(retrieved.Memory, r.MemoryK))
	writeSection(&b, "Context", clip(retrieved.RAG, r.RAGK))
	if r.UseWeb {
		writeSection(&b, "Web", retrieved.Web)
	}

	if r.Nudge != "" {
		b.WriteString("\n\nConstraints: ")
		b.WriteString(r.Nudge)
	}
	return b.String()
}

func writeSection(b *strings.Builder, title string, snippets []string) {
	if len(snippets) == 0 {
		return
	}
	b.WriteString("\n\n")
	b.WriteString(title)
	b.WriteString(":")
	for _, s := range snippets {
		b.WriteString("\n- ")
		b.WriteString(s)
	}
}

func clip(snippets []string, k int) []string {
	if k <= 0 {
		return nil
	}
	if len(snippets) > k {
		return snippets[:k]
	}
	return snippets
}
