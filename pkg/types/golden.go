// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

// GoldenFlags pin the context switches for one golden item. Web research is
// always off during golden evaluation; RAGK is fixed per item.
type GoldenFlags struct {
	UseWeb bool `json:"web" yaml:"web"`
	RAGK   int  `json:"rag_k" yaml:"rag_k"`
}

// GoldenItem is one deterministic benchmark item.
type GoldenItem struct {
	ID         string            `json:"id" yaml:"id"`
	TaskType   string            `json:"task_type" yaml:"task_type"`
	TaskClass  string            `json:"task_class" yaml:"task_class"`
	Task       string            `json:"task" yaml:"task"`
	Assertions []string          `json:"assertions" yaml:"assertions"`
	Inputs     map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Expected   string            `json:"expected,omitempty" yaml:"expected,omitempty"`
	Seed       int64             `json:"seed" yaml:"seed"`
	Flags      GoldenFlags       `json:"flags" yaml:"flags"`
}

// GoldenItemResult is the scored outcome of one golden item.
type GoldenItemResult struct {
	ItemID        string   `json:"item_id"`
	OutcomeReward float64  `json:"outcome_reward"`
	ProcessReward float64  `json:"process_reward"`
	CostPenalty   float64  `json:"cost_penalty"`
	TotalReward   float64  `json:"total_reward"`
	Steps         int      `json:"steps"`
	Passed        bool     `json:"passed"`
	Similarity    *float64 `json:"similarity,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// GoldenAggregate rolls one golden sweep into the KPIs the code-loop gates
// on. Pass rate is the fraction of items whose assertions all held.
type GoldenAggregate struct {
	ID             int64              `json:"id,omitempty"`
	RunAt          int64              `json:"run_at"`
	ModelID        string             `json:"model_id"`
	RAGIndexHash   string             `json:"rag_index_hash,omitempty"`
	ItemCount      int                `json:"item_count"`
	AvgTotalReward float64            `json:"avg_total_reward"`
	AvgCostPenalty float64            `json:"avg_cost_penalty"`
	AvgSteps       float64            `json:"avg_steps"`
	PassRate       float64            `json:"pass_rate"`
	Items          []GoldenItemResult `json:"items,omitempty"`
}
