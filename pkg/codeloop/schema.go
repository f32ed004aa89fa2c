// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package codeloop

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/teradata-labs/spindle/pkg/types"
)

// artifactSchema is the JSON schema every persisted code-loop artifact
// must satisfy; schema validity is one of the acceptance gates.
const artifactSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["loop_id", "source_run_id", "mode", "critic", "patch", "tests",
	             "golden_before", "golden_after", "thresholds", "decision"],
	"properties": {
		"loop_id": {"type": "string", "minLength": 1},
		"source_run_id": {"type": "integer", "minimum": 1},
		"mode": {"enum": ["live", "dry_run"]},
		"critic": {
			"type": "object",
			"required": ["target", "before", "after"],
			"properties": {
				"target": {"enum": ["process_multiplier", "cost_multiplier"]},
				"before": {"type": "number"},
				"after": {"type": "number"}
			}
		},
		"patch": {
			"type": "object",
			"required": ["files", "edit_count"],
			"properties": {
				"files": {"type": "array", "items": {"type": "string"}},
				"edit_count": {"type": "integer", "minimum": 0}
			}
		},
		"tests": {
			"type": "object",
			"required": ["passed"],
			"properties": {"passed": {"type": "boolean"}}
		},
		"golden_before": {"$ref": "#/definitions/golden"},
		"golden_after": {"$ref": "#/definitions/golden"},
		"thresholds": {
			"type": "object",
			"required": ["delta_reward_min", "cost_ratio_max", "golden_pass_rate_target"]
		},
		"decision": {"enum": ["commit", "rollback", "reject"]}
	},
	"definitions": {
		"golden": {
			"type": "object",
			"required": ["avg_total_reward", "avg_cost_penalty", "pass_rate"],
			"properties": {
				"pass_rate": {"type": "number", "minimum": 0, "maximum": 1}
			}
		}
	}
}`

// ValidateArtifact checks an artifact against the embedded schema.
func ValidateArtifact(art *types.CodeLoopArtifact) error {
	raw, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(artifactSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to validate artifact: %w", err)
	}
	if !result.Valid() {
		var reasons []string
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return fmt.Errorf("artifact schema invalid: %s", strings.Join(reasons, "; "))
	}
	return nil
}
