// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package events is the per-run event bus: a bounded queue per run with
// multi-subscriber fan-out. Publishing never blocks the runner; slow
// subscribers lose their oldest pending events and receive a dropped
// marker instead. Terminal events close every subscriber and the queue is
// garbage-collected after a replay grace period so late subscribers can
// still observe how the run ended.
package events

import (
	"encoding/json"
	"math"
)

// Kind is the closed set of event types a run can emit.
type Kind string

const (
	KindIterSelected   Kind = "iter_selected"
	KindIterGenStart   Kind = "iter_gen_start"
	KindIterGenDone    Kind = "iter_gen_done"
	KindIterScoreStart Kind = "iter_score_start"
	KindIterScoreDone  Kind = "iter_score_done"
	KindIterSaved      Kind = "iter_saved"
	KindIterError      Kind = "iter_error"
	KindJudge          Kind = "judge"
	KindDone           Kind = "done"
	KindError          Kind = "error"
	KindKeepAlive      Kind = "keep_alive"
	KindDropped        Kind = "dropped"
)

// Terminal reports whether the kind ends the run's stream.
func (k Kind) Terminal() bool {
	return k == KindDone || k == KindError
}

// Event is one observation on a run's stream. Payload keys are flattened
// into the serialized object next to the envelope fields.
type Event struct {
	RunID   int64
	Seq     int64
	TS      int64
	Kind    Kind
	Payload map[string]any
}

// MarshalJSON flattens the envelope and payload into a single object with
// every float serialized to three decimal places.
func (e Event) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Payload)+4)
	for k, v := range e.Payload {
		obj[k] = roundValue(v)
	}
	obj["type"] = string(e.Kind)
	obj["run_id"] = e.RunID
	obj["seq"] = e.Seq
	obj["ts"] = e.TS
	return json.Marshal(obj)
}

// Round3 rounds a float to three decimal places for event payloads.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func roundValue(v any) any {
	switch t := v.(type) {
	case float64:
		return Round3(t)
	case float32:
		return Round3(float64(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = roundValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = roundValue(inner)
		}
		return out
	default:
		return v
	}
}
