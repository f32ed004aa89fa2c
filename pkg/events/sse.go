// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package events

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// Handler serves a run's event stream as Server-Sent Events at
// GET /runs/{run_id}/events. It is a thin adapter over Subscribe: one
// data frame per event, flushed immediately.
func Handler(b *Bus) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /runs/{run_id}/events", func(w http.ResponseWriter, r *http.Request) {
		runID, err := strconv.ParseInt(r.PathValue("run_id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid run id", http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		stream, cancel, err := b.Subscribe(runID)
		if err != nil {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-stream:
				if !open {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					b.logger.Error("failed to marshal event",
						zap.Int64("run_id", runID),
						zap.Error(err))
					continue
				}
				if _, err := w.Write([]byte("data: ")); err != nil {
					return
				}
				if _, err := w.Write(data); err != nil {
					return
				}
				if _, err := w.Write([]byte("\n\n")); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
	return mux
}
