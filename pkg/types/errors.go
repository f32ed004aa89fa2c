// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across packages.
var (
	// ErrRunNotFound indicates an unknown run id.
	ErrRunNotFound = errors.New("run not found")
	// ErrVariantNotFound indicates an unknown variant id.
	ErrVariantNotFound = errors.New("variant not found")
	// ErrRunNotRunning rejects writes against a run that already terminated.
	ErrRunNotRunning = errors.New("run is not running")
	// ErrNonFiniteScore marks a reward that came back NaN or infinite.
	// Such scores are never persisted; the iteration is treated as failed.
	ErrNonFiniteScore = errors.New("non-finite score")
	// ErrCancelled marks cooperative cancellation between iteration steps.
	ErrCancelled = errors.New("run cancelled")
)

// ConfigError rejects invalid run parameters before a run is created.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// CollaboratorError wraps a failure or timeout from an external collaborator
// (generation engine, judge, embedder, retriever). It is recorded against
// the iteration; the run continues.
type CollaboratorError struct {
	Collaborator string
	Timeout      bool
	Err          error
}

func (e *CollaboratorError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s timed out: %v", e.Collaborator, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// PromotionConflictError reports a recipe collision on promote; the recipe
// is stored as pending instead of failing the run.
type PromotionConflictError struct {
	TaskClass       string
	ParentVariantID int64
}

func (e *PromotionConflictError) Error() string {
	return fmt.Sprintf("recipe for task class %q already promoted from variant %d", e.TaskClass, e.ParentVariantID)
}

// StorageError wraps a durable-write failure after retries were exhausted.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RateLimitError rejects a call synchronously with a retry-after hint.
type RateLimitError struct {
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d per %s exceeded, retry after %s", e.Limit, e.Window, e.RetryAfter.Round(time.Second))
}

// ConflictError reports contention on an exclusive resource, such as the
// global code-loop lock.
type ConflictError struct {
	Resource string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s is already in use", e.Resource)
}
