// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package golden loads and executes the deterministic benchmark suite
// that gates self-edits. Items live in YAML files; execution pins web
// research off, a fixed RAG depth, a fixed model id, and a per-item seed
// so two sweeps over unchanged content produce identical aggregates.
package golden

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/teradata-labs/spindle/pkg/types"
)

const (
	// APIVersion and SetKind identify a spindle golden-set document.
	APIVersion = "spindle/v1"
	SetKind    = "GoldenSet"

	// debounce coalesces bursts of filesystem events into one reload.
	debounce = 500 * time.Millisecond
)

// setFile is the on-disk document shape.
type setFile struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Metadata   struct {
		Name string `yaml:"name"`
	} `yaml:"metadata"`
	Spec struct {
		Items []types.GoldenItem `yaml:"items"`
	} `yaml:"spec"`
}

// Loader reads golden-set files from a directory and optionally watches it
// for changes. Safe for concurrent use.
type Loader struct {
	dir    string
	logger *zap.Logger

	mu    sync.RWMutex
	items []types.GoldenItem

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewLoader builds a loader over a golden-set directory and performs the
// initial load. A missing directory yields an empty set, not an error.
func NewLoader(dir string, logger *zap.Logger) (*Loader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{dir: dir, logger: logger}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads every golden-set file. The set is swapped atomically:
// a parse failure leaves the previous set in place.
func (l *Loader) Reload() error {
	items, err := LoadDir(l.dir)
	if err != nil {
		return err
	}

	l.mu.Lock()
	prev := len(l.items)
	l.items = items
	l.mu.Unlock()

	l.logger.Info("golden set loaded",
		zap.String("dir", l.dir),
		zap.Int("items", len(items)),
		zap.Int("delta", len(items)-prev))
	return nil
}

// Items returns the current set sorted by id.
func (l *Loader) Items() []types.GoldenItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.GoldenItem, len(l.items))
	copy(out, l.items)
	return out
}

// Subset filters the set down to the named item ids, preserving id order.
// Unknown ids are an error so a typo cannot silently shrink a sweep.
func (l *Loader) Subset(ids []string) ([]types.GoldenItem, error) {
	if len(ids) == 0 {
		return l.Items(), nil
	}
	byID := make(map[string]types.GoldenItem)
	for _, item := range l.Items() {
		byID[item.ID] = item
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, &types.ConfigError{Field: "subset", Reason: "unknown golden item " + id}
		}
		want[id] = true
	}
	var out []types.GoldenItem
	for _, item := range l.Items() {
		if want[item.ID] {
			out = append(out, item)
		}
	}
	return out, nil
}

// CodeLoopSubset picks the deterministic gate subset: at most max items
// spanning as many distinct task types as available, chosen by sorted id
// with a round-robin across types.
func (l *Loader) CodeLoopSubset(max int) []types.GoldenItem {
	if max <= 0 {
		max = 5
	}
	items := l.Items()
	if len(items) <= max {
		return items
	}

	byType := make(map[string][]types.GoldenItem)
	var typeOrder []string
	for _, item := range items {
		if _, ok := byType[item.TaskType]; !ok {
			typeOrder = append(typeOrder, item.TaskType)
		}
		byType[item.TaskType] = append(byType[item.TaskType], item)
	}
	sort.Strings(typeOrder)

	var out []types.GoldenItem
	for round := 0; len(out) < max; round++ {
		took := false
		for _, t := range typeOrder {
			if round < len(byType[t]) && len(out) < max {
				out = append(out, byType[t][round])
				took = true
			}
		}
		if !took {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch starts a debounced fsnotify watcher on the golden directory.
// Returns a stop function. Watching an absent directory is an error.
func (l *Loader) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}
	l.watcher = watcher
	l.stop = make(chan struct{})

	go func() {
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-l.stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
					timerC = timer.C
				} else {
					timer.Reset(debounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("golden watcher error", zap.Error(err))
			case <-timerC:
				timer = nil
				timerC = nil
				if err := l.Reload(); err != nil {
					l.logger.Warn("golden hot reload failed", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		close(l.stop)
		watcher.Close()
	}, nil
}

// LoadDir parses every YAML golden-set file under dir and returns the
// merged items sorted by id. Duplicate item ids across files are rejected.
func LoadDir(dir string) ([]types.GoldenItem, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read golden dir: %w", err)
	}

	seen := make(map[string]string)
	var items []types.GoldenItem
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		fileItems, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		for _, item := range fileItems {
			if prev, dup := seen[item.ID]; dup {
				return nil, fmt.Errorf("duplicate golden item %q in %s (already in %s)", item.ID, name, prev)
			}
			seen[item.ID] = name
			items = append(items, item)
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// LoadFile parses one golden-set document. Environment variables in the
// file content are expanded before parse.
func LoadFile(path string) ([]types.GoldenItem, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc setFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if doc.APIVersion != APIVersion {
		return nil, fmt.Errorf("%s: unsupported apiVersion %q (want %s)", path, doc.APIVersion, APIVersion)
	}
	if doc.Kind != SetKind {
		return nil, fmt.Errorf("%s: unsupported kind %q (want %s)", path, doc.Kind, SetKind)
	}

	for i, item := range doc.Spec.Items {
		if item.ID == "" {
			return nil, fmt.Errorf("%s: item %d has no id", path, i)
		}
		if item.Task == "" {
			return nil, fmt.Errorf("%s: item %q has no task", path, item.ID)
		}
	}
	return doc.Spec.Items, nil
}
