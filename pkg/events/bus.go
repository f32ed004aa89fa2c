// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/spindle/pkg/config"
	"github.com/teradata-labs/spindle/pkg/types"
)

// Bus routes events to per-run queues. One bus serves the whole process.
type Bus struct {
	cfg    config.EventBusConfig
	logger *zap.Logger

	mu   sync.Mutex
	runs map[int64]*runQueue

	now func() time.Time
}

// NewBus builds the process-wide event bus.
func NewBus(cfg config.EventBusConfig, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		cfg:    cfg,
		logger: logger,
		runs:   make(map[int64]*runQueue),
		now:    time.Now,
	}
}

type subscriber struct {
	ch       chan Event
	droppedN int64
}

type runQueue struct {
	mu      sync.Mutex
	runID   int64
	seq     int64
	history []Event
	maxHist int
	subs    map[int64]*subscriber
	nextSub int64
	closed  bool

	lastPublish time.Time
	stopKeep    chan struct{}
}

// Register creates the queue for a run and starts its keep-alive ticker.
// Registering an already-registered run is a no-op.
func (b *Bus) Register(runID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.runs[runID]; ok {
		return
	}
	q := &runQueue{
		runID:       runID,
		maxHist:     b.cfg.QueueSize,
		subs:        make(map[int64]*subscriber),
		lastPublish: b.now(),
		stopKeep:    make(chan struct{}),
	}
	b.runs[runID] = q
	go b.keepAliveLoop(q)
}

// Publish appends an event to the run's queue and fans it out. It never
// blocks: a subscriber whose buffer is full loses its oldest pending event
// and is handed a dropped marker in its place. Publishing to an
// unregistered or closed run is dropped with a warning; the runner is
// never blocked or failed by observers.
func (b *Bus) Publish(runID int64, kind Kind, payload map[string]any) {
	b.mu.Lock()
	q, ok := b.runs[runID]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("publish to unregistered run", zap.Int64("run_id", runID), zap.String("kind", string(kind)))
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	q.seq++
	ev := Event{RunID: runID, Seq: q.seq, TS: b.now().Unix(), Kind: kind, Payload: payload}
	q.lastPublish = b.now()

	q.history = append(q.history, ev)
	if len(q.history) > q.maxHist {
		q.history = q.history[len(q.history)-q.maxHist:]
	}

	for _, s := range q.subs {
		q.deliver(s, ev)
	}

	if kind.Terminal() {
		q.closed = true
		close(q.stopKeep)
		for id, s := range q.subs {
			close(s.ch)
			delete(q.subs, id)
		}
		grace := time.Duration(b.cfg.ReplayGraceSeconds) * time.Second
		time.AfterFunc(grace, func() { b.collect(runID) })
	}
}

// deliver sends one event to a subscriber without ever blocking. Callers
// hold the queue lock, so this goroutine is the channel's only sender and
// the len/cap checks below are stable.
func (q *runQueue) deliver(s *subscriber, ev Event) {
	if s.droppedN > 0 && len(s.ch) < cap(s.ch)-1 {
		s.ch <- Event{
			RunID:   q.runID,
			Seq:     ev.Seq,
			TS:      ev.TS,
			Kind:    KindDropped,
			Payload: map[string]any{"count": s.droppedN},
		}
		s.droppedN = 0
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Full: evict the oldest pending event to make room.
	select {
	case <-s.ch:
		s.droppedN++
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.droppedN++
	}
}

// Subscribe attaches to a run's stream. The returned channel first replays
// the run's buffered history in order, then receives live events; it is
// closed when the run terminates or cancel is called. Subscribing to an
// unknown (or already collected) run fails with ErrRunNotFound.
func (b *Bus) Subscribe(runID int64) (<-chan Event, func(), error) {
	b.mu.Lock()
	q, ok := b.runs[runID]
	b.mu.Unlock()
	if !ok {
		return nil, nil, types.ErrRunNotFound
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan Event, q.maxHist+len(q.history))
	for _, ev := range q.history {
		ch <- ev
	}

	if q.closed {
		// Late subscriber inside the replay grace window: history only.
		close(ch)
		return ch, func() {}, nil
	}

	id := q.nextSub
	q.nextSub++
	q.subs[id] = &subscriber{ch: ch}

	cancel := func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if s, ok := q.subs[id]; ok {
			delete(q.subs, id)
			close(s.ch)
		}
	}
	return ch, cancel, nil
}

// keepAliveLoop emits keep_alive ticks while the run stays silent.
func (b *Bus) keepAliveLoop(q *runQueue) {
	interval := time.Duration(b.cfg.KeepAliveIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopKeep:
			return
		case <-ticker.C:
			q.mu.Lock()
			idle := b.now().Sub(q.lastPublish) >= interval
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			if idle {
				b.Publish(q.runID, KindKeepAlive, nil)
			}
		}
	}
}

// collect removes a terminated run's queue after the grace period.
func (b *Bus) collect(runID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, runID)
}
