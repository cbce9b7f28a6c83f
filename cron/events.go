package cron

import (
	"sync"

	"go.uber.org/zap"
)

// Event actions
const (
	EventAdded    = "added"
	EventUpdated  = "updated"
	EventRemoved  = "removed"
	EventStarted  = "started"
	EventFinished = "finished"
)

// Event is a job lifecycle notification. No replay: subscribers that
// connect late catch up through List/Runs queries instead.
type Event struct {
	JobID       string `json:"jobId"`
	Action      string `json:"action"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
	Summary     string `json:"summary,omitempty"`
	OutputText  string `json:"outputText,omitempty"`
	RunAtMs     *int64 `json:"runAtMs,omitempty"`
	DurationMs  *int64 `json:"durationMs,omitempty"`
	NextRunAtMs *int64 `json:"nextRunAtMs,omitempty"`
}

// Bus fans lifecycle events out to in-process subscribers.
// Publish is synchronous; a panicking subscriber is isolated so it can
// never stall or crash the dispatch loop.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
	logger *zap.SugaredLogger
}

// NewBus creates an event bus
func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subs:   make(map[int]func(Event)),
		logger: logger,
	}
}

// Subscribe registers a callback and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers the event to every current subscriber, at most once
// each. Subscribers registered after Publish returns miss the event.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		b.deliver(fn, event)
	}
}

func (b *Bus) deliver(fn func(Event), event Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Errorw("Event subscriber panicked",
					"job_id", event.JobID,
					"action", event.Action,
					"panic", r,
				)
			}
		}
	}()
	fn(event)
}

// SubscriberCount reports current subscribers (status snapshots)
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
