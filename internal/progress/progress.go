// Package progress fans out render progress events to subscribers.
package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event statuses.
const (
	StatusProcessing = "processing"
	StatusError      = "error" // a single combination failed, the run continues
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 32

// SealedRetention is how long a finished job's terminal event is kept for
// late subscribers.
const SealedRetention = 10 * time.Minute

const sweepInterval = time.Minute

// Event is one progress notification for a job.
type Event struct {
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	Total       int    `json:"total"`
	CurrentFile string `json:"currentFile,omitempty"`
	Percentage  int    `json:"percentage"`
	Error       string `json:"error,omitempty"`
	// Start marks the first event of a run. It reopens a job sealed by an
	// earlier run.
	Start bool `json:"start,omitempty"`
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}

// Processing builds a progress event with its percentage filled in.
func Processing(progress, total int, currentFile string) Event {
	e := Event{Status: StatusProcessing, Progress: progress, Total: total, CurrentFile: currentFile}
	if total > 0 {
		e.Percentage = progress * 100 / total
	}
	return e
}

// Started is the event a run publishes before its first batch.
func Started(progress, total int) Event {
	e := Processing(progress, total, "")
	e.Start = true
	return e
}

// Notifier receives events from the render orchestrator. Publish never blocks.
type Notifier interface {
	Publish(jobID uuid.UUID, e Event)
}

type subscriber struct {
	ch chan Event
}

type topic struct {
	subs     map[*subscriber]struct{}
	terminal *Event
	sealedAt time.Time
}

// Hub is an in-process Notifier. Slow subscribers lose their oldest
// buffered events; the terminal event is always delivered.
type Hub struct {
	mu        sync.Mutex
	topics    map[uuid.UUID]*topic
	buffer    int
	retention time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Hub{
		topics:    make(map[uuid.UUID]*topic),
		buffer:    buffer,
		retention: SealedRetention,
		now:       time.Now,
	}
}

// Subscribe returns a channel of events for jobID and a func to stop
// listening. The channel is closed after a terminal event or on unsubscribe.
// Subscribing after the job finished yields the terminal event alone.
func (h *Hub) Subscribe(jobID uuid.UUID) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweepLocked()

	t := h.topicLocked(jobID)
	sub := &subscriber{ch: make(chan Event, h.buffer)}

	if t.terminal != nil {
		sub.ch <- *t.terminal
		close(sub.ch)
		return sub.ch, func() {}
	}

	t.subs[sub] = struct{}{}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := t.subs[sub]; ok {
				delete(t.subs, sub)
				close(sub.ch)
			}
			h.gcLocked(jobID, t)
		})
	}
	return sub.ch, unsubscribe
}

// Publish delivers e to every current subscriber of jobID. Events for a
// sealed job are dropped unless e starts a new run.
func (h *Hub) Publish(jobID uuid.UUID, e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweepLocked()

	t, ok := h.topics[jobID]
	if !ok {
		if !e.Terminal() {
			return
		}
		t = h.topicLocked(jobID)
	}
	if t.terminal != nil {
		if !e.Start {
			return
		}
		delete(h.topics, jobID)
		return
	}

	for sub := range t.subs {
		offer(sub.ch, e)
	}

	if e.Terminal() {
		t.terminal = &e
		t.sealedAt = h.now()
		for sub := range t.subs {
			close(sub.ch)
		}
		t.subs = make(map[*subscriber]struct{})
	}
}

// Sealed reports whether jobID holds a terminal event from a finished run.
func (h *Hub) Sealed(jobID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[jobID]
	return ok && t.terminal != nil
}

// Reset forgets a sealed job so a later run can publish again.
func (h *Hub) Reset(jobID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[jobID]; ok && t.terminal != nil {
		delete(h.topics, jobID)
	}
}

func (h *Hub) topicLocked(jobID uuid.UUID) *topic {
	t, ok := h.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[*subscriber]struct{})}
		h.topics[jobID] = t
	}
	return t
}

func (h *Hub) gcLocked(jobID uuid.UUID, t *topic) {
	if len(t.subs) == 0 && t.terminal == nil && h.topics[jobID] == t {
		delete(h.topics, jobID)
	}
}

// sweepLocked drops sealed topics older than the retention window.
func (h *Hub) sweepLocked() {
	now := h.now()
	if now.Sub(h.lastSweep) < sweepInterval {
		return
	}
	h.lastSweep = now

	for id, t := range h.topics {
		if t.terminal != nil && now.Sub(t.sealedAt) > h.retention {
			delete(h.topics, id)
		}
	}
}

// offer sends without blocking, evicting the oldest buffered event when full.
// Callers hold the hub lock, so ch has no concurrent senders.
func offer(ch chan Event, e Event) {
	for {
		select {
		case ch <- e:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Multi publishes to several notifiers.
type Multi []Notifier

func (m Multi) Publish(jobID uuid.UUID, e Event) {
	for _, n := range m {
		n.Publish(jobID, e)
	}
}
