// Package events carries job progress and sweep notifications to listeners
// such as the SSE endpoint.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Event types published by the service.
const (
	JobStarted     = "job.started"
	JobProgress    = "job.progress"
	JobCompleted   = "job.completed"
	JobFailed      = "job.failed"
	SweepStarted   = "sweep.started"
	SweepCompleted = "sweep.completed"
)

const subscriberBuffer = 128

// Event is one published notification. Job is lifted from a "job_id" key in
// map payloads so listeners can follow a single request.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	Job  string          `json:"job,omitempty"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Filter selects events. The zero Filter matches everything.
type Filter struct {
	// Job restricts delivery to one job's events.
	Job string
	// Families restricts delivery to type families such as "job" or "sweep".
	Families []string
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev Event) bool {
	if f.Job != "" && ev.Job != f.Job {
		return false
	}
	if len(f.Families) == 0 {
		return true
	}
	family, _, _ := strings.Cut(ev.Type, ".")
	for _, want := range f.Families {
		if want == family {
			return true
		}
	}
	return false
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Hub fans events out to subscribers and keeps the most recent ones for
// clients that reconnect with Last-Event-ID. Publish never blocks: a
// subscriber whose buffer is full misses events.
type Hub struct {
	mu      sync.Mutex
	lastID  int64
	backlog []Event
	limit   int
	subs    map[*subscriber]struct{}
}

// NewHub returns a hub retaining up to backlog events for replay.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = 100
	}
	return &Hub{
		backlog: make([]Event, 0, backlog),
		limit:   backlog,
		subs:    make(map[*subscriber]struct{}),
	}
}

// Publish encodes data and delivers it to every matching subscriber.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{
		ID:   h.lastID,
		Type: eventType,
		Job:  jobOf(data),
		At:   time.Now().UTC(),
		Data: payload,
	}

	if len(h.backlog) == h.limit {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:h.limit-1]
	}
	h.backlog = append(h.backlog, ev)

	for sub := range h.subs {
		if !sub.filter.Match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener for events matching filter. The returned
// cancel func closes the channel and may be called more than once.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer), filter: filter}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SnapshotSince returns retained events newer than lastID that match
// filter, oldest first.
func (h *Hub) SnapshotSince(lastID int64, filter Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Event
	for _, ev := range h.backlog {
		if ev.ID > lastID && filter.Match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func jobOf(data any) string {
	switch m := data.(type) {
	case map[string]any:
		id, _ := m["job_id"].(string)
		return id
	case map[string]string:
		return m["job_id"]
	}
	return ""
}
