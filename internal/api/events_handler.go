package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/ffgate/internal/events"
	"github.com/mattjoyce/ffgate/internal/jobs"
)

const keepAliveInterval = 15 * time.Second

// handleEvents handles GET /events. Query parameters narrow the stream:
// job=<id> follows one request, types=job,sweep selects event families.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, jobs.CategoryInternal, "streaming unsupported")
		return
	}

	filter := eventFilter(r)
	live, cancel := s.events.Subscribe(filter)
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribing before the replay means an event may arrive both ways;
	// sent tracks the newest ID written so duplicates are dropped.
	sent := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.events.SnapshotSince(sent, filter) {
		if writeSSE(w, ev) != nil {
			return
		}
		sent = ev.ID
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case ev, open := <-live:
			if !open {
				return
			}
			if ev.ID <= sent {
				continue
			}
			if writeSSE(w, ev) != nil {
				return
			}
			sent = ev.ID
		}
		flusher.Flush()
	}
}

func eventFilter(r *http.Request) events.Filter {
	q := r.URL.Query()
	f := events.Filter{Job: strings.TrimSpace(q.Get("job"))}
	for _, family := range strings.Split(q.Get("types"), ",") {
		if family = strings.TrimSpace(family); family != "" {
			f.Families = append(f.Families, family)
		}
	}
	return f
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE writes one event frame. Payloads are single-line JSON.
func writeSSE(w http.ResponseWriter, ev events.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}
