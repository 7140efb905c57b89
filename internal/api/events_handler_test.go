package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ffgate/internal/events"
	"github.com/mattjoyce/ffgate/internal/workspace"
)

func TestHandleEvents_ReplaysSinceLastEventID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws, err := workspace.NewFSManager(t.TempDir(), logger)
	require.NoError(t, err)
	hub := events.NewHub(16)
	srv := New(Config{}, &mockJobs{}, ws, nil, hub, logger)

	hub.Publish(events.JobStarted, map[string]any{"job_id": "a"})
	hub.Publish(events.JobProgress, map[string]any{"job_id": "a", "frame": 10})
	hub.Publish(events.JobCompleted, map[string]any{"job_id": "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	body := rr.Body.String()
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.NotContains(t, body, "event: job.started")
	assert.Contains(t, body, "id: 2\nevent: job.progress\ndata: {")
	assert.Contains(t, body, "event: job.completed")
	assert.Equal(t, 1, strings.Count(body, "event: job.completed"), "replayed events are not sent twice")
}

func TestHandleEvents_FiltersByJob(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws, err := workspace.NewFSManager(t.TempDir(), logger)
	require.NoError(t, err)
	hub := events.NewHub(16)
	srv := New(Config{}, &mockJobs{}, ws, nil, hub, logger)

	hub.Publish(events.JobStarted, map[string]any{"job_id": "a"})
	hub.Publish(events.JobStarted, map[string]any{"job_id": "b"})
	hub.Publish(events.SweepStarted, map[string]any{"targets": 3})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?job=b", nil).WithContext(ctx)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	body := rr.Body.String()
	assert.Contains(t, body, "id: 2\nevent: job.started")
	assert.NotContains(t, body, "id: 1\n")
	assert.NotContains(t, body, "sweep.started")
}

func TestEventFilter(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events?job=%20abc%20&types=job,,%20sweep", nil)
	f := eventFilter(req)
	assert.Equal(t, "abc", f.Job)
	assert.Equal(t, []string{"job", "sweep"}, f.Families)

	assert.Equal(t, events.Filter{}, eventFilter(httptest.NewRequest(http.MethodGet, "/events", nil)))
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(17), parseLastEventID("17"))
	assert.Equal(t, int64(17), parseLastEventID(" 17 "))
}
