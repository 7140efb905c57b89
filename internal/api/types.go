package api

import (
	"time"

	"github.com/mattjoyce/ffgate/internal/jobs"
	"github.com/mattjoyce/ffgate/internal/stats"
	"github.com/mattjoyce/ffgate/internal/sweep"
)

// SuccessResponse wraps every successful payload.
type SuccessResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Success bool        `json:"success"`
	Error   *jobs.Error `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status           string     `json:"status"`
	UptimeSeconds    int64      `json:"uptime_seconds"`
	ActiveWorkspaces int        `json:"active_workspaces"`
	Sweeper          string     `json:"sweeper"`
	LastSweep        *time.Time `json:"last_sweep,omitempty"`
	Subscribers      int        `json:"event_subscribers"`
}

// RootStats is one storage root in GET /api/stats.
type RootStats struct {
	Name string `json:"name"`
	stats.Stats
}

// StatsResponse is returned by GET /api/stats.
type StatsResponse struct {
	Roots      []RootStats `json:"roots"`
	TotalBytes int64       `json:"total_bytes"`
	TotalHuman string      `json:"total_human"`
	Active     int         `json:"active_workspaces"`
}

// SweepResponse is returned by POST /api/sweep.
type SweepResponse struct {
	Reports    []sweep.Report `json:"reports"`
	Removed    int            `json:"removed"`
	FreedBytes int64          `json:"freed_bytes"`
	FreedHuman string         `json:"freed_human"`
}
