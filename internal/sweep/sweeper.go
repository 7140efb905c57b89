// Package sweep reclaims stale entries from the service's filesystem roots.
//
// A run scans the top level of every target directory and removes entries
// older than the target's MaxAge. Entries that belong to live jobs are never
// touched, and entries that disappear during a scan count as already handled.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/ffgate/internal/stats"
	"github.com/mattjoyce/ffgate/internal/workspace"
)

// ErrBusy is returned by RunOnce when a run is already in progress.
var ErrBusy = errors.New("sweep already in progress")

// Target is one directory to sweep and the age beyond which entries go.
type Target struct {
	Name   string
	Dir    string
	MaxAge time.Duration
}

// Report summarizes one target's sweep.
type Report struct {
	Target     string        `json:"target"`
	Dir        string        `json:"dir"`
	Scanned    int           `json:"scanned"`
	Removed    int           `json:"removed"`
	Active     int           `json:"active"`
	Vanished   int           `json:"vanished"`
	FreedBytes int64         `json:"freed_bytes"`
	Errors     []string      `json:"errors,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// State is the sweeper's run state.
type State string

const (
	StateIdle     State = "idle"
	StateScanning State = "scanning"
)

// ActiveSet reports paths owned by in-flight jobs.
type ActiveSet interface {
	IsActive(path string) bool
}

// Publisher receives sweep lifecycle events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Sweeper runs sweeps on a cron schedule and on demand.
type Sweeper struct {
	targets []Target
	active  ActiveSet
	pub     Publisher
	logger  *slog.Logger
	now     func() time.Time

	scanning atomic.Bool
	cron     *cron.Cron
	wg       sync.WaitGroup

	mu      sync.Mutex
	lastRun time.Time
	last    []Report
}

// New creates a sweeper. active and pub may be nil.
func New(targets []Target, active ActiveSet, pub Publisher, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		targets: targets,
		active:  active,
		pub:     pub,
		logger:  logger.With("component", "sweeper"),
		now:     time.Now,
	}
}

// Schedule turns an interval or explicit cron expression into a cron spec.
func Schedule(expr string, every time.Duration) string {
	if expr != "" {
		return expr
	}
	return "@every " + every.String()
}

// Start performs an immediate run, then runs on schedule until Stop.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithLogger(cronLogger{s.logger}))
	if _, err := c.AddFunc(schedule, func() { s.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.cron = c

	s.logger.Info("sweeper starting", "schedule", schedule, "targets", len(s.targets))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runScheduled(ctx)
	}()
	c.Start()
	return nil
}

// Stop halts the schedule and waits for any in-flight run to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

// State reports whether a run is in progress.
func (s *Sweeper) State() State {
	if s.scanning.Load() {
		return StateScanning
	}
	return StateIdle
}

// Last returns the reports and start time of the most recent completed run.
func (s *Sweeper) Last() ([]Report, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.last...), s.lastRun
}

func (s *Sweeper) runScheduled(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrBusy) {
			s.logger.Debug("skipping sweep, previous run still scanning")
			return
		}
		s.logger.Error("sweep run failed", "error", err)
	}
}

// RunOnce sweeps every target concurrently. A failure in one target is
// recorded in its report and never stops the others.
func (s *Sweeper) RunOnce(ctx context.Context) ([]Report, error) {
	if !s.scanning.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.scanning.Store(false)

	started := s.now()
	s.publish("sweep.started", map[string]any{"targets": len(s.targets)})

	reports := make([]Report, len(s.targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range s.targets {
		g.Go(func() error {
			reports[i] = SweepTarget(gctx, target, s.now(), s.active, s.logger)
			return nil
		})
	}
	_ = g.Wait()

	var removed int
	var freed int64
	for _, r := range reports {
		removed += r.Removed
		freed += r.FreedBytes
	}

	s.mu.Lock()
	s.last = reports
	s.lastRun = started
	s.mu.Unlock()

	s.logger.Info("sweep completed",
		"removed", removed,
		"freed", stats.FormatBytes(freed),
		"duration", time.Since(started))
	s.publish("sweep.completed", map[string]any{"reports": reports, "removed": removed, "freed_bytes": freed})

	if err := ctx.Err(); err != nil {
		return reports, err
	}
	return reports, nil
}

// SweepTarget removes entries of t.Dir older than t.MaxAge. Only top-level
// entries are considered; a stale directory is removed as a whole.
func SweepTarget(ctx context.Context, t Target, now time.Time, active ActiveSet, logger *slog.Logger) (rep Report) {
	started := time.Now()
	rep = Report{Target: t.Name, Dir: t.Dir}
	defer func() { rep.Duration = time.Since(started) }()

	entries, err := os.ReadDir(t.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rep
		}
		logger.Warn("sweep target unreadable", "target", t.Name, "dir", t.Dir, "error", err)
		rep.Errors = append(rep.Errors, err.Error())
		return rep
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			rep.Errors = append(rep.Errors, ctx.Err().Error())
			break
		}
		rep.Scanned++

		path := filepath.Join(t.Dir, entry.Name())
		if active != nil && active.IsActive(path) {
			rep.Active++
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				rep.Vanished++
				continue
			}
			logger.Warn("sweep entry unreadable", "path", path, "error", err)
			rep.Errors = append(rep.Errors, err.Error())
			continue
		}

		age := entryAge(entry.Name(), info, now)
		if age <= t.MaxAge {
			continue
		}

		size := info.Size()
		if info.IsDir() {
			size, _ = stats.DirectorySize(path)
		}
		if err := workspace.RemoveAll(path); err != nil {
			logger.Warn("sweep removal failed", "path", path, "error", err)
			rep.Errors = append(rep.Errors, err.Error())
			continue
		}
		rep.Removed++
		rep.FreedBytes += size
		logger.Debug("swept stale entry", "path", path, "age", age.Round(time.Second))
	}

	return rep
}

// Purge empties dir entirely and recreates it. It ignores ages and must only
// run while no jobs are live.
func Purge(dir string) (int64, error) {
	size, _ := stats.DirectorySize(dir)
	if err := workspace.RemoveAll(dir); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return size, fmt.Errorf("recreate %s: %w", dir, err)
	}
	return size, nil
}

func (s *Sweeper) publish(eventType string, data any) {
	if s.pub != nil {
		s.pub.Publish(eventType, data)
	}
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
