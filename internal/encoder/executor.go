package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrNoOutput is returned when a step exits cleanly but leaves no usable output file.
var ErrNoOutput = errors.New("encoder step produced no output")

// Step is one encoder invocation. Output is the file the step must produce.
type Step struct {
	Name   string
	Args   []string
	Output string
	// Total is the expected media duration, used to turn progress into a
	// percentage. Zero means unknown.
	Total time.Duration
}

// StepResult records how a step ended.
type StepResult struct {
	Name     string        `json:"name"`
	ExitCode int           `json:"exit_code"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// StepError describes the step that aborted a pipeline.
type StepError struct {
	Step     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed (exit %d): %v", e.Step, e.ExitCode, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Publisher receives best-effort progress events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Executor runs pipelines of encoder steps, bounding how many encoder
// processes are alive at once across all pipelines.
type Executor struct {
	runner Runner
	slots  *semaphore.Weighted
	pub    Publisher
	logger *slog.Logger
}

// NewExecutor creates an executor that allows maxConcurrent simultaneous spawns.
// pub may be nil.
func NewExecutor(runner Runner, maxConcurrent int, pub Publisher, logger *slog.Logger) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		runner: runner,
		slots:  semaphore.NewWeighted(int64(maxConcurrent)),
		pub:    pub,
		logger: logger.With("component", "executor"),
	}
}

// Run executes steps strictly in order and returns the last step's output.
// The first failure aborts the remaining steps; the results slice always holds
// every step that was attempted.
func (e *Executor) Run(ctx context.Context, steps []Step) (string, []StepResult, error) {
	if len(steps) == 0 {
		return "", nil, fmt.Errorf("pipeline has no steps")
	}
	for i, step := range steps {
		if step.Output == "" {
			return "", nil, fmt.Errorf("step %d (%q) has no output path", i, step.Name)
		}
	}

	jobID := JobIDFromContext(ctx)
	logger := e.logger
	if jobID != "" {
		logger = logger.With("job_id", jobID)
	}

	results := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return "", results, &StepError{Step: step.Name, ExitCode: -1, Err: err}
		}

		if err := e.slots.Acquire(ctx, 1); err != nil {
			return "", results, &StepError{Step: step.Name, ExitCode: -1, Err: err}
		}

		started := time.Now()
		res, err := e.runner.Run(ctx, step.Args, e.progressFunc(jobID, step))
		e.slots.Release(1)

		result := StepResult{
			Name:     step.Name,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
			Duration: time.Since(started),
		}
		results = append(results, result)

		if err != nil {
			logger.Warn("encoder step failed", "step", step.Name, "exit_code", res.ExitCode, "error", err)
			return "", results, &StepError{Step: step.Name, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
		}

		if err := checkOutput(step.Output); err != nil {
			logger.Warn("encoder step left no output", "step", step.Name, "output", step.Output, "error", err)
			return "", results, &StepError{Step: step.Name, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
		}

		logger.Debug("encoder step completed", "step", step.Name, "duration", result.Duration)
	}

	return steps[len(steps)-1].Output, results, nil
}

func (e *Executor) progressFunc(jobID string, step Step) func(Progress) {
	if e.pub == nil {
		return nil
	}
	return func(p Progress) {
		payload := map[string]any{
			"job_id":   jobID,
			"step":     step.Name,
			"frame":    p.Frame,
			"out_time": p.OutTime.Seconds(),
			"speed":    p.Speed,
			"done":     p.Done,
		}
		if step.Total > 0 {
			pct := float64(p.OutTime) / float64(step.Total) * 100
			if pct > 100 {
				pct = 100
			}
			payload["percent"] = pct
		}
		e.pub.Publish("job.progress", payload)
	}
}

func checkOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoOutput, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrNoOutput, path)
	}
	return nil
}

type jobIDKey struct{}

// WithJobID attaches a job ID to ctx for log and event correlation.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// JobIDFromContext returns the job ID stored by WithJobID, or "".
func JobIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}
