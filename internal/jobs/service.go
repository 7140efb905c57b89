// Package jobs runs media operations: it validates parameters, runs the
// encoder pipeline inside a scoped workspace, and publishes the result.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/ffgate/internal/encoder"
	"github.com/mattjoyce/ffgate/internal/events"
	"github.com/mattjoyce/ffgate/internal/storage"
	"github.com/mattjoyce/ffgate/internal/workspace"
)

// Executor runs encoder pipelines.
type Executor interface {
	Run(ctx context.Context, steps []encoder.Step) (string, []encoder.StepResult, error)
}

// Publisher receives job lifecycle events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Result describes a finished job.
type Result struct {
	JobID     string               `json:"job_id"`
	Operation Operation            `json:"operation"`
	File      storage.Artifact     `json:"file"`
	Params    map[string]any       `json:"params"`
	Meta      map[string]any       `json:"meta,omitempty"`
	Duration  time.Duration        `json:"duration"`
	Steps     []encoder.StepResult `json:"steps"`
}

// Input is an uploaded file already materialized on disk.
type Input struct {
	Name string
	Path string
	// Release, when set, frees the upload once its job is done.
	Release func()
}

// BatchItem is the outcome for one input of a batch.
type BatchItem struct {
	Name   string  `json:"name"`
	Result *Result `json:"result,omitempty"`
	Error  *Error  `json:"error,omitempty"`
}

// BatchResult summarizes a batch run.
type BatchResult struct {
	Operation Operation     `json:"operation"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Items     []BatchItem   `json:"items"`
	Duration  time.Duration `json:"duration"`
}

// Service executes jobs.
type Service struct {
	workspaces workspace.Manager
	executor   Executor
	store      *storage.Store
	pub        Publisher
	logger     *slog.Logger
	maxBatch   int
}

// NewService wires a job service. pub may be nil.
func NewService(ws workspace.Manager, exec Executor, store *storage.Store, pub Publisher, maxBatch int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBatch <= 0 {
		maxBatch = 10
	}
	return &Service{
		workspaces: ws,
		executor:   exec,
		store:      store,
		pub:        pub,
		logger:     logger.With("component", "jobs"),
		maxBatch:   maxBatch,
	}
}

// MaxBatch returns the largest accepted batch.
func (s *Service) MaxBatch() int { return s.maxBatch }

// Run validates params, executes op against input inside a fresh workspace,
// and publishes the output into the durable store. Invalid params fail before
// any workspace exists or any encoder is spawned.
func (s *Service) Run(ctx context.Context, op Operation, input string, params Params) (*Result, error) {
	return s.RunInputs(ctx, op, []Input{{Name: filepath.Base(input), Path: input}}, params)
}

// RunInputs is Run for operations over several files, such as overlay or
// an image sequence. The input count and names are checked along with the
// params before anything is allocated. Inputs are not released.
func (s *Service) RunInputs(ctx context.Context, op Operation, inputs []Input, params Params) (*Result, error) {
	pl, verr := planFor(op, params)
	if verr != nil {
		return nil, verr
	}
	names := make([]string, 0, len(inputs))
	for _, in := range inputs {
		names = append(names, in.Name)
	}
	if verr := pl.checkInputs(names); verr != nil {
		return nil, verr
	}
	return s.execute(ctx, pl, inputs)
}

// Batch runs op for every input. Each input gets its own workspace scope; a
// failing item is recorded and the rest continue.
func (s *Service) Batch(ctx context.Context, op Operation, inputs []Input, params Params) (*BatchResult, error) {
	if op != OpGIFCompress && op != OpGIFResize {
		return nil, validationErr("batch operation must be compress or resize (got %q)", op)
	}
	if len(inputs) == 0 {
		return nil, validationErr("at least one file is required")
	}
	if len(inputs) > s.maxBatch {
		return nil, validationErr("at most %d files per batch (got %d)", s.maxBatch, len(inputs))
	}
	pl, verr := planFor(op, params)
	if verr != nil {
		return nil, verr
	}

	started := time.Now()
	out := &BatchResult{Operation: op, Total: len(inputs), Items: make([]BatchItem, 0, len(inputs))}
	for _, in := range inputs {
		item := BatchItem{Name: in.Name}
		res, err := s.execute(ctx, pl, []Input{in})
		if in.Release != nil {
			in.Release()
		}
		if err != nil {
			item.Error = AsError(err)
			out.Failed++
		} else {
			item.Result = res
			out.Succeeded++
		}
		out.Items = append(out.Items, item)

		if ctx.Err() != nil {
			break
		}
	}
	out.Duration = time.Since(started)

	s.logger.Info("batch finished", "operation", op, "total", out.Total, "succeeded", out.Succeeded, "failed", out.Failed)
	return out, nil
}

func (s *Service) execute(ctx context.Context, pl *plan, inputs []Input) (*Result, error) {
	jobID := uuid.NewString()
	logger := s.logger.With("job_id", jobID, "operation", pl.op)
	ctx = encoder.WithJobID(ctx, jobID)
	started := time.Now()

	s.publish(events.JobStarted, map[string]any{"job_id": jobID, "operation": pl.op})
	logger.Info("job started")

	var res *Result
	err := s.workspaces.WithWorkspace(ctx, string(pl.op), func(ws workspace.Workspace) error {
		paths, err := stageInputs(ws, pl, inputs)
		if err != nil {
			return err
		}

		output, steps, err := s.executor.Run(ctx, pl.build(ws, paths))
		if err != nil {
			return err
		}

		var meta map[string]any
		if pl.finish != nil {
			if output, meta, err = pl.finish(ws, output); err != nil {
				return fmt.Errorf("finish output: %w", err)
			}
		}

		artifact, err := s.store.Publish(output, string(pl.op), pl.ext)
		if err != nil {
			return fmt.Errorf("publish output: %w", err)
		}

		res = &Result{
			JobID:     jobID,
			Operation: pl.op,
			File:      artifact,
			Params:    pl.params,
			Meta:      meta,
			Steps:     steps,
		}
		return nil
	})
	if err != nil {
		jobErr := AsError(err)
		logger.Warn("job failed", "category", jobErr.Category, "error", err)
		s.publish(events.JobFailed, map[string]any{
			"job_id":    jobID,
			"operation": pl.op,
			"category":  jobErr.Category,
			"message":   jobErr.Message,
		})
		return nil, jobErr
	}

	res.Duration = time.Since(started)
	logger.Info("job completed", "file", res.File.Name, "size", res.File.Size, "duration", res.Duration)
	s.publish(events.JobCompleted, map[string]any{
		"job_id":      jobID,
		"operation":   pl.op,
		"url":         res.File.URL,
		"size":        res.File.Size,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res, nil
}

// stageInputs returns the paths build reads. Sequence plans get a single
// pattern over copies inside ws, so staged images go with the workspace.
func stageInputs(ws workspace.Workspace, pl *plan, inputs []Input) ([]string, error) {
	if pl.sequence {
		pattern, err := stageSequence(ws.Path(sequenceDir), inputs)
		if err != nil {
			return nil, fmt.Errorf("stage inputs: %w", err)
		}
		return []string{pattern}, nil
	}
	paths := make([]string, 0, len(inputs))
	for _, in := range inputs {
		paths = append(paths, in.Path)
	}
	return paths, nil
}

func (s *Service) publish(eventType string, data any) {
	if s.pub != nil {
		s.pub.Publish(eventType, data)
	}
}

// IsValidation reports whether err is a parameter validation failure.
func IsValidation(err error) bool {
	var jobErr *Error
	return errors.As(err, &jobErr) && jobErr.Category == CategoryValidation
}
