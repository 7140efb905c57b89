package encoder_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ffgate/internal/encoder"
	"github.com/mattjoyce/ffgate/internal/encoder/mocks"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeOutput(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("artifact"), 0o644))
}

func TestExecutorRunsStepsInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := t.TempDir()
	palette := filepath.Join(dir, "palette.png")
	out := filepath.Join(dir, "out.gif")

	runner := mocks.NewMockRunner(ctrl)
	gomock.InOrder(
		runner.EXPECT().Run(gomock.Any(), []string{"pass1"}, gomock.Any()).DoAndReturn(
			func(_ context.Context, _ []string, _ func(encoder.Progress)) (encoder.RunResult, error) {
				writeOutput(t, palette)
				return encoder.RunResult{}, nil
			}),
		runner.EXPECT().Run(gomock.Any(), []string{"pass2"}, gomock.Any()).DoAndReturn(
			func(_ context.Context, _ []string, _ func(encoder.Progress)) (encoder.RunResult, error) {
				if _, err := os.Stat(palette); err != nil {
					t.Errorf("pass 2 started before palette existed: %v", err)
				}
				writeOutput(t, out)
				return encoder.RunResult{Stderr: "ok"}, nil
			}),
	)

	exec := encoder.NewExecutor(runner, 2, nil, discardLogger())
	got, results, err := exec.Run(context.Background(), []encoder.Step{
		{Name: "palettegen", Args: []string{"pass1"}, Output: palette},
		{Name: "paletteuse", Args: []string{"pass2"}, Output: out},
	})
	require.NoError(t, err)
	assert.Equal(t, out, got)
	require.Len(t, results, 2)
	assert.Equal(t, "palettegen", results[0].Name)
	assert.Equal(t, "paletteuse", results[1].Name)
	assert.Equal(t, "ok", results[1].Stderr)
}

func TestExecutorStopsAfterFailedStep(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := t.TempDir()
	runner := mocks.NewMockRunner(ctrl)
	runner.EXPECT().Run(gomock.Any(), []string{"pass1"}, gomock.Any()).
		Return(encoder.RunResult{ExitCode: 1, Stderr: "Invalid argument"}, encoder.ErrNonZeroExit)
	// No expectation for pass2: gomock fails the test if it is spawned.

	exec := encoder.NewExecutor(runner, 1, nil, discardLogger())
	got, results, err := exec.Run(context.Background(), []encoder.Step{
		{Name: "palettegen", Args: []string{"pass1"}, Output: filepath.Join(dir, "palette.png")},
		{Name: "paletteuse", Args: []string{"pass2"}, Output: filepath.Join(dir, "out.gif")},
	})
	require.Error(t, err)
	assert.Empty(t, got)
	require.Len(t, results, 1)

	var stepErr *encoder.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "palettegen", stepErr.Step)
	assert.Equal(t, 1, stepErr.ExitCode)
	assert.Equal(t, "Invalid argument", stepErr.Stderr)
	assert.ErrorIs(t, err, encoder.ErrNonZeroExit)
}

func TestExecutorRequiresNonEmptyOutput(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.png")

	runner := mocks.NewMockRunner(ctrl)
	runner.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ []string, _ func(encoder.Progress)) (encoder.RunResult, error) {
			require.NoError(t, os.WriteFile(out, nil, 0o644))
			return encoder.RunResult{}, nil
		})

	exec := encoder.NewExecutor(runner, 1, nil, discardLogger())
	_, _, err := exec.Run(context.Background(), []encoder.Step{{Name: "convert", Args: []string{"x"}, Output: out}})
	assert.ErrorIs(t, err, encoder.ErrNoOutput)
}

func TestExecutorRejectsEmptyPipeline(t *testing.T) {
	exec := encoder.NewExecutor(nil, 1, nil, discardLogger())
	_, _, err := exec.Run(context.Background(), nil)
	assert.Error(t, err)

	_, _, err = exec.Run(context.Background(), []encoder.Step{{Name: "x"}})
	assert.Error(t, err)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []map[string]any
}

func (p *recordingPublisher) Publish(eventType string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if eventType == "job.progress" {
		p.events = append(p.events, data.(map[string]any))
	}
}

func TestExecutorPublishesProgress(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.gif")

	runner := mocks.NewMockRunner(ctrl)
	runner.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Not(gomock.Nil())).DoAndReturn(
		func(_ context.Context, _ []string, progress func(encoder.Progress)) (encoder.RunResult, error) {
			progress(encoder.Progress{Frame: 10, OutTime: 5 * time.Second})
			progress(encoder.Progress{Frame: 20, OutTime: 10 * time.Second, Done: true})
			writeOutput(t, out)
			return encoder.RunResult{}, nil
		})

	pub := &recordingPublisher{}
	exec := encoder.NewExecutor(runner, 1, pub, discardLogger())
	ctx := encoder.WithJobID(context.Background(), "job-123")
	_, _, err := exec.Run(ctx, []encoder.Step{{Name: "to-gif", Args: []string{"x"}, Output: out, Total: 10 * time.Second}})
	require.NoError(t, err)

	require.Len(t, pub.events, 2)
	assert.Equal(t, "job-123", pub.events[0]["job_id"])
	assert.InDelta(t, 50.0, pub.events[0]["percent"], 0.001)
	assert.InDelta(t, 100.0, pub.events[1]["percent"], 0.001)
	assert.Equal(t, true, pub.events[1]["done"])
}

type countingRunner struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (r *countingRunner) Run(_ context.Context, args []string, _ func(encoder.Progress)) (encoder.RunResult, error) {
	n := r.inFlight.Add(1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	r.inFlight.Add(-1)
	return encoder.RunResult{}, os.WriteFile(args[0], []byte("x"), 0o644)
}

func TestExecutorBoundsConcurrentSpawns(t *testing.T) {
	dir := t.TempDir()
	runner := &countingRunner{}
	exec := encoder.NewExecutor(runner, 2, nil, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := filepath.Join(dir, "out-"+string(rune('a'+i)))
			_, _, err := exec.Run(context.Background(), []encoder.Step{{Name: "s", Args: []string{out}, Output: out}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
	assert.GreaterOrEqual(t, runner.peak.Load(), int32(1))
}

func TestExecutorCanceledContextSpawnsNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	runner := mocks.NewMockRunner(ctrl)
	exec := encoder.NewExecutor(runner, 1, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, results, err := exec.Run(ctx, []encoder.Step{{Name: "s", Args: []string{"x"}, Output: "/nonexistent"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}
