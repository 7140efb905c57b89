package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// maxStderrBytes caps the amount of stderr captured from one encoder run.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

var (
	// ErrTimeout is returned when a run exceeds its step timeout.
	ErrTimeout = errors.New("encoder step timed out")
	// ErrNonZeroExit is returned when the encoder exits with a failure status.
	ErrNonZeroExit = errors.New("encoder exited with non-zero status")
)

// baseArgs are prepended to every invocation: machine-readable progress on
// stdout, no interactive prompts, and no banner noise in stderr.
var baseArgs = []string{"-hide_banner", "-nostdin", "-progress", "pipe:1", "-nostats"}

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/ffgate/internal/encoder Runner

// Runner spawns one encoder process and waits for it.
// A nil error means the process exited with status 0.
type Runner interface {
	Run(ctx context.Context, args []string, progress func(Progress)) (RunResult, error)
}

// RunResult is what a finished (or killed) process left behind.
type RunResult struct {
	ExitCode int
	Stderr   string
}

// Progress is one block of the encoder's -progress output.
type Progress struct {
	Frame   int64
	OutTime time.Duration
	Speed   string
	Done    bool
}

// ExecRunner runs the encoder binary as a subprocess.
type ExecRunner struct {
	binary  string
	timeout time.Duration
	grace   time.Duration
	logger  *slog.Logger
}

var _ Runner = (*ExecRunner)(nil)

// NewExecRunner creates a runner for binary with a per-run timeout.
func NewExecRunner(binary string, timeout time.Duration, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		binary:  binary,
		timeout: timeout,
		grace:   terminationGracePeriod,
		logger:  logger.With("component", "encoder"),
	}
}

// Run spawns the encoder with args and blocks until it exits, the timeout
// fires, or ctx is done. Timeouts and cancellation terminate the process with
// SIGTERM, then SIGKILL after the grace period.
func (r *ExecRunner) Run(ctx context.Context, args []string, progress func(Progress)) (RunResult, error) {
	timeoutTimer := time.NewTimer(r.timeout)
	defer timeoutTimer.Stop()

	// Not CommandContext: termination is escalated by hand below.
	fullArgs := make([]string, 0, len(baseArgs)+len(args))
	fullArgs = append(fullArgs, baseArgs...)
	fullArgs = append(fullArgs, args...)
	cmd := exec.Command(r.binary, fullArgs...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{ExitCode: -1}, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	r.logger.Debug("spawning encoder", "binary", r.binary, "args", args, "timeout", r.timeout)

	if err := cmd.Start(); err != nil {
		return RunResult{ExitCode: -1}, fmt.Errorf("start encoder: %w", err)
	}

	// stdout must be drained before Wait.
	waitErr := make(chan error, 1)
	go func() {
		readProgress(stdout, progress)
		waitErr <- cmd.Wait()
	}()

	select {
	case <-timeoutTimer.C:
		r.logger.Warn("encoder step timed out, sending SIGTERM", "timeout", r.timeout)
		r.terminate(cmd, waitErr)
		return RunResult{ExitCode: -1, Stderr: stderr.String()}, ErrTimeout

	case <-ctx.Done():
		r.logger.Info("encoder step canceled, sending SIGTERM")
		r.terminate(cmd, waitErr)
		return RunResult{ExitCode: -1, Stderr: stderr.String()}, ctx.Err()

	case err := <-waitErr:
		res := RunResult{Stderr: stderr.String()}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitCode()
				r.logger.Warn("encoder exited with non-zero status", "exit_code", res.ExitCode)
				return res, fmt.Errorf("%w: exit code %d", ErrNonZeroExit, res.ExitCode)
			}
			res.ExitCode = -1
			return res, fmt.Errorf("wait for encoder: %w", err)
		}
		return res, nil
	}
}

func (r *ExecRunner) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			r.logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		r.logger.Info("encoder exited after SIGTERM")
	case <-grace.C:
		r.logger.Warn("encoder did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				r.logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

// readProgress consumes key=value lines until EOF. A "progress=" line closes
// a block; each block is reported to fn if it is set.
func readProgress(rd io.Reader, fn func(Progress)) {
	scanner := bufio.NewScanner(rd)
	var cur Progress
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "frame":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				cur.Frame = n
			}
		case "out_time_us", "out_time_ms":
			// Both keys are microseconds.
			if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 {
				cur.OutTime = time.Duration(n) * time.Microsecond
			}
		case "speed":
			cur.Speed = strings.TrimSpace(value)
		case "progress":
			cur.Done = value == "end"
			if fn != nil {
				fn(cur)
			}
		}
	}
	// Keep draining so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, rd)
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
