package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// tokenLen is the number of hex characters taken from a UUIDv4 for the name
// suffix (60 random bits once the version nibble is discounted).
const tokenLen = 16

// fsWorkspaceManager manages per-job workspace directories on local disk.
type fsWorkspaceManager struct {
	baseDir string
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
func NewFSManager(baseDir string, logger *slog.Logger) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &fsWorkspaceManager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
		logger:  logger.With("component", "workspace"),
		active:  make(map[string]struct{}),
	}, nil
}

// Root returns the directory workspaces are created under.
func (m *fsWorkspaceManager) Root() string {
	return m.baseDir
}

// Allocate creates a workspace directory named prefix-<unix millis>-<token>.
func (m *fsWorkspaceManager) Allocate(ctx context.Context, prefix string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	if err := validatePrefix(prefix); err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("%w: create base directory: %v", ErrAllocate, err)
	}

	created := m.now()
	name := NewName(prefix, created)
	path := filepath.Join(m.baseDir, name)

	// Mkdir (not MkdirAll) so an existing name surfaces as an error instead of
	// silently sharing a directory between jobs.
	if err := os.Mkdir(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("%w: create workspace %q: %v", ErrAllocate, name, err)
	}
	m.track(path)

	return Workspace{
		Name:      name,
		Dir:       path,
		Root:      m.baseDir,
		CreatedAt: created,
	}, nil
}

// CreateFile creates an empty file named prefix-<unix millis>-<token><ext>.
func (m *fsWorkspaceManager) CreateFile(ctx context.Context, prefix, ext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validatePrefix(prefix); err != nil {
		return "", err
	}
	if strings.ContainsAny(ext, `/\`) {
		return "", fmt.Errorf("extension %q must not contain path separators", ext)
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create base directory: %v", ErrAllocate, err)
	}

	path := filepath.Join(m.baseDir, NewName(prefix, m.now())+ext)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: create file %q: %v", ErrAllocate, filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: close file %q: %v", ErrAllocate, filepath.Base(path), err)
	}
	m.track(path)

	return path, nil
}

// Release removes path recursively and drops it from the active set.
func (m *fsWorkspaceManager) Release(path string) error {
	defer m.untrack(path)
	return RemoveAll(path)
}

// WithWorkspace allocates a workspace, runs fn and removes the workspace
// exactly once, whether fn returns, fails or panics. A cleanup failure is
// logged and never replaces fn's result.
func (m *fsWorkspaceManager) WithWorkspace(ctx context.Context, prefix string, fn func(Workspace) error) error {
	ws, err := m.Allocate(ctx, prefix)
	if err != nil {
		return err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := m.Release(ws.Dir); err != nil {
				m.logger.Warn("workspace cleanup failed", "workspace", ws.Name, "error", err)
				return
			}
			m.logger.Debug("workspace removed", "workspace", ws.Name)
		})
	}
	defer release()

	return fn(ws)
}

// IsActive reports whether path was allocated by this manager and not yet released.
func (m *fsWorkspaceManager) IsActive(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[filepath.Clean(path)]
	return ok
}

// ActiveCount returns the number of live allocations.
func (m *fsWorkspaceManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *fsWorkspaceManager) track(path string) {
	m.mu.Lock()
	m.active[filepath.Clean(path)] = struct{}{}
	m.mu.Unlock()
}

func (m *fsWorkspaceManager) untrack(path string) {
	m.mu.Lock()
	delete(m.active, filepath.Clean(path))
	m.mu.Unlock()
}

// NewName builds prefix-<unix millis>-<token>. The timestamp lets the sweeper
// age an entry without stat; the token keeps concurrent names distinct.
func NewName(prefix string, at time.Time) string {
	return prefix + "-" + strconv.FormatInt(at.UnixMilli(), 10) + "-" + NewToken()
}

// NewToken returns a random hex token derived from a UUIDv4.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:tokenLen]
}

// RemoveAll deletes path and everything below it. A path that is already gone
// is treated as success, so calling it twice is safe.
func RemoveAll(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("refusing to remove empty path")
	}
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %q: %w", path, err)
	}
	return nil
}

func validatePrefix(prefix string) error {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return fmt.Errorf("workspace prefix is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("workspace prefix %q is invalid", prefix)
	}
	if strings.ContainsAny(trimmed, `/\`) {
		return fmt.Errorf("workspace prefix %q must not contain path separators", prefix)
	}
	if filepath.Clean(trimmed) != trimmed || trimmed != prefix {
		return fmt.Errorf("workspace prefix %q is invalid", prefix)
	}
	return nil
}
