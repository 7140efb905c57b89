package workspace

import (
	"context"
	"errors"
	"path/filepath"
	"time"
)

// ErrAllocate marks failures to create a workspace (permissions, disk full).
// They are fatal to the job that asked, never to the process.
var ErrAllocate = errors.New("workspace allocation failed")

// Workspace describes a job-scoped scratch directory under the temp root.
//
// The directory tree itself is the registry: names encode the creation time
// and a random token, so nothing else needs to be persisted.
type Workspace struct {
	Name      string
	Dir       string
	Root      string
	CreatedAt time.Time
}

// Path joins name onto the workspace directory.
func (w Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Manager governs the lifecycle of ephemeral job workspaces.
type Manager interface {
	// Allocate creates a uniquely named workspace directory.
	Allocate(ctx context.Context, prefix string) (Workspace, error)

	// CreateFile creates a uniquely named file directly under the temp root,
	// e.g. for a materialized upload. The caller releases it with Release.
	CreateFile(ctx context.Context, prefix, ext string) (string, error)

	// Release recursively removes path and forgets it. Missing paths are not an error.
	Release(path string) error

	// WithWorkspace runs fn inside a fresh workspace and removes the workspace
	// on every exit path.
	WithWorkspace(ctx context.Context, prefix string, fn func(Workspace) error) error

	// IsActive reports whether path is a live workspace or file of this process.
	IsActive(path string) bool

	// ActiveCount returns the number of live workspaces and files.
	ActiveCount() int
}
