package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/ffgate/internal/workspace"
)

// Artifact is a job output published into a durable root.
type Artifact struct {
	Name   string `json:"name"`
	Path   string `json:"-"`
	URL    string `json:"url"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

// Store publishes finished outputs into a durable directory, e.g. uploads.
// Names follow <op>_<unix millis>_<token>.<ext> so the sweeper can age them.
type Store struct {
	dir        string
	publicBase string
	now        func() time.Time
	digest     func(string) (string, error)
}

// NewStore creates a store rooted at dir; publicBase prefixes artifact URLs.
func NewStore(dir, publicBase string) *Store {
	return &Store{
		dir:        filepath.Clean(dir),
		publicBase: strings.TrimRight(publicBase, "/"),
		now:        time.Now,
		digest:     FileDigest,
	}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Publish moves src into the store under a fresh name and returns its
// metadata. src is gone afterwards on success. On failure nothing is left
// in the store.
func (s *Store) Publish(src, op, ext string) (Artifact, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create store directory: %w", err)
	}

	name := ArtifactName(op, ext, s.now())
	dst := filepath.Join(s.dir, name)
	if err := moveFile(src, dst); err != nil {
		return Artifact{}, err
	}

	info, err := os.Stat(dst)
	if err != nil {
		_ = os.Remove(dst)
		return Artifact{}, fmt.Errorf("stat artifact: %w", err)
	}
	digest, err := s.digest(dst)
	if err != nil {
		_ = os.Remove(dst)
		return Artifact{}, err
	}

	return Artifact{
		Name:   name,
		Path:   dst,
		URL:    s.publicBase + "/" + path.Clean(name),
		Size:   info.Size(),
		Digest: digest,
	}, nil
}

// ArtifactName builds <op>_<unix millis>_<token>.<ext>.
func ArtifactName(op, ext string, at time.Time) string {
	op = strings.NewReplacer("/", "-", "\\", "-", "_", "-").Replace(op)
	return op + "_" + strconv.FormatInt(at.UnixMilli(), 10) + "_" + workspace.NewToken() + "." + strings.TrimPrefix(ext, ".")
}

// FileDigest returns the hex BLAKE3 digest of a file.
func FileDigest(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", filePath, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// moveFile renames src to dst, copying across devices when rename cannot.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return fmt.Errorf("move %s: %w", filepath.Base(src), err)
	}

	// Copy to a sibling temp name, then rename, so readers never see a partial file.
	tmp := dst + ".part"
	if err := copyFile(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("move %s: %w", filepath.Base(src), err)
	}
	_ = os.Remove(src)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}
