package storage

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"
)

func TestStorePublishMovesAndDigests(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := filepath.Join(root, "ws", "out.gif")
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(src, []byte("GIF89a"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	store := NewStore(filepath.Join(root, "uploads"), "/uploads/")
	store.now = func() time.Time { return time.UnixMilli(1700000000000) }

	art, err := store.Publish(src, "chromakey-to-gif", "gif")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if !regexp.MustCompile(`^chromakey-to-gif_1700000000000_[0-9a-f]{16}\.gif$`).MatchString(art.Name) {
		t.Fatalf("artifact name = %q", art.Name)
	}
	if art.URL != "/uploads/"+art.Name {
		t.Fatalf("artifact URL = %q", art.URL)
	}
	if art.Size != 6 {
		t.Fatalf("artifact size = %d, want 6", art.Size)
	}
	if len(art.Digest) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(art.Digest))
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source should be moved away, stat err = %v", err)
	}
	if _, err := os.Stat(art.Path); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
}

func TestStorePublishMissingSource(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir(), "/uploads")
	if _, err := store.Publish(filepath.Join(t.TempDir(), "nope.png"), "crop", "png"); err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestStorePublishDigestFailureLeavesNothing(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := filepath.Join(root, "out.png")
	if err := os.WriteFile(src, []byte("png"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	uploads := filepath.Join(root, "uploads")
	store := NewStore(uploads, "/uploads")
	store.digest = func(string) (string, error) { return "", errors.New("read failed") }

	if _, err := store.Publish(src, "crop", "png"); err == nil {
		t.Fatal("expected digest failure to fail Publish")
	}
	entries, err := os.ReadDir(uploads)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("store should be empty after a failed publish, found %d entries", len(entries))
	}
}

func TestFileDigestStable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	_ = os.WriteFile(a, []byte("same"), 0o644)
	_ = os.WriteFile(b, []byte("same"), 0o644)

	da, err := FileDigest(a)
	if err != nil {
		t.Fatalf("FileDigest: %v", err)
	}
	db, _ := FileDigest(b)
	if da != db {
		t.Fatalf("digests differ for identical content")
	}
}

func TestArtifactNameSanitizesOp(t *testing.T) {
	t.Parallel()

	name := ArtifactName("gif/batch_compress", ".gif", time.UnixMilli(1))
	if !regexp.MustCompile(`^gif-batch-compress_1_[0-9a-f]{16}\.gif$`).MatchString(name) {
		t.Fatalf("name = %q", name)
	}
}
