package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/ffgate/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.Defaults()
	cfg.Storage.TempDir = filepath.Join(base, "temp")
	cfg.Storage.CacheDir = filepath.Join(base, "cache")
	cfg.Storage.UploadsDir = filepath.Join(base, "uploads")
	cfg.Service.LockPath = filepath.Join(base, "ffgate.lock")
	cfg.Encoder.MaxConcurrent = 2
	return cfg
}

func newDoctor(cfg *config.Config) *Doctor {
	d := New(cfg)
	d.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	d.fsCheck = func(string) error { return nil }
	return d
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_EncoderNotFound(t *testing.T) {
	t.Parallel()
	d := newDoctor(validConfig(t))
	d.lookPath = func(string) (string, error) { return "", errors.New("executable file not found in $PATH") }
	r := d.Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "encoder", "not found")
}

func TestValidate_MaxConcurrent(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Encoder.MaxConcurrent = 0
	assertHasError(t, newDoctor(cfg).Validate(), "encoder", "max_concurrent")

	cfg = validConfig(t)
	cfg.Encoder.MaxConcurrent = 100000
	assertHasWarning(t, newDoctor(cfg).Validate(), "encoder", "available CPUs")
}

func TestValidate_DuplicateRoots(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Storage.CacheDir = cfg.Storage.TempDir
	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "storage", "shares directory")
}

func TestValidate_NestedRoots(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Storage.UploadsDir = filepath.Join(cfg.Storage.TempDir, "uploads")
	assertHasError(t, newDoctor(cfg).Validate(), "storage", "nests with")
}

func TestValidate_UnwritableRoot(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Storage.CacheDir = filepath.Join(blocker, "cache")
	assertHasError(t, newDoctor(cfg).Validate(), "storage", "cannot create")
}

func TestValidate_NetworkFilesystemIsWarning(t *testing.T) {
	t.Parallel()
	d := newDoctor(validConfig(t))
	d.fsCheck = func(path string) error { return errors.New("network filesystem (nfs) at " + path) }
	r := d.Validate()
	if !r.Valid {
		t.Fatalf("network filesystem must only warn, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "storage", "nfs")
}

func TestValidate_SweepThresholds(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Sweep.MaxAge = cfg.Encoder.StepTimeout
	assertHasError(t, newDoctor(cfg).Validate(), "sweep", "must exceed")

	cfg = validConfig(t)
	cfg.Sweep.UploadsMaxAge = time.Minute
	assertHasWarning(t, newDoctor(cfg).Validate(), "sweep", "uploads_max_age")

	cfg = validConfig(t)
	cfg.Sweep.Every = 10 * time.Second
	assertHasWarning(t, newDoctor(cfg).Validate(), "sweep", "very short")

	cfg = validConfig(t)
	cfg.Sweep.Enabled = false
	assertHasWarning(t, newDoctor(cfg).Validate(), "sweep", "disabled")
}

func TestValidate_WildcardCORS(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.CORSOrigins = []string{"http://localhost:5173", "*"}
	assertHasWarning(t, newDoctor(cfg).Validate(), "api", "wildcard")
}

func TestWithin(t *testing.T) {
	t.Parallel()
	cases := []struct {
		path, dir string
		want      bool
	}{
		{"/data/temp/uploads", "/data/temp", true},
		{"/data/temp", "/data/temp", false},
		{"/data/temp2", "/data/temp", false},
		{"/data", "/data/temp", false},
	}
	for _, c := range cases {
		if got := within(c.path, c.dir); got != c.want {
			t.Errorf("within(%q, %q) = %v, want %v", c.path, c.dir, got, c.want)
		}
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{Valid: false, Errors: []Issue{{Category: "encoder", Message: "missing", Field: "encoder.binary"}}}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": false`) || !strings.Contains(out, `"encoder.binary"`) {
		t.Fatalf("unexpected JSON: %s", out)
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	if got := FormatHuman(&Result{Valid: true}); got != "Configuration valid.\n" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "storage", Field: "storage.temp_dir", Message: "not writable"}},
		Warnings: []Issue{{Category: "sweep", Message: "sweeper disabled"}},
	}
	out := FormatHuman(r)
	for _, want := range []string{
		"Configuration invalid (1 error(s), 1 warning(s))",
		"ERROR [storage] storage.temp_dir: not writable",
		"WARN  [sweep] sweeper disabled",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
