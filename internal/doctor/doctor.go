// Package doctor checks that a loaded ffgate configuration can actually run
// on this host: the encoder resolves, storage roots are writable and local,
// and the sweep thresholds leave live jobs alone.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mattjoyce/ffgate/internal/config"
	"github.com/mattjoyce/ffgate/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the host environment.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	fsCheck  func(string) error
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:      cfg,
		lookPath: exec.LookPath,
		fsCheck:  storage.CheckLocalFilesystem,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateEncoder(r)
	d.validateStorage(r)
	d.validateAPI(r)
	d.validateSweep(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateEncoder checks the encoder binary and spawn limits.
func (d *Doctor) validateEncoder(r *Result) {
	enc := d.cfg.Encoder
	if enc.Binary == "" {
		d.addError(r, "encoder", "encoder.binary", "encoder.binary is required")
	} else if _, err := d.lookPath(enc.Binary); err != nil {
		d.addError(r, "encoder", "encoder.binary",
			fmt.Sprintf("encoder %q not found: %v", enc.Binary, err))
	}

	if enc.MaxConcurrent <= 0 {
		d.addError(r, "encoder", "encoder.max_concurrent", "max_concurrent must be positive")
	} else if enc.MaxConcurrent > 4*runtime.NumCPU() {
		d.addWarning(r, "encoder", "encoder.max_concurrent",
			fmt.Sprintf("max_concurrent %d is far above the %d available CPUs", enc.MaxConcurrent, runtime.NumCPU()))
	}
	if enc.StepTimeout <= 0 {
		d.addError(r, "encoder", "encoder.step_timeout", "step_timeout must be positive")
	}
}

// validateStorage checks that roots are distinct, writable and local.
func (d *Doctor) validateStorage(r *Result) {
	roots := []struct{ field, dir string }{
		{"storage.temp_dir", d.cfg.Storage.TempDir},
		{"storage.cache_dir", d.cfg.Storage.CacheDir},
		{"storage.uploads_dir", d.cfg.Storage.UploadsDir},
	}

	seen := make(map[string]string)
	for _, root := range roots {
		if root.dir == "" {
			d.addError(r, "storage", root.field, root.field+" is required")
			continue
		}
		clean := filepath.Clean(root.dir)
		if prev, dup := seen[clean]; dup {
			d.addError(r, "storage", root.field,
				fmt.Sprintf("%s shares directory %q with %s", root.field, clean, prev))
			continue
		}
		for other, otherField := range seen {
			if within(clean, other) || within(other, clean) {
				d.addError(r, "storage", root.field,
					fmt.Sprintf("%s %q nests with %s %q; a sweep of one would remove the other", root.field, clean, otherField, other))
			}
		}
		seen[clean] = root.field

		if err := checkWritable(clean); err != nil {
			d.addError(r, "storage", root.field, err.Error())
			continue
		}
		if err := d.fsCheck(clean); err != nil {
			d.addWarning(r, "storage", root.field, err.Error())
		}
	}

	if lock := d.cfg.Service.LockPath; lock != "" {
		if err := d.fsCheck(lock); err != nil {
			d.addWarning(r, "storage", "service.lock_path", err.Error())
		}
	}
}

// validateAPI checks HTTP settings that config loading accepts but that are
// probably mistakes.
func (d *Doctor) validateAPI(r *Result) {
	api := d.cfg.API
	if api.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required")
	}
	if api.MaxBatch <= 0 {
		d.addError(r, "api", "api.max_batch", "max_batch must be positive")
	}
	if api.MaxUploadMB > 2048 {
		d.addWarning(r, "api", "api.max_upload_mb",
			fmt.Sprintf("max_upload_mb %d allows uploads larger than 2 GiB", api.MaxUploadMB))
	}
	for i, origin := range api.CORSOrigins {
		if origin == "*" {
			d.addWarning(r, "api", fmt.Sprintf("api.cors_origins[%d]", i),
				"wildcard CORS origin lets any site drive the encoder")
		}
	}
}

// validateSweep checks that the sweeper cannot race a live job.
func (d *Doctor) validateSweep(r *Result) {
	sw := d.cfg.Sweep
	if !sw.Enabled {
		d.addWarning(r, "sweep", "sweep.enabled", "sweeper disabled; orphaned workspaces will accumulate")
		return
	}

	if sw.MaxAge <= d.cfg.Encoder.StepTimeout {
		d.addError(r, "sweep", "sweep.max_age",
			fmt.Sprintf("max_age %s must exceed encoder.step_timeout %s", sw.MaxAge, d.cfg.Encoder.StepTimeout))
	}
	if sw.UploadsMaxAge > 0 && sw.UploadsMaxAge < sw.MaxAge {
		d.addWarning(r, "sweep", "sweep.uploads_max_age",
			fmt.Sprintf("uploads_max_age %s is shorter than max_age %s; outputs may vanish before clients fetch them", sw.UploadsMaxAge, sw.MaxAge))
	}
	if sw.Schedule == "" && sw.Every > 0 && sw.Every < time.Minute {
		d.addWarning(r, "sweep", "sweep.interval",
			fmt.Sprintf("sweep interval %s is very short (< 1m)", sw.Every))
	}
}

// checkWritable creates dir if needed and proves a file can be written.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %v", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %v", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// within reports whether path lies strictly inside dir.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
