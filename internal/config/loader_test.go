package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config keeps defaults",
			yaml: `
service:
  name: test
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.Name != "test" {
					t.Errorf("service.name = %q, want test", cfg.Service.Name)
				}
				if cfg.Sweep.Every != time.Hour {
					t.Errorf("sweep.interval = %v, want 1h", cfg.Sweep.Every)
				}
				if cfg.Sweep.MaxAge != 2*time.Hour {
					t.Errorf("sweep.max_age = %v, want 2h", cfg.Sweep.MaxAge)
				}
				if cfg.Sweep.UploadsMaxAge != 4*time.Hour {
					t.Errorf("sweep.uploads_max_age = %v, want 4h", cfg.Sweep.UploadsMaxAge)
				}
				if cfg.Encoder.Binary != "ffmpeg" {
					t.Errorf("encoder.binary = %q, want ffmpeg", cfg.Encoder.Binary)
				}
				if cfg.Encoder.MaxConcurrent <= 0 {
					t.Errorf("encoder.max_concurrent should default to a positive value")
				}
			},
		},
		{
			name: "uploads max age derives from max age",
			yaml: `
sweep:
  enabled: true
  interval: 30m
  max_age: 3h
  uploads_max_age: 0s
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Sweep.Every != 30*time.Minute {
					t.Errorf("sweep.interval = %v, want 30m", cfg.Sweep.Every)
				}
				if cfg.Sweep.UploadsMaxAge != 6*time.Hour {
					t.Errorf("sweep.uploads_max_age = %v, want 6h", cfg.Sweep.UploadsMaxAge)
				}
			},
		},
		{
			name: "env interpolation",
			yaml: `
encoder:
  binary: ${FFGATE_TEST_FFMPEG}
`,
			env: map[string]string{"FFGATE_TEST_FFMPEG": "/opt/ffmpeg/bin/ffmpeg"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Encoder.Binary != "/opt/ffmpeg/bin/ffmpeg" {
					t.Errorf("encoder.binary = %q", cfg.Encoder.Binary)
				}
			},
		},
		{
			name: "unresolved env var fails",
			yaml: `
encoder:
  binary: ${FFGATE_TEST_UNSET_BINARY}
`,
			wantErr: "unresolved environment variable",
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: chatty
`,
			wantErr: "log_level",
		},
		{
			name: "max age must exceed step timeout",
			yaml: `
encoder:
  step_timeout: 3h
sweep:
  enabled: true
  max_age: 2h
`,
			wantErr: "must exceed encoder.step_timeout",
		},
		{
			name: "invalid cron schedule",
			yaml: `
sweep:
  enabled: true
  schedule: "not a schedule"
`,
			wantErr: "sweep.schedule",
		},
		{
			name: "valid cron schedule",
			yaml: `
sweep:
  enabled: true
  schedule: "@every 15m"
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Sweep.Schedule != "@every 15m" {
					t.Errorf("sweep.schedule = %q", cfg.Sweep.Schedule)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadResolvesRelativePathsAgainstConfigDir(t *testing.T) {
	dir := t.TempDir()
	yaml := `
storage:
  temp_dir: tmp
  cache_dir: /var/cache/ffgate
  uploads_dir: out/uploads
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// Directory paths resolve to config.yaml inside them.
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.TempDir != filepath.Join(dir, "tmp") {
		t.Errorf("temp_dir = %q", cfg.Storage.TempDir)
	}
	if cfg.Storage.CacheDir != "/var/cache/ffgate" {
		t.Errorf("cache_dir = %q", cfg.Storage.CacheDir)
	}
	if cfg.Storage.UploadsDir != filepath.Join(dir, "out", "uploads") {
		t.Errorf("uploads_dir = %q", cfg.Storage.UploadsDir)
	}
	if cfg.SourcePath != filepath.Join(dir, "config.yaml") {
		t.Errorf("SourcePath = %q", cfg.SourcePath)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	const key = "FFGATE_TEST_DOTENV_LISTEN"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(key+"=0.0.0.0:9999\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	yaml := "api:\n  listen: ${" + key + "}\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.API.Listen != "0.0.0.0:9999" {
		t.Fatalf("api.listen = %q, want value from .env", cfg.API.Listen)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	if got := Defaults().Fingerprint(); got != "defaults" {
		t.Fatalf("Defaults().Fingerprint() = %q", got)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("service:\n  name: a\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	first := cfg.Fingerprint()
	if len(first) != 16 {
		t.Fatalf("fingerprint length = %d, want 16", len(first))
	}

	if err := os.WriteFile(path, []byte("service:\n  name: b\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if cfg.Fingerprint() == first {
		t.Fatalf("fingerprint should change when file content changes")
	}
}
