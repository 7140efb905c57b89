package config

import (
	"runtime"
	"time"
)

// Config represents the complete ffgate configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Encoder EncoderConfig `yaml:"encoder"`
	Sweep   SweepConfig   `yaml:"sweep"`

	// SourcePath is the absolute path the config was loaded from (empty for defaults).
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json, text or auto
	LockPath  string `yaml:"lock_path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen      string   `yaml:"listen"`
	PublicBase  string   `yaml:"public_base"` // URL prefix for served outputs, e.g. "/uploads"
	MaxUploadMB int64    `yaml:"max_upload_mb"`
	MaxBatch    int      `yaml:"max_batch"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// StorageConfig names the filesystem roots the service writes to.
type StorageConfig struct {
	TempDir    string `yaml:"temp_dir"`
	CacheDir   string `yaml:"cache_dir"`
	UploadsDir string `yaml:"uploads_dir"`
}

// EncoderConfig defines how the external encoder is invoked.
type EncoderConfig struct {
	Binary        string        `yaml:"binary"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	StepTimeout   time.Duration `yaml:"step_timeout"`
}

// SweepConfig defines the background garbage collector.
type SweepConfig struct {
	Enabled bool          `yaml:"enabled"`
	Every   time.Duration `yaml:"interval"`
	// Schedule is an optional cron expression that overrides Every.
	Schedule      string        `yaml:"schedule,omitempty"`
	MaxAge        time.Duration `yaml:"max_age"`
	UploadsMaxAge time.Duration `yaml:"uploads_max_age"`
}

// Defaults returns a Config with the stock settings.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "ffgate",
			LogLevel:  "info",
			LogFormat: "json",
			LockPath:  "./data/ffgate.lock",
		},
		API: APIConfig{
			Listen:      "127.0.0.1:3000",
			PublicBase:  "/uploads",
			MaxUploadMB: 100,
			MaxBatch:    10,
		},
		Storage: StorageConfig{
			TempDir:    "./data/temp",
			CacheDir:   "./data/cache",
			UploadsDir: "./data/uploads",
		},
		Encoder: EncoderConfig{
			Binary:        "ffmpeg",
			MaxConcurrent: runtime.NumCPU(),
			StepTimeout:   10 * time.Minute,
		},
		Sweep: SweepConfig{
			Enabled:       true,
			Every:         1 * time.Hour,
			MaxAge:        2 * time.Hour,
			UploadsMaxAge: 4 * time.Hour,
		},
	}
}
