package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// A directory path is resolved to the config.yaml inside it. A .env file next
// to the config is loaded first so ${VAR} placeholders can reference it; values
// already present in the environment win.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	configDir := filepath.Dir(absPath)
	if err := loadDotEnv(filepath.Join(configDir, ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath
	cfg.resolvePaths(configDir)

	return cfg, nil
}

// Parse decodes YAML bytes on top of Defaults, then validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// applyConfigDefaults fills values that depend on other settings.
func applyConfigDefaults(cfg *Config) {
	if cfg.Sweep.UploadsMaxAge <= 0 && cfg.Sweep.MaxAge > 0 {
		cfg.Sweep.UploadsMaxAge = 2 * cfg.Sweep.MaxAge
	}
	if cfg.Encoder.MaxConcurrent <= 0 {
		cfg.Encoder.MaxConcurrent = Defaults().Encoder.MaxConcurrent
	}
	if cfg.API.MaxBatch <= 0 {
		cfg.API.MaxBatch = 10
	}
	cfg.Service.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Service.LogLevel))
	cfg.Service.LogFormat = strings.ToLower(strings.TrimSpace(cfg.Service.LogFormat))
}

// resolvePaths makes relative storage paths relative to the config directory.
func (c *Config) resolvePaths(baseDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	c.Storage.TempDir = resolve(c.Storage.TempDir)
	c.Storage.CacheDir = resolve(c.Storage.CacheDir)
	c.Storage.UploadsDir = resolve(c.Storage.UploadsDir)
	c.Service.LockPath = resolve(c.Service.LockPath)
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Leave the placeholder; validation reports it where it matters.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "text": true, "auto": true}
	if !validFormats[cfg.Service.LogFormat] {
		return fmt.Errorf("service.log_format must be one of: json, text, auto (got %q)", cfg.Service.LogFormat)
	}

	if strings.TrimSpace(cfg.API.Listen) == "" {
		return fmt.Errorf("api.listen is required")
	}
	if cfg.API.MaxUploadMB <= 0 {
		return fmt.Errorf("api.max_upload_mb must be positive")
	}

	for field, dir := range map[string]string{
		"storage.temp_dir":    cfg.Storage.TempDir,
		"storage.cache_dir":   cfg.Storage.CacheDir,
		"storage.uploads_dir": cfg.Storage.UploadsDir,
	} {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("%s is required", field)
		}
		if envVarPattern.MatchString(dir) {
			return fmt.Errorf("%s: unresolved environment variable in %q", field, dir)
		}
	}

	if strings.TrimSpace(cfg.Encoder.Binary) == "" {
		return fmt.Errorf("encoder.binary is required")
	}
	if envVarPattern.MatchString(cfg.Encoder.Binary) {
		return fmt.Errorf("encoder.binary: unresolved environment variable in %q", cfg.Encoder.Binary)
	}
	if cfg.Encoder.StepTimeout <= 0 {
		return fmt.Errorf("encoder.step_timeout must be positive")
	}

	if cfg.Sweep.Enabled {
		if cfg.Sweep.Schedule == "" && cfg.Sweep.Every <= 0 {
			return fmt.Errorf("sweep.interval must be positive")
		}
		if cfg.Sweep.Schedule != "" {
			if _, err := cron.ParseStandard(cfg.Sweep.Schedule); err != nil {
				return fmt.Errorf("sweep.schedule: %w", err)
			}
		}
		if cfg.Sweep.MaxAge <= 0 {
			return fmt.Errorf("sweep.max_age must be positive")
		}
		// A workspace must be either cleaned by its job or still younger than
		// the threshold when the sweeper sees it.
		if cfg.Sweep.MaxAge <= cfg.Encoder.StepTimeout {
			return fmt.Errorf("sweep.max_age (%s) must exceed encoder.step_timeout (%s)",
				cfg.Sweep.MaxAge, cfg.Encoder.StepTimeout)
		}
	}

	return nil
}
