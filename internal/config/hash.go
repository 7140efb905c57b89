package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Fingerprint returns a short BLAKE3 digest of the loaded config file so a
// running instance can be matched to the file it was started from. Configs
// built from Defaults report "defaults".
func (c *Config) Fingerprint() string {
	if c.SourcePath == "" {
		return "defaults"
	}
	sum, err := ComputeBlake3Hash(c.SourcePath)
	if err != nil {
		return "unknown"
	}
	return sum[:16]
}
