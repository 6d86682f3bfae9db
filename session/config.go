package session

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/influxdata/kernelc/cache"
	"github.com/influxdata/kernelc/logger"
	itoml "github.com/influxdata/kernelc/toml"
)

const (
	// DefaultPlatform is the platform kernels are compiled for.
	DefaultPlatform = "metal"

	// DefaultCleaningPolicy is the default disk cache cleaning policy.
	DefaultCleaningPolicy = "never"

	// DefaultMaxSizeOfFiles is the default size cap of the disk cache.
	DefaultMaxSizeOfFiles = 100 * 1024 * 1024

	// DefaultCleaningFactor is the default fraction of the size cap
	// removed when the disk cache is cleaned.
	DefaultCleaningFactor = 0.25
)

// Config represents the configuration of a compile session.
type Config struct {
	Platform string `toml:"platform"`

	OfflineCache               bool       `toml:"offline-cache"`
	OfflineCacheFilePath       string     `toml:"offline-cache-file-path"`
	OfflineCacheCleaningPolicy string     `toml:"offline-cache-cleaning-policy"`
	OfflineCacheMaxSizeOfFiles itoml.Size `toml:"offline-cache-max-size-of-files"`
	OfflineCacheCleaningFactor float64    `toml:"offline-cache-cleaning-factor"`

	Logging logger.Config `toml:"logging"`
}

// NewConfig returns an instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Platform:                   DefaultPlatform,
		OfflineCacheFilePath:       defaultCachePath(),
		OfflineCacheCleaningPolicy: DefaultCleaningPolicy,
		OfflineCacheMaxSizeOfFiles: itoml.Size(DefaultMaxSizeOfFiles),
		OfflineCacheCleaningFactor: DefaultCleaningFactor,
		Logging:                    logger.NewConfig(),
	}
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "kernelc")
}

// FromTOML decodes s over the values already in c.
func (c *Config) FromTOML(s string) error {
	_, err := toml.Decode(s, c)
	return err
}

// FromTOMLFile decodes the file at path over the values already in c.
func (c *Config) FromTOMLFile(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// Validate returns an error if the config is invalid.
func (c Config) Validate() error {
	if c.Platform == "" {
		return fmt.Errorf("platform must be set")
	}
	if _, err := cache.ParseCleanPolicy(c.OfflineCacheCleaningPolicy); err != nil {
		return err
	}
	if f := c.OfflineCacheCleaningFactor; f <= 0 || f > 1 {
		return fmt.Errorf("offline-cache-cleaning-factor must be within (0, 1], got %v", f)
	}
	if c.OfflineCache && c.OfflineCacheFilePath == "" {
		return fmt.Errorf("offline-cache-file-path must be set when offline-cache is enabled")
	}
	return nil
}

// CachePath returns the directory of the disk cache for the platform.
func (c Config) CachePath() string {
	return filepath.Join(c.OfflineCacheFilePath, c.Platform)
}

// CacheMode returns the cache mode the config selects.
func (c Config) CacheMode() cache.Mode {
	if c.OfflineCache {
		return cache.MemAndDiskCache
	}
	return cache.MemCache
}

// CleaningPolicy returns the parsed cleaning policy.
func (c Config) CleaningPolicy() cache.CleanPolicy {
	p, _ := cache.ParseCleanPolicy(c.OfflineCacheCleaningPolicy)
	return p
}
