package session_test

import (
	"path/filepath"
	"testing"

	"github.com/influxdata/kernelc/cache"
	"github.com/influxdata/kernelc/session"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfig_FromTOML(t *testing.T) {
	c := session.NewConfig()
	require.NoError(t, c.FromTOML(`
platform = "vulkan"
offline-cache = true
offline-cache-file-path = "/var/cache/kernelc"
offline-cache-cleaning-policy = "lru"
offline-cache-max-size-of-files = "64m"
offline-cache-cleaning-factor = 0.5

[logging]
format = "json"
level = "debug"
`))
	require.NoError(t, c.Validate())

	require.Equal(t, "vulkan", c.Platform)
	require.True(t, c.OfflineCache)
	require.Equal(t, cache.MemAndDiskCache, c.CacheMode())
	require.Equal(t, cache.CleanLRU, c.CleaningPolicy())
	require.EqualValues(t, 64<<20, c.OfflineCacheMaxSizeOfFiles)
	require.Equal(t, 0.5, c.OfflineCacheCleaningFactor)
	require.Equal(t, filepath.Join("/var/cache/kernelc", "vulkan"), c.CachePath())
	require.Equal(t, "json", c.Logging.Format)
	require.Equal(t, zapcore.DebugLevel, c.Logging.Level)
}

func TestConfig_Defaults(t *testing.T) {
	c := session.NewConfig()
	require.NoError(t, c.Validate())
	require.Equal(t, session.DefaultPlatform, c.Platform)
	require.False(t, c.OfflineCache)
	require.Equal(t, cache.MemCache, c.CacheMode())
	require.Equal(t, cache.CleanNever, c.CleaningPolicy())
	require.EqualValues(t, session.DefaultMaxSizeOfFiles, c.OfflineCacheMaxSizeOfFiles)
	require.NotEmpty(t, c.OfflineCacheFilePath)
}

func TestConfig_Validate(t *testing.T) {
	for _, tt := range []struct {
		name string
		edit func(c *session.Config)
	}{
		{name: "no platform", edit: func(c *session.Config) { c.Platform = "" }},
		{name: "unknown policy", edit: func(c *session.Config) { c.OfflineCacheCleaningPolicy = "random" }},
		{name: "zero factor", edit: func(c *session.Config) { c.OfflineCacheCleaningFactor = 0 }},
		{name: "factor above one", edit: func(c *session.Config) { c.OfflineCacheCleaningFactor = 1.5 }},
		{name: "disk cache without path", edit: func(c *session.Config) {
			c.OfflineCache = true
			c.OfflineCacheFilePath = ""
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c := session.NewConfig()
			tt.edit(&c)
			require.Error(t, c.Validate())
		})
	}
}

func TestConfig_FromTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernelc.toml")
	writeFile(t, path, "platform = \"cuda\"\noffline-cache-cleaning-policy = \"SIZE\"\n")

	c := session.NewConfig()
	require.NoError(t, c.FromTOMLFile(path))
	require.NoError(t, c.Validate())
	require.Equal(t, "cuda", c.Platform)
	require.Equal(t, cache.CleanSize, c.CleaningPolicy())
}
