package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"stack level", func(c *Config) { c.Decode.StackLevel = "deep" }, "decode.stack_level"},
		{"stack depth", func(c *Config) { c.Decode.MaxStackDepth = -1 }, "decode.max_stack_depth"},
		{"format", func(c *Config) { c.Output.Format = "xml" }, "output.format"},
		{"batch size", func(c *Config) { c.Output.StoreBatchSize = -5 }, "output.store_batch_size"},
		{"filter", func(c *Config) {
			c.Filter.Expression = "pid == 1"
			c.Filter.Syscalls = []string{"read"}
		}, "filter"},
		{"attach attempts", func(c *Config) { c.Tracer.AttachAttempts = 0 }, "tracer.attach_attempts"},
		{"attach delay", func(c *Config) { c.Tracer.AttachDelay = -time.Second }, "tracer.attach_delay"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			var multi *MultiValidationError
			require.True(t, errors.As(err, &multi))
			require.Len(t, multi.Errors, 1)
			assert.Equal(t, tt.field, multi.Errors[0].Field)
		})
	}
}

func TestMultiValidationError_Error(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output.Format = "xml"
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed with 2 errors")
	assert.Contains(t, err.Error(), "1. output.format")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SYSCAT_STACK_LEVEL", "full")
	t.Setenv("SYSCAT_MAX_STACK_DEPTH", "4")
	t.Setenv("SYSCAT_COLORS", "false")
	t.Setenv("SYSCAT_SYSCALLS", "read, write,")
	t.Setenv("SYSCAT_ATTACH_ATTEMPTS", "9")
	t.Setenv("SYSCAT_ATTACH_DELAY", "250ms")

	cfg := DefaultConfig()
	require.NoError(t, LoadFromEnv(cfg))
	assert.Equal(t, "full", cfg.Decode.StackLevel)
	assert.Equal(t, 4, cfg.Decode.MaxStackDepth)
	assert.False(t, cfg.Decode.Colors)
	assert.Equal(t, []string{"read", "write"}, cfg.Filter.Syscalls)
	assert.Equal(t, uint(9), cfg.Tracer.AttachAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Tracer.AttachDelay)
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	t.Setenv("SYSCAT_MAX_STACK_DEPTH", "many")
	err := LoadFromEnv(DefaultConfig())
	assert.ErrorContains(t, err, "SYSCAT_MAX_STACK_DEPTH")

	assert.Error(t, LoadFromEnv(Config{}))
}

func TestLoader_Layers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
decode:
  stack_level: none
output:
  format: json
tracer:
  attach_delay: 1s
`), 0o600))
	t.Setenv("SYSCAT_FORMAT", "text")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Decode.StackLevel)
	// The environment wins over the file.
	assert.Equal(t, "text", cfg.Output.Format)
	assert.Equal(t, time.Second, cfg.Tracer.AttachDelay)
	// Untouched values keep their defaults.
	assert.Equal(t, DefaultStoreBatchSize, cfg.Output.StoreBatchSize)
}

func TestLoader_MissingFile(t *testing.T) {
	cfg, err := NewLoader(filepath.Join(t.TempDir(), "none.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output: [nope"), 0o600))
	_, err := NewLoader(path).Load()
	assert.ErrorContains(t, err, "failed to parse config")

	require.NoError(t, os.WriteFile(path, []byte("output:\n  format: xml\n"), 0o600))
	_, err = NewLoader(path).Load()
	assert.ErrorContains(t, err, "output.format")
}

func TestLoader_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Filter.Syscalls = []string{"openat"}
	cfg.Output.Store = "trace.duckdb"
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestNewLoader_Resolution(t *testing.T) {
	t.Setenv("SYSCAT_CONFIG", "/etc/syscat.yaml")
	assert.Equal(t, "/etc/syscat.yaml", NewLoader("").Path())
	assert.Equal(t, "explicit.yaml", NewLoader("explicit.yaml").Path())

	t.Setenv("SYSCAT_CONFIG", "")
	assert.Equal(t, "config.yaml", filepath.Base(NewLoader("").Path()))
}
