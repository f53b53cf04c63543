package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/syscat/internal/constants"
	"github.com/coral-mesh/syscat/internal/privilege"
)

// Loader reads and writes the configuration file.
type Loader struct {
	path string
}

// NewLoader creates a loader for path. An empty path is resolved from
// SYSCAT_CONFIG, then ~/.syscat/config.yaml of the user who invoked sudo
// when running under it.
func NewLoader(path string) *Loader {
	if path == "" {
		path = os.Getenv("SYSCAT_CONFIG")
	}
	if path == "" {
		path = filepath.Join(homeDir(), constants.DefaultDir, constants.ConfigFile)
	}
	return &Loader{path: path}
}

func homeDir() string {
	if u, err := privilege.DetectOriginalUser(); err == nil && u.HomeDir != "" {
		return u.HomeDir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	// Minimal containers have no home directory; no file will be found
	// there and the defaults apply.
	return filepath.Join(os.TempDir(), "syscat-fallback")
}

// Path returns the configuration file path.
func (l *Loader) Path() string { return l.path }

// Load returns the defaults overridden by the file, when it exists, and by
// the environment. The result is validated.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	//nolint:gosec // G304: the path is chosen by the user.
	data, err := os.ReadFile(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", l.path, err)
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to the configuration file. Under sudo the file is
// handed back to the invoking user.
func (l *Loader) Save(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	dir := filepath.Dir(l.path)
	//nolint:gosec // G301: the directory must stay traversable.
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	for _, path := range []string{dir, l.path} {
		if err := privilege.FixFileOwnership(path); err != nil {
			return err
		}
	}
	return nil
}
