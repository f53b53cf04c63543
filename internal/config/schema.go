// Package config loads the syscat configuration.
//
// Values are layered: built-in defaults, then the YAML file, then SYSCAT_*
// environment variables. Command line flags are applied last by the CLI.
package config

import "time"

// Config is the complete syscat configuration.
type Config struct {
	Decode  DecodeConfig  `yaml:"decode"`
	Output  OutputConfig  `yaml:"output"`
	Filter  FilterConfig  `yaml:"filter"`
	Tracer  TracerConfig  `yaml:"tracer"`
	Logging LoggingConfig `yaml:"logging"`
}

// DecodeConfig controls what the decoders capture.
type DecodeConfig struct {
	// StackLevel is none, partial or full.
	StackLevel string `yaml:"stack_level" env:"SYSCAT_STACK_LEVEL"`
	// MaxStackDepth bounds the displayed callers, zero means unbounded.
	MaxStackDepth   int  `yaml:"max_stack_depth" env:"SYSCAT_MAX_STACK_DEPTH"`
	WithProcessInfo bool `yaml:"with_process_info" env:"SYSCAT_WITH_PROCESS_INFO"`
	Colors          bool `yaml:"colors" env:"SYSCAT_COLORS"`
	Symbolize       bool `yaml:"symbolize" env:"SYSCAT_SYMBOLIZE"`
}

// OutputConfig selects where decoded syscalls go.
type OutputConfig struct {
	// Format is text or json.
	Format string `yaml:"format" env:"SYSCAT_FORMAT"`
	// Compare is a golden trace to check the trace against.
	Compare string `yaml:"compare,omitempty" env:"SYSCAT_COMPARE"`
	// Store is a DuckDB file receiving every event.
	Store          string `yaml:"store,omitempty" env:"SYSCAT_STORE"`
	StoreBatchSize int    `yaml:"store_batch_size" env:"SYSCAT_STORE_BATCH_SIZE"`
}

// FilterConfig restricts the decoded syscalls.
type FilterConfig struct {
	// Expression is a CEL expression over syscall, process, pid and tid.
	Expression string `yaml:"expression,omitempty" env:"SYSCAT_FILTER"`
	// Syscalls is a shorthand for an expression allowing only these names.
	Syscalls []string `yaml:"syscalls,omitempty" env:"SYSCAT_SYSCALLS"`
}

// TracerConfig configures the ptrace backend.
type TracerConfig struct {
	FollowForks    bool          `yaml:"follow_forks" env:"SYSCAT_FOLLOW_FORKS"`
	AttachAttempts uint          `yaml:"attach_attempts" env:"SYSCAT_ATTACH_ATTEMPTS"`
	AttachDelay    time.Duration `yaml:"attach_delay" env:"SYSCAT_ATTACH_DELAY"`
}

// LoggingConfig configures the diagnostic logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"SYSCAT_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"SYSCAT_LOG_PRETTY"`
}
