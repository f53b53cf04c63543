package config

import "time"

const (
	DefaultStackLevel     = "partial"
	DefaultFormat         = "text"
	DefaultStoreBatchSize = 256
	DefaultAttachAttempts = 5
	DefaultAttachDelay    = 10 * time.Millisecond
	DefaultLogLevel       = "warn"
)

// Formats lists the output formats.
var Formats = []string{"text", "json"}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Decode: DecodeConfig{
			StackLevel: DefaultStackLevel,
			Colors:     true,
			Symbolize:  true,
		},
		Output: OutputConfig{
			Format:         DefaultFormat,
			StoreBatchSize: DefaultStoreBatchSize,
		},
		Tracer: TracerConfig{
			AttachAttempts: DefaultAttachAttempts,
			AttachDelay:    DefaultAttachDelay,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Pretty: true,
		},
	}
}
