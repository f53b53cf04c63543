package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/syscat/internal/decoder"
)

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError gathers every invalid field.
type MultiValidationError struct {
	Errors []ValidationError
}

func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "validation failed with %d errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err.Error())
	}
	return b.String()
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := decoder.ParseStackLevel(c.Decode.StackLevel); err != nil {
		add("decode.stack_level", "%v", err)
	}
	if c.Decode.MaxStackDepth < 0 {
		add("decode.max_stack_depth", "must not be negative")
	}
	if !slices.Contains(Formats, c.Output.Format) {
		add("output.format", "unknown format %q (want %s)", c.Output.Format, strings.Join(Formats, " or "))
	}
	if c.Output.StoreBatchSize < 0 {
		add("output.store_batch_size", "must not be negative")
	}
	if c.Filter.Expression != "" && len(c.Filter.Syscalls) > 0 {
		add("filter", "expression and syscalls are exclusive")
	}
	if c.Tracer.AttachAttempts == 0 {
		add("tracer.attach_attempts", "must be at least 1")
	}
	if c.Tracer.AttachDelay < 0 {
		add("tracer.attach_delay", "must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "unknown level %q", c.Logging.Level)
	}

	if len(errs) > 0 {
		return &MultiValidationError{Errors: errs}
	}
	return nil
}
