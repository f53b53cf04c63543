// Package filter selects the syscalls worth decoding with CEL expressions.
//
// An expression sees four variables and must evaluate to a bool:
//
//	syscall  string  syscall name, e.g. "openat"
//	process  string  process name
//	pid      int     process id
//	tid      int     thread id
//
// Example: syscall in ["openat", "close"] && process == "nginx"
package filter

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/rs/zerolog"
)

// Filter implements decoder.Filter.
type Filter struct {
	logger  zerolog.Logger
	expr    string
	program cel.Program

	evalErrors atomic.Int64
}

// Compile parses and type-checks expr.
func Compile(logger zerolog.Logger, expr string) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("syscall", cel.StringType),
		cel.Variable("process", cel.StringType),
		cel.Variable("pid", cel.IntType),
		cel.Variable("tid", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("filter %q must evaluate to bool, not %s", expr, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build filter program: %w", err)
	}

	return &Filter{
		logger:  logger.With().Str("component", "filter").Logger(),
		expr:    expr,
		program: program,
	}, nil
}

// ForSyscalls builds a filter accepting only the named syscalls.
func ForSyscalls(logger zerolog.Logger, names ...string) (*Filter, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no syscall names")
	}
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = strconv.Quote(strings.TrimSpace(n))
	}
	return Compile(logger, fmt.Sprintf("syscall in [%s]", strings.Join(quoted, ", ")))
}

// String returns the source expression.
func (f *Filter) String() string { return f.expr }

// EvalErrors returns how many evaluations failed.
func (f *Filter) EvalErrors() int64 { return f.evalErrors.Load() }

// Allow reports whether the syscall is decoded. Evaluation failures allow
// the syscall so that nothing is silently hidden.
func (f *Filter) Allow(syscall, process string, pid, tid uint64) bool {
	out, _, err := f.program.Eval(map[string]any{
		"syscall": syscall,
		"process": process,
		"pid":     int64(pid),
		"tid":     int64(tid),
	})
	if err != nil {
		if f.evalErrors.Add(1) == 1 {
			f.logger.Warn().Err(err).Str("expr", f.expr).Str("syscall", syscall).Msg("Filter evaluation failed")
		}
		return true
	}
	allowed, ok := out.Value().(bool)
	return !ok || allowed
}
