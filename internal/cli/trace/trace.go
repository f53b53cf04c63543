// Package trace implements 'syscat trace', which decodes the syscalls of a
// command it starts or of a running process.
package trace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/syscat/internal/abi"
	"github.com/coral-mesh/syscat/internal/cli/helpers"
	"github.com/coral-mesh/syscat/internal/comparator"
	"github.com/coral-mesh/syscat/internal/config"
	"github.com/coral-mesh/syscat/internal/consumer"
	"github.com/coral-mesh/syscat/internal/decoder"
	syserrors "github.com/coral-mesh/syscat/internal/errors"
	"github.com/coral-mesh/syscat/internal/eventstore"
	"github.com/coral-mesh/syscat/internal/filter"
	"github.com/coral-mesh/syscat/internal/privilege"
	"github.com/coral-mesh/syscat/internal/ptrace"
)

// ExitError carries the exit code of the traced command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("traced command exited with code %d", e.Code)
}

type flags struct {
	pid     int
	output  string
	session string
}

// NewTraceCmd creates the trace command.
func NewTraceCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "trace [flags] (--pid PID | -- COMMAND [ARGS...])",
		Short: "Decode the syscalls of a process",
		Long: `Decode the syscalls of a command started by syscat or of a running process.

Every syscall is displayed when its inputs are decoded and again when it
returns. The trace can also be written as JSON lines, stored in a DuckDB
file or compared with a golden trace recorded with --with-process-info.

Examples:
  # Trace a command
  syscat trace -- ls -l /tmp

  # Attach to a running process and only decode file syscalls
  sudo syscat trace --pid 1234 --syscalls openat,read,write,close

  # Record a golden trace, then check a later run against it
  syscat trace --with-process-info -O golden.txt -- ./app
  syscat trace --compare golden.txt -- ./app

  # Keep the events for 'syscat summary'
  syscat trace --store trace.duckdb -- make`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := helpers.LoadSettings(cmd)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, cfg); err != nil {
				return err
			}
			target, err := targetOf(f.pid, args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, logger, cfg, f, target)
		},
	}

	fl := cmd.Flags()
	fl.IntVarP(&f.pid, "pid", "p", 0, "Attach to a running process instead of starting a command")
	fl.StringVarP(&f.output, "output", "O", "", "Write the trace to a file instead of stdout")
	fl.StringVar(&f.session, "session", "", "Session id stamped on streamed and stored events (default random)")
	fl.String("stack", config.DefaultStackLevel, "Callers to capture: none, partial or full")
	fl.Int("max-stack-depth", 0, "Maximum number of callers displayed, 0 for all")
	fl.Bool("with-process-info", false, "Prefix every line with the process name, pid and tid")
	fl.Bool("colors", true, "Colorize the text output")
	fl.Bool("symbolize", true, "Resolve caller addresses with the executable's symbols")
	helpers.AddFormatFlag(cmd, new(string), helpers.OutputFormat(config.DefaultFormat),
		[]helpers.OutputFormat{"text", helpers.FormatJSON})
	fl.String("compare", "", "Golden trace to compare the trace with")
	fl.String("store", "", "DuckDB file receiving every decoded event")
	fl.String("filter", "", "CEL expression over syscall, process, pid and tid selecting what to decode")
	fl.StringSlice("syscalls", nil, "Only decode these syscalls")
	fl.BoolP("follow-forks", "f", false, "Trace the children of the traced processes")

	syserrors.Must(cmd.MarkFlagFilename("compare"), "mark compare flag")
	syserrors.Must(cmd.MarkFlagFilename("store", "duckdb"), "mark store flag")
	cmd.MarkFlagsMutuallyExclusive("filter", "syscalls")

	return cmd
}

// applyFlags overrides the configuration with the flags set on the
// command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	fl := cmd.Flags()
	var err error
	set := func(name string, apply func()) {
		if err == nil && fl.Changed(name) {
			apply()
		}
	}
	set("stack", func() { cfg.Decode.StackLevel, err = fl.GetString("stack") })
	set("max-stack-depth", func() { cfg.Decode.MaxStackDepth, err = fl.GetInt("max-stack-depth") })
	set("with-process-info", func() { cfg.Decode.WithProcessInfo, err = fl.GetBool("with-process-info") })
	set("colors", func() { cfg.Decode.Colors, err = fl.GetBool("colors") })
	set("symbolize", func() { cfg.Decode.Symbolize, err = fl.GetBool("symbolize") })
	set("format", func() { cfg.Output.Format, err = fl.GetString("format") })
	set("compare", func() { cfg.Output.Compare, err = fl.GetString("compare") })
	set("store", func() { cfg.Output.Store, err = fl.GetString("store") })
	set("filter", func() {
		cfg.Filter.Expression, err = fl.GetString("filter")
		cfg.Filter.Syscalls = nil
	})
	set("syscalls", func() {
		cfg.Filter.Syscalls, err = fl.GetStringSlice("syscalls")
		cfg.Filter.Expression = ""
	})
	set("follow-forks", func() { cfg.Tracer.FollowForks, err = fl.GetBool("follow-forks") })
	if err != nil {
		return err
	}
	return cfg.Validate()
}

func targetOf(pid int, args []string) (ptrace.Target, error) {
	switch {
	case pid != 0 && len(args) > 0:
		return ptrace.Target{}, errors.New("give either --pid or a command, not both")
	case pid < 0:
		return ptrace.Target{}, fmt.Errorf("invalid pid %d", pid)
	case pid != 0:
		return ptrace.Target{PID: pid}, nil
	case len(args) == 0:
		return ptrace.Target{}, errors.New("nothing to trace: give --pid or a command after --")
	default:
		return ptrace.Target{Command: args}, nil
	}
}

// pipeline is the consumer side of a trace.
type pipeline struct {
	consumers  consumer.Tee
	filter     decoder.Filter
	comparator *comparator.Comparator
	store      *eventstore.Store
	closers    []func() error
}

// reportFilter logs how many syscalls were decoded because the filter
// failed to evaluate on them.
func (p *pipeline) reportFilter(logger zerolog.Logger) {
	f, ok := p.filter.(*filter.Filter)
	if !ok {
		return
	}
	if n := f.EvalErrors(); n > 0 {
		logger.Warn().Int64("eval_errors", n).Str("expr", f.String()).Msg("Filter failed to evaluate, syscalls were decoded anyway")
	}
}

func (p *pipeline) close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	return errors.Join(errs...)
}

// buildPipeline creates the consumers selected by cfg, writing the trace
// to out.
func buildPipeline(ctx context.Context, logger zerolog.Logger, cfg *config.Config, session string, out io.Writer) (*pipeline, error) {
	p := &pipeline{}

	stack, err := decoder.ParseStackLevel(cfg.Decode.StackLevel)
	if err != nil {
		return nil, err
	}
	opts := consumer.Options{
		WithProcessInfo: cfg.Decode.WithProcessInfo,
		StackLevel:      stack,
		Colors:          cfg.Decode.Colors,
	}

	switch cfg.Output.Format {
	case "json":
		p.consumers = append(p.consumers, consumer.NewStream(logger, out, session))
	default:
		p.consumers = append(p.consumers, consumer.NewDisplay(logger, out, opts))
	}

	if cfg.Output.Compare != "" {
		cmp, err := comparator.Load(logger, cfg.Output.Compare)
		if err != nil {
			return nil, err
		}
		// Golden traces carry the thread of every line.
		cmpOpts := opts
		cmpOpts.WithProcessInfo = true
		p.comparator = cmp
		p.consumers = append(p.consumers, consumer.NewCompare(logger, cmp, cmpOpts))
	}

	if cfg.Output.Store != "" {
		store, err := eventstore.Open(ctx, logger, eventstore.Options{
			DSN:       cfg.Output.Store,
			BatchSize: cfg.Output.StoreBatchSize,
		})
		if err != nil {
			return nil, err
		}
		p.store = store
		p.closers = append(p.closers, func() error {
			// The traced program is gone; the events must still reach
			// the file.
			if err := store.Close(context.WithoutCancel(ctx)); err != nil {
				return err
			}
			return privilege.FixFileOwnership(cfg.Output.Store)
		})
		p.consumers = append(p.consumers, eventstore.NewRecorder(ctx, logger, store, session))
	}

	switch {
	case cfg.Filter.Expression != "":
		f, err := filter.Compile(logger, cfg.Filter.Expression)
		if err != nil {
			_ = p.close()
			return nil, err
		}
		p.filter = f
	case len(cfg.Filter.Syscalls) > 0:
		f, err := filter.ForSyscalls(logger, cfg.Filter.Syscalls...)
		if err != nil {
			_ = p.close()
			return nil, err
		}
		p.filter = f
	}

	return p, nil
}

func run(ctx context.Context, cmd *cobra.Command, logger zerolog.Logger, cfg *config.Config, f flags, target ptrace.Target) (err error) {
	session := f.session
	if session == "" {
		session = uuid.NewString()
	}
	logger = logger.With().Str("session", session).Logger()

	out := cmd.OutOrStdout()
	if f.output != "" {
		file, err := os.Create(f.output)
		if err != nil {
			return fmt.Errorf("failed to create trace file: %w", err)
		}
		defer syserrors.DeferClose(logger, file, "failed to close trace file")
		buffered := bufio.NewWriter(file)
		defer syserrors.DeferFlush(logger, buffered, "failed to flush trace file")
		out = buffered
		if err := privilege.FixFileOwnership(f.output); err != nil {
			logger.Warn().Err(err).Msg("Failed to fix trace file ownership")
		}
	}

	p, err := buildPipeline(ctx, logger, cfg, session, out)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	tracer, err := ptrace.New(logger, ptrace.Options{
		FollowForks:    cfg.Tracer.FollowForks,
		AttachAttempts: cfg.Tracer.AttachAttempts,
		AttachDelay:    cfg.Tracer.AttachDelay,
		StackDepth:     cfg.Decode.MaxStackDepth,
		Symbolize:      cfg.Decode.Symbolize,
		Stdin:          cmd.InOrStdin(),
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
	})
	if err != nil {
		return err
	}

	stack, _ := decoder.ParseStackLevel(cfg.Decode.StackLevel)
	dispatcher := decoder.NewDispatcher(logger, tracer, p.consumers, decoder.Options{
		Convention:    abi.ConventionKernel,
		StackLevel:    stack,
		MaxStackDepth: cfg.Decode.MaxStackDepth,
		Filter:        p.filter,
	})

	dctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dispatcher.Run(dctx)
	}()

	traceErr := tracer.Run(ctx, dispatcher, target)
	cancel()
	<-done
	dispatcher.Drain()
	p.reportFilter(logger)

	if traceErr != nil {
		if target.PID != 0 {
			if hint := privilege.AttachHint(); hint != "" {
				return fmt.Errorf("%w (%s)", traceErr, hint)
			}
		}
		return traceErr
	}

	if p.comparator != nil {
		if err := p.comparator.Finish(); err != nil {
			if rerr := p.comparator.Report(cmd.ErrOrStderr()); rerr != nil {
				logger.Warn().Err(rerr).Msg("Failed to write comparison report")
			}
			return err
		}
	}

	if code := tracer.ExitCode(); code != 0 && ctx.Err() == nil {
		return &ExitError{Code: code}
	}
	return nil
}
