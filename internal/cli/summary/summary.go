// Package summary implements 'syscat summary', which reads back the events
// a trace stored with --store.
package summary

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/syscat/internal/cli/helpers"
	"github.com/coral-mesh/syscat/internal/constants"
	"github.com/coral-mesh/syscat/internal/consumer"
	"github.com/coral-mesh/syscat/internal/eventstore"
)

// CountRow is one syscall of a session.
type CountRow struct {
	Syscall string `header:"SYSCALL" json:"syscall" yaml:"syscall"`
	Calls   int64  `header:"CALLS" json:"calls" yaml:"calls"`
	Errors  int64  `header:"ERRORS" json:"errors" yaml:"errors"`
}

// EventRow is one stored event.
type EventRow struct {
	Time    string `header:"TIME" json:"time" yaml:"time"`
	Kind    string `header:"KIND" json:"kind" yaml:"kind"`
	Thread  string `header:"THREAD" json:"thread" yaml:"thread"`
	Syscall string `header:"SYSCALL" json:"syscall" yaml:"syscall"`
	Detail  string `header:"DETAIL" json:"detail" yaml:"detail"`
}

// SessionRow is one stored session.
type SessionRow struct {
	Session string `header:"SESSION" json:"session" yaml:"session"`
}

type options struct {
	store    string
	session  string
	sessions bool
	events   int
	syscall  string
	format   string
}

// NewSummaryCmd creates the summary command.
func NewSummaryCmd() *cobra.Command {
	var o options
	formats := []helpers.OutputFormat{helpers.FormatTable, helpers.FormatJSON, helpers.FormatCSV, helpers.FormatYAML}

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize a stored trace",
		Long: `Summarize the events stored by 'syscat trace --store'.

By default the calls and decoding errors of every syscall of the most recent
session are counted.

Examples:
  syscat summary --store trace.duckdb
  syscat summary --store trace.duckdb --sessions
  syscat summary --store trace.duckdb --events 20 --syscall openat`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(o.format, formats); err != nil {
				return err
			}
			_, logger, err := helpers.LoadSettings(cmd)
			if err != nil {
				return err
			}
			if o.store == "" {
				o.store = defaultStore()
			}
			if _, err := os.Stat(o.store); err != nil {
				return fmt.Errorf("no event store at %s: %w", o.store, err)
			}
			return run(cmd.Context(), cmd, logger, o)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&o.store, "store", "", "DuckDB file written by 'syscat trace --store' (default ~/"+constants.DefaultStoreFile+")")
	fl.StringVar(&o.session, "session", "", "Session to summarize (default the most recent)")
	fl.BoolVar(&o.sessions, "sessions", false, "List the stored sessions")
	fl.IntVar(&o.events, "events", 0, "List the last N events instead of counting")
	fl.StringVar(&o.syscall, "syscall", "", "Only list events of this syscall")
	helpers.AddFormatFlag(cmd, &o.format, helpers.FormatTable, formats)
	return cmd
}

func defaultStore() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return constants.DefaultStoreFile
	}
	return filepath.Join(home, constants.DefaultStoreFile)
}

func run(ctx context.Context, cmd *cobra.Command, logger zerolog.Logger, o options) (err error) {
	store, err := eventstore.Open(ctx, logger, eventstore.Options{DSN: o.store, BatchSize: 1})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	rows, err := collect(ctx, store, o)
	if err != nil {
		return err
	}
	f, err := helpers.NewFormatter(helpers.OutputFormat(o.format))
	if err != nil {
		return err
	}
	return f.Format(rows, cmd.OutOrStdout())
}

// collect builds the rows requested by o.
func collect(ctx context.Context, store *eventstore.Store, o options) (any, error) {
	sessions, err := store.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	if o.sessions {
		rows := make([]SessionRow, len(sessions))
		for i, s := range sessions {
			rows[i] = SessionRow{Session: s}
		}
		return rows, nil
	}

	session := o.session
	if session == "" {
		if len(sessions) == 0 {
			return nil, errors.New("the event store is empty")
		}
		session = sessions[0]
	}

	if o.events > 0 {
		events, err := store.Events(ctx, eventstore.Query{Session: session, Syscall: o.syscall})
		if err != nil {
			return nil, err
		}
		if len(events) > o.events {
			events = events[len(events)-o.events:]
		}
		rows := make([]EventRow, len(events))
		for i, ev := range events {
			rows[i] = eventRow(ev)
		}
		return rows, nil
	}

	counts, err := store.Counts(ctx, session)
	if err != nil {
		return nil, err
	}
	rows := make([]CountRow, len(counts))
	for i, c := range counts {
		rows[i] = CountRow{Syscall: c.Syscall, Calls: c.Calls, Errors: c.Errors}
	}
	return rows, nil
}

func eventRow(ev *eventstore.Event) EventRow {
	detail := ev.Fields
	switch ev.Kind {
	case consumer.KindOutput:
		detail = "-> " + ev.Returned
	case consumer.KindError:
		detail = ev.Message
	}
	return EventRow{
		Time:    ev.Timestamp.Format("15:04:05.000000"),
		Kind:    ev.Kind,
		Thread:  fmt.Sprintf("%s %d:%d", ev.Process, ev.PID, ev.TID),
		Syscall: ev.Syscall,
		Detail:  detail,
	}
}
