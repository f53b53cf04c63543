// Package errors provides cleanup helpers that log instead of dropping
// errors in defer statements.
package errors

import (
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// DeferClose closes closer and logs a failure with msg.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// Flusher is implemented by buffered writers.
type Flusher interface {
	Flush() error
}

// DeferFlush flushes f and logs a failure with msg.
func DeferFlush(logger zerolog.Logger, f Flusher, msg string) {
	if f == nil {
		return
	}
	if err := f.Flush(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// DeferRollback rolls tx back. sql.ErrTxDone, returned after a commit, is
// not logged.
func DeferRollback(logger zerolog.Logger, tx *sql.Tx) {
	if tx == nil {
		return
	}
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Warn().Err(err).Msg("transaction rollback failed")
	}
}

// Must panics if err is not nil. Only for setup code that cannot fail at
// run time.
func Must(err error, msg string) {
	if err != nil {
		panic(fmt.Sprintf("%s: %v", msg, err))
	}
}
