package testutil

import (
	"io"
	"os"
	"testing"

	"github.com/rs/zerolog"
)

// LogEnv names the environment variable holding the level of test logs.
const LogEnv = "SYSCAT_TEST_LOG"

// NewTestLogger returns a logger for tests. Output is discarded unless
// SYSCAT_TEST_LOG holds a level, in which case it goes to t.Log.
func NewTestLogger(t testing.TB) zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv(LogEnv))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.New(io.Discard)
	}
	return zerolog.New(zerolog.NewTestWriter(t)).Level(level).With().Timestamp().Logger()
}
