// Package testutil holds the fakes and helpers shared by syscat tests.
package testutil

import (
	"context"
	"testing"
	"time"
)

// TestTimeout bounds every context made by NewTestContext.
const TestTimeout = 30 * time.Second

// NewTestContext returns a context canceled when the test ends or after
// TestTimeout.
func NewTestContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	t.Cleanup(cancel)
	return ctx
}
