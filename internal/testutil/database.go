package testutil

import (
	"context"
	"testing"

	"github.com/coral-mesh/syscat/internal/eventstore"
)

// NewTestStore creates an in-memory event store.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T, batchSize int) *eventstore.Store {
	t.Helper()

	store, err := eventstore.Open(context.Background(), NewTestLogger(t), eventstore.Options{BatchSize: batchSize})
	if err != nil {
		t.Fatalf("failed to create test event store: %v", err)
	}

	t.Cleanup(func() {
		if err := store.Close(context.Background()); err != nil {
			t.Errorf("failed to close test event store: %v", err)
		}
	})

	return store
}
