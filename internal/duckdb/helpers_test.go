package duckdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInterpolateQuery(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)

	tests := []struct {
		name     string
		query    string
		args     []any
		expected string
	}{
		{
			name:     "string with quote",
			query:    "SELECT * FROM e WHERE process = ?",
			args:     []any{"it's"},
			expected: "SELECT * FROM e WHERE process = 'it''s'",
		},
		{
			name:     "numbers",
			query:    "SELECT * FROM e WHERE pid = ? AND tid = ? AND ratio > ?",
			args:     []any{uint64(10), -3, 0.5},
			expected: "SELECT * FROM e WHERE pid = 10 AND tid = -3 AND ratio > 0.5",
		},
		{
			name:     "bool and null",
			query:    "SELECT * FROM e WHERE ok = ? AND x IS ?",
			args:     []any{true, nil},
			expected: "SELECT * FROM e WHERE ok = true AND x IS NULL",
		},
		{
			name:     "time",
			query:    "SELECT * FROM e WHERE at >= ?",
			args:     []any{at},
			expected: "SELECT * FROM e WHERE at >= '2026-03-01T12:00:00.0000005Z'",
		},
		{
			name:     "blob",
			query:    "SELECT * FROM e WHERE data = ?",
			args:     []any{[]byte{0xca, 0xfe}},
			expected: "SELECT * FROM e WHERE data = from_hex('cafe')",
		},
		{
			name:     "multiline",
			query:    "SELECT *\nFROM e",
			expected: "SELECT * FROM e",
		},
		{
			name:     "placeholder inside argument",
			query:    "SELECT * FROM e WHERE a = ? AND b = ?",
			args:     []any{"?", "x"},
			expected: "SELECT * FROM e WHERE a = '?' AND b = 'x'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, InterpolateQuery(tt.query, tt.args))
		})
	}
}
