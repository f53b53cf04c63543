package duckdb

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// InterpolateQuery substitutes args into the placeholders of query so it can
// be logged and pasted into a DuckDB shell. It is never executed.
func InterpolateQuery(query string, args []any) string {
	var b strings.Builder
	next := 0
	for _, r := range query {
		switch {
		case r == '?' && next < len(args):
			b.WriteString(literal(args[next]))
			next++
		case r == '\n' || r == '\t':
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func literal(arg any) string {
	switch v := arg.(type) {
	case nil:
		return "NULL"
	case string:
		return quote(v)
	case []byte:
		return "from_hex('" + hex.EncodeToString(v) + "')"
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return quote(v.Format(time.RFC3339Nano))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(v)
	default:
		return quote(fmt.Sprint(v))
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
