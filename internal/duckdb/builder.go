package duckdb

import (
	"errors"
	"fmt"
	"strings"
)

// Builder assembles a SELECT statement. Conditions are ANDed in the order
// they were added.
type Builder struct {
	table   string
	columns []string
	conds   []string
	args    []any
	groupBy []string
	orderBy []string
	limit   int
}

// NewQueryBuilder starts a query on table.
func NewQueryBuilder(table string) *Builder {
	return &Builder{table: table}
}

// Select sets the selected expressions. Without it every column is selected.
//
//	Select("syscall", "COUNT(*) AS calls")
func (b *Builder) Select(columns ...string) *Builder {
	b.columns = append(b.columns, columns...)
	return b
}

// Where adds a raw condition.
func (b *Builder) Where(expr string, args ...any) *Builder {
	b.conds = append(b.conds, expr)
	b.args = append(b.args, args...)
	return b
}

// Eq matches column against value. An empty string matches everything.
func (b *Builder) Eq(column string, value any) *Builder {
	if s, ok := value.(string); ok && s == "" {
		return b
	}
	return b.Where(column+" = ?", value)
}

// Gte keeps rows whose column is at least value.
func (b *Builder) Gte(column string, value any) *Builder {
	return b.Where(column+" >= ?", value)
}

// Lte keeps rows whose column is at most value.
func (b *Builder) Lte(column string, value any) *Builder {
	return b.Where(column+" <= ?", value)
}

// GroupBy adds grouping columns.
func (b *Builder) GroupBy(columns ...string) *Builder {
	b.groupBy = append(b.groupBy, columns...)
	return b
}

// OrderBy adds sort columns. A "-" prefix sorts descending.
//
//	OrderBy("-calls", "syscall")
func (b *Builder) OrderBy(columns ...string) *Builder {
	for _, col := range columns {
		if name, ok := strings.CutPrefix(col, "-"); ok {
			col = name + " DESC"
		}
		b.orderBy = append(b.orderBy, col)
	}
	return b
}

// Limit caps the number of rows. Zero or less means no limit.
func (b *Builder) Limit(n int) *Builder {
	b.limit = n
	return b
}

// Build returns the statement and its arguments. The builder can be built
// again.
func (b *Builder) Build() (string, []any, error) {
	if b.table == "" {
		return "", nil, errors.New("query has no table")
	}

	selected := "*"
	if len(b.columns) > 0 {
		selected = strings.Join(b.columns, ", ")
	}

	var q strings.Builder
	fmt.Fprintf(&q, "SELECT %s FROM %s", selected, b.table)
	if len(b.conds) > 0 {
		q.WriteString(" WHERE " + strings.Join(b.conds, " AND "))
	}
	if len(b.groupBy) > 0 {
		q.WriteString(" GROUP BY " + strings.Join(b.groupBy, ", "))
	}
	if len(b.orderBy) > 0 {
		q.WriteString(" ORDER BY " + strings.Join(b.orderBy, ", "))
	}

	args := append([]any{}, b.args...)
	if b.limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, b.limit)
	}
	return q.String(), args, nil
}

// MustBuild is Build for statically known queries. It panics on error.
func (b *Builder) MustBuild() (string, []any) {
	q, args, err := b.Build()
	if err != nil {
		panic(err)
	}
	return q, args
}
