// Package sqlbatch builds multi-row upsert statements under a bound
// parameter ceiling. Callers size their chunks with MaxRows and hand each
// chunk to Build; placeholder numbering never leaks out of this package.
package sqlbatch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Bound-parameter ceilings per backend.
const (
	PostgresMaxParams = 65535
	SQLiteMaxParams   = 32766
	// SQL Server accepts 2100 parameters per request; sp_executesql spends
	// two of them on the statement text and the parameter list.
	SQLServerMaxParams = 2098
)

var (
	ErrTooManyParams = errors.New("statement exceeds bound parameter ceiling")
	ErrNoRows        = errors.New("no rows to insert")
)

// Dialect is the placeholder syntax of a driver.
type Dialect struct {
	Name string
	// Placeholder returns the marker for the n-th argument, 1-based.
	Placeholder func(n int) string
}

var (
	Postgres = Dialect{Name: "postgres", Placeholder: func(n int) string { return "$" + strconv.Itoa(n) }}
	SQLite   = Dialect{Name: "sqlite", Placeholder: func(int) string { return "?" }}
	// SQLServer uses go-mssqldb's ordinal @pN markers.
	SQLServer = Dialect{Name: "sqlserver", Placeholder: func(n int) string { return "@p" + strconv.Itoa(n) }}
)

// MaxRows is how many rows of width columns fit under ceiling.
func MaxRows(ceiling, columns int) int {
	if columns <= 0 || ceiling <= 0 {
		return 0
	}
	return ceiling / columns
}

// Assignment is one SET item of the conflict clause. An empty Expr takes
// the incoming value of Column.
type Assignment struct {
	Column string
	Expr   string
}

// Set overwrites column with the incoming value.
func Set(column string) Assignment {
	return Assignment{Column: column}
}

// Upsert describes INSERT ... ON CONFLICT (...) DO UPDATE ... RETURNING.
// It fits Postgres and SQLite, which share this syntax.
type Upsert struct {
	Table     string
	Columns   []string
	Conflict  []string
	Update    []Assignment
	Returning []string
}

// Params is the number of arguments a statement of n rows binds.
func (u Upsert) Params(n int) int {
	return n * len(u.Columns)
}

// Build renders the statement for rows and flattens its arguments.
func (u Upsert) Build(d Dialect, ceiling int, rows [][]any) (string, []any, error) {
	if len(rows) == 0 {
		return "", nil, ErrNoRows
	}
	if ceiling > 0 && u.Params(len(rows)) > ceiling {
		return "", nil, fmt.Errorf("%w: %d rows x %d columns > %d", ErrTooManyParams, len(rows), len(u.Columns), ceiling)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(u.Table)
	b.WriteString(" (")
	b.WriteString(strings.Join(u.Columns, ", "))
	b.WriteString(") VALUES ")

	args, err := WriteValues(&b, d, 1, len(u.Columns), rows)
	if err != nil {
		return "", nil, err
	}

	if len(u.Conflict) > 0 {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(strings.Join(u.Conflict, ", "))
		b.WriteString(")")
		if len(u.Update) == 0 {
			b.WriteString(" DO NOTHING")
		} else {
			b.WriteString(" DO UPDATE SET ")
			for i, a := range u.Update {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(a.Column)
				b.WriteString(" = ")
				if a.Expr != "" {
					b.WriteString(a.Expr)
				} else {
					b.WriteString("excluded.")
					b.WriteString(a.Column)
				}
			}
		}
	}

	if len(u.Returning) > 0 {
		b.WriteString(" RETURNING ")
		b.WriteString(strings.Join(u.Returning, ", "))
	}
	return b.String(), args, nil
}

// WriteValues writes "(p, p), (p, p)" for rows, numbering placeholders from
// first, and returns the flattened arguments. Every row must have width
// values.
func WriteValues(b *strings.Builder, d Dialect, first, width int, rows [][]any) ([]any, error) {
	args := make([]any, 0, len(rows)*width)
	n := first
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), width)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, v := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(n))
			args = append(args, v)
			n++
		}
		b.WriteString(")")
	}
	return args, nil
}
