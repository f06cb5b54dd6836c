package mssql

import (
	"fmt"
	"strings"

	"github.com/painel-eleitoral/server/internal/storage"
	"github.com/painel-eleitoral/server/internal/storage/sqlbatch"
)

// maxValuesRows caps a table value constructor.
const maxValuesRows = 1000

// setTerm is one SET item of WHEN MATCHED. Expr refers to the target as t
// and the incoming row as s; empty means s.<Column>.
type setTerm struct {
	Column string
	Expr   string
}

// merge describes MERGE ... USING (VALUES ...) ... OUTPUT, the SQL Server
// form of an upsert returning ids.
type merge struct {
	Table   string
	Columns []string
	Keys    []string
	Update  []setTerm
	Output  []string
}

func (m merge) build(ceiling int, rows [][]any) (string, []any, error) {
	if len(rows) == 0 {
		return "", nil, sqlbatch.ErrNoRows
	}
	if n := len(rows) * len(m.Columns); n > ceiling {
		return "", nil, fmt.Errorf("%w: %d rows x %d columns > %d", sqlbatch.ErrTooManyParams, len(rows), len(m.Columns), ceiling)
	}
	if len(rows) > maxValuesRows {
		return "", nil, fmt.Errorf("%w: %d rows > %d per value constructor", sqlbatch.ErrTooManyParams, len(rows), maxValuesRows)
	}

	var b strings.Builder
	b.WriteString("MERGE INTO dbo.")
	b.WriteString(m.Table)
	b.WriteString(" WITH (HOLDLOCK) AS t USING (VALUES ")
	args, err := sqlbatch.WriteValues(&b, sqlbatch.SQLServer, 1, len(m.Columns), rows)
	if err != nil {
		return "", nil, err
	}
	b.WriteString(") AS s (")
	b.WriteString(strings.Join(m.Columns, ", "))
	b.WriteString(") ON ")
	for i, k := range m.Keys {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "t.%s = s.%s", k, k)
	}

	if len(m.Update) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, u := range m.Update {
			if i > 0 {
				b.WriteString(", ")
			}
			expr := u.Expr
			if expr == "" {
				expr = "s." + u.Column
			}
			fmt.Fprintf(&b, "t.%s = %s", u.Column, expr)
		}
	}

	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	b.WriteString(strings.Join(m.Columns, ", "))
	b.WriteString(") VALUES (")
	for i, c := range m.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("s.")
		b.WriteString(c)
	}
	b.WriteString(")")

	if len(m.Output) > 0 {
		b.WriteString(" OUTPUT ")
		for i, c := range m.Output {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("inserted.")
			b.WriteString(c)
		}
	}
	b.WriteString(";")
	return b.String(), args, nil
}

const touch = "SYSUTCDATETIME()"

var (
	electionMerge = merge{
		Table:   storage.TableElections,
		Columns: storage.ElectionColumns,
		Keys:    []string{"year", "type", "round"},
		Update: []setTerm{
			{Column: "election_date", Expr: "COALESCE(s.election_date, t.election_date)"},
			{Column: "generated_at", Expr: "COALESCE(s.generated_at, t.generated_at)"},
			{Column: "updated_at", Expr: touch},
		},
		Output: []string{"id", "code", "description"},
	}

	candidateMerge = merge{
		Table:   storage.TableCandidates,
		Columns: storage.CandidateColumns,
		Keys:    []string{"ballot_number", "election_id"},
		Update:  []setTerm{{Column: "name"}, {Column: "office"}, {Column: "updated_at", Expr: touch}},
		Output:  []string{"id", "ballot_number", "election_id"},
	}

	municipalityMerge = merge{
		Table:   storage.TableMunicipalities,
		Columns: storage.MunicipalityColumns,
		Keys:    []string{"name", "state"},
		Update: []setTerm{
			{Column: "code", Expr: "COALESCE(s.code, t.code)"},
			{Column: "updated_at", Expr: touch},
		},
		Output: []string{"id", "name", "state"},
	}

	voteMerge = merge{
		Table:   storage.TableVotes,
		Columns: storage.VoteColumns,
		Keys:    storage.VoteKeyColumns,
		Update:  voteSetTerms(),
	}
)

func voteSetTerms() []setTerm {
	var out []setTerm
	for _, c := range storage.VoteColumns[len(storage.VoteKeyColumns):] {
		out = append(out, setTerm{Column: c})
	}
	return append(out, setTerm{Column: "updated_at", Expr: touch})
}
