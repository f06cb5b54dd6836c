package storage

import (
	"strings"

	"github.com/painel-eleitoral/server/internal/domain/ingest"
	"github.com/painel-eleitoral/server/internal/domain/tse"
	"github.com/painel-eleitoral/server/internal/storage/sqlbatch"
)

// Table and column names shared by every backend's schema.
const (
	TableElections      = "elections"
	TableCandidates     = "candidates"
	TableMunicipalities = "municipalities"
	TableVotes          = "votes"
)

var (
	ElectionColumns     = []string{"year", "type", "round", "code", "description", "election_date", "generated_at"}
	CandidateColumns    = []string{"ballot_number", "election_id", "name", "office"}
	MunicipalityColumns = []string{"name", "state", "code"}

	VoteKeyColumns = []string{"election_id", "municipality_id", "candidate_id", "zone", "section"}
	// VoteColumns is the key, the typed values, then one raw_ column per
	// source column in tse.Columns order.
	VoteColumns = append(append(append([]string{}, VoteKeyColumns...),
		"polling_place", "polling_address", "votes"), RawColumns()...)
)

// RawColumns names the passthrough column of every source column.
func RawColumns() []string {
	out := make([]string, len(tse.Columns))
	for i, c := range tse.Columns {
		out[i] = "raw_" + strings.ToLower(string(c))
	}
	return out
}

// LimitsFor derives rows per statement from a parameter ceiling.
func LimitsFor(ceiling int) ingest.Limits {
	return ingest.Limits{
		Candidates:     sqlbatch.MaxRows(ceiling, len(CandidateColumns)),
		Municipalities: sqlbatch.MaxRows(ceiling, len(MunicipalityColumns)),
		Votes:          sqlbatch.MaxRows(ceiling, len(VoteColumns)),
	}
}

func ElectionRow(e ingest.Election) []any {
	return []any{e.Key.Year, e.Key.Type, e.Key.Round, e.Code, e.Description, e.Date, e.GeneratedAt}
}

func CandidateRows(cs []ingest.Candidate) [][]any {
	rows := make([][]any, len(cs))
	for i, c := range cs {
		rows[i] = []any{c.BallotNumber, c.ElectionID, c.Name, c.Office}
	}
	return rows
}

func MunicipalityRows(ms []ingest.Municipality) [][]any {
	rows := make([][]any, len(ms))
	for i, m := range ms {
		rows[i] = []any{m.Name, m.State, m.Code}
	}
	return rows
}

func VoteRows(vs []ingest.VoteRecord) [][]any {
	rows := make([][]any, len(vs))
	for i, v := range vs {
		row := make([]any, 0, len(VoteColumns))
		row = append(row, v.ElectionID, v.MunicipalityID, v.CandidateID, v.Zone, v.Section,
			v.PollingPlace, v.PollingAddress, v.Votes)
		for _, raw := range v.Raw {
			row = append(row, raw)
		}
		rows[i] = row
	}
	return rows
}

// Upserts for backends speaking INSERT ... ON CONFLICT. Election
// descriptions are fixed at creation; only their dates refresh.
var (
	ElectionUpsert = sqlbatch.Upsert{
		Table:    TableElections,
		Columns:  ElectionColumns,
		Conflict: []string{"year", "type", "round"},
		Update: []sqlbatch.Assignment{
			{Column: "election_date", Expr: "COALESCE(excluded.election_date, elections.election_date)"},
			{Column: "generated_at", Expr: "COALESCE(excluded.generated_at, elections.generated_at)"},
			{Column: "updated_at", Expr: "CURRENT_TIMESTAMP"},
		},
		Returning: []string{"id", "code", "description"},
	}

	CandidateUpsert = sqlbatch.Upsert{
		Table:    TableCandidates,
		Columns:  CandidateColumns,
		Conflict: []string{"ballot_number", "election_id"},
		Update: []sqlbatch.Assignment{
			sqlbatch.Set("name"),
			sqlbatch.Set("office"),
			{Column: "updated_at", Expr: "CURRENT_TIMESTAMP"},
		},
		Returning: []string{"id", "ballot_number", "election_id"},
	}

	MunicipalityUpsert = sqlbatch.Upsert{
		Table:    TableMunicipalities,
		Columns:  MunicipalityColumns,
		Conflict: []string{"name", "state"},
		Update: []sqlbatch.Assignment{
			{Column: "code", Expr: "COALESCE(excluded.code, municipalities.code)"},
			{Column: "updated_at", Expr: "CURRENT_TIMESTAMP"},
		},
		Returning: []string{"id", "name", "state"},
	}

	VoteUpsert = sqlbatch.Upsert{
		Table:    TableVotes,
		Columns:  VoteColumns,
		Conflict: VoteKeyColumns,
		Update:   voteUpdates(),
	}
)

func voteUpdates() []sqlbatch.Assignment {
	out := make([]sqlbatch.Assignment, 0, len(VoteColumns)-len(VoteKeyColumns)+1)
	for _, c := range VoteColumns[len(VoteKeyColumns):] {
		out = append(out, sqlbatch.Set(c))
	}
	return append(out, sqlbatch.Assignment{Column: "updated_at", Expr: "CURRENT_TIMESTAMP"})
}
