package ingest

import "context"

// Store is the relational collaborator of an ingestion run. Every write is
// an upsert keyed on the natural key of the table.
type Store interface {
	// Limits reports rows-per-statement for each table.
	Limits() Limits
	// LoadDimensions reads every existing candidate and municipality key.
	LoadDimensions(ctx context.Context) (Dimensions, error)
	// UpsertElection inserts the election or refreshes its dates, returning
	// the row with its id.
	UpsertElection(ctx context.Context, e Election) (Election, error)
	// WithTx runs fn in one transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx DimensionTx) error) error
	// UpsertVotes writes one statement worth of facts and returns the
	// number of rows written. len(votes) never exceeds Limits().Votes.
	UpsertVotes(ctx context.Context, votes []VoteRecord) (int64, error)
}

// DimensionTx writes dimension rows inside a transaction. Each call writes
// one statement and returns the id of every row it wrote, keyed by natural
// key, including rows that already existed.
type DimensionTx interface {
	UpsertCandidates(ctx context.Context, candidates []Candidate) (map[CandidateKey]int64, error)
	UpsertMunicipalities(ctx context.Context, municipalities []Municipality) (map[MunicipalityKey]int64, error)
}
