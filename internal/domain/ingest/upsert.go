package ingest

import (
	"context"
	"slices"
	"time"

	"github.com/painel-eleitoral/server/internal/domain/tse"
)

// ReasonUnresolvedDimension marks a valid row whose dimension ids were not
// in the cache when its facts were built.
const ReasonUnresolvedDimension = "unresolved_dimension"

// FactUpserter writes vote facts for a batch whose dimensions are resolved.
type FactUpserter struct {
	store   Store
	cache   *DimensionCache
	timeout time.Duration
}

// UpsertResult counts what one Upsert call did.
type UpsertResult struct {
	Upserted   int64
	Duplicates int
	Skipped    []RowError
	Statements int
}

// NewFactUpserter reads dimension ids from cache, which must be resolved first.
func NewFactUpserter(store Store, cache *DimensionCache, timeout time.Duration) *FactUpserter {
	return &FactUpserter{store: store, cache: cache, timeout: timeout}
}

// Upsert builds one fact per row from cached ids and writes them in
// sub-batches of at most Limits().Votes rows, one statement each, in order.
// The first failing sub-batch stops the rest; earlier ones stay written.
func (u *FactUpserter) Upsert(ctx context.Context, rows []tse.NormalizedRow) (UpsertResult, error) {
	var res UpsertResult

	votes, skipped, duplicates := u.build(rows)
	res.Skipped = skipped
	res.Duplicates = duplicates

	limit := chunkSize(u.store.Limits().Votes, len(votes))
	sub := 0
	for chunk := range slices.Chunk(votes, limit) {
		if err := ctx.Err(); err != nil {
			return res, &FactUpsertError{SubBatch: sub, Rows: len(chunk), Committed: res.Upserted, Err: err}
		}
		var n int64
		err := withTimeout(ctx, u.timeout, func(ctx context.Context) error {
			var err error
			n, err = u.store.UpsertVotes(ctx, chunk)
			return err
		})
		if err != nil {
			return res, &FactUpsertError{SubBatch: sub, Rows: len(chunk), Committed: res.Upserted, Err: err}
		}
		res.Upserted += n
		res.Statements++
		sub++
	}
	return res, nil
}

// build resolves ids and collapses rows sharing a vote key. A single
// statement may not touch the same key twice, so the last row for a key
// wins in the position of the first.
func (u *FactUpserter) build(rows []tse.NormalizedRow) ([]VoteRecord, []RowError, int) {
	votes := make([]VoteRecord, 0, len(rows))
	index := make(map[VoteKey]int, len(rows))
	var (
		skipped    []RowError
		duplicates int
	)

	for i := range rows {
		row := &rows[i]
		v, ok := u.record(row)
		if !ok {
			skipped = append(skipped, RowError{Line: row.Line, Reason: ReasonUnresolvedDimension})
			continue
		}
		if at, seen := index[v.Key()]; seen {
			votes[at] = v
			duplicates++
			continue
		}
		index[v.Key()] = len(votes)
		votes = append(votes, v)
	}
	return votes, skipped, duplicates
}

func (u *FactUpserter) record(row *tse.NormalizedRow) (VoteRecord, bool) {
	electionID, ok := u.cache.Election(row.Election.Key)
	if !ok {
		return VoteRecord{}, false
	}
	municipalityID, ok := u.cache.Municipality(MunicipalityKey{Name: row.MunicipalityName, State: row.State})
	if !ok {
		return VoteRecord{}, false
	}
	candidateID, ok := u.cache.Candidate(CandidateKey{BallotNumber: row.BallotNumber, ElectionID: electionID})
	if !ok {
		return VoteRecord{}, false
	}
	return VoteRecord{
		ElectionID:     electionID,
		MunicipalityID: municipalityID,
		CandidateID:    candidateID,
		Zone:           row.Zone,
		Section:        row.Section,
		PollingPlace:   row.PollingPlace,
		PollingAddress: row.PollingAddress,
		Votes:          row.Votes,
		Raw:            row.Raw,
	}, true
}
