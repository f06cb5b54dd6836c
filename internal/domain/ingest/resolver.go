package ingest

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/painel-eleitoral/server/internal/domain/tse"
)

// DimensionResolver creates the candidates and municipalities a batch
// references that the cache does not know yet.
type DimensionResolver struct {
	store   Store
	cache   *DimensionCache
	timeout time.Duration
}

// ResolveResult counts what one Resolve call wrote.
type ResolveResult struct {
	CandidatesCreated     int
	MunicipalitiesCreated int
	Statements            int
}

// NewDimensionResolver writes through store and records new ids in cache.
func NewDimensionResolver(store Store, cache *DimensionCache, timeout time.Duration) *DimensionResolver {
	return &DimensionResolver{store: store, cache: cache, timeout: timeout}
}

// Resolve writes the missing keys of rows in one transaction, candidates
// first, chunked to the store's statement limits. The cache is extended
// only after the transaction commits, so a failed batch leaves no ids
// behind that the store does not have. Election ids must already be cached.
func (r *DimensionResolver) Resolve(ctx context.Context, rows []tse.NormalizedRow) (ResolveResult, error) {
	var res ResolveResult

	candidates, municipalities, err := r.missing(rows)
	if err != nil {
		return res, err
	}
	if len(candidates) == 0 && len(municipalities) == 0 {
		return res, nil
	}

	limits := r.store.Limits()
	var (
		candidateIDs    map[CandidateKey]int64
		municipalityIDs map[MunicipalityKey]int64
		statements      int
	)
	err = r.store.WithTx(ctx, func(ctx context.Context, tx DimensionTx) error {
		candidateIDs = make(map[CandidateKey]int64, len(candidates))
		municipalityIDs = make(map[MunicipalityKey]int64, len(municipalities))
		statements = 0

		for chunk := range slices.Chunk(candidates, chunkSize(limits.Candidates, len(candidates))) {
			var ids map[CandidateKey]int64
			err := withTimeout(ctx, r.timeout, func(ctx context.Context) error {
				var err error
				ids, err = tx.UpsertCandidates(ctx, chunk)
				return err
			})
			if err != nil {
				return &DimensionError{Table: "candidates", Err: err}
			}
			statements++
			for _, c := range chunk {
				id, ok := ids[c.Key()]
				if !ok {
					return &DimensionError{Table: "candidates", Err: fmt.Errorf("no id returned for ballot number %d in election %d", c.BallotNumber, c.ElectionID)}
				}
				candidateIDs[c.Key()] = id
			}
		}

		for chunk := range slices.Chunk(municipalities, chunkSize(limits.Municipalities, len(municipalities))) {
			var ids map[MunicipalityKey]int64
			err := withTimeout(ctx, r.timeout, func(ctx context.Context) error {
				var err error
				ids, err = tx.UpsertMunicipalities(ctx, chunk)
				return err
			})
			if err != nil {
				return &DimensionError{Table: "municipalities", Err: err}
			}
			statements++
			for _, m := range chunk {
				id, ok := ids[m.Key()]
				if !ok {
					return &DimensionError{Table: "municipalities", Err: fmt.Errorf("no id returned for %s/%s", m.Name, m.State)}
				}
				municipalityIDs[m.Key()] = id
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	for k, id := range candidateIDs {
		r.cache.PutCandidate(k, id)
	}
	for k, id := range municipalityIDs {
		r.cache.PutMunicipality(k, id)
	}
	res.CandidatesCreated = len(candidateIDs)
	res.MunicipalitiesCreated = len(municipalityIDs)
	res.Statements = statements
	return res, nil
}

// missing returns the distinct uncached keys of rows in a stable order. For
// a key seen more than once the last row wins, matching the overwrite the
// store applies on conflict.
func (r *DimensionResolver) missing(rows []tse.NormalizedRow) ([]Candidate, []Municipality, error) {
	candidates := make(map[CandidateKey]Candidate)
	municipalities := make(map[MunicipalityKey]Municipality)

	for i := range rows {
		row := &rows[i]
		electionID, ok := r.cache.Election(row.Election.Key)
		if !ok {
			return nil, nil, &DimensionError{Table: "elections", Err: fmt.Errorf("election %s not resolved", row.Election.Key)}
		}

		ck := CandidateKey{BallotNumber: row.BallotNumber, ElectionID: electionID}
		if _, ok := r.cache.Candidate(ck); !ok {
			candidates[ck] = Candidate{
				BallotNumber: row.BallotNumber,
				Name:         row.CandidateName,
				Office:       row.Office,
				ElectionID:   electionID,
			}
		}

		mk := MunicipalityKey{Name: row.MunicipalityName, State: row.State}
		if _, ok := r.cache.Municipality(mk); !ok {
			m := Municipality{Code: row.MunicipalityCode, Name: row.MunicipalityName, State: row.State}
			if m.Code == nil {
				m.Code = municipalities[mk].Code
			}
			municipalities[mk] = m
		}
	}

	cs := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		cs = append(cs, c)
	}
	slices.SortFunc(cs, func(a, b Candidate) int {
		return cmp.Or(cmp.Compare(a.ElectionID, b.ElectionID), cmp.Compare(a.BallotNumber, b.BallotNumber))
	})

	ms := make([]Municipality, 0, len(municipalities))
	for _, m := range municipalities {
		ms = append(ms, m)
	}
	slices.SortFunc(ms, func(a, b Municipality) int {
		return cmp.Or(cmp.Compare(a.State, b.State), cmp.Compare(a.Name, b.Name))
	})

	return cs, ms, nil
}

// chunkSize guards against stores reporting no limit.
func chunkSize(limit, n int) int {
	if limit > 0 {
		return limit
	}
	return max(n, 1)
}
