package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/painel-eleitoral/server/internal/domain/tse"
)

// memStore is an in-memory Store with upsert-by-natural-key semantics,
// statement accounting and failure hooks.
type memStore struct {
	mu     sync.Mutex
	limits Limits
	nextID int64

	elections      map[tse.ElectionKey]Election
	candidates     map[CandidateKey]Candidate
	municipalities map[MunicipalityKey]Municipality
	votes          map[VoteKey]VoteRecord

	statements    int
	voteCalls     []int
	loadCalls     int
	failVotesAt   int // 1-based UpsertVotes call to fail, 0 never
	failCandidate error
	failLoad      error
	beforeVotes   func(ctx context.Context) error
}

func newMemStore(limits Limits) *memStore {
	return &memStore{
		limits:         limits,
		elections:      map[tse.ElectionKey]Election{},
		candidates:     map[CandidateKey]Candidate{},
		municipalities: map[MunicipalityKey]Municipality{},
		votes:          map[VoteKey]VoteRecord{},
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) Limits() Limits { return s.limits }

func (s *memStore) LoadDimensions(ctx context.Context) (Dimensions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadCalls++
	if s.failLoad != nil {
		return Dimensions{}, s.failLoad
	}
	d := Dimensions{
		Candidates:     make(map[CandidateKey]int64, len(s.candidates)),
		Municipalities: make(map[MunicipalityKey]int64, len(s.municipalities)),
	}
	for k, c := range s.candidates {
		d.Candidates[k] = c.ID
	}
	for k, m := range s.municipalities {
		d.Municipalities[k] = m.ID
	}
	return d, nil
}

func (s *memStore) UpsertElection(ctx context.Context, e Election) (Election, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statements++
	if existing, ok := s.elections[e.Key]; ok {
		e.ID = existing.ID
	} else {
		e.ID = s.id()
	}
	s.elections[e.Key] = e
	return e, nil
}

// memTx buffers writes and applies them on commit.
type memTx struct {
	s              *memStore
	candidates     []Candidate
	municipalities []Municipality
	ids            map[any]int64
}

func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx DimensionTx) error) error {
	s.mu.Lock()
	tx := &memTx{s: s, ids: map[any]int64{}}
	s.mu.Unlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range tx.candidates {
		c.ID = tx.ids[c.Key()]
		s.candidates[c.Key()] = c
	}
	for _, m := range tx.municipalities {
		m.ID = tx.ids[m.Key()]
		if m.Code == nil {
			m.Code = s.municipalities[m.Key()].Code
		}
		s.municipalities[m.Key()] = m
	}
	return nil
}

func (tx *memTx) UpsertCandidates(ctx context.Context, candidates []Candidate) (map[CandidateKey]int64, error) {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(candidates) > s.limits.Candidates {
		return nil, fmt.Errorf("statement too large: %d candidates", len(candidates))
	}
	s.statements++
	if s.failCandidate != nil {
		return nil, s.failCandidate
	}
	out := make(map[CandidateKey]int64, len(candidates))
	for _, c := range candidates {
		id, ok := tx.ids[c.Key()]
		if !ok {
			if existing, found := s.candidates[c.Key()]; found {
				id = existing.ID
			} else {
				id = s.id()
			}
			tx.ids[c.Key()] = id
		}
		tx.candidates = append(tx.candidates, c)
		out[c.Key()] = id
	}
	return out, nil
}

func (tx *memTx) UpsertMunicipalities(ctx context.Context, municipalities []Municipality) (map[MunicipalityKey]int64, error) {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(municipalities) > s.limits.Municipalities {
		return nil, fmt.Errorf("statement too large: %d municipalities", len(municipalities))
	}
	s.statements++
	out := make(map[MunicipalityKey]int64, len(municipalities))
	for _, m := range municipalities {
		id, ok := tx.ids[m.Key()]
		if !ok {
			if existing, found := s.municipalities[m.Key()]; found {
				id = existing.ID
			} else {
				id = s.id()
			}
			tx.ids[m.Key()] = id
		}
		tx.municipalities = append(tx.municipalities, m)
		out[m.Key()] = id
	}
	return out, nil
}

func (s *memStore) UpsertVotes(ctx context.Context, votes []VoteRecord) (int64, error) {
	if s.beforeVotes != nil {
		if err := s.beforeVotes(ctx); err != nil {
			return 0, err
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.voteCalls = append(s.voteCalls, len(votes))
	if s.failVotesAt > 0 && len(s.voteCalls) == s.failVotesAt {
		return 0, fmt.Errorf("connection reset")
	}
	if len(votes) > s.limits.Votes {
		return 0, fmt.Errorf("statement too large: %d votes", len(votes))
	}
	seen := map[VoteKey]bool{}
	for _, v := range votes {
		if seen[v.Key()] {
			return 0, fmt.Errorf("ON CONFLICT DO UPDATE command cannot affect row a second time")
		}
		seen[v.Key()] = true
	}
	s.statements++
	for _, v := range votes {
		s.votes[v.Key()] = v
	}
	return int64(len(votes)), nil
}

func (s *memStore) counts() (elections, candidates, municipalities, votes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.elections), len(s.candidates), len(s.municipalities), len(s.votes)
}

// voteSet is the store contents keyed by natural values, independent of ids.
func (s *memStore) voteSet() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := map[int64]Candidate{}
	for _, c := range s.candidates {
		candidates[c.ID] = c
	}
	municipalities := map[int64]Municipality{}
	for _, m := range s.municipalities {
		municipalities[m.ID] = m
	}
	out := make(map[string]int64, len(s.votes))
	for _, v := range s.votes {
		c := candidates[v.CandidateID]
		m := municipalities[v.MunicipalityID]
		out[fmt.Sprintf("%s/%s/%d/%d/%d", m.Name, m.State, c.BallotNumber, v.Zone, v.Section)] = v.Votes
	}
	return out
}
