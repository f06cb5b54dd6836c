package ingest

import "github.com/painel-eleitoral/server/internal/domain/tse"

// DimensionCache maps natural keys to surrogate ids for the lifetime of one
// run. It is seeded from the store at run start and extended only with ids
// the store has confirmed. It is not safe for concurrent use; a run
// processes its batches sequentially.
type DimensionCache struct {
	candidates     map[CandidateKey]int64
	municipalities map[MunicipalityKey]int64
	elections      map[tse.ElectionKey]int64
}

// NewDimensionCache takes ownership of the maps in snapshot.
func NewDimensionCache(snapshot Dimensions) *DimensionCache {
	c := &DimensionCache{
		candidates:     snapshot.Candidates,
		municipalities: snapshot.Municipalities,
		elections:      make(map[tse.ElectionKey]int64),
	}
	if c.candidates == nil {
		c.candidates = make(map[CandidateKey]int64)
	}
	if c.municipalities == nil {
		c.municipalities = make(map[MunicipalityKey]int64)
	}
	return c
}

// Candidate returns the cached id of k.
func (c *DimensionCache) Candidate(k CandidateKey) (int64, bool) {
	id, ok := c.candidates[k]
	return id, ok
}

func (c *DimensionCache) Municipality(k MunicipalityKey) (int64, bool) {
	id, ok := c.municipalities[k]
	return id, ok
}

func (c *DimensionCache) Election(k tse.ElectionKey) (int64, bool) {
	id, ok := c.elections[k]
	return id, ok
}

// PutCandidate records an id the store has committed.
func (c *DimensionCache) PutCandidate(k CandidateKey, id int64) {
	c.candidates[k] = id
}

func (c *DimensionCache) PutMunicipality(k MunicipalityKey, id int64) {
	c.municipalities[k] = id
}

func (c *DimensionCache) PutElection(k tse.ElectionKey, id int64) {
	c.elections[k] = id
}

// CacheSize counts cached keys per dimension.
type CacheSize struct {
	Candidates     int
	Municipalities int
	Elections      int
}

// Len reports how many keys are cached.
func (c *DimensionCache) Len() CacheSize {
	return CacheSize{
		Candidates:     len(c.candidates),
		Municipalities: len(c.municipalities),
		Elections:      len(c.elections),
	}
}
