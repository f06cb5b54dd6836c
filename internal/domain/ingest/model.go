package ingest

import (
	"time"

	"github.com/painel-eleitoral/server/internal/domain/tse"
)

// Election is a persisted election dimension row.
type Election struct {
	ID          int64
	Key         tse.ElectionKey
	Code        string
	Description string
	Date        *time.Time
	GeneratedAt *time.Time
}

// CandidateKey is the natural key of a candidate.
type CandidateKey struct {
	BallotNumber int
	ElectionID   int64
}

// Candidate is a ballot number in one election.
type Candidate struct {
	ID           int64
	BallotNumber int
	Name         string
	Office       string
	ElectionID   int64
}

func (c Candidate) Key() CandidateKey {
	return CandidateKey{BallotNumber: c.BallotNumber, ElectionID: c.ElectionID}
}

// MunicipalityKey is the natural key of a municipality. Name and State are
// stored repaired and upper-cased.
type MunicipalityKey struct {
	Name  string
	State string
}

// Municipality is a city, keyed by name and state; Code is the TSE code when present.
type Municipality struct {
	ID    int64
	Code  *int64
	Name  string
	State string
}

func (m Municipality) Key() MunicipalityKey {
	return MunicipalityKey{Name: m.Name, State: m.State}
}

// VoteKey is the natural key of a vote fact.
type VoteKey struct {
	ElectionID     int64
	MunicipalityID int64
	CandidateID    int64
	Zone           int
	Section        int
}

// VoteRecord is one fact row ready to be written.
type VoteRecord struct {
	ElectionID     int64
	MunicipalityID int64
	CandidateID    int64
	Zone           int
	Section        int
	PollingPlace   string
	PollingAddress string
	Votes          int64
	Raw            [tse.NumColumns]string
}

func (v VoteRecord) Key() VoteKey {
	return VoteKey{
		ElectionID:     v.ElectionID,
		MunicipalityID: v.MunicipalityID,
		CandidateID:    v.CandidateID,
		Zone:           v.Zone,
		Section:        v.Section,
	}
}

// Dimensions is the snapshot of existing dimension keys a run starts from.
type Dimensions struct {
	Candidates     map[CandidateKey]int64
	Municipalities map[MunicipalityKey]int64
}

// Limits is the maximum number of rows a store accepts in one statement,
// per table. Stores derive it from their bound-parameter ceiling.
type Limits struct {
	Candidates     int
	Municipalities int
	Votes          int
}
