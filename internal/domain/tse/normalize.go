package tse

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ElectionKey is the natural key of an election.
type ElectionKey struct {
	Year  int
	Type  string
	Round int
}

func (k ElectionKey) String() string {
	return fmt.Sprintf("%d/%s/%d", k.Year, k.Type, k.Round)
}

// ElectionInfo is the election described by a row.
type ElectionInfo struct {
	Key         ElectionKey
	Code        string
	Description string
	Date        *time.Time
	GeneratedAt *time.Time
}

// NormalizedRow is a typed, validated source row. Free-text key fields are
// repaired and trimmed; Raw keeps every source column as read, in Columns
// order, with invalid UTF-8 replaced by U+FFFD.
type NormalizedRow struct {
	Line int

	Election         ElectionInfo
	State            string
	MunicipalityCode *int64
	MunicipalityName string
	Zone             int
	Section          int
	Office           string
	BallotNumber     int
	CandidateName    string
	Votes            int64
	PollingPlace     string
	PollingAddress   string

	Raw [NumColumns]string
}

// Reason classifies a rejected row.
type Reason string

const (
	ReasonEmptyMunicipality  Reason = "empty_municipality"
	ReasonEmptyCandidateName Reason = "empty_candidate_name"
	ReasonNonPositiveVotes   Reason = "non_positive_votes"
	ReasonInvalidNumber      Reason = "invalid_number"
	ReasonShortRecord        Reason = "short_record"
	ReasonMalformedRecord    Reason = "malformed_record"
)

// Rejection describes why a row was excluded from the run.
type Rejection struct {
	Line   int    `json:"line"`
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("line %d: %s", r.Line, r.Reason)
	}
	return fmt.Sprintf("line %d: %s: %s", r.Line, r.Reason, r.Detail)
}

// TSE writes these markers in place of missing values.
var nullMarkers = map[string]struct{}{
	"#NULO#": {},
	"#NULO":  {},
	"#NE#":   {},
	"#NE":    {},
}

const (
	dateLayout = "02/01/2006"
	timeLayout = "15:04:05"
)

// Normalize turns one raw record into a NormalizedRow. Data-quality
// problems come back as a Rejection; Normalize never fails otherwise.
func Normalize(h Header, rec Record) (NormalizedRow, *Rejection) {
	reject := func(reason Reason, detail string) (NormalizedRow, *Rejection) {
		return NormalizedRow{}, &Rejection{Line: rec.Line, Reason: reason, Detail: detail}
	}

	if len(rec.Fields) < h.width() {
		return reject(ReasonShortRecord, fmt.Sprintf("%d fields", len(rec.Fields)))
	}

	row := NormalizedRow{Line: rec.Line}
	for i, c := range Columns {
		row.Raw[i] = strings.ToValidUTF8(h.value(rec.Fields, c), "\uFFFD")
	}
	get := func(c Column) string {
		return cleanText(h.value(rec.Fields, c))
	}

	row.MunicipalityName = strings.ToUpper(get(ColMunicipality))
	if row.MunicipalityName == "" {
		return reject(ReasonEmptyMunicipality, "")
	}
	row.CandidateName = get(ColCandidateName)
	if row.CandidateName == "" {
		return reject(ReasonEmptyCandidateName, "")
	}

	votes, ok := parseNumber(h.value(rec.Fields, ColVotes))
	if !ok || votes <= 0 {
		return reject(ReasonNonPositiveVotes, strings.TrimSpace(h.value(rec.Fields, ColVotes)))
	}
	row.Votes = votes

	// Stores declare these as 32-bit integers.
	ints := []struct {
		col Column
		min int64
		dst *int
	}{
		{ColYear, 0, &row.Election.Key.Year},
		{ColRound, 1, &row.Election.Key.Round},
		{ColZone, 0, &row.Zone},
		{ColSection, 0, &row.Section},
		{ColBallotNumber, 0, &row.BallotNumber},
	}
	for _, f := range ints {
		n, ok := parseNumber(h.value(rec.Fields, f.col))
		if !ok || n < f.min || n > math.MaxInt32 {
			return reject(ReasonInvalidNumber, string(f.col))
		}
		*f.dst = int(n)
	}

	row.Election.Key.Type = strings.ToUpper(get(ColTypeName))
	row.Election.Code = get(ColElectionCode)
	row.Election.Description = get(ColElectionDesc)
	row.Election.Date = parseDate(get(ColElectionDate), "")
	row.Election.GeneratedAt = parseDate(get(ColGeneratedDate), get(ColGeneratedTime))

	row.State = strings.ToUpper(get(ColState))
	if code, ok := parseNumber(h.value(rec.Fields, ColMunicipalityCod)); ok {
		row.MunicipalityCode = &code
	}
	row.Office = get(ColOffice)
	row.PollingPlace = get(ColPollingPlace)
	row.PollingAddress = get(ColPollingAddress)

	return row, nil
}

func cleanText(s string) string {
	// Bytes from a mis-declared charset become U+FFFD, which Repair knows.
	s = strings.TrimSpace(strings.ToValidUTF8(s, "\uFFFD"))
	if _, ok := nullMarkers[s]; ok {
		return ""
	}
	return Repair(s)
}

// parseNumber drops every non-digit rune before converting, so "1.234" and
// " 44 " both parse. A leading minus sign is kept.
func parseNumber(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if _, ok := nullMarkers[s]; ok {
		return 0, false
	}
	negative := strings.HasPrefix(s, "-")

	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	if negative {
		n = -n
	}
	return n, true
}

func parseDate(date, clock string) *time.Time {
	if date == "" {
		return nil
	}
	layout, value := dateLayout, date
	if clock != "" {
		layout, value = dateLayout+" "+timeLayout, date+" "+clock
	}
	t, err := time.ParseInLocation(layout, value, time.UTC)
	if err != nil {
		if clock == "" {
			return nil
		}
		// A bad clock still leaves a usable date.
		return parseDate(date, "")
	}
	return &t
}
