package tse

import (
	"fmt"
	"strings"
)

// Column is a header name of the TSE "votacao_secao" export.
type Column string

const (
	ColGeneratedDate   Column = "DT_GERACAO"
	ColGeneratedTime   Column = "HH_GERACAO"
	ColYear            Column = "ANO_ELEICAO"
	ColTypeCode        Column = "CD_TIPO_ELEICAO"
	ColTypeName        Column = "NM_TIPO_ELEICAO"
	ColRound           Column = "NR_TURNO"
	ColElectionCode    Column = "CD_ELEICAO"
	ColElectionDesc    Column = "DS_ELEICAO"
	ColElectionDate    Column = "DT_ELEICAO"
	ColScope           Column = "TP_ABRANGENCIA"
	ColState           Column = "SG_UF"
	ColUnitCode        Column = "SG_UE"
	ColUnitName        Column = "NM_UE"
	ColMunicipalityCod Column = "CD_MUNICIPIO"
	ColMunicipality    Column = "NM_MUNICIPIO"
	ColZone            Column = "NR_ZONA"
	ColSection         Column = "NR_SECAO"
	ColOfficeCode      Column = "CD_CARGO"
	ColOffice          Column = "DS_CARGO"
	ColBallotNumber    Column = "NR_VOTAVEL"
	ColCandidateName   Column = "NM_VOTAVEL"
	ColVotes           Column = "QT_VOTOS"
	ColPollingNumber   Column = "NR_LOCAL_VOTACAO"
	ColCandidateSeq    Column = "SQ_CANDIDATO"
	ColPollingPlace    Column = "NM_LOCAL_VOTACAO"
	ColPollingAddress  Column = "DS_LOCAL_VOTACAO_ENDERECO"
)

// Columns lists every source column in canonical order. NormalizedRow.Raw is
// indexed by position in this slice.
var Columns = []Column{
	ColGeneratedDate,
	ColGeneratedTime,
	ColYear,
	ColTypeCode,
	ColTypeName,
	ColRound,
	ColElectionCode,
	ColElectionDesc,
	ColElectionDate,
	ColScope,
	ColState,
	ColUnitCode,
	ColUnitName,
	ColMunicipalityCod,
	ColMunicipality,
	ColZone,
	ColSection,
	ColOfficeCode,
	ColOffice,
	ColBallotNumber,
	ColCandidateName,
	ColVotes,
	ColPollingNumber,
	ColCandidateSeq,
	ColPollingPlace,
	ColPollingAddress,
}

// NumColumns is the width of the canonical record.
const NumColumns = 26

var requiredColumns = []Column{
	ColYear,
	ColTypeName,
	ColRound,
	ColState,
	ColMunicipality,
	ColZone,
	ColSection,
	ColOffice,
	ColBallotNumber,
	ColCandidateName,
	ColVotes,
}

var canonicalIndex = func() map[Column]int {
	m := make(map[Column]int, len(Columns))
	for i, c := range Columns {
		m[c] = i
	}
	return m
}()

// Header maps canonical columns to their position in the file being read.
type Header struct {
	// pos[i] is the file position of Columns[i], or -1 when absent.
	pos [NumColumns]int
}

// MissingColumnsError reports required columns absent from a header.
type MissingColumnsError struct {
	Missing []Column
}

func (e *MissingColumnsError) Error() string {
	names := make([]string, len(e.Missing))
	for i, c := range e.Missing {
		names[i] = string(c)
	}
	return fmt.Sprintf("header missing required columns: %s", strings.Join(names, ", "))
}

// ParseHeader builds a Header from the first record of a file. Matching is
// case-insensitive and ignores surrounding whitespace, quotes and a UTF-8 BOM.
// Unknown columns are ignored.
func ParseHeader(fields []string) (Header, error) {
	var h Header
	for i := range h.pos {
		h.pos[i] = -1
	}

	for i, name := range fields {
		if i == 0 {
			name = strings.TrimPrefix(name, "\uFEFF")
		}
		name = strings.ToUpper(strings.Trim(strings.TrimSpace(name), `"`))
		if idx, ok := canonicalIndex[Column(name)]; ok && h.pos[idx] < 0 {
			h.pos[idx] = i
		}
	}

	var missing []Column
	for _, c := range requiredColumns {
		if h.pos[canonicalIndex[c]] < 0 {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return Header{}, &MissingColumnsError{Missing: missing}
	}
	return h, nil
}

// Has reports whether the column was present in the file header.
func (h Header) Has(c Column) bool {
	idx, ok := canonicalIndex[c]
	return ok && h.pos[idx] >= 0
}

// value returns the field for c, or "" when the column or field is missing.
func (h Header) value(fields []string, c Column) string {
	idx, ok := canonicalIndex[c]
	if !ok {
		return ""
	}
	p := h.pos[idx]
	if p < 0 || p >= len(fields) {
		return ""
	}
	return fields[p]
}

// width is the minimum record width that covers every required column.
func (h Header) width() int {
	w := 0
	for _, c := range requiredColumns {
		if p := h.pos[canonicalIndex[c]]; p+1 > w {
			w = p + 1
		}
	}
	return w
}
