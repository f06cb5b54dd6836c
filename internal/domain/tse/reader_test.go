package tse

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

const sampleHeader = "\"ANO_ELEICAO\";\"NM_TIPO_ELEICAO\";\"NR_TURNO\";\"SG_UF\";\"NM_MUNICIPIO\";\"NR_ZONA\";\"NR_SECAO\";\"DS_CARGO\";\"NR_VOTAVEL\";\"NM_VOTAVEL\";\"QT_VOTOS\"\n"

func sampleLine(municipality string, votes string) string {
	return "\"2022\";\"Eleição Ordinária\";\"1\";\"SC\";\"" + municipality + "\";\"10\";\"1\";\"Governador\";\"15\";\"MAURO MARIANI\";\"" + votes + "\"\n"
}

func readAll(t *testing.T, r *RecordReader) ([]Record, []error) {
	t.Helper()
	var (
		records []Record
		errs    []error
	)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return records, errs
		}
		if err != nil {
			errs = append(errs, err)
			var recErr *RecordError
			if !errors.As(err, &recErr) {
				return records, errs
			}
			continue
		}
		rec.Fields = append([]string(nil), rec.Fields...)
		records = append(records, rec)
	}
}

func TestRecordReader(t *testing.T) {
	in := "\uFEFF" + sampleHeader + sampleLine("CRICIÚMA", "44") + sampleLine("CRICIÚMA", "10")

	r, err := NewRecordReader(strings.NewReader(in), ReaderOptions{})
	require.NoError(t, err)
	assert.True(t, r.Header().Has(ColVotes))

	records, errs := readAll(t, r)
	require.Empty(t, errs)
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].Line)
	assert.Equal(t, 3, records[1].Line)

	row, rej := Normalize(r.Header(), records[1])
	require.Nil(t, rej)
	assert.Equal(t, int64(10), row.Votes)
	assert.Equal(t, "CRICIÚMA", row.MunicipalityName)
}

func TestRecordReaderLatin1(t *testing.T) {
	utf8 := sampleHeader + sampleLine("CRICIÚMA", "44")
	latin1, err := charmap.ISO8859_1.NewEncoder().String(utf8)
	require.NoError(t, err)

	r, err := NewRecordReader(strings.NewReader(latin1), ReaderOptions{Encoding: EncodingLatin1})
	require.NoError(t, err)

	records, errs := readAll(t, r)
	require.Empty(t, errs)
	require.Len(t, records, 1)

	row, rej := Normalize(r.Header(), records[0])
	require.Nil(t, rej)
	assert.Equal(t, "CRICIÚMA", row.MunicipalityName)
	assert.Equal(t, "ELEIÇÃO ORDINÁRIA", row.Election.Key.Type)
}

func TestRecordReaderRewrites(t *testing.T) {
	in := sampleHeader + sampleLine("CRICIÚMA", "#NULO#")

	r, err := NewRecordReader(strings.NewReader(in), ReaderOptions{
		Rewrites: []Rewrite{{From: "#NULO#", To: "7"}},
	})
	require.NoError(t, err)

	records, _ := readAll(t, r)
	require.Len(t, records, 1)
	row, rej := Normalize(r.Header(), records[0])
	require.Nil(t, rej)
	assert.Equal(t, int64(7), row.Votes)
}

func TestRecordReaderLazyQuotes(t *testing.T) {
	in := sampleHeader +
		sampleLine("CRICIÚMA", "44") +
		"\"2022\";\"x\"y\"\n" +
		sampleLine("CRICIÚMA", "10")

	r, err := NewRecordReader(strings.NewReader(in), ReaderOptions{})
	require.NoError(t, err)

	records, errs := readAll(t, r)
	assert.Len(t, records, 3, "lazy quotes accept a stray quote")
	assert.Empty(t, errs)
}

func TestRecordReaderErrors(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		_, err := NewRecordReader(strings.NewReader(""), ReaderOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty input")
	})

	t.Run("missing columns", func(t *testing.T) {
		_, err := NewRecordReader(strings.NewReader("A;B;C\n1;2;3\n"), ReaderOptions{})
		var missing *MissingColumnsError
		require.ErrorAs(t, err, &missing)
	})

	t.Run("unsupported encoding", func(t *testing.T) {
		_, err := NewRecordReader(strings.NewReader(sampleHeader), ReaderOptions{Encoding: "ebcdic"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ebcdic")
	})
}

func TestDecodeAliases(t *testing.T) {
	for _, enc := range []string{"", "UTF-8", "utf8", "latin1", "ISO-8859-1", "cp1252", "Windows-1252"} {
		_, err := Decode(strings.NewReader(""), enc)
		assert.NoError(t, err, enc)
	}
}

func TestSupportedEncoding(t *testing.T) {
	assert.True(t, SupportedEncoding("latin1"))
	assert.True(t, SupportedEncoding(""))
	assert.False(t, SupportedEncoding("ebcdic"))
}
