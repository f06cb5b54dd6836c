package postgres

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/painel-eleitoral/server/internal/domain/ingest"
	"github.com/painel-eleitoral/server/internal/domain/tse"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const header = `"DT_GERACAO";"HH_GERACAO";"ANO_ELEICAO";"CD_TIPO_ELEICAO";"NM_TIPO_ELEICAO";"NR_TURNO";"CD_ELEICAO";"DS_ELEICAO";"DT_ELEICAO";"TP_ABRANGENCIA";"SG_UF";"SG_UE";"NM_UE";"CD_MUNICIPIO";"NM_MUNICIPIO";"NR_ZONA";"NR_SECAO";"CD_CARGO";"DS_CARGO";"NR_VOTAVEL";"NM_VOTAVEL";"QT_VOTOS";"NR_LOCAL_VOTACAO";"SQ_CANDIDATO";"NM_LOCAL_VOTACAO";"DS_LOCAL_VOTACAO_ENDERECO"`

func line(city string, zone, section, ballot int, name string, votes int) string {
	fields := []string{
		"19/10/2022", "08:00:47", "2022", "2", "Eleição Ordinária", "1", "546",
		"Eleições Gerais Estaduais 2022", "02/10/2022", "E", "SC", "SC", "SANTA CATARINA",
		"80470", city, fmt.Sprint(zone), fmt.Sprint(section), "3", "Governador",
		fmt.Sprint(ballot), name, fmt.Sprint(votes), "1015", "240001647544",
		"ESCOLA EEB JOSÉ DO PATROCÍNIO", "RUA HENRIQUE LAGE, 500",
	}
	return `"` + strings.Join(fields, `";"`) + `"`
}

func csvFile(lines ...string) string {
	return header + "\n" + strings.Join(lines, "\n") + "\n"
}

func newTestStore(t *testing.T, ceiling int) *Store {
	t.Helper()
	pool, _ := setupPostgres(t)
	s, err := NewStore(pool, ceiling)
	require.NoError(t, err)
	return s
}

func ingestFile(t *testing.T, s *Store, batch int, content string) ingest.Summary {
	t.Helper()
	cfg := ingest.DefaultConfig()
	cfg.BatchSize = batch
	o := ingest.NewOrchestrator(s, cfg, zerolog.Nop())
	summary, err := o.Run(context.Background(), strings.NewReader(content), ingest.DiscardSink, ingest.RunOptions{RunID: "pg-test"})
	require.NoError(t, err)
	return summary
}

func TestStoreCriciumaScenario(t *testing.T) {
	s := newTestStore(t, 0)
	content := csvFile(
		line("CRICIÚMA", 10, 1, 15, "MAURO MARIANI", 44),
		line("CRICIÚMA", 10, 2, 15, "MAURO MARIANI", 10),
		line("CRICIÚMA", 10, 3, 15, "MAURO MARIANI", 0),
	)

	summary := ingestFile(t, s, 2000, content)
	assert.Equal(t, ingest.StateCompleted, summary.State)
	assert.Equal(t, int64(2), summary.FactsUpserted)
	assert.Equal(t, int64(1), summary.RejectedRows)

	assert.Equal(t, 1, countRows(t, s.pool, "elections"))
	assert.Equal(t, 1, countRows(t, s.pool, "candidates"))
	assert.Equal(t, 1, countRows(t, s.pool, "municipalities"))
	assert.Equal(t, 2, countRows(t, s.pool, "votes"))

	var (
		votes int64
		raw   string
		code  *int64
	)
	err := s.pool.QueryRow(context.Background(), `
SELECT v.votes, v.raw_nm_municipio, m.code
  FROM votes v JOIN municipalities m ON m.id = v.municipality_id
 WHERE v.section = 1`).Scan(&votes, &raw, &code)
	require.NoError(t, err)
	assert.Equal(t, int64(44), votes)
	assert.Equal(t, "CRICIÚMA", raw)
	require.NotNil(t, code)
	assert.Equal(t, int64(80470), *code)

	var typ string
	var date time.Time
	err = s.pool.QueryRow(context.Background(), `SELECT type, election_date FROM elections`).Scan(&typ, &date)
	require.NoError(t, err)
	assert.Equal(t, "ELEIÇÃO ORDINÁRIA", typ)
	assert.Equal(t, "2022-10-02", date.Format(time.DateOnly))
}

func TestStoreIdempotentRerun(t *testing.T) {
	s := newTestStore(t, 0)
	var lines []string
	for i := 0; i < 500; i++ {
		lines = append(lines, line(fmt.Sprintf("CIDADE %d", i%7), 1+i%3, 1+i%50, 10+i%11, fmt.Sprintf("CANDIDATO %d", i%11), 1+i%9))
	}
	content := csvFile(lines...)

	first := ingestFile(t, s, 100, content)
	votesAfterFirst := countRows(t, s.pool, "votes")

	second := ingestFile(t, s, 100, content)
	assert.Equal(t, votesAfterFirst, countRows(t, s.pool, "votes"))
	assert.Equal(t, 7, countRows(t, s.pool, "municipalities"))
	assert.Equal(t, 11, countRows(t, s.pool, "candidates"))
	assert.Greater(t, first.CandidatesCreated, 0)
	assert.Zero(t, second.CandidatesCreated)
	assert.Zero(t, second.MunicipalitiesCreated)
}

func TestStoreSmallCeilingSplitsStatements(t *testing.T) {
	// 34 parameters per vote row, so 100 allows two rows per statement.
	s := newTestStore(t, 100)
	assert.Equal(t, 2, s.Limits().Votes)

	var lines []string
	for i := 1; i <= 9; i++ {
		lines = append(lines, line("CHAPECÓ", 1, i, 13, "FULANO", i))
	}
	summary := ingestFile(t, s, 2000, csvFile(lines...))
	assert.Equal(t, int64(9), summary.FactsUpserted)
	assert.Equal(t, 9, countRows(t, s.pool, "votes"))
}

func TestStoreMunicipalityCodeBackfill(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	err := s.WithTx(ctx, func(ctx context.Context, tx ingest.DimensionTx) error {
		_, err := tx.UpsertMunicipalities(ctx, []ingest.Municipality{{Name: "JOINVILLE", State: "SC"}})
		return err
	})
	require.NoError(t, err)

	code := int64(81795)
	var ids map[ingest.MunicipalityKey]int64
	err = s.WithTx(ctx, func(ctx context.Context, tx ingest.DimensionTx) error {
		var err error
		ids, err = tx.UpsertMunicipalities(ctx, []ingest.Municipality{{Name: "JOINVILLE", State: "SC", Code: &code}})
		return err
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// A later row without a code keeps the stored one.
	err = s.WithTx(ctx, func(ctx context.Context, tx ingest.DimensionTx) error {
		_, err := tx.UpsertMunicipalities(ctx, []ingest.Municipality{{Name: "JOINVILLE", State: "SC"}})
		return err
	})
	require.NoError(t, err)

	var stored *int64
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT code FROM municipalities WHERE name = 'JOINVILLE'`).Scan(&stored))
	require.NotNil(t, stored)
	assert.Equal(t, code, *stored)
}

func TestStoreWithTxRollsBack(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	err := s.WithTx(ctx, func(ctx context.Context, tx ingest.DimensionTx) error {
		if _, err := tx.UpsertMunicipalities(ctx, []ingest.Municipality{{Name: "ITAJAÍ", State: "SC"}}); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.EqualError(t, err, "abort")
	assert.Zero(t, countRows(t, s.pool, "municipalities"))
}

func TestStoreUpsertElectionKeepsDescription(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	key := tse.ElectionKey{Year: 2022, Type: "ELEIÇÃO ORDINÁRIA", Round: 1}

	first, err := s.UpsertElection(ctx, ingest.Election{Key: key, Code: "546", Description: "Eleições Gerais 2022"})
	require.NoError(t, err)

	date := time.Date(2022, 10, 2, 0, 0, 0, 0, time.UTC)
	second, err := s.UpsertElection(ctx, ingest.Election{Key: key, Code: "999", Description: "changed", Date: &date})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "546", second.Code)
	assert.Equal(t, "Eleições Gerais 2022", second.Description)
}

func TestStoreLoadDimensions(t *testing.T) {
	s := newTestStore(t, 0)
	ingestFile(t, s, 2000, csvFile(
		line("CRICIÚMA", 10, 1, 15, "MAURO MARIANI", 44),
		line("FLORIANÓPOLIS", 12, 1, 22, "JORGINHO MELLO", 70),
	))

	dims, err := s.LoadDimensions(context.Background())
	require.NoError(t, err)
	assert.Len(t, dims.Candidates, 2)
	assert.Len(t, dims.Municipalities, 2)
	assert.Contains(t, dims.Municipalities, ingest.MunicipalityKey{Name: "FLORIANÓPOLIS", State: "SC"})
}
