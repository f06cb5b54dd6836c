package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const csvHeader = `"DT_GERACAO";"HH_GERACAO";"ANO_ELEICAO";"CD_TIPO_ELEICAO";"NM_TIPO_ELEICAO";"NR_TURNO";"CD_ELEICAO";"DS_ELEICAO";"DT_ELEICAO";"TP_ABRANGENCIA";"SG_UF";"SG_UE";"NM_UE";"CD_MUNICIPIO";"NM_MUNICIPIO";"NR_ZONA";"NR_SECAO";"CD_CARGO";"DS_CARGO";"NR_VOTAVEL";"NM_VOTAVEL";"QT_VOTOS";"NR_LOCAL_VOTACAO";"SQ_CANDIDATO";"NM_LOCAL_VOTACAO";"DS_LOCAL_VOTACAO_ENDERECO"`

type voteLine struct {
	Municipality string
	State        string
	Ballot       int
	Name         string
	Office       string
	Zone         int
	Section      int
	Votes        string
}

func (l voteLine) String() string {
	fields := []string{
		"19/10/2022", "08:00:47", "2022", "2", "Eleição Ordinária", "1", "546",
		"Eleições Gerais Estaduais 2022", "02/10/2022", "E", l.State, l.State, "SANTA CATARINA",
		"80470", l.Municipality, fmt.Sprint(l.Zone), fmt.Sprint(l.Section), "3", l.Office,
		fmt.Sprint(l.Ballot), l.Name, l.Votes, "1015", "240001647544",
		"ESCOLA EEB JOSÉ DO PATROCÍNIO", "RUA HENRIQUE LAGE, 500",
	}
	return `"` + strings.Join(fields, `";"`) + `"`
}

func csvOf(lines ...voteLine) string {
	var b strings.Builder
	b.WriteString(csvHeader)
	b.WriteString("\n")
	for _, l := range lines {
		b.WriteString(l.String())
		b.WriteString("\n")
	}
	return b.String()
}

// criciumaLines is three sections of the same candidate in one city, one
// of them with zero votes.
func criciumaLines() []voteLine {
	base := voteLine{Municipality: "CRICIÚMA", State: "SC", Ballot: 15, Name: "MAURO MARIANI", Office: "Governador", Zone: 10}
	a, b, c := base, base, base
	a.Section, a.Votes = 1, "44"
	b.Section, b.Votes = 2, "10"
	c.Section, c.Votes = 3, "0"
	return []voteLine{a, b, c}
}

// syntheticLines builds n lines over a few municipalities, candidates and
// sections, with some invalid rows and some repeated vote keys.
func syntheticLines(n int) []voteLine {
	cities := []string{"CRICIÚMA", "FLORIANÓPOLIS", "CHAPECÓ", "ITAJAÍ", "JOINVILLE"}
	lines := make([]voteLine, 0, n)
	for i := 0; i < n; i++ {
		l := voteLine{
			Municipality: cities[i%len(cities)],
			State:        "SC",
			Ballot:       10 + i%13,
			Name:         fmt.Sprintf("CANDIDATO %d", 10+i%13),
			Office:       "Governador",
			Zone:         1 + i%7,
			Section:      1 + i%10,
			Votes:        fmt.Sprint(1 + i%97),
		}
		if i%41 == 0 {
			l.Votes = "0"
		}
		if i%53 == 0 {
			l.Name = ""
		}
		lines = append(lines, l)
	}
	return lines
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	failAt int // 1-based event to fail, 0 never
}

func (r *eventRecorder) Emit(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.events)+1 >= r.failAt {
		return fmt.Errorf("write: broken pipe")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) stages() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stage, len(r.events))
	for i, e := range r.events {
		out[i] = e.Stage
	}
	return out
}

func (r *eventRecorder) last(t *testing.T) Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.events)
	return r.events[len(r.events)-1]
}

func (r *eventRecorder) count(stage Stage) int {
	n := 0
	for _, s := range r.stages() {
		if s == stage {
			n++
		}
	}
	return n
}

func testConfig(batch int) Config {
	cfg := DefaultConfig()
	cfg.BatchSize = batch
	return cfg
}

func runFile(t *testing.T, store Store, cfg Config, content string, sink EventSink) (Summary, error) {
	t.Helper()
	o := NewOrchestrator(store, cfg, zerolog.Nop())
	return o.Run(context.Background(), strings.NewReader(content), sink, RunOptions{RunID: "test-run"})
}

func roomyLimits() Limits {
	return Limits{Candidates: 1000, Municipalities: 1000, Votes: 1000}
}
