package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/painel-eleitoral/server/internal/config"
	"github.com/painel-eleitoral/server/internal/domain/ingest"
	"github.com/painel-eleitoral/server/internal/domain/tse"
	"github.com/painel-eleitoral/server/internal/sourcefile"
)

var (
	ingestParallel        int
	ingestEncoding        string
	ingestCountRows       bool
	ingestOutput          string
	ingestContinueOnError bool
)

// ingestCmd represents the ingest command
var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Load TSE CSV files or zip bundles into the store",
	Long: `Load one or more "votação por seção" exports straight into the configured
store, without going through the HTTP server.

Zip archives expand into one source per CSV entry. Each source is its own
ingestion run. Progress goes to stdout as NDJSON events (--output ndjson)
or to the log on stderr (--output log). A table of run summaries is
printed at the end.

Examples:
  # Load one state export into a local SQLite file
  STORE_KIND=sqlite DATABASE_URL=painel.db server ingest votacao_secao_2022_SC.zip

  # Load every state, two at a time, with row totals for progress
  server ingest --parallel 2 --count-rows data/votacao_secao_2022_*.zip

  # Keep going when one file fails
  server ingest --continue-on-error a.csv b.csv`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().IntVar(&ingestParallel, "parallel", 1, "sources ingested at once")
	ingestCmd.Flags().StringVar(&ingestEncoding, "encoding", "", "source encoding (utf-8, latin1, windows-1252) (default: config)")
	ingestCmd.Flags().BoolVar(&ingestCountRows, "count-rows", false, "count lines first so progress events carry a total")
	ingestCmd.Flags().StringVar(&ingestOutput, "output", "ndjson", "progress output (ndjson, log)")
	ingestCmd.Flags().BoolVar(&ingestContinueOnError, "continue-on-error", false, "ingest remaining sources after a failure")
}

// ingestOptions drive ingestSources.
type ingestOptions struct {
	Parallel        int
	Reader          tse.ReaderOptions
	CountRows       bool
	NDJSON          bool
	ContinueOnError bool
}

// sourceResult is the outcome of one source.
type sourceResult struct {
	Source  string
	Summary ingest.Summary
	Err     error
}

type ingester interface {
	Ingest(ctx context.Context, req ingest.IngestRequest, sink ingest.EventSink) (ingest.Summary, error)
}

func runIngest(cmd *cobra.Command, paths []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if ingestOutput != "ndjson" && ingestOutput != "log" {
		return fmt.Errorf("--output must be ndjson or log, got %q", ingestOutput)
	}
	reader := readerOptions(cfg.Ingest)
	if ingestEncoding != "" {
		if !tse.SupportedEncoding(ingestEncoding) {
			return fmt.Errorf("unsupported encoding %q", ingestEncoding)
		}
		reader.Encoding = ingestEncoding
	}

	// stdout carries events; logs go to stderr
	cfg.Logging.Output = cmd.ErrOrStderr()
	logger := config.NewLogger(cfg.Logging)

	sources, err := sourcefile.Resolve(paths...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := ingestSources(ctx, a.service, sources, ingestOptions{
		Parallel:        ingestParallel,
		Reader:          reader,
		CountRows:       ingestCountRows,
		NDJSON:          ingestOutput == "ndjson",
		ContinueOnError: ingestContinueOnError,
	}, cmd.OutOrStdout(), logger)
	printSummaries(cmd.ErrOrStderr(), results)
	return err
}

// ingestSources runs every source through svc, at most opts.Parallel at a
// time. Results keep source order; sources skipped after a failure have a
// zero Summary and context.Canceled.
func ingestSources(ctx context.Context, svc ingester, sources []sourcefile.Source, opts ingestOptions, out io.Writer, logger zerolog.Logger) ([]sourceResult, error) {
	results := make([]sourceResult, len(sources))
	for i, src := range sources {
		results[i] = sourceResult{Source: src.Name, Err: context.Canceled}
	}

	var sink ingest.EventSink = ingest.LogSink(logger)
	if opts.NDJSON {
		sink = ingest.NewNDJSONSink(out, nil)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Parallel, 1))

	var (
		mu       sync.Mutex
		failures []error
	)
	for i, src := range sources {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			summary, err := ingestSource(gctx, svc, src, opts, sink)
			results[i] = sourceResult{Source: src.Name, Summary: summary, Err: err}
			if err == nil {
				return nil
			}
			logger.Error().Err(err).Str("source", src.Name).Str("run_id", summary.RunID).Msg("source failed")
			err = fmt.Errorf("%s: %w", src.Name, err)
			if opts.ContinueOnError {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, errors.Join(failures...)
}

func ingestSource(ctx context.Context, svc ingester, src sourcefile.Source, opts ingestOptions, sink ingest.EventSink) (ingest.Summary, error) {
	var total *int64
	if opts.CountRows {
		n, err := sourcefile.CountRows(src)
		if err != nil {
			return ingest.Summary{}, fmt.Errorf("count rows: %w", err)
		}
		total = &n
	}

	body, err := src.Open()
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("open source: %w", err)
	}
	defer body.Close()

	return svc.Ingest(ctx, ingest.IngestRequest{
		Source:    src.Name,
		Body:      body,
		RowsTotal: total,
		Reader:    opts.Reader,
	}, sink)
}

func printSummaries(w io.Writer, results []sourceResult) {
	if len(results) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSTATE\tLINES\tUPSERTED\tREJECTED\tELAPSED")
	for _, r := range results {
		state := string(r.Summary.State)
		switch {
		case errors.Is(r.Err, context.Canceled) && r.Summary.RunID == "":
			state = "skipped"
		case r.Err != nil && state == "":
			state = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			r.Source, state,
			r.Summary.LinesRead, r.Summary.FactsUpserted, r.Summary.RejectedRows,
			(time.Duration(r.Summary.ElapsedMS) * time.Millisecond).String())
	}
	_ = tw.Flush()
}
