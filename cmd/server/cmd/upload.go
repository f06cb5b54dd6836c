package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/signal"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/painel-eleitoral/server/internal/domain/ingest"
	"github.com/painel-eleitoral/server/internal/sourcefile"
)

var (
	uploadServerURL string
	uploadEncoding  string
	uploadCountRows bool
	uploadTimeout   time.Duration
	uploadRaw       bool
)

// uploadCmd streams files to a running server.
var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Stream TSE CSV files to a running server",
	Long: `Upload one or more exports to POST /api/v1/ingestions and follow the
NDJSON progress stream. Zip archives are expanded locally and each CSV
entry is uploaded as its own run.

The command fails when the server refuses an upload or a run ends with a
failed event.

Examples:
  # Upload to a local server
  server upload votacao_secao_2022_SC.csv

  # Upload a zip bundle with row totals, printing raw events
  server upload --count-rows --raw votacao_secao_2022_SC.zip

  # Use custom server URL
  server upload --server https://painel.example.org data.csv`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return uploadFiles(ctx, cmd.OutOrStdout(), args)
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringVar(&uploadServerURL, "server", "http://localhost:8080", "ingestion server URL")
	uploadCmd.Flags().StringVar(&uploadEncoding, "encoding", "", "source encoding sent to the server (default: server config)")
	uploadCmd.Flags().BoolVar(&uploadCountRows, "count-rows", false, "count lines first and send them as X-Total-Rows")
	uploadCmd.Flags().DurationVar(&uploadTimeout, "timeout", 0, "give up on a single upload after this long (0 = never)")
	uploadCmd.Flags().BoolVar(&uploadRaw, "raw", false, "print events as NDJSON instead of progress lines")
}

func uploadFiles(ctx context.Context, out io.Writer, paths []string) error {
	sources, err := sourcefile.Resolve(paths...)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: uploadTimeout}
	for _, src := range sources {
		summary, err := uploadSource(ctx, client, uploadServerURL, src, out)
		if err != nil {
			return fmt.Errorf("%s: %w", src.Name, err)
		}
		if !uploadRaw {
			fmt.Fprintf(out, "✓ %s: run %s, %d facts upserted, %d rows rejected\n",
				src.Name, summary.RunID, summary.FactsUpserted, summary.RejectedRows)
		}
	}
	return nil
}

// uploadSource posts src as a raw text/csv body and reads the event
// stream to its terminal event.
func uploadSource(ctx context.Context, client *http.Client, server string, src sourcefile.Source, out io.Writer) (ingest.Summary, error) {
	var total int64 = -1
	if uploadCountRows {
		n, err := sourcefile.CountRows(src)
		if err != nil {
			return ingest.Summary{}, fmt.Errorf("count rows: %w", err)
		}
		total = n
	}

	body, err := src.Open()
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("open source: %w", err)
	}
	defer body.Close()

	q := url.Values{}
	q.Set("filename", path.Base(strings.ReplaceAll(src.Name, "!", "/")))
	if uploadEncoding != "" {
		q.Set("encoding", uploadEncoding)
	}
	endpoint := strings.TrimRight(server, "/") + "/api/v1/ingestions?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("Accept", "application/x-ndjson")
	if src.Size > 0 && !strings.Contains(src.Name, "!") {
		req.ContentLength = src.Size
	}
	if total >= 0 {
		req.Header.Set("X-Total-Rows", strconv.FormatInt(total, 10))
	}

	resp, err := client.Do(req)
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return ingest.Summary{}, responseError(resp)
	}
	return followEvents(resp.Body, out, uploadRaw)
}

// followEvents prints each event and returns the terminal one's summary.
// A stream that ends without a terminal event is an error.
func followEvents(r io.Reader, out io.Writer, raw bool) (ingest.Summary, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev ingest.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return ingest.Summary{}, fmt.Errorf("decode event: %w", err)
		}
		if raw {
			fmt.Fprintf(out, "%s\n", line)
		} else {
			fmt.Fprintln(out, progressLine(ev))
		}
		if !ev.Terminal() {
			continue
		}
		var summary ingest.Summary
		if ev.Summary != nil {
			summary = *ev.Summary
		}
		if ev.Stage == ingest.StageFailed {
			return summary, fmt.Errorf("run %s failed: %s", ev.RunID, ev.Error)
		}
		return summary, nil
	}
	if err := sc.Err(); err != nil {
		return ingest.Summary{}, fmt.Errorf("read event stream: %w", err)
	}
	return ingest.Summary{}, errors.New("event stream ended before the run finished")
}

func progressLine(ev ingest.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-20s", ev.RunID, ev.Stage)
	if ev.RowsTotal != nil && *ev.RowsTotal > 0 {
		pct := float64(ev.RowsProcessed) / float64(*ev.RowsTotal) * 100
		fmt.Fprintf(&b, " %d/%d (%.1f%%)", ev.RowsProcessed, *ev.RowsTotal, pct)
	} else if ev.RowsProcessed > 0 {
		fmt.Fprintf(&b, " %d rows", ev.RowsProcessed)
	}
	if ev.Message != "" {
		b.WriteString(" ")
		b.WriteString(ev.Message)
	}
	if ev.Error != "" {
		b.WriteString(": ")
		b.WriteString(ev.Error)
	}
	return b.String()
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var p struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &p) == nil && p.Title != "" {
		if p.Detail != "" {
			return fmt.Errorf("server refused upload (HTTP %d): %s: %s", resp.StatusCode, p.Title, p.Detail)
		}
		return fmt.Errorf("server refused upload (HTTP %d): %s", resp.StatusCode, p.Title)
	}
	return fmt.Errorf("server refused upload (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
