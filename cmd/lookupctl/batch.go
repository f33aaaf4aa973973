package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/lookup-client/pkg/batch"
	"github.com/Sternrassler/lookup-client/pkg/lookup"
	"github.com/Sternrassler/lookup-client/pkg/query"
)

type batchOutcome struct {
	BatchID   string         `json:"batch_id"`
	Status    batch.Status   `json:"status"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Total     int            `json:"total"`
	Results   []query.Result `json:"results"`
}

func batchCmd(a *app) *cobra.Command {
	var (
		kindName string
		count    int
		file     string
	)

	cmd := &cobra.Command{
		Use:   "batch [TERM...]",
		Short: "Run a batch of lookups and report consolidated progress",
		Long: `Submit the first --count terms as one batch. Terms are taken from the
arguments or, with --file, one per line from a file ("-" reads stdin).

A batch whose members partly fail still reports the results of the
members that succeeded, with status failed-partial.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := query.ParseKind(kindName)
			if err != nil {
				return err
			}

			terms := args
			if file != "" {
				terms, err = readTerms(file, cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			if count <= 0 {
				count = len(terms)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session, rdb, cleanup, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			stopMetrics := startMetricsServer(a.cfg.MetricsAddr, rdb, session.Scheduler(), a.logger)
			defer stopMetrics()

			progress := &progressPrinter{w: a.stderr}
			var final batch.State

			sub, err := session.SubmitBatch(lookup.BatchInput{
				Host:           a.cfg.Target.Host,
				Port:           a.cfg.Target.Port,
				TLS:            a.cfg.Target.TLS,
				Terms:          terms,
				Kind:           kind,
				RequestedCount: count,
			}, lookup.BatchCallbacks{
				OnProgress: func(p batch.Progress) {
					progress.line("batch %s %5.1f%%  %d/%d done, %d failed",
						p.BatchID, p.Percent, p.Completed+p.Failed, p.Total, p.Failed)
				},
				OnComplete: func(s batch.State) {
					final = s
				},
			})
			if err != nil {
				return err
			}

			select {
			case <-sub.Done():
			case <-ctx.Done():
				sub.Cancel()
				<-sub.Done()
			}

			if err := printBatch(a.stdout, a.cfg.Output, final); err != nil {
				return err
			}
			if final.Status == batch.StatusFailedPartial {
				return fmt.Errorf("%d of %d batch members failed", final.Failed, final.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&kindName, "kind", "k", string(query.KindByName), "query kind (name, exactName, cpf)")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of terms to submit (default all)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read terms from a file, one per line")

	return cmd
}

// readTerms returns the non-blank lines of path. Lines starting with '#'
// are skipped.
func readTerms(path string, stdin io.Reader) ([]string, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open terms file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var terms []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		terms = append(terms, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read terms: %w", err)
	}
	return terms, nil
}

func printBatch(w io.Writer, format string, s batch.State) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(batchOutcome{
			BatchID:   s.BatchID,
			Status:    s.Status,
			Completed: s.Completed,
			Failed:    s.Failed,
			Total:     s.Total,
			Results:   s.Results,
		})
	}

	fmt.Fprintf(w, "Batch %s: %s (%d completed, %d failed, %d total)\n",
		s.BatchID, s.Status, s.Completed, s.Failed, s.Total)

	tw := tabwriter.NewWriter(w, 1, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CPF\tNAME\tSEX\tBIRTH DATE")
	for _, r := range s.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.FullName, r.Sex, r.BirthDate)
	}
	return tw.Flush()
}
