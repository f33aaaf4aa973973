package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/lookup-client/pkg/client"
	"github.com/Sternrassler/lookup-client/pkg/lookup"
	"github.com/Sternrassler/lookup-client/pkg/query"
)

// termOutcome is the printed outcome of one submitted term.
type termOutcome struct {
	Term    string         `json:"term"`
	QueryID string         `json:"query_id,omitempty"`
	Results []query.Result `json:"results"`
	Error   string         `json:"error,omitempty"`
}

func queryCmd(a *app) *cobra.Command {
	var kindName string

	cmd := &cobra.Command{
		Use:   "query TERM...",
		Short: "Look up one or more persons by name or ID",
		Long: `Submit one query per TERM and wait for all of them.

Progress is written to stderr; results are written to stdout.

Examples:
  lookupctl query --kind name "maria silva"
  lookupctl query --kind cpf 123.456.789-09 98765432100 -o json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := query.ParseKind(kindName)
			if err != nil {
				return err
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

			outcomes := runQueries(ctx, a, session, kind, args)

			if err := printOutcomes(a.stdout, a.cfg.Output, outcomes); err != nil {
				return err
			}

			failed := 0
			for _, o := range outcomes {
				if o.Error != "" {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d queries failed", failed, len(outcomes))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&kindName, "kind", "k", string(query.KindByName), "query kind (name, exactName, cpf)")

	return cmd
}

// runQueries submits one query per term and blocks until every query has
// reached a terminal outcome or ctx is cancelled.
func runQueries(ctx context.Context, a *app, session *lookup.Session, kind query.Kind, terms []string) []termOutcome {
	target := a.cfg.Target
	outcomes := make([]termOutcome, len(terms))
	progress := &progressPrinter{w: a.stderr}

	var subs []lookup.Cancellable
	for i, term := range terms {
		outcomes[i].Term = term

		sub, err := session.Submit(lookup.Single{
			Host:       target.Host,
			Port:       target.Port,
			TLS:        target.TLS,
			SearchTerm: term,
			Kind:       kind,
		}, lookup.Callbacks{
			OnProgress: func(p query.Progress) {
				progress.query(term, p)
			},
			OnComplete: func(results []query.Result) {
				outcomes[i].Results = results
			},
			OnError: func(err error) {
				outcomes[i].Error = client.UserMessage(err)
				a.logger.Debug().Err(err).Str("term", term).Msg("Query failed")
			},
		})
		if err != nil {
			outcomes[i].Error = err.Error()
			continue
		}
		outcomes[i].QueryID = sub.ID()
		subs = append(subs, sub)
	}

	for _, sub := range subs {
		select {
		case <-sub.Done():
		case <-ctx.Done():
			for _, s := range subs {
				s.Cancel()
			}
			<-sub.Done()
		}
	}

	return outcomes
}

// progressPrinter serialises progress lines from concurrent callbacks.
type progressPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *progressPrinter) query(term string, ev query.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%-24.24s %5.1f%%  %s: %s\n", term, ev.Percent, ev.Status, ev.Message)
}

func (p *progressPrinter) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func printOutcomes(w io.Writer, format string, outcomes []termOutcome) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(outcomes)
	}

	tw := tabwriter.NewWriter(w, 1, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TERM\tCPF\tNAME\tSEX\tBIRTH DATE")
	for _, o := range outcomes {
		if o.Error != "" {
			fmt.Fprintf(tw, "%s\t-\terror: %s\t\t\n", o.Term, o.Error)
			continue
		}
		if len(o.Results) == 0 {
			fmt.Fprintf(tw, "%s\t-\tno results\t\t\n", o.Term)
			continue
		}
		for _, r := range o.Results {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", o.Term, r.ID, r.FullName, r.Sex, r.BirthDate)
		}
	}
	return tw.Flush()
}
