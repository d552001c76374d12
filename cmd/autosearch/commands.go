package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ciadpi-tray/autosearch/internal/api"
	"github.com/ciadpi-tray/autosearch/internal/candidate"
	"github.com/ciadpi-tray/autosearch/internal/history"
	"github.com/ciadpi-tray/autosearch/internal/report"
	"github.com/ciadpi-tray/autosearch/internal/version"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newSearchCmd(a *app) *cobra.Command {
	var (
		budget   int
		probe    time.Duration
		asJSON   bool
		writeCSV string
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run trials until the budget is spent and print the fastest working parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("budget") {
				budget = a.cfg.GetDefaultTrialBudget()
			}
			e, err := a.newEngine()
			if err != nil {
				return err
			}
			defer e.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			out := cmd.OutOrStdout()
			progress := func(i, total int, label string) {
				if !asJSON {
					fmt.Fprintf(out, "[%d/%d] %s\n", i, total, label)
				}
			}
			res, err := e.ctl.Find(ctx, budget, probe, progress)
			if err != nil {
				return err
			}

			if writeCSV != "" {
				if err := report.ExportCSV(writeCSV, e.store.Recent(res.TrialsRun)); err != nil {
					return err
				}
			}
			if asJSON {
				return printJSON(out, res)
			}
			switch {
			case res.Found:
				fmt.Fprintf(out, "best: %s (%.2fs) after %d trials\n", res.Best.Key(), res.Latency.Seconds(), res.TrialsRun)
			default:
				fmt.Fprintf(out, "no working configuration found after %d trials\n", res.TrialsRun)
			}
			if res.Cancelled {
				fmt.Fprintln(out, "search cancelled")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&budget, "budget", "n", 0, "number of trials (default from config, 20)")
	f.DurationVar(&probe, "probe-duration", 0, "per-trial time budget (default from config, 10s)")
	f.BoolVar(&asJSON, "json", false, "print the result as JSON")
	f.StringVar(&writeCSV, "csv", "", "also write this search's trials to a CSV file")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON control API and Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("listen") {
				listen = a.cfg.GetListen()
			}
			e, err := a.newEngine()
			if err != nil {
				return err
			}
			defer e.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			opts := api.Options{
				Searcher:      e.ctl,
				History:       e.store,
				Metrics:       e.metrics.Handler(),
				DefaultBudget: a.cfg.GetDefaultTrialBudget(),
				Version:       version.String(),
			}
			if e.archive != nil {
				opts.Archive = e.archive
			}
			srv := api.NewServer(ctx, opts)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.ListenAndServe(gctx, listen)
			})
			g.Go(func() error {
				<-gctx.Done()
				e.ctl.Stop()
				e.ctl.Wait()
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent trials, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs := a.openHistory().Recent(limit)
			out := cmd.OutOrStdout()
			if asJSON {
				if recs == nil {
					recs = []history.Record{}
				}
				return printJSON(out, recs)
			}
			if len(recs) == 0 {
				fmt.Fprintln(out, "no trials recorded")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tOK\tSPEED\tPARAMS")
			for _, r := range recs {
				ok := "no"
				speed := "-"
				if r.Success {
					ok = "yes"
					speed = fmt.Sprintf("%.2fs", r.Latency.Seconds())
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Timestamp.Local().Format(time.DateTime), ok, speed, r.Candidate.Key())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum trials to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

func newClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the trial history",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := a.openHistory()
			n := store.Len()
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d trials from %s\n", n, store.Path())
			return nil
		},
	}
}

func newReportCmd(a *app) *cobra.Command {
	var (
		asJSON    bool
		bestOnly  bool
		csvPath   string
		chartPath string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise trial history and optionally export CSV or an HTML chart",
		RunE: func(cmd *cobra.Command, args []string) error {
			h := a.openHistory().Snapshot()
			out := cmd.OutOrStdout()

			if bestOnly {
				best, lat, ok := report.BestCandidate(h)
				if !ok {
					return errors.New("no successful trial recorded")
				}
				if asJSON {
					return printJSON(out, map[string]interface{}{
						"params":          best.Key(),
						"latency_seconds": lat.Seconds(),
					})
				}
				fmt.Fprintln(out, best.Key())
				return nil
			}

			if csvPath != "" {
				if err := report.ExportCSV(csvPath, h.Records); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", csvPath)
			}
			if chartPath != "" {
				if err := report.ExportChart(chartPath, h.Records); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", chartPath)
			}

			s := report.Summarize(h)
			if asJSON {
				return printJSON(out, s)
			}
			return report.WriteText(out, s)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&asJSON, "json", false, "print the summary as JSON")
	f.BoolVar(&bestOnly, "best", false, "print only the fastest working parameters")
	f.StringVar(&csvPath, "csv", "", "write all trials to this CSV file")
	f.StringVar(&chartPath, "chart", "", "write an HTML latency chart to this file")
	return cmd
}

func newGenerateCmd(a *app) *cobra.Command {
	var (
		count       int
		fromHistory bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Print a candidate pool without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("count must be positive, got %d", count)
			}
			gen := a.newGenerator()
			var pool []candidate.Candidate
			if fromHistory {
				pool = gen.Plan(a.openHistory().Recent(0), count)
			} else {
				pool = gen.GeneratePool(count)
			}
			out := cmd.OutOrStdout()
			for _, c := range pool {
				fmt.Fprintln(out, c.Key())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 10, "pool size")
	cmd.Flags().BoolVar(&fromHistory, "from-history", false, "bias the pool with recorded history")
	return cmd
}

func newSessionsCmd(a *app) *cobra.Command {
	var (
		limit      int
		trialsOf   string
		candidates bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List archived searches (requires an archive)",
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := a.openArchive()
			if err != nil {
				return err
			}
			if archive == nil {
				return errors.New("no archive configured: set archive_path or pass --archive")
			}
			defer closeArchive(archive)

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

			switch {
			case trialsOf != "":
				trials, err := archive.SessionTrials(ctx, trialsOf)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, trials)
				}
				fmt.Fprintln(tw, "#\tOK\tKIND\tSPEED\tPARAMS")
				for _, t := range trials {
					fmt.Fprintf(tw, "%d\t%v\t%s\t%.2fs\t%s\n", t.Index, t.Success, t.Kind, t.LatencySeconds, t.Params)
				}
			case candidates:
				stats, err := archive.CandidateStats(ctx, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, stats)
				}
				fmt.Fprintln(tw, "OK\tTRIALS\tMEAN\tBEST\tPARAMS")
				for _, c := range stats {
					fmt.Fprintf(tw, "%d\t%d\t%.2fs\t%.2fs\t%s\n", c.Successes, c.Trials, c.MeanLatencySeconds, c.BestLatencySeconds, c.Params)
				}
			default:
				sessions, err := archive.ListSessions(ctx, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, sessions)
				}
				fmt.Fprintln(tw, "SESSION\tSTARTED\tTRIALS\tOK\tBEST")
				for _, s := range sessions {
					best := "-"
					if s.Found {
						best = fmt.Sprintf("%s (%.2fs)", s.BestParams, s.BestLatencySeconds)
					}
					fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%s\n", s.ID, s.StartedAt.Local().Format(time.DateTime), s.TrialsRun, s.TrialBudget, s.Successes, best)
				}
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.IntVarP(&limit, "limit", "n", 20, "maximum rows (0 for all)")
	f.StringVar(&trialsOf, "trials", "", "show the trials of one session")
	f.BoolVar(&candidates, "candidates", false, "rank parameters across all sessions")
	f.BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
