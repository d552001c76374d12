// Command autosearch finds working ciadpi parameters by trying candidate
// configurations against live endpoints.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ciadpi-tray/autosearch/internal/config"
	"github.com/ciadpi-tray/autosearch/internal/db"
	"github.com/ciadpi-tray/autosearch/internal/evaluator"
	"github.com/ciadpi-tray/autosearch/internal/generator"
	"github.com/ciadpi-tray/autosearch/internal/history"
	"github.com/ciadpi-tray/autosearch/internal/metrics"
	"github.com/ciadpi-tray/autosearch/internal/monitoring"
	"github.com/ciadpi-tray/autosearch/internal/search"
	"github.com/ciadpi-tray/autosearch/internal/timeutil"
	"github.com/ciadpi-tray/autosearch/internal/version"
)

var log = monitoring.New("autosearch")

// app carries the loaded configuration and flag overrides to every command.
type app struct {
	configPath  string
	historyPath string
	archivePath string
	binaryPath  string
	seed        uint64

	cfg *config.EngineConfig
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "autosearch",
		Short:        "Search for working ciadpi bypass parameters",
		Version:      version.String(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "engine config file (.json, .yaml)")
	pf.StringVar(&a.historyPath, "history", "", "history file (overrides history_path)")
	pf.StringVar(&a.archivePath, "archive", "", "sqlite trial archive (overrides archive_path)")
	pf.StringVar(&a.binaryPath, "binary", "", "ciadpi binary (overrides binary_path)")
	pf.Uint64Var(&a.seed, "seed", 0, "random seed for candidate generation (overrides random_seed)")

	root.AddCommand(
		newSearchCmd(a),
		newServeCmd(a),
		newHistoryCmd(a),
		newClearCmd(a),
		newReportCmd(a),
		newGenerateCmd(a),
		newSessionsCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg := config.EmptyEngineConfig()
	if a.configPath != "" {
		loaded, err := config.LoadEngineConfig(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("history") {
		cfg.HistoryPath = &a.historyPath
	}
	if flags.Changed("archive") {
		cfg.ArchivePath = &a.archivePath
	}
	if flags.Changed("binary") {
		cfg.BinaryPath = &a.binaryPath
	}
	if flags.Changed("seed") {
		cfg.RandomSeed = &a.seed
	}
	a.cfg = cfg
	return nil
}

func (a *app) openHistory() *history.Store {
	return history.Open(a.cfg.GetHistoryPath(), history.WithCapacity(a.cfg.GetHistoryCapacity()))
}

// openArchive returns nil when no archive is configured.
func (a *app) openArchive() (*db.DB, error) {
	path := a.cfg.GetArchivePath()
	if path == "" {
		return nil, nil
	}
	return db.Open(path)
}

func (a *app) newGenerator() *generator.Generator {
	if seed, ok := a.cfg.GetRandomSeed(); ok {
		return generator.NewSeeded(seed)
	}
	return generator.New(nil)
}

func (a *app) newEvaluator() *evaluator.Evaluator {
	cfg := evaluator.Config{
		BinaryPath:       a.cfg.GetBinaryPath(),
		GracePeriod:      a.cfg.GetGracePeriod(),
		TerminateTimeout: a.cfg.GetTerminateTimeout(),
		ProbeTimeout:     a.cfg.GetProbeTimeout(),
		Endpoints:        a.cfg.GetEndpoints(),
		SuccessCodes:     a.cfg.GetSuccessCodes(),
		ProbeViaProxy:    a.cfg.GetProbeViaProxy(),
		DefaultProxyPort: a.cfg.GetDefaultProxyPort(),
	}
	prober := evaluator.NewHTTPProber(a.cfg.GetConnectTimeout(), a.cfg.GetProbeTimeout(), a.cfg.GetProbeRetries(), a.cfg.GetRetryDelay())
	return evaluator.New(cfg, evaluator.ExecLauncher{}, prober, timeutil.RealClock{})
}

// engine is everything a search needs. close releases the archive.
type engine struct {
	store   *history.Store
	archive *db.DB
	metrics *metrics.Metrics
	ctl     *search.Controller
}

func (a *app) newEngine() (*engine, error) {
	e := &engine{store: a.openHistory(), metrics: metrics.New()}
	archive, err := a.openArchive()
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	opts := []search.Option{search.WithObserver(e.metrics)}
	if archive != nil {
		e.archive = archive
		opts = append(opts, search.WithArchive(archive))
	}
	e.ctl = search.NewController(search.Config{
		DefaultProbeDuration: a.cfg.GetDefaultProbeDuration(),
		TrialPause:           a.cfg.GetTrialPause(),
	}, a.newGenerator(), a.newEvaluator(), e.store, opts...)
	return e, nil
}

func (e *engine) close() {
	if e.archive != nil {
		closeArchive(e.archive)
	}
}

func closeArchive(archive io.Closer) {
	if err := archive.Close(); err != nil {
		log.Warnf("failed to close archive: %v", err)
	}
}
