package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schaermu/envbackup/internal/archive"
	"github.com/schaermu/envbackup/internal/backup"
	"github.com/schaermu/envbackup/internal/config"
	"github.com/schaermu/envbackup/internal/fingerprint"
	"github.com/schaermu/envbackup/internal/ledger"
	"github.com/schaermu/envbackup/internal/schedule"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Command flags
	dryRun       bool
	historyEntry string
	historyLimit int
)

// errEntriesFailed makes the process exit non-zero after the summary was printed
var errEntriesFailed = errors.New("one or more backup entries failed")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "envbackup",
	Short: "Incremental, deduplicated backups of environment files",
	Long: `envbackup keeps a "latest" copy of configured files and directories and
rotates the previous copy into an archive directory whenever the content changes.

Directories are stored as deterministic tar.gz archives, so a tree whose
contents did not change produces a byte-identical archive and no new backup.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run [name...]",
	Short: "Back up every configured entry once",
	Long: `Run processes every configured entry in order, or only the named ones.
Unchanged entries are left alone, changed entries get their previous latest
archived with a timestamp.

The command exits non-zero when any entry failed; the other entries are
still processed.`,
	RunE: runBackup,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run backups on the configured cron schedule",
	Long: `Schedule stays in the foreground and runs all entries on schedule.cron
(default @hourly) until interrupted. A run that is still busy when the next
tick arrives causes that tick to be skipped.`,
	RunE: runSchedule,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Show the tar binaries found and the archive strategy in use",
	RunE:  runProbe,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded results from the run ledger",
	Long: `History lists results stored in the ledger configured under
state.ledger_path, newest first.`,
	RunE: runHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("envbackup %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $"+config.EnvConfigPath+" or $HOME/.config/envbackup/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	historyCmd.Flags().StringVar(&historyEntry, "entry", "", "only show this entry")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 10, "records per entry (0 for all)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg, err = selectEntries(cfg, args); err != nil {
		return err
	}

	engine, closeEngine, err := newEngine(cfg, logger, dryRun)
	if err != nil {
		return err
	}
	defer closeEngine()

	results := engine.Run(ctx)
	printSummary(cmd, results)

	if backup.HasErrors(results) {
		return errEntriesFailed
	}
	return nil
}

func runSchedule(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, closeEngine, err := newEngine(cfg, logger, false)
	if err != nil {
		return err
	}
	defer closeEngine()

	scheduler, err := schedule.New(cfg.Schedule.Cron, func(ctx context.Context) {
		results := engine.Run(ctx)
		if backup.HasErrors(results) {
			logger.Error("scheduled run finished with errors")
		}
	}, logger)
	if err != nil {
		return err
	}

	return scheduler.Run(ctx)
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	// Probing works without a config file; use its strategy when there is one
	preferred, tempDir := archive.StrategyAuto, ""
	if cfg, err := loadConfig(logger); err == nil {
		preferred, tempDir = cfg.Archiver.Strategy, cfg.Archiver.TempDir
	} else {
		logger.Debug("no usable configuration, probing with defaults", "error", err)
	}

	selector := archive.NewSelector(preferred, tempDir, logger)
	out := cmd.OutOrStdout()
	for _, p := range selector.Probe(ctx) {
		switch {
		case !p.Available:
			_, _ = fmt.Fprintf(out, "%-7s not available\n", p.Tool)
		case p.GNU:
			_, _ = fmt.Fprintf(out, "%-7s GNU    %s\n", p.Tool, p.Version)
		default:
			_, _ = fmt.Fprintf(out, "%-7s other  %s\n", p.Tool, p.Version)
		}
	}

	strategy, err := selector.Strategy(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(out, "strategy: none (%v)\n", err)
		return err
	}
	_, _ = fmt.Fprintf(out, "strategy: %s (%s)\n", strategy.Name(), strategy.Capability())
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.State.LedgerPath == "" {
		return errors.New("no ledger configured (set state.ledger_path)")
	}

	db, err := ledger.Open(cfg.State.LedgerPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	names := []string{historyEntry}
	if historyEntry == "" {
		names, err = db.Entries()
		if err != nil {
			return fmt.Errorf("failed to list ledger entries: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	for _, name := range names {
		records, err := db.History(name, historyLimit)
		if err != nil {
			return fmt.Errorf("failed to read history of %s: %w", name, err)
		}
		for _, r := range records {
			line := fmt.Sprintf("%s  %s  %s", r.Time.Format("2006-01-02 15:04:05Z07:00"), r.Entry, r.Status)
			if r.Reason != "" {
				line += " (" + r.Reason + ")"
			}
			if r.Error != "" {
				line += " - " + r.Error
			}
			if len(r.Fingerprint) >= 12 {
				line += "  " + r.Fingerprint[:12]
			}
			_, _ = fmt.Fprintln(out, line)
		}
	}
	return nil
}

// selectEntries narrows cfg to the named entries, keeping the order of names
func selectEntries(cfg *config.Config, names []string) (*config.Config, error) {
	if len(names) == 0 {
		return cfg, nil
	}
	selected := *cfg
	selected.Backups = make([]config.Entry, 0, len(names))
	for _, name := range names {
		entry, ok := cfg.Entry(name)
		if !ok {
			return nil, fmt.Errorf("unknown backup entry %q", name)
		}
		selected.Backups = append(selected.Backups, entry)
	}
	return &selected, nil
}

// newEngine wires the archiver, hasher and optional ledger. The returned
// function closes the ledger.
func newEngine(cfg *config.Config, logger *slog.Logger, dryRun bool) (*backup.Engine, func(), error) {
	selector := archive.NewSelector(cfg.Archiver.Strategy, cfg.Archiver.TempDir, logger)
	hasher, err := fingerprint.New(fingerprint.Algorithm(cfg.Fingerprint.Algorithm), selector, cfg.Archiver.TempDir)
	if err != nil {
		return nil, nil, err
	}

	var recorder backup.Recorder
	closeFn := func() {}
	if cfg.State.LedgerPath != "" {
		db, err := ledger.Open(cfg.State.LedgerPath)
		if err != nil {
			return nil, nil, err
		}
		recorder = db
		closeFn = func() {
			if err := db.Close(); err != nil {
				logger.Warn("failed to close ledger", "error", err)
			}
		}
	}

	return backup.NewEngine(cfg, hasher, recorder, logger, dryRun), closeFn, nil
}

func printSummary(cmd *cobra.Command, results []backup.Result) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, "Summary:")
	for _, r := range results {
		_, _ = fmt.Fprintf(out, "  %s\n", r)
	}
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// --config wins over the environment and the default location
	configPath := cfgFile
	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"entries", len(cfg.Backups),
		"strategy", cfg.Archiver.Strategy,
		"algorithm", cfg.Fingerprint.Algorithm,
		"ledger", cfg.State.LedgerPath)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
