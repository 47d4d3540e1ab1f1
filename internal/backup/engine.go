// Package backup runs configured backup entries: it fingerprints each source,
// compares it with the latest backup, rotates the old latest into the archive
// directory and installs the new one.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/schaermu/envbackup/internal/archive"
	"github.com/schaermu/envbackup/internal/config"
	"github.com/schaermu/envbackup/internal/fingerprint"
	"github.com/schaermu/envbackup/internal/fsutil"
	"github.com/schaermu/envbackup/internal/ledger"
)

// Recorder stores run results. *ledger.DB implements it.
type Recorder interface {
	Append(records ...ledger.Record) error
}

// Engine orchestrates the backup process
type Engine struct {
	cfg      *config.Config
	hasher   *fingerprint.Hasher
	recorder Recorder
	logger   *slog.Logger
	dryRun   bool

	now   func() time.Time
	runID func() string
}

// NewEngine creates a new backup engine. recorder may be nil.
func NewEngine(cfg *config.Config, hasher *fingerprint.Hasher, recorder Recorder, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:      cfg,
		hasher:   hasher,
		recorder: recorder,
		logger:   logger,
		dryRun:   dryRun,
		now:      time.Now,
		runID:    uuid.NewString,
	}
}

// Run processes every configured entry in order. A failing entry never stops
// the entries after it; its error is carried in the result.
func (e *Engine) Run(ctx context.Context) []Result {
	runID := e.runID()
	started := e.now()
	e.logger.Info("starting backup",
		"run_id", runID,
		"entries", len(e.cfg.Backups),
		"dry_run", e.dryRun)

	results := make([]Result, 0, len(e.cfg.Backups))
	for _, entry := range e.cfg.Backups {
		results = append(results, e.ProcessEntry(ctx, entry))
	}

	e.logger.Info("backup summary", "run_id", runID)
	for _, r := range results {
		e.logger.Info("  " + r.String())
	}

	if e.recorder != nil && !e.dryRun {
		records := make([]ledger.Record, 0, len(results))
		for _, r := range results {
			records = append(records, r.Record(runID, started))
		}
		if err := e.recorder.Append(records...); err != nil {
			// The backups themselves are done; losing history is not fatal
			e.logger.Warn("failed to record run in ledger", "run_id", runID, "error", err)
		}
	}

	return results
}

// ProcessEntry backs up a single entry
func (e *Engine) ProcessEntry(ctx context.Context, entry config.Entry) Result {
	res := Result{Name: entry.Name, EffectiveLatest: entry.Latest}
	logger := e.logger.With("entry", entry.Name)

	// The filesystem decides the kind. Symlinks are followed, so a dangling
	// link counts as a missing source.
	info, err := os.Stat(entry.Source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("source not found, skipping", "source", entry.Source)
			res.Status = StatusSkipped
			res.Reason = ErrSourceNotFound.Error()
			res.Err = fmt.Errorf("%w: %s", ErrSourceNotFound, entry.Source)
			return res
		}
		return e.fail(logger, res, &fsutil.IOError{Op: "stat", Path: entry.Source, Err: err})
	}
	isDir := info.IsDir()

	if isDir && !strings.HasSuffix(entry.Latest, archive.Suffix) {
		res.EffectiveLatest = entry.Latest + archive.Suffix
		logger.Info("directory source, latest path normalized",
			"latest", entry.Latest,
			"effective", res.EffectiveLatest)
	}

	digest, artifact, err := e.hasher.Path(ctx, entry.Source)
	if err != nil {
		return e.fail(logger, res, fmt.Errorf("failed to fingerprint source: %w", err))
	}
	defer func() {
		if err := artifact.Release(); err != nil {
			logger.Warn("failed to remove transient archive", "error", err)
		}
	}()
	res.Fingerprint = digest
	if artifact != nil {
		res.Degraded = artifact.Degraded
	}
	logger.Debug("source fingerprinted",
		"source", entry.Source,
		"dir", isDir,
		"algorithm", e.hasher.Algorithm(),
		"digest", digest.Short())

	exists, err := fsutil.Exists(res.EffectiveLatest)
	if err != nil {
		return e.fail(logger, res, err)
	}

	if exists {
		current, err := e.hasher.File(res.EffectiveLatest)
		if err != nil {
			return e.fail(logger, res, fmt.Errorf("failed to fingerprint latest: %w", err))
		}
		if current == digest {
			logger.Info("unchanged", "digest", digest.Short())
			res.Status = StatusUnchanged
			if e.dryRun {
				res.Reason = reasonDryRun
			}
			return res
		}

		ts := Timestamp(e.now())
		dest, err := archivePath(entry.ArchiveDir, filepath.Base(res.EffectiveLatest), ts)
		if err != nil {
			return e.fail(logger, res, err)
		}
		res.ArchivedTo = dest

		if e.dryRun {
			logger.Info("[dry-run] would archive previous latest", "from", res.EffectiveLatest, "to", dest)
		} else {
			if err := e.rotate(ctx, res.EffectiveLatest, entry.ArchiveDir, dest); err != nil {
				return e.fail(logger, res, err)
			}
			logger.Info("archived previous latest", "to", dest)
		}
	}

	if e.dryRun {
		logger.Info("[dry-run] would install latest", "path", res.EffectiveLatest)
		res.Status = StatusBackedUp
		res.Reason = reasonDryRun
		return res
	}

	if err := e.install(ctx, entry.Source, artifact, res.EffectiveLatest); err != nil {
		return e.fail(logger, res, err)
	}

	logger.Info("backed up", "latest", res.EffectiveLatest, "digest", digest.Short())
	res.Status = StatusBackedUp
	return res
}

// rotate copies the current latest into the archive directory. The latest is
// copied rather than moved so it stays in place if installing fails.
func (e *Engine) rotate(ctx context.Context, latest, archiveDir, dest string) error {
	if _, err := fsutil.EnsureDir(archiveDir); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	if err := fsutil.CopyFile(ctx, latest, dest); err != nil {
		return fmt.Errorf("failed to archive previous latest: %w", err)
	}
	return nil
}

// install puts the new backup at latest. Directory archives are moved from
// their transient location, plain files are copied from the source.
func (e *Engine) install(ctx context.Context, source string, artifact *fingerprint.Artifact, latest string) error {
	if _, err := fsutil.EnsureDir(filepath.Dir(latest)); err != nil {
		return fmt.Errorf("failed to create latest directory: %w", err)
	}
	if artifact != nil {
		if err := fsutil.MoveFile(ctx, artifact.Path, latest); err != nil {
			return fmt.Errorf("failed to install archive: %w", err)
		}
		return nil
	}
	if err := fsutil.CopyFile(ctx, source, latest); err != nil {
		return fmt.Errorf("failed to install file: %w", err)
	}
	return nil
}

func (e *Engine) fail(logger *slog.Logger, res Result, err error) Result {
	logger.Error("backup failed", "error", err)
	res.Status = StatusError
	res.Err = err
	return res
}
