package backup

import (
	"errors"
	"fmt"
	"time"

	"github.com/schaermu/envbackup/internal/fingerprint"
	"github.com/schaermu/envbackup/internal/ledger"
)

// ErrSourceNotFound is reported for entries whose source does not exist
var ErrSourceNotFound = errors.New("source not found")

// Status is the outcome of one entry
type Status string

const (
	StatusSkipped   Status = "skipped"
	StatusUnchanged Status = "unchanged"
	StatusBackedUp  Status = "backed_up"
	StatusError     Status = "error"
)

// reasonDryRun marks results of a run that did not touch the filesystem
const reasonDryRun = "dry run"

// Result describes what happened to one entry
type Result struct {
	Name   string
	Status Status
	Reason string
	Err    error

	// EffectiveLatest is the latest path actually used. For directory
	// sources it always ends in ".tar.gz".
	EffectiveLatest string
	Fingerprint     fingerprint.Digest
	// ArchivedTo is the path the previous latest was copied to, if any
	ArchivedTo string
	// Degraded is set when the directory archive was built in degraded mode
	Degraded bool
}

// String renders the summary line "name: status (reason) - error"
func (r Result) String() string {
	s := fmt.Sprintf("%s: %s", r.Name, r.Status)
	if r.Reason != "" {
		s += " (" + r.Reason + ")"
	}
	if r.Status == StatusError && r.Err != nil {
		s += " - " + r.Err.Error()
	}
	return s
}

// Record converts the result into a ledger record
func (r Result) Record(runID string, at time.Time) ledger.Record {
	rec := ledger.Record{
		RunID:       runID,
		Entry:       r.Name,
		Time:        at.UTC(),
		Status:      string(r.Status),
		Reason:      r.Reason,
		Fingerprint: string(r.Fingerprint),
		Latest:      r.EffectiveLatest,
		ArchivedTo:  r.ArchivedTo,
	}
	if r.Status == StatusError && r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// HasErrors reports whether any result ended in StatusError
func HasErrors(results []Result) bool {
	for _, r := range results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}
