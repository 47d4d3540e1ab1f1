package backup

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/schaermu/envbackup/internal/archive"
	"github.com/schaermu/envbackup/internal/fsutil"
)

// TimestampFormat is the layout of the token inserted into archived names.
// It avoids colons so names stay valid on every filesystem.
const TimestampFormat = "2006-01-02T15-04-05"

// Timestamp formats t in UTC with second precision
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// InsertTimestamp places ts before the extension of name. The compound
// ".tar.gz" suffix counts as one extension, and a leading dot does not start
// an extension (".bashrc" becomes ".bashrc.<ts>").
func InsertTimestamp(name, ts string) string {
	if strings.HasSuffix(name, archive.Suffix) && len(name) > len(archive.Suffix) {
		return strings.TrimSuffix(name, archive.Suffix) + "." + ts + archive.Suffix
	}
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[:i] + "." + ts + name[i:]
	}
	return name + "." + ts
}

// archivePath returns a path in dir for the timestamped copy of name that
// does not exist yet. Repeated rotations within one second get "-1", "-2"...
// appended to the timestamp.
func archivePath(dir, name, ts string) (string, error) {
	candidate := filepath.Join(dir, InsertTimestamp(name, ts))
	for i := 1; ; i++ {
		exists, err := fsutil.Exists(candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = filepath.Join(dir, InsertTimestamp(name, fmt.Sprintf("%s-%d", ts, i)))
	}
}
