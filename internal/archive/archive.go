// Package archive builds reproducible tar.gz archives of directory trees.
//
// Two directory trees with identical relative paths and file contents produce
// byte-identical archives: entries are sorted byte-wise, timestamps are forced
// to the Unix epoch, ownership to 0:0, and no extended attributes, ACLs or
// platform metadata are emitted. The tar stream is produced by a Strategy
// (GNU tar, BSD tar or an in-process writer) and always compressed in-process
// with a fixed gzip header.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Suffix is the compound extension of every archive this package produces
const Suffix = ".tar.gz"

// Capability describes how much metadata a strategy can normalize
type Capability string

const (
	// CapabilityFull normalizes ordering, timestamps, ownership and metadata.
	CapabilityFull Capability = "full"
	// CapabilityDegraded only controls the file set and its ordering.
	CapabilityDegraded Capability = "degraded"
)

// Strategy produces an uncompressed, canonically ordered tar stream of a directory.
type Strategy interface {
	// Name identifies the strategy ("gnu", "bsd", "native")
	Name() string
	// Capability reports the level of metadata normalization
	Capability() Capability
	// Archive writes the tar stream of dir to w. Entry names are rooted at
	// the base name of dir.
	Archive(ctx context.Context, dir string, w io.Writer) error
}

// ErrArchive is matched by every error returned from archiving
var ErrArchive = errors.New("archive error")

// ErrToolUnavailable is returned when no usable archiving tool can be found
var ErrToolUnavailable = fmt.Errorf("%w: no usable archiving tool", ErrArchive)

// ToolError reports an external archiving process that could not start or exited non-zero
type ToolError struct {
	Tool   string
	Args   []string
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Is makes every ToolError match ErrArchive
func (e *ToolError) Is(target error) bool {
	return target == ErrArchive
}

// gzipLevel is fixed; changing it changes every archive digest
const gzipLevel = gzip.BestCompression

// Write streams the archive of dir produced by s through a deterministic gzip
// writer into w.
func Write(ctx context.Context, s Strategy, dir string, w io.Writer) error {
	zw, err := gzip.NewWriterLevel(w, gzipLevel)
	if err != nil {
		return fmt.Errorf("%w: creating gzip writer: %w", ErrArchive, err)
	}
	// Empty header: no file name, no comment, zero mtime, unknown OS
	zw.Name = ""
	zw.Comment = ""
	zw.OS = 255

	if err := s.Archive(ctx, dir, zw); err != nil {
		_ = zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("%w: finishing gzip stream: %w", ErrArchive, err)
	}
	return nil
}

// WriteFile creates outPath and writes the archive of dir into it. On failure
// outPath is removed.
func WriteFile(ctx context.Context, s Strategy, dir, outPath string) (err error) {
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close archive file: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(outPath)
		}
	}()

	return Write(ctx, s, dir, f)
}

// toolEnv is appended to the environment of every external tool
// (byte-wise collation, no AppleDouble files on macOS).
var toolEnv = []string{
	"LC_ALL=C",
	"COPYFILE_DISABLE=1",
}

func commandEnv() []string {
	return append(os.Environ(), toolEnv...)
}
