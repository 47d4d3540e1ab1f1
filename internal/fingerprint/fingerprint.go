// Package fingerprint computes content digests of files and directory trees.
// A directory is fingerprinted by hashing its canonical archive, so any change
// in file set, content or structure changes the digest while timestamps and
// ownership do not.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"

	"github.com/schaermu/envbackup/internal/archive"
	"github.com/schaermu/envbackup/internal/fsutil"
	"lukechampine.com/blake3"
)

// Algorithm names a supported hash function
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Digest is a lowercase hexadecimal content digest
type Digest string

// Short returns the first 12 characters, for logs
func (d Digest) Short() string {
	if len(d) <= 12 {
		return string(d)
	}
	return string(d[:12])
}

// StrategySource hands out the archiving strategy used for directories.
// *archive.Selector implements it.
type StrategySource interface {
	Strategy(ctx context.Context) (archive.Strategy, error)
}

// Hasher computes digests with one algorithm
type Hasher struct {
	algorithm Algorithm
	archiver  StrategySource
	tempDir   string
}

// New creates a Hasher. Transient directory archives are created in tempDir,
// or os.TempDir() when it is empty.
func New(algorithm Algorithm, archiver StrategySource, tempDir string) (*Hasher, error) {
	if algorithm == "" {
		algorithm = SHA256
	}
	if _, err := newHash(algorithm); err != nil {
		return nil, err
	}
	return &Hasher{
		algorithm: algorithm,
		archiver:  archiver,
		tempDir:   tempDir,
	}, nil
}

// Algorithm returns the configured hash function
func (h *Hasher) Algorithm() Algorithm {
	return h.algorithm
}

func newHash(algorithm Algorithm) (hash.Hash, error) {
	switch algorithm {
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(32, nil), nil
	default:
		return nil, fmt.Errorf("unsupported fingerprint algorithm %q", algorithm)
	}
}

func (h *Hasher) hash() hash.Hash {
	// New validated the algorithm
	hh, _ := newHash(h.algorithm)
	return hh
}

// File returns the digest of the raw bytes of path
func (h *Hasher) File(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &fsutil.IOError{Op: "open", Path: path, Err: err}
	}
	defer func() {
		_ = f.Close()
	}()

	hh := h.hash()
	if _, err := io.Copy(hh, f); err != nil {
		return "", &fsutil.IOError{Op: "read", Path: path, Err: err}
	}

	return Digest(hex.EncodeToString(hh.Sum(nil))), nil
}

// Directory archives dir into a transient file and returns the digest of the
// archive bytes together with the file. The caller must Release the artifact;
// on error no file is left behind.
func (h *Hasher) Directory(ctx context.Context, dir string) (Digest, *Artifact, error) {
	strategy, err := h.archiver.Strategy(ctx)
	if err != nil {
		return "", nil, err
	}

	f, err := os.CreateTemp(h.tempDir, fmt.Sprintf("envbackup-%d-*%s", os.Getpid(), archive.Suffix))
	if err != nil {
		return "", nil, &fsutil.IOError{Op: "create", Path: h.tempDir, Err: err}
	}
	artifact := &Artifact{
		Path:     f.Name(),
		Strategy: strategy.Name(),
		Degraded: strategy.Capability() == archive.CapabilityDegraded,
	}

	// Hash while writing so the archive is read only once
	hh := h.hash()
	werr := archive.Write(ctx, strategy, dir, io.MultiWriter(f, hh))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = artifact.Release()
		if werr != nil {
			return "", nil, werr
		}
		return "", nil, &fsutil.IOError{Op: "write", Path: artifact.Path, Err: cerr}
	}

	return Digest(hex.EncodeToString(hh.Sum(nil))), artifact, nil
}

// Path fingerprints a file or a directory depending on what path is. The
// artifact is nil for files.
func (h *Hasher) Path(ctx context.Context, path string) (Digest, *Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", nil, &fsutil.IOError{Op: "stat", Path: path, Err: err}
	}
	if info.IsDir() {
		return h.Directory(ctx, path)
	}
	d, err := h.File(path)
	return d, nil, err
}

// Artifact is a transient directory archive produced while fingerprinting
type Artifact struct {
	Path     string
	Strategy string
	// Degraded is set when the archive was built without metadata normalization
	Degraded bool
}

// Release deletes the transient archive. It is safe to call on a nil
// artifact, more than once, or after the file was moved away.
func (a *Artifact) Release() error {
	if a == nil || a.Path == "" {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &fsutil.IOError{Op: "remove", Path: a.Path, Err: err}
	}
	return nil
}
