package archive

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"path/filepath"

	"github.com/schaermu/envbackup/internal/fsutil"
)

// GNUTar archives through a GNU tar binary, which can normalize every piece
// of metadata itself.
type GNUTar struct {
	tool string
}

// NewGNUTar returns a strategy invoking the given GNU tar binary
func NewGNUTar(tool string) *GNUTar {
	return &GNUTar{tool: tool}
}

func (g *GNUTar) Name() string { return "gnu" }

func (g *GNUTar) Capability() Capability { return CapabilityFull }

// Archive runs GNU tar with the canonicalization flags and streams its stdout to w
func (g *GNUTar) Archive(ctx context.Context, dir string, w io.Writer) error {
	parent, base, err := splitDir(dir)
	if err != nil {
		return err
	}

	args := gnuArgs(parent, base)
	cmd := exec.CommandContext(ctx, g.tool, args...)
	cmd.Env = commandEnv()
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &ToolError{Tool: g.tool, Args: args, Stderr: stderr.String(), Err: err}
	}
	return nil
}

// gnuArgs builds the GNU tar command line writing an uncompressed archive of
// parent/base to stdout.
func gnuArgs(parent, base string) []string {
	return []string{
		"--create",
		"--file", "-",
		"--directory", parent,
		"--format=gnu",
		"--sort=name",
		"--mtime=@0",
		"--owner=0",
		"--group=0",
		"--numeric-owner",
		"--no-acls",
		"--no-selinux",
		"--no-xattrs",
		base,
	}
}

// splitDir resolves dir to an absolute path with symlinks evaluated and splits
// it into parent and base name. Tools archiving parent/base would otherwise
// store a symlinked root as the link alone.
func splitDir(dir string) (string, string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", "", &fsutil.IOError{Op: "resolve", Path: dir, Err: err}
	}
	return filepath.Dir(resolved), filepath.Base(resolved), nil
}
