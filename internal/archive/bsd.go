package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schaermu/envbackup/internal/fsutil"
)

// BSDTar archives through a tar that cannot rewrite timestamps or ownership
// (bsdtar/libarchive, the macOS default). Determinism is limited to the file
// set and its ordering: regular files are enumerated and sorted here and
// handed to tar as an explicit list.
type BSDTar struct {
	tool    string
	tempDir string
}

// NewBSDTar returns a degraded strategy invoking tool. The file list is staged
// in tempDir (os.TempDir() when empty).
func NewBSDTar(tool, tempDir string) *BSDTar {
	return &BSDTar{tool: tool, tempDir: tempDir}
}

func (b *BSDTar) Name() string { return "bsd" }

func (b *BSDTar) Capability() Capability { return CapabilityDegraded }

// Archive writes the sorted file list to a temp file and runs tar over it
func (b *BSDTar) Archive(ctx context.Context, dir string, w io.Writer) error {
	parent, base, err := splitDir(dir)
	if err != nil {
		return err
	}

	files, err := listFiles(filepath.Join(parent, base))
	if err != nil {
		return &fsutil.IOError{Op: "walk", Path: dir, Err: err}
	}

	listPath, err := b.writeList(base, files)
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(listPath)
	}()

	args := bsdArgs(parent, listPath)
	cmd := exec.CommandContext(ctx, b.tool, args...)
	cmd.Env = commandEnv()
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &ToolError{Tool: b.tool, Args: args, Stderr: stderr.String(), Err: err}
	}
	return nil
}

// writeList stores the NUL-separated member list, each path prefixed with base
func (b *BSDTar) writeList(base string, files []string) (string, error) {
	f, err := os.CreateTemp(b.tempDir, fmt.Sprintf("envbackup-list-%d-*", os.Getpid()))
	if err != nil {
		return "", fmt.Errorf("failed to create file list: %w", err)
	}

	var buf strings.Builder
	for _, rel := range files {
		buf.WriteString(path.Join(base, rel))
		buf.WriteByte(0)
	}

	if _, err := f.WriteString(buf.String()); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write file list: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write file list: %w", err)
	}
	return f.Name(), nil
}

func bsdArgs(parent, listPath string) []string {
	return []string{
		"-c",
		"-f", "-",
		"-C", parent,
		"--no-mac-metadata",
		"--null",
		"-T", listPath,
	}
}

// listFiles returns the slash-separated paths of all regular files below root,
// relative to root, sorted byte-wise.
func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}
