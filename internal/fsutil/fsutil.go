// Package fsutil contains the filesystem primitives used by the backup engine:
// directory creation, atomic copies and moves that survive device boundaries.
// Every failure is reported as an *IOError carrying the operation and path.
package fsutil

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// tempPattern names the staging files created next to copy destinations
const tempPattern = ".envbackup-tmp-*"

// EnsureDir creates dir and any missing parents. It reports whether the
// directory had to be created.
func EnsureDir(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return false, &IOError{Op: "mkdir", Path: dir, Err: syscall.ENOTDIR}
		}
		return false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, wrap("stat", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, wrap("mkdir", dir, err)
	}
	return true, nil
}

// Exists reports whether path exists. Errors other than "not exist" are returned.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, wrap("stat", path, err)
}

// CopyFile copies src to dst through a temp file in the destination directory
// followed by a rename, so dst is either the old or the complete new content.
// The parent directory of dst must exist.
func CopyFile(ctx context.Context, src, dst string) error {
	return wrap("copy", src, retry(ctx, "copy", func() error {
		return copyOnce(src, dst)
	}))
}

func copyOnce(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), tempPattern)
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // no-op after a successful rename

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(srcInfo.Mode().Perm()); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// MoveFile renames src to dst. When both live on different devices it falls
// back to an atomic copy followed by removal of src.
func MoveFile(ctx context.Context, src, dst string) error {
	err := retry(ctx, "rename", func() error {
		return os.Rename(src, dst)
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return wrap("rename", src, err)
	}

	if err := CopyFile(ctx, src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return wrap("remove", src, err)
	}
	return nil
}
