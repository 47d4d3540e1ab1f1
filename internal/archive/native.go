package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/schaermu/envbackup/internal/fsutil"
)

// epoch is the modification time recorded for every archive entry
var epoch = time.Unix(0, 0).UTC()

// Native writes the tar stream in-process with the same normalization GNU tar
// applies: sorted entries, epoch mtimes, 0:0 ownership, no extended headers.
// Sockets, devices and FIFOs are skipped.
type Native struct{}

// NewNative returns the in-process strategy
func NewNative() *Native {
	return &Native{}
}

func (n *Native) Name() string { return "native" }

func (n *Native) Capability() Capability { return CapabilityFull }

// Archive walks dir in lexical order and writes one entry per directory,
// regular file and symlink.
func (n *Native) Archive(ctx context.Context, dir string, w io.Writer) error {
	parent, base, err := splitDir(dir)
	if err != nil {
		return err
	}
	root := filepath.Join(parent, base)

	tw := tar.NewWriter(w)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := path.Join(base, filepath.ToSlash(rel))

		switch {
		case d.IsDir():
			return writeDir(tw, p, name)
		case d.Type().IsRegular():
			return writeRegular(tw, p, name)
		case d.Type()&fs.ModeSymlink != 0:
			return writeSymlink(tw, p, name)
		default:
			return nil
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &fsutil.IOError{Op: "walk", Path: dir, Err: err}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: finishing tar stream: %w", ErrArchive, err)
	}
	return nil
}

// normalizedHeader returns a header carrying only content-derived fields
func normalizedHeader(typ byte, name string, mode fs.FileMode) *tar.Header {
	return &tar.Header{
		Typeflag: typ,
		Name:     name,
		Mode:     int64(mode.Perm()),
		ModTime:  epoch,
		Format:   tar.FormatGNU,
	}
}

func writeDir(tw *tar.Writer, p, name string) error {
	info, err := os.Lstat(p)
	if err != nil {
		return err
	}
	return tw.WriteHeader(normalizedHeader(tar.TypeDir, name+"/", info.Mode()))
}

func writeSymlink(tw *tar.Writer, p, name string) error {
	info, err := os.Lstat(p)
	if err != nil {
		return err
	}
	target, err := os.Readlink(p)
	if err != nil {
		return err
	}
	hdr := normalizedHeader(tar.TypeSymlink, name, info.Mode())
	hdr.Linkname = target
	return tw.WriteHeader(hdr)
}

func writeRegular(tw *tar.Writer, p, name string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr := normalizedHeader(tar.TypeReg, name, info.Mode())
	hdr.Size = info.Size()
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	// A file growing during the walk must not overflow its header size
	if _, err := io.Copy(tw, io.LimitReader(f, hdr.Size)); err != nil {
		return err
	}
	return nil
}
