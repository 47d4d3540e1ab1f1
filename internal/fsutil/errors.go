package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// IOError describes a failed filesystem operation on a path
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	// os errors already name the path; print only their cause
	if pathErr, ok := e.Err.(*fs.PathError); ok && pathErr.Path == e.Path {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, pathErr.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// wrap returns err as an *IOError unless it already is one
func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// isTransient reports whether an operation failing with err is worth retrying
func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ETIMEDOUT)
}
