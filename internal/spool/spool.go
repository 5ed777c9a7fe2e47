// Package spool buffers upload bodies on disk so ingestion can work from a
// filesystem path.
package spool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrTooLarge is returned by Put when the body exceeds the limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// Spool writes uploads to files named <dir>/<uuid>.
type Spool struct {
	dir string
}

// New creates the spool directory if needed.
func New(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating spool directory %s: %w", dir, err)
	}
	return &Spool{dir: dir}, nil
}

// Put copies at most limit bytes from r into a new spool file using an
// atomic write (temp file + rename) and returns its path and size. A limit
// of 0 means unlimited.
func (s *Spool) Put(r io.Reader, limit int64) (string, int64, error) {
	tmp, err := os.CreateTemp(s.dir, "upload-*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Clean up the temp file on any error path.
	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("writing upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("closing temp file: %w", err)
	}
	if limit > 0 && n > limit {
		return "", 0, ErrTooLarge
	}

	dst := filepath.Join(s.dir, uuid.NewString())
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", 0, fmt.Errorf("renaming temp file to %s: %w", dst, err)
	}

	// Rename succeeded; prevent deferred cleanup from removing the final file.
	tmpPath = ""

	return dst, n, nil
}

// Remove deletes a spooled file. Removing a missing file is not an error.
func (s *Spool) Remove(path string) error {
	if !s.owns(path) {
		return fmt.Errorf("path %s is outside the spool", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

func (s *Spool) owns(path string) bool {
	rel, err := filepath.Rel(s.dir, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}
