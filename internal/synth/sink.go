package synth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-audiobook/internal/errs"
)

// Sink stores encoded containers and reports where they went.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// FileSink writes containers into a local directory. Existing files are never overwritten.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if absent.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: output directory must not be empty", errs.ErrInvalidArgument)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output dir: %w", errs.ErrIO, err)
	}
	return &FileSink{dir: dir}, nil
}

// Dir returns the output directory.
func (s *FileSink) Dir() string { return s.dir }

// Put writes data to dir/name using exclusive create.
func (s *FileSink) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create output dir: %w", errs.ErrIO, err)
	}
	path := filepath.Join(s.dir, filepath.Base(name))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %w", errs.ErrIO, path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: write %s: %w", errs.ErrIO, path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: close %s: %w", errs.ErrIO, path, err)
	}
	return path, nil
}
