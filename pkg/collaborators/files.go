package collaborators

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// LocalFileCopier copies files between local paths, creating parent directories.
type LocalFileCopier struct {
	logger zerolog.Logger
}

// NewLocalFileCopier creates a LocalFileCopier.
func NewLocalFileCopier(logger zerolog.Logger) *LocalFileCopier {
	return &LocalFileCopier{logger: logger.With().Str("component", "files").Logger()}
}

// Copy implements engine.FileCopier. The destination keeps the source's permissions.
func (c *LocalFileCopier) Copy(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("source %s is a directory", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	tmp := dst + ".partial"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, hash), &ctxReader{ctx: ctx, r: in})
	if err == nil {
		err = out.Chmod(info.Mode().Perm())
	}
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	c.logger.Debug().
		Str("src", src).
		Str("dst", dst).
		Int64("bytes", n).
		Str("sha256", fmt.Sprintf("%x", hash.Sum(nil))).
		Msg("Copied file")
	return nil
}

// ctxReader stops a copy once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
