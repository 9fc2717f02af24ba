// Package unpack extracts tar and gzip-compressed tar tile packs.
package unpack

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"github.com/jobrunner/offgrid/internal/domain"
	"github.com/jobrunner/offgrid/internal/ports/output"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Unpacker implements output.TileUnpacker. Progress is measured against the
// size of the pack file, so compressed and plain packs report the same way.
type Unpacker struct {
	fs     afero.Fs
	logger *slog.Logger
}

// New creates an unpacker on the OS filesystem.
func New(logger *slog.Logger) *Unpacker {
	return NewWithFs(afero.NewOsFs(), logger)
}

// NewWithFs creates an unpacker on the given filesystem.
func NewWithFs(fs afero.Fs, logger *slog.Logger) *Unpacker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Unpacker{fs: fs, logger: logger}
}

// countingReader counts the bytes read from the pack file.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Unpack extracts src into dst. onProgress receives (total, total) before the
// first entry, one report per extracted file and a final (total, 0).
func (u *Unpacker) Unpack(ctx context.Context, src, dst string, onProgress output.UnpackProgressFunc) (domain.UnpackResult, error) {
	if onProgress == nil {
		onProgress = func(uint64, uint64) {}
	}
	result := domain.UnpackResult{OutputDir: dst}

	f, err := u.fs.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return result, fmt.Errorf("%s: %w", src, domain.ErrPackNotFound)
		}
		return result, &domain.StorageError{Operation: "open", Key: src, Err: err}
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return result, &domain.StorageError{Operation: "stat", Key: src, Err: err}
	}
	total := uint64(info.Size())

	counter := &countingReader{r: f}
	tr, closeReader, err := newTarReader(counter)
	if err != nil {
		return result, err
	}
	defer closeReader()

	remaining := func() uint64 {
		read := uint64(counter.n.Load())
		if read >= total {
			return 0
		}
		return total - read
	}

	onProgress(total, total)
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("reading %s: %v: %w", src, err, domain.ErrCorruptPack)
		}

		target, err := entryPath(dst, hdr.Name)
		if err != nil {
			return result, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := u.fs.MkdirAll(target, 0o755); err != nil {
				return result, &domain.StorageError{Operation: "mkdir", Key: target, Err: err}
			}
		case tar.TypeReg:
			n, err := u.writeFile(target, tr, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return result, err
			}
			result.Files++
			result.Bytes += uint64(n)
			onProgress(total, remaining())
		default:
			u.logger.Debug("skipping tar entry",
				slog.String("name", hdr.Name),
				slog.String("type", string(hdr.Typeflag)),
			)
		}
	}

	onProgress(total, 0)
	return result, nil
}

func newTarReader(r io.Reader) (*tar.Reader, func(), error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(gzipMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("reading pack header: %v: %w", err, domain.ErrCorruptPack)
	}
	if len(magic) == len(gzipMagic) && magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1] {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("opening gzip stream: %v: %w", err, domain.ErrCorruptPack)
		}
		return tar.NewReader(zr), func() { _ = zr.Close() }, nil
	}
	return tar.NewReader(br), func() {}, nil
}

// entryPath resolves an archive entry below dst and rejects entries that
// would escape it.
func entryPath(dst, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes the target directory: %w", name, domain.ErrCorruptPack)
	}
	return filepath.Join(dst, clean), nil
}

func (u *Unpacker) writeFile(path string, r io.Reader, perm os.FileMode) (int64, error) {
	if perm == 0 {
		perm = 0o644
	}
	if err := u.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, &domain.StorageError{Operation: "mkdir", Key: filepath.Dir(path), Err: err}
	}
	out, err := u.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, &domain.StorageError{Operation: "create", Key: path, Err: err}
	}
	n, err := io.Copy(out, r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("writing %s: %v: %w", path, err, domain.ErrCorruptPack)
	}
	return n, nil
}
