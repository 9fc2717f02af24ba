package mirror

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/jobrunner/offgrid/internal/domain"
	"github.com/jobrunner/offgrid/internal/ports/output"
)

// packSuffixes are probed in order for every region.
var packSuffixes = []string{".tar.gz", ".tgz", ".tar"}

const probeConcurrency = 4

// Config holds the mirror backend settings.
type Config struct {
	TempDir string
}

// Mirror implements output.TileBackend and output.RegionSource.
type Mirror struct {
	storage output.ObjectStorage
	fs      afero.Fs
	cfg     Config
	metrics output.MetricsCollector
	logger  *slog.Logger
}

// New creates a mirror backend reading from storage.
func New(storage output.ObjectStorage, cfg Config, metrics output.MetricsCollector, logger *slog.Logger) *Mirror {
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		storage: storage,
		fs:      afero.NewOsFs(),
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

func (m *Mirror) loadCatalog(ctx context.Context) (*catalogFile, error) {
	r, _, err := m.storage.GetReader(ctx, output.CatalogKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%s missing: %w", output.CatalogKey, domain.ErrCatalogNotAvailable)
		}
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return parseCatalog(r)
}

// FetchAvailableVersions returns the versions listed in the catalog. A
// catalog without a versions list falls back to the version directories
// found in storage, newest first.
func (m *Mirror) FetchAvailableVersions(ctx context.Context) ([]string, error) {
	c, err := m.loadCatalog(ctx)
	if err == nil && len(c.Versions) == 0 {
		c.Versions, err = m.listedVersions(ctx)
	}
	m.metrics.IncBackendRequests("versions", err == nil)
	if err != nil {
		return nil, err
	}
	return c.Versions, nil
}

// listedVersions collects the first path segment of every pack key.
func (m *Mirror) listedVersions(ctx context.Context) ([]string, error) {
	objects, err := m.storage.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing mirror: %w", err)
	}

	seen := make(map[string]struct{})
	for _, obj := range objects {
		version, rest, ok := strings.Cut(obj.Key, "/")
		if !ok || version == "" || !hasPackSuffix(rest) {
			continue
		}
		seen[version] = struct{}{}
	}

	versions := make([]string, 0, len(seen))
	for v := range seen {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	slices.Reverse(versions)
	return versions, nil
}

func hasPackSuffix(key string) bool {
	for _, suffix := range packSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// ListRegions returns the catalog regions. Invalid entries are skipped.
func (m *Mirror) ListRegions(ctx context.Context) ([]domain.RegionMetadata, error) {
	c, err := m.loadCatalog(ctx)
	m.metrics.IncBackendRequests("regions", err == nil)
	if err != nil {
		return nil, err
	}

	regions := make([]domain.RegionMetadata, 0, len(c.Regions))
	for _, r := range c.Regions {
		meta, err := r.metadata()
		if err != nil {
			m.logger.Warn("skipping invalid catalog region",
				slog.String("id", r.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		regions = append(regions, meta)
	}
	return regions, nil
}

// DownloadTiles merges the packs of every catalog region intersecting rect
// into one tar file and returns its path.
func (m *Mirror) DownloadTiles(ctx context.Context, rect domain.GeoRectangle, version string, onBytes output.ByteProgressFunc) (string, error) {
	if version == "" {
		return "", domain.ErrInvalidVersion
	}
	if onBytes == nil {
		onBytes = func(int64, int64) {}
	}

	regions, err := m.ListRegions(ctx)
	if err != nil {
		return "", err
	}
	var ids []string
	for _, r := range regions {
		if r.Geography.Intersects(rect) {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("no region covers %s: %w", rect, domain.ErrPackNotFound)
	}

	keys, err := m.resolvePacks(ctx, version, ids)
	if err != nil {
		return "", err
	}

	path, err := m.merge(ctx, keys, onBytes)
	m.metrics.IncBackendRequests("download", err == nil)
	if err != nil {
		return "", err
	}

	m.logger.Debug("tile packs merged",
		slog.String("version", version),
		slog.Int("packs", len(keys)),
		slog.String("path", path),
	)
	return path, nil
}

// resolvePacks finds the stored pack of each region, probing in parallel.
// Regions without a pack for version are skipped.
func (m *Mirror) resolvePacks(ctx context.Context, version string, ids []string) ([]string, error) {
	found := make([]string, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)

	for i, id := range ids {
		g.Go(func() error {
			for _, suffix := range packSuffixes {
				key := version + "/" + id + suffix
				ok, err := m.storage.Exists(gctx, key)
				if err != nil {
					return err
				}
				if ok {
					found[i] = key
					return nil
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(found))
	for i, key := range found {
		if key == "" {
			m.logger.Warn("region has no pack for version",
				slog.String("region", ids[i]),
				slog.String("version", version),
			)
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("version %s: %w", version, domain.ErrPackNotFound)
	}
	return keys, nil
}

// merge re-tars the entries of all packs into one plain tar temp file.
func (m *Mirror) merge(ctx context.Context, keys []string, onBytes output.ByteProgressFunc) (path string, err error) {
	readers := make([]io.ReadCloser, 0, len(keys))
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()

	total := int64(0)
	for _, key := range keys {
		r, size, err := m.storage.GetReader(ctx, key)
		if err != nil {
			return "", err
		}
		readers = append(readers, r)
		if size < 0 || total < 0 {
			total = -1
		} else {
			total += size
		}
	}

	tmp, err := afero.TempFile(m.fs, m.cfg.TempDir, "offgrid-*.pack")
	if err != nil {
		return "", &domain.StorageError{Operation: "create", Key: m.cfg.TempDir, Err: err}
	}
	path = tmp.Name()
	defer func() {
		if closeErr := tmp.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
		if err != nil {
			_ = m.fs.Remove(path)
			path = ""
		}
	}()

	progress := &progressReader{total: total, onBytes: onBytes}
	tw := tar.NewWriter(tmp)
	for i, r := range readers {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		progress.r = r
		if err := copyEntries(tw, progress); err != nil {
			return "", fmt.Errorf("merging %s: %w", keys[i], err)
		}
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func copyEntries(tw *tar.Writer, r io.Reader) error {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("%v: %w", err, domain.ErrCorruptPack)
		}
		defer func() { _ = zr.Close() }()
		src = zr
	}

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			// Read trailing padding so progress reaches the pack size.
			_, _ = io.Copy(io.Discard, br)
			return nil
		}
		if err != nil {
			return fmt.Errorf("%v: %w", err, domain.ErrCorruptPack)
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return fmt.Errorf("%v: %w", err, domain.ErrCorruptPack)
		}
	}
}

// progressReader reports the bytes read across all packs.
type progressReader struct {
	r       io.Reader
	read    int64
	total   int64
	onBytes output.ByteProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.onBytes(p.read, p.total)
	}
	return n, err
}
