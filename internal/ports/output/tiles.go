package output

import (
	"context"

	"github.com/jobrunner/offgrid/internal/domain"
)

// ByteProgressFunc receives download progress. total is -1 when unknown.
type ByteProgressFunc func(written, total int64)

// UnpackProgressFunc receives unpack progress in (total, remaining) form.
type UnpackProgressFunc func(totalBytes, bytesRemaining uint64)

// VersionFetcher enumerates the offline data versions a backend offers.
type VersionFetcher interface {
	// FetchAvailableVersions returns candidate versions, most preferred first.
	// Entries may be empty placeholders.
	FetchAvailableVersions(ctx context.Context) ([]string, error)
}

// TileDownloader fetches a tile pack for an area.
type TileDownloader interface {
	// DownloadTiles streams the pack for rect at version into a temporary
	// file and returns its path. The caller owns the file afterwards.
	DownloadTiles(ctx context.Context, rect domain.GeoRectangle, version string, onBytes ByteProgressFunc) (string, error)
}

// TileBackend is a complete offline data source.
type TileBackend interface {
	VersionFetcher
	TileDownloader
}

// TileUnpacker extracts a downloaded tile pack.
type TileUnpacker interface {
	// Unpack extracts src into dst. onProgress may be nil.
	Unpack(ctx context.Context, src, dst string, onProgress UnpackProgressFunc) (domain.UnpackResult, error)
}

// TilePathResolver maps versions to local directories.
type TilePathResolver interface {
	// SuggestedTilePath returns the directory tiles of version unpack into.
	SuggestedTilePath(version string) string

	// EnsureDirectoryExists creates path and its parents. Calling it on an
	// existing directory succeeds.
	EnsureDirectoryExists(path string) error
}

// TileStore is the local tile directory.
type TileStore interface {
	TilePathResolver

	// RemoveFile deletes a file such as a downloaded temporary pack. A
	// missing file is not an error.
	RemoveFile(path string) error

	// InstalledVersions lists versions that have a tile directory.
	InstalledVersions() ([]string, error)
}

// RegionSource enumerates the regions a backend knows about.
type RegionSource interface {
	ListRegions(ctx context.Context) ([]domain.RegionMetadata, error)
}

// RegionRepository persists the offline region catalog.
type RegionRepository interface {
	// Upsert stores the region's metadata and packs.
	Upsert(ctx context.Context, region *domain.OfflineRegion) error

	// Get returns a region by id or domain.ErrRegionNotFound.
	Get(ctx context.Context, id string) (*domain.OfflineRegion, error)

	// List returns all regions ordered by id.
	List(ctx context.Context) ([]*domain.OfflineRegion, error)

	// Delete removes a region and its packs.
	Delete(ctx context.Context, id string) error

	// SavePack replaces one pack of a region. A nil pack removes it.
	SavePack(ctx context.Context, id string, d domain.OfflineRegionDomain, pack *domain.OfflineRegionPack) error
}
