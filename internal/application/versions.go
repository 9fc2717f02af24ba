package application

import (
	"context"

	"github.com/jobrunner/offgrid/internal/ports/output"
)

// VersionService lists offline data versions.
type VersionService struct {
	fetcher output.VersionFetcher
	tiles   output.TileStore
}

// NewVersionService creates a new version service.
func NewVersionService(fetcher output.VersionFetcher, tiles output.TileStore) *VersionService {
	return &VersionService{fetcher: fetcher, tiles: tiles}
}

// AvailableVersions returns the backend's non-empty versions in its order.
func (s *VersionService) AvailableVersions(ctx context.Context) ([]string, error) {
	candidates, err := s.fetcher.FetchAvailableVersions(ctx)
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(candidates))
	for _, v := range candidates {
		if v != "" {
			versions = append(versions, v)
		}
	}
	return versions, nil
}

// InstalledVersions returns versions present in the tile directory.
func (s *VersionService) InstalledVersions(_ context.Context) ([]string, error) {
	return s.tiles.InstalledVersions()
}
