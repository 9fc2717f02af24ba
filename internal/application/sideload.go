package application

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/jobrunner/offgrid/internal/domain"
	"github.com/jobrunner/offgrid/internal/ports/output"
)

// packExtensions are the recognised tile pack file names, longest first.
var packExtensions = []string{".tar.gz", ".tgz", ".tar"}

// IsTilePack reports whether name looks like a tile pack.
func IsTilePack(name string) bool {
	_, ok := VersionFromPackName(name)
	return ok
}

// VersionFromPackName returns the version encoded in a pack file name such
// as "2024_02_01.tar.gz".
func VersionFromPackName(name string) (string, bool) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return "", false
	}
	lower := strings.ToLower(base)
	for _, ext := range packExtensions {
		if strings.HasSuffix(lower, ext) {
			version := base[:len(base)-len(ext)]
			if domain.ValidateVersion(version) != nil {
				return "", false
			}
			return version, true
		}
	}
	return "", false
}

// SideloadService unpacks tile packs that were copied into the inbox
// directory instead of being downloaded.
type SideloadService struct {
	unpacker output.TileUnpacker
	tiles    output.TileStore
	catalog  *RegionCatalog
	metrics  output.MetricsCollector
	logger   *slog.Logger
}

// NewSideloadService creates a new sideload service. catalog may be nil.
func NewSideloadService(
	unpacker output.TileUnpacker,
	tiles output.TileStore,
	catalog *RegionCatalog,
	metrics output.MetricsCollector,
	logger *slog.Logger,
) *SideloadService {
	return &SideloadService{
		unpacker: unpacker,
		tiles:    tiles,
		catalog:  catalog,
		metrics:  metrics,
		logger:   logger,
	}
}

// Import unpacks the pack at path into the tile directory of its version
// and removes the pack afterwards. rect is the area the pack covers; a zero
// rectangle skips the catalog update.
func (s *SideloadService) Import(ctx context.Context, path string, rect domain.GeoRectangle) (domain.UnpackResult, error) {
	version, ok := VersionFromPackName(path)
	if !ok {
		return domain.UnpackResult{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedPack, filepath.Base(path))
	}

	dir := s.tiles.SuggestedTilePath(version)
	if err := s.tiles.EnsureDirectoryExists(dir); err != nil {
		return domain.UnpackResult{}, err
	}

	s.logger.Info("importing sideloaded pack", "path", path, "version", version)

	lastPercent := -1
	result, err := s.unpacker.Unpack(ctx, path, dir, func(total, remaining uint64) {
		percent := domain.UnpackProgress{TotalBytes: total, BytesRemaining: remaining}.PercentRemaining()
		if percent/10 != lastPercent/10 {
			s.logger.Debug(domain.UnpackingStatusText(domain.UnpackProgress{TotalBytes: total, BytesRemaining: remaining}), "path", path)
			lastPercent = percent
		}
	})
	if err != nil {
		s.metrics.IncPipelineRuns(domain.StageErrored.String())
		return domain.UnpackResult{}, &domain.PipelineError{Stage: domain.StageUnpacking, Err: err}
	}
	s.metrics.IncPipelineRuns(domain.StageDone.String())
	s.metrics.AddUnpackedBytes(result.Bytes)

	if err := s.tiles.RemoveFile(path); err != nil {
		s.logger.Warn("failed to remove imported pack", "path", path, "error", err)
	}

	if s.catalog != nil && rect != (domain.GeoRectangle{}) {
		_, err := s.catalog.RecordDownload(ctx, domain.DownloadResult{
			Stage:     domain.StageDone,
			Rectangle: rect,
			Version:   version,
			OutputDir: dir,
			Unpack:    &result,
		})
		if err != nil {
			s.logger.Warn("failed to record sideloaded pack", "error", err)
		}
	}

	s.logger.Info("sideloaded pack imported", "version", version, "files", result.Files, "path", dir)
	return result, nil
}
