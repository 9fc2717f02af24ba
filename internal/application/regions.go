package application

import (
	"context"
	"log/slog"

	"github.com/jobrunner/offgrid/internal/domain"
	"github.com/jobrunner/offgrid/internal/ports/output"
)

// RegionCatalog keeps the persisted offline region catalog in line with the
// backend's region enumeration and with what was downloaded.
type RegionCatalog struct {
	source  output.RegionSource
	repo    output.RegionRepository
	metrics output.MetricsCollector
	logger  *slog.Logger
}

// NewRegionCatalog creates a new region catalog. source may be nil for
// backends that cannot enumerate regions; Refresh then fails with
// domain.ErrCatalogNotAvailable.
func NewRegionCatalog(
	source output.RegionSource,
	repo output.RegionRepository,
	metrics output.MetricsCollector,
	logger *slog.Logger,
) *RegionCatalog {
	return &RegionCatalog{
		source:  source,
		repo:    repo,
		metrics: metrics,
		logger:  logger,
	}
}

// RefreshStats contains statistics from a refresh.
type RefreshStats struct {
	Added   int
	Updated int
	Removed int
	Total   int
}

// CanRefresh reports whether the backend enumerates regions.
func (c *RegionCatalog) CanRefresh() bool {
	return c.source != nil
}

// Refresh pulls the backend's region list, stores new and changed regions and
// removes regions the backend no longer lists. Packs of a region whose
// revision moved on are marked expired.
func (c *RegionCatalog) Refresh(ctx context.Context) (RefreshStats, error) {
	if c.source == nil {
		return RefreshStats{}, domain.ErrCatalogNotAvailable
	}

	c.logger.Info("refreshing region catalog")

	remote, err := c.source.ListRegions(ctx)
	if err != nil {
		return RefreshStats{}, err
	}

	existing, err := c.repo.List(ctx)
	if err != nil {
		return RefreshStats{}, err
	}
	known := make(map[string]*domain.OfflineRegion, len(existing))
	for _, region := range existing {
		known[region.ID()] = region
	}

	stats := RefreshStats{}
	seen := make(map[string]struct{}, len(remote))

	for _, meta := range remote {
		seen[meta.ID] = struct{}{}

		current, ok := known[meta.ID]
		if !ok {
			if err := c.repo.Upsert(ctx, domain.NewOfflineRegion(meta, nil, nil)); err != nil {
				c.logger.Error("failed to store region", "id", meta.ID, "error", err)
				continue
			}
			stats.Added++
			c.logger.Debug("region added", "id", meta.ID, "revision", meta.Revision)
			continue
		}

		if current.Metadata.SameAs(meta) {
			continue
		}

		updated := domain.NewOfflineRegion(meta,
			expirePack(current.MapsPack, current.Revision(), meta.Revision),
			expirePack(current.NavigationPack, current.Revision(), meta.Revision),
		)
		if err := c.repo.Upsert(ctx, updated); err != nil {
			c.logger.Error("failed to update region", "id", meta.ID, "error", err)
			continue
		}
		stats.Updated++
		c.logger.Debug("region updated", "id", meta.ID, "revision", meta.Revision)
	}

	for id := range known {
		if _, ok := seen[id]; ok {
			continue
		}
		c.logger.Info("removing region no longer offered by backend", "id", id, "status", domain.StatusDeleted{}.String())
		if err := c.repo.Delete(ctx, id); err != nil {
			c.logger.Error("failed to remove region", "id", id, "error", err)
			continue
		}
		stats.Removed++
	}

	stats.Total = len(known) + stats.Added - stats.Removed
	c.updateMetrics(ctx)
	c.logger.Info("region catalog refreshed",
		"added", stats.Added,
		"updated", stats.Updated,
		"removed", stats.Removed,
		"total", stats.Total,
	)
	return stats, nil
}

// expirePack marks a pack of an older revision as expired.
func expirePack(pack *domain.OfflineRegionPack, oldRevision, newRevision uint32) *domain.OfflineRegionPack {
	if pack == nil || newRevision <= oldRevision {
		return pack
	}
	expired := *pack
	expired.Status = domain.StatusExpired{}
	return &expired
}

// ListRegions returns all catalogued regions.
func (c *RegionCatalog) ListRegions(ctx context.Context) ([]*domain.OfflineRegion, error) {
	return c.repo.List(ctx)
}

// GetRegion returns a specific region by ID.
func (c *RegionCatalog) GetRegion(ctx context.Context, id string) (*domain.OfflineRegion, error) {
	return c.repo.Get(ctx, id)
}

// ApplyPack replaces one pack reference of a region.
func (c *RegionCatalog) ApplyPack(ctx context.Context, id string, d domain.OfflineRegionDomain, pack *domain.OfflineRegionPack) error {
	if _, err := c.repo.Get(ctx, id); err != nil {
		return err
	}
	if err := c.repo.SavePack(ctx, id, d, pack); err != nil {
		return err
	}
	c.updateMetrics(ctx)
	return nil
}

// RecordDownload stores the outcome of a run as the navigation pack of every
// region that intersects the downloaded rectangle. Aborted runs change
// nothing, and a failed run never replaces an available pack. It returns the
// number of regions updated.
func (c *RegionCatalog) RecordDownload(ctx context.Context, result domain.DownloadResult) (int, error) {
	if result.Stage == domain.StageAborted || !result.Stage.IsTerminal() {
		return 0, nil
	}

	regions, err := c.repo.List(ctx)
	if err != nil {
		return 0, err
	}

	pack := packFromResult(result)
	updated := 0
	for _, region := range regions {
		if !region.Geography().Intersects(result.Rectangle) {
			continue
		}
		if !result.Succeeded() && hasAvailablePack(region, domain.DomainNavigation) {
			c.logger.Warn("keeping available pack after failed run",
				"region", region.ID(), "stage", result.Stage.String(), "error", result.Err)
			continue
		}
		if err := c.repo.SavePack(ctx, region.ID(), domain.DomainNavigation, pack); err != nil {
			c.logger.Error("failed to record pack", "region", region.ID(), "error", err)
			continue
		}
		updated++
	}

	if updated > 0 {
		c.updateMetrics(ctx)
	}
	c.logger.Debug("download recorded", "regions", updated, "stage", result.Stage.String())
	return updated, nil
}

func hasAvailablePack(region *domain.OfflineRegion, d domain.OfflineRegionDomain) bool {
	pack := region.Pack(d)
	if pack == nil {
		return false
	}
	_, ok := pack.Status.(domain.StatusAvailable)
	return ok
}

// packFromResult builds the pack snapshot of a finished run.
func packFromResult(result domain.DownloadResult) *domain.OfflineRegionPack {
	pack := &domain.OfflineRegionPack{
		Path:   result.OutputDir,
		Status: domain.StatusFromPipeline(result),
	}
	if result.Version != "" {
		version := result.Version
		pack.DataVersion = &version
	}
	if result.Unpack != nil {
		total := result.Unpack.Bytes
		pack.Bytes = total
		pack.TotalBytes = &total
	}
	if result.Err != nil {
		pack.Error = domain.NewOfflineRegionError(result.Err)
	}
	return pack
}

// Counts returns the number of catalogued and downloaded regions.
func (c *RegionCatalog) Counts(ctx context.Context) (total, downloaded int, err error) {
	regions, err := c.repo.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, region := range regions {
		if region.IsDownloaded() {
			downloaded++
		}
	}
	return len(regions), downloaded, nil
}

// updateMetrics updates the metrics collector with current region counts.
func (c *RegionCatalog) updateMetrics(ctx context.Context) {
	total, downloaded, err := c.Counts(ctx)
	if err != nil {
		c.logger.Warn("failed to count regions", "error", err)
		return
	}
	c.metrics.SetRegions(total, downloaded)
}
