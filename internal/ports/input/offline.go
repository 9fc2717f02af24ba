// Package input defines the primary/driving ports of the application.
package input

import (
	"context"

	"github.com/jobrunner/offgrid/internal/domain"
)

// PipelineDelegate observes one offline download run. Every callback is
// delivered on the main queue.
type PipelineDelegate interface {
	// StatusChanged receives the human-readable status caption.
	StatusChanged(text string)
}

// VersionSelector is implemented by delegates that want to know which data
// version a run picked.
type VersionSelector interface {
	VersionSelected(version string)
}

// DownloadProgressObserver is implemented by delegates that track bytes
// received during the download stage.
type DownloadProgressObserver interface {
	DownloadProgressChanged(progress domain.DownloadProgress)
}

// UnpackProgressObserver is implemented by delegates that track the unpack
// stage numerically.
type UnpackProgressObserver interface {
	UnpackProgressChanged(progress domain.UnpackProgress)
}

// FinishObserver is implemented by delegates that need the terminal signal of
// a run that reached the download stage.
type FinishObserver interface {
	Finished(result domain.DownloadResult)
}

// OfflineDownloader defines the primary port for offline region downloads.
type OfflineDownloader interface {
	// BeginDownload starts a run in the background. The channel receives the
	// result once and is then closed.
	BeginDownload(ctx context.Context, rect domain.GeoRectangle, delegate PipelineDelegate) <-chan domain.DownloadResult

	// Run executes a run and returns after every delegate callback was
	// delivered.
	Run(ctx context.Context, rect domain.GeoRectangle, delegate PipelineDelegate) domain.DownloadResult
}

// VersionLister defines the primary port for version listing.
type VersionLister interface {
	// AvailableVersions returns the backend's versions.
	AvailableVersions(ctx context.Context) ([]string, error)

	// InstalledVersions returns versions present on disk.
	InstalledVersions(ctx context.Context) ([]string, error)
}

// RegionCatalog defines the primary port for the offline region catalog.
type RegionCatalog interface {
	// ListRegions returns all catalogued regions.
	ListRegions(ctx context.Context) ([]*domain.OfflineRegion, error)

	// GetRegion returns one region by id.
	GetRegion(ctx context.Context, id string) (*domain.OfflineRegion, error)
}

// DownloadJobManager defines the primary port for background download jobs.
type DownloadJobManager interface {
	// Start launches a job for rect and returns its snapshot.
	Start(ctx context.Context, rect domain.GeoRectangle) (domain.DownloadJob, error)

	// Get returns the current snapshot of a job.
	Get(id string) (domain.DownloadJob, error)

	// Active returns the running job, if any.
	Active() (domain.DownloadJob, bool)
}

// HealthChecker defines the primary port for health checks.
type HealthChecker interface {
	// IsHealthy returns true if the service is healthy.
	IsHealthy(ctx context.Context) bool

	// IsReady returns true if the service is ready to accept requests.
	IsReady(ctx context.Context) bool

	// GetHealthDetails returns detailed health information.
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails contains detailed health information.
type HealthDetails struct {
	Healthy           bool              // Overall health status
	Ready             bool              // Ready to accept requests
	RegionsTotal      int               // Number of catalogued regions
	RegionsDownloaded int               // Number of regions with a pack on disk
	ActiveDownload    string            // ID of the running job, empty when idle
	Components        map[string]string // Component statuses
}
