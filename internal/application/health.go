package application

import (
	"context"

	"github.com/jobrunner/offgrid/internal/ports/input"
)

// HealthService provides health check functionality.
type HealthService struct {
	catalog *RegionCatalog
	jobs    *DownloadJobs
}

// NewHealthService creates a new health service. jobs may be nil.
func NewHealthService(catalog *RegionCatalog, jobs *DownloadJobs) *HealthService {
	return &HealthService{
		catalog: catalog,
		jobs:    jobs,
	}
}

// IsHealthy returns true if the service is healthy.
func (s *HealthService) IsHealthy(_ context.Context) bool {
	return true // Basic health check
}

// IsReady returns true if the region catalog can be read.
func (s *HealthService) IsReady(ctx context.Context) bool {
	_, _, err := s.catalog.Counts(ctx)
	return err == nil
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	components := map[string]string{
		"catalog": "ok",
		"backend": "ok",
	}

	total, downloaded, err := s.catalog.Counts(ctx)
	if err != nil {
		components["catalog"] = "error"
	}
	if !s.catalog.CanRefresh() {
		components["backend"] = "no region enumeration"
	}

	details := input.HealthDetails{
		Healthy:           s.IsHealthy(ctx),
		Ready:             err == nil,
		RegionsTotal:      total,
		RegionsDownloaded: downloaded,
		Components:        components,
	}

	if s.jobs != nil {
		if job, ok := s.jobs.Active(); ok {
			details.ActiveDownload = job.ID
		}
	}
	return details
}
