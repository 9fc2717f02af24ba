package http

import (
	"context"
	"fmt"

	"github.com/jobrunner/offgrid/internal/application"
	"github.com/jobrunner/offgrid/internal/domain"
	"github.com/jobrunner/offgrid/internal/ports/input"
)

// mockCatalog implements input.RegionCatalog.
type mockCatalog struct {
	regions []*domain.OfflineRegion
	listErr error
}

func (m *mockCatalog) ListRegions(_ context.Context) ([]*domain.OfflineRegion, error) {
	return m.regions, m.listErr
}

func (m *mockCatalog) GetRegion(_ context.Context, id string) (*domain.OfflineRegion, error) {
	for _, r := range m.regions {
		if r.ID() == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", id, domain.ErrRegionNotFound)
}

// mockRefresher implements CatalogRefresher.
type mockRefresher struct {
	result application.SyncResult
	err    error
	calls  int
}

func (m *mockRefresher) TriggerSync(_ context.Context) (application.SyncResult, error) {
	m.calls++
	return m.result, m.err
}

// mockJobs implements input.DownloadJobManager.
type mockJobs struct {
	jobs     map[string]domain.DownloadJob
	startErr error
	started  []domain.GeoRectangle
}

func (m *mockJobs) Start(_ context.Context, rect domain.GeoRectangle) (domain.DownloadJob, error) {
	if m.startErr != nil {
		return domain.DownloadJob{}, m.startErr
	}
	m.started = append(m.started, rect)
	job := domain.DownloadJob{ID: fmt.Sprintf("job-%d", len(m.started)), Rectangle: rect, Total: -1}
	if m.jobs == nil {
		m.jobs = map[string]domain.DownloadJob{}
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *mockJobs) Get(id string) (domain.DownloadJob, error) {
	job, ok := m.jobs[id]
	if !ok {
		return domain.DownloadJob{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (m *mockJobs) Active() (domain.DownloadJob, bool) {
	for _, job := range m.jobs {
		if !job.Done() {
			return job, true
		}
	}
	return domain.DownloadJob{}, false
}

// mockVersions implements input.VersionLister.
type mockVersions struct {
	available    []string
	installed    []string
	availableErr error
}

func (m *mockVersions) AvailableVersions(_ context.Context) ([]string, error) {
	return m.available, m.availableErr
}

func (m *mockVersions) InstalledVersions(_ context.Context) ([]string, error) {
	return m.installed, nil
}

// mockHealth implements input.HealthChecker.
type mockHealth struct {
	healthy bool
	ready   bool
	details input.HealthDetails
}

func (m *mockHealth) IsHealthy(_ context.Context) bool { return m.healthy }

func (m *mockHealth) IsReady(_ context.Context) bool { return m.ready }

func (m *mockHealth) GetHealthDetails(_ context.Context) input.HealthDetails {
	return m.details
}
