package application

import (
	"context"
	"io"
	"log/slog"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jobrunner/offgrid/internal/domain"
	"github.com/jobrunner/offgrid/internal/logonce"
	"github.com/jobrunner/offgrid/internal/mainqueue"
	"github.com/jobrunner/offgrid/internal/ports/output"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockBackend implements output.TileBackend for testing.
type mockBackend struct {
	mu            sync.Mutex
	versions      []string
	versionsErr   error
	tempPath      string
	downloadErr   error
	progress      [][2]int64
	downloadCalls int
	lastVersion   string
	block         chan struct{}
}

func (m *mockBackend) FetchAvailableVersions(_ context.Context) ([]string, error) {
	if m.versionsErr != nil {
		return nil, m.versionsErr
	}
	return m.versions, nil
}

func (m *mockBackend) DownloadTiles(ctx context.Context, _ domain.GeoRectangle, version string, onBytes output.ByteProgressFunc) (string, error) {
	m.mu.Lock()
	m.downloadCalls++
	m.lastVersion = version
	m.mu.Unlock()

	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	for _, p := range m.progress {
		onBytes(p[0], p[1])
	}
	if m.downloadErr != nil {
		return "", m.downloadErr
	}
	return m.tempPath, nil
}

func (m *mockBackend) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloadCalls
}

// mockUnpacker implements output.TileUnpacker for testing.
type mockUnpacker struct {
	progress [][2]uint64
	err      error
	result   domain.UnpackResult
	src, dst string

	// fromWorkers sends each report from its own goroutine, one after another.
	fromWorkers bool
	// parallel sends all reports from concurrent goroutines.
	parallel bool
}

func (m *mockUnpacker) Unpack(_ context.Context, src, dst string, onProgress output.UnpackProgressFunc) (domain.UnpackResult, error) {
	m.src, m.dst = src, dst
	if onProgress != nil {
		m.report(onProgress)
	}
	if m.err != nil {
		return domain.UnpackResult{}, m.err
	}
	result := m.result
	result.OutputDir = dst
	return result, nil
}

func (m *mockUnpacker) report(onProgress output.UnpackProgressFunc) {
	var wg sync.WaitGroup
	for _, p := range m.progress {
		switch {
		case m.parallel:
			wg.Add(1)
			go func() {
				defer wg.Done()
				onProgress(p[0], p[1])
			}()
		case m.fromWorkers:
			wg.Add(1)
			go func() {
				defer wg.Done()
				onProgress(p[0], p[1])
			}()
			wg.Wait()
		default:
			onProgress(p[0], p[1])
		}
	}
	wg.Wait()
}

// mockTileStore implements output.TileStore for testing.
type mockTileStore struct {
	root      string
	dirs      map[string]int
	removed   []string
	ensureErr error
}

func newMockTileStore() *mockTileStore {
	return &mockTileStore{root: "/var/lib/offgrid", dirs: make(map[string]int)}
}

func (m *mockTileStore) SuggestedTilePath(version string) string {
	return path.Join(m.root, "tiles", version)
}

func (m *mockTileStore) EnsureDirectoryExists(p string) error {
	if m.ensureErr != nil {
		return m.ensureErr
	}
	m.dirs[p]++
	return nil
}

func (m *mockTileStore) RemoveFile(p string) error {
	m.removed = append(m.removed, p)
	return nil
}

func (m *mockTileStore) InstalledVersions() ([]string, error) {
	versions := make([]string, 0, len(m.dirs))
	for dir := range m.dirs {
		versions = append(versions, path.Base(dir))
	}
	sort.Strings(versions)
	return versions, nil
}

// mockRegionSource implements output.RegionSource for testing.
type mockRegionSource struct {
	regions []domain.RegionMetadata
	err     error
}

func (m *mockRegionSource) ListRegions(_ context.Context) ([]domain.RegionMetadata, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.regions, nil
}

// mockRegionRepository implements output.RegionRepository for testing.
type mockRegionRepository struct {
	mu      sync.Mutex
	regions map[string]*domain.OfflineRegion
	listErr error
}

func newMockRegionRepository() *mockRegionRepository {
	return &mockRegionRepository{regions: make(map[string]*domain.OfflineRegion)}
}

func (m *mockRegionRepository) Upsert(_ context.Context, region *domain.OfflineRegion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *region
	m.regions[region.ID()] = &copied
	return nil
}

func (m *mockRegionRepository) Get(_ context.Context, id string) (*domain.OfflineRegion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	region, ok := m.regions[id]
	if !ok {
		return nil, domain.ErrRegionNotFound
	}
	copied := *region
	return &copied, nil
}

func (m *mockRegionRepository) List(_ context.Context) ([]*domain.OfflineRegion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	ids := make([]string, 0, len(m.regions))
	for id := range m.regions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*domain.OfflineRegion, len(ids))
	for i, id := range ids {
		copied := *m.regions[id]
		out[i] = &copied
	}
	return out, nil
}

func (m *mockRegionRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regions, id)
	return nil
}

func (m *mockRegionRepository) SavePack(_ context.Context, id string, d domain.OfflineRegionDomain, pack *domain.OfflineRegionPack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	region, ok := m.regions[id]
	if !ok {
		return domain.ErrRegionNotFound
	}
	m.regions[id] = region.WithPack(d, pack)
	return nil
}

// recordingDelegate implements every delegate callback.
type recordingDelegate struct {
	statuses []string
	versions []string
	download []domain.DownloadProgress
	unpack   []domain.UnpackProgress
	finished []domain.DownloadResult
}

func (d *recordingDelegate) StatusChanged(text string) { d.statuses = append(d.statuses, text) }

func (d *recordingDelegate) VersionSelected(version string) {
	d.versions = append(d.versions, version)
}

func (d *recordingDelegate) DownloadProgressChanged(p domain.DownloadProgress) {
	d.download = append(d.download, p)
}

func (d *recordingDelegate) UnpackProgressChanged(p domain.UnpackProgress) {
	d.unpack = append(d.unpack, p)
}

func (d *recordingDelegate) Finished(result domain.DownloadResult) {
	d.finished = append(d.finished, result)
}

// statusOnlyDelegate implements only the required callback.
type statusOnlyDelegate struct {
	statuses []string
}

func (d *statusOnlyDelegate) StatusChanged(text string) { d.statuses = append(d.statuses, text) }

// pipelineFixture bundles a pipeline with its collaborators.
type pipelineFixture struct {
	backend  *mockBackend
	unpacker *mockUnpacker
	tiles    *mockTileStore
	dedup    *logonce.Logger
	pipeline *Pipeline
}

func newPipelineFixture(t interface{ Cleanup(func()) }, backend *mockBackend, unpacker *mockUnpacker) *pipelineFixture {
	queue := mainqueue.New(testLogger())
	t.Cleanup(queue.Close)

	f := &pipelineFixture{
		backend:  backend,
		unpacker: unpacker,
		tiles:    newMockTileStore(),
		dedup:    logonce.NewLogger(logonce.NewState(), testLogger()),
	}
	f.pipeline = NewPipeline(backend, unpacker, f.tiles, queue, f.dedup, &output.NoOpMetrics{}, testLogger())
	return f
}

func testRectangle() domain.GeoRectangle {
	rect, _ := domain.RectangleFromBBox([]float64{13.3, 52.4, 13.5, 52.6})
	return rect
}

func testRegion(id string, revision uint32, bbox []float64) domain.RegionMetadata {
	geo, _ := domain.RectangleFromBBox(bbox)
	return domain.RegionMetadata{
		ID:        id,
		Revision:  revision,
		Name:      id,
		Geography: geo,
	}
}

// serialDelegate records callbacks and counts any that overlap.
type serialDelegate struct {
	inFlight atomic.Int32
	overlaps atomic.Int32

	mu     sync.Mutex
	events []string
	unpack []domain.UnpackProgress
}

func (d *serialDelegate) enter() {
	if d.inFlight.Add(1) != 1 {
		d.overlaps.Add(1)
	}
	time.Sleep(200 * time.Microsecond)
}

func (d *serialDelegate) leave() { d.inFlight.Add(-1) }

func (d *serialDelegate) StatusChanged(text string) {
	d.enter()
	defer d.leave()
	d.mu.Lock()
	d.events = append(d.events, "status:"+text)
	d.mu.Unlock()
}

func (d *serialDelegate) UnpackProgressChanged(p domain.UnpackProgress) {
	d.enter()
	defer d.leave()
	d.mu.Lock()
	d.events = append(d.events, "unpack")
	d.unpack = append(d.unpack, p)
	d.mu.Unlock()
}

func (d *serialDelegate) Finished(domain.DownloadResult) {
	d.enter()
	defer d.leave()
	d.mu.Lock()
	d.events = append(d.events, "finished")
	d.mu.Unlock()
}
