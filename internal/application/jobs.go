package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/jobrunner/offgrid/internal/domain"
	"github.com/jobrunner/offgrid/internal/ports/input"
)

// finishedJobRetention is how long finished jobs stay queryable.
const finishedJobRetention = time.Hour

// DownloadJobs runs offline downloads in the background for the HTTP API.
// Only one job runs at a time.
type DownloadJobs struct {
	pipeline input.OfflineDownloader
	catalog  *RegionCatalog
	logger   *slog.Logger

	jobs *xsync.Map[string, *jobTracker]

	mu     sync.Mutex
	active string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now   func() time.Time
	newID func() string
}

// NewDownloadJobs creates a job manager. catalog may be nil.
func NewDownloadJobs(pipeline input.OfflineDownloader, catalog *RegionCatalog, logger *slog.Logger) *DownloadJobs {
	ctx, cancel := context.WithCancel(context.Background())
	return &DownloadJobs{
		pipeline: pipeline,
		catalog:  catalog,
		logger:   logger,
		jobs:     xsync.NewMap[string, *jobTracker](),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// Start launches a download for rect. It fails with
// domain.ErrDownloadInProgress while another job is running.
func (j *DownloadJobs) Start(_ context.Context, rect domain.GeoRectangle) (domain.DownloadJob, error) {
	if err := rect.Validate(); err != nil {
		return domain.DownloadJob{}, err
	}

	j.mu.Lock()
	if j.active != "" {
		j.mu.Unlock()
		return domain.DownloadJob{}, domain.ErrDownloadInProgress
	}
	if err := j.ctx.Err(); err != nil {
		j.mu.Unlock()
		return domain.DownloadJob{}, domain.ErrUnavailable
	}

	tracker := &jobTracker{job: domain.DownloadJob{
		ID:        j.newID(),
		Rectangle: rect,
		Stage:     domain.StageIdle,
		Total:     -1,
		StartedAt: j.now(),
	}}
	j.jobs.Store(tracker.job.ID, tracker)
	j.active = tracker.job.ID
	j.wg.Add(1)
	j.mu.Unlock()

	j.prune()
	j.logger.Info("download job started", "id", tracker.job.ID, "rectangle", rect.String())

	go j.run(tracker)
	return tracker.snapshot(), nil
}

func (j *DownloadJobs) run(tracker *jobTracker) {
	defer j.wg.Done()

	result := j.pipeline.Run(j.ctx, tracker.rectangle(), tracker)
	tracker.complete(result, j.now())

	if j.catalog != nil {
		if _, err := j.catalog.RecordDownload(j.ctx, result); err != nil {
			j.logger.Warn("failed to record download in catalog", "error", err)
		}
	}

	j.mu.Lock()
	j.active = ""
	j.mu.Unlock()

	id := tracker.snapshot().ID
	if result.Err != nil {
		j.logger.Warn("download job finished", "id", id, "stage", result.Stage.String(), "error", result.Err)
		return
	}
	j.logger.Info("download job finished", "id", id, "stage", result.Stage.String(), "duration", result.Duration())
}

// Get returns the snapshot of a job.
func (j *DownloadJobs) Get(id string) (domain.DownloadJob, error) {
	tracker, ok := j.jobs.Load(id)
	if !ok {
		return domain.DownloadJob{}, domain.ErrJobNotFound
	}
	return tracker.snapshot(), nil
}

// Active returns the running job, if any.
func (j *DownloadJobs) Active() (domain.DownloadJob, bool) {
	j.mu.Lock()
	id := j.active
	j.mu.Unlock()

	if id == "" {
		return domain.DownloadJob{}, false
	}
	tracker, ok := j.jobs.Load(id)
	if !ok {
		return domain.DownloadJob{}, false
	}
	return tracker.snapshot(), true
}

// Len returns the number of tracked jobs.
func (j *DownloadJobs) Len() int {
	return j.jobs.Size()
}

// Stop cancels the running job and waits for it to return.
func (j *DownloadJobs) Stop() {
	j.cancel()
	j.wg.Wait()
}

// prune forgets finished jobs older than the retention period.
func (j *DownloadJobs) prune() {
	cutoff := j.now().Add(-finishedJobRetention)
	j.jobs.Range(func(id string, tracker *jobTracker) bool {
		job := tracker.snapshot()
		if job.Done() && job.FinishedAt.Before(cutoff) {
			j.jobs.Delete(id)
		}
		return true
	})
}

// jobTracker is the pipeline delegate of one job. Callbacks arrive on the
// main queue while HTTP handlers read snapshots, hence the mutex.
type jobTracker struct {
	mu  sync.Mutex
	job domain.DownloadJob
}

func (t *jobTracker) StatusChanged(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.job.StatusText = text
	t.job.History = append(t.job.History, text)
	switch text {
	case domain.StatusTextFetchingVersions:
		t.job.Stage = domain.StageFetchingVersions
	case domain.StatusTextDownloadingTiles:
		t.job.Stage = domain.StageDownloading
	default:
		t.job.Stage = domain.StageUnpacking
	}
}

func (t *jobTracker) VersionSelected(version string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job.Version = version
}

func (t *jobTracker) DownloadProgressChanged(progress domain.DownloadProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job.Downloaded = progress.BytesWritten
	t.job.Total = progress.TotalBytes
}

func (t *jobTracker) Finished(result domain.DownloadResult) {
	t.complete(result, result.FinishedAt)
}

// complete stores the terminal result. Aborted runs never call Finished, so
// the job runner calls it as well.
func (t *jobTracker) complete(result domain.DownloadResult, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.Result != nil {
		return
	}
	r := result
	t.job.Result = &r
	t.job.Stage = result.Stage
	t.job.Version = result.Version
	t.job.FinishedAt = at
	if !result.FinishedAt.IsZero() {
		t.job.FinishedAt = result.FinishedAt
	}
}

func (t *jobTracker) rectangle() domain.GeoRectangle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.Rectangle
}

func (t *jobTracker) snapshot() domain.DownloadJob {
	t.mu.Lock()
	defer t.mu.Unlock()

	job := t.job
	job.History = append([]string(nil), t.job.History...)
	return job
}
