// Package application contains the application services.
package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jobrunner/offgrid/internal/domain"
	"github.com/jobrunner/offgrid/internal/logonce"
	"github.com/jobrunner/offgrid/internal/mainqueue"
	"github.com/jobrunner/offgrid/internal/ports/input"
	"github.com/jobrunner/offgrid/internal/ports/output"
)

// Pipeline runs the offline download workflow: fetch versions, download the
// tile pack for a rectangle, unpack it into the version's tile directory.
type Pipeline struct {
	backend  output.TileBackend
	unpacker output.TileUnpacker
	tiles    output.TileStore
	queue    *mainqueue.Queue
	dedup    *logonce.Logger
	metrics  output.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
}

// NewPipeline creates a new pipeline. Delegate callbacks run on queue.
func NewPipeline(
	backend output.TileBackend,
	unpacker output.TileUnpacker,
	tiles output.TileStore,
	queue *mainqueue.Queue,
	dedup *logonce.Logger,
	metrics output.MetricsCollector,
	logger *slog.Logger,
) *Pipeline {
	if dedup == nil {
		dedup = logonce.Default()
	}
	return &Pipeline{
		backend:  backend,
		unpacker: unpacker,
		tiles:    tiles,
		queue:    queue,
		dedup:    dedup,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// BeginDownload starts a run on its own goroutine.
func (p *Pipeline) BeginDownload(ctx context.Context, rect domain.GeoRectangle, delegate input.PipelineDelegate) <-chan domain.DownloadResult {
	ch := make(chan domain.DownloadResult, 1)
	go func() {
		defer close(ch)
		ch <- p.Run(ctx, rect, delegate)
	}()
	return ch
}

// Run executes one run and returns once all of its delegate callbacks have
// been delivered.
func (p *Pipeline) Run(ctx context.Context, rect domain.GeoRectangle, delegate input.PipelineDelegate) domain.DownloadResult {
	d := p.wrap(delegate)
	result := domain.DownloadResult{
		Stage:     domain.StageIdle,
		Rectangle: rect,
		StartedAt: p.now(),
	}

	if err := rect.Validate(); err != nil {
		result.Err = err
		return p.abort(d, result)
	}

	// Fetching versions
	result.Stage = domain.StageFetchingVersions
	d.statusChanged(domain.StatusTextFetchingVersions)

	stageStart := p.now()
	candidates, err := p.backend.FetchAvailableVersions(ctx)
	p.metrics.ObserveStageDuration(domain.StageFetchingVersions.String(), err == nil, p.now().Sub(stageStart))
	if err != nil {
		p.logger.Warn("fetching offline versions failed", "error", err)
		result.Err = err
		return p.abort(d, result)
	}

	version, ok := domain.SelectVersion(candidates)
	if !ok {
		p.logger.Info("no offline version available", "candidates", len(candidates))
		result.Err = domain.ErrNoVersionAvailable
		return p.abort(d, result)
	}
	if err := domain.ValidateVersion(version); err != nil {
		p.logger.Error("backend offered an unusable version", "version", version, "error", err)
		return p.fail(d, result, domain.StageFetchingVersions, err)
	}
	result.Version = version
	d.versionSelected(version)

	// Downloading
	result.Stage = domain.StageDownloading
	d.statusChanged(domain.StatusTextDownloadingTiles)
	p.logger.Info("downloading tiles", "version", version, "rectangle", rect.String())

	var written int64
	stageStart = p.now()
	tempPath, err := p.backend.DownloadTiles(ctx, rect, version, func(n, total int64) {
		written = n
		d.downloadProgressChanged(domain.DownloadProgress{BytesWritten: n, TotalBytes: total})
	})
	p.metrics.ObserveStageDuration(domain.StageDownloading.String(), err == nil && tempPath != "", p.now().Sub(stageStart))
	p.metrics.AddDownloadedBytes(written)
	if err != nil {
		p.logger.Error("downloading tiles failed", "version", version, "error", err)
		return p.fail(d, result, domain.StageDownloading, err)
	}
	if tempPath == "" {
		p.logger.Error("download finished without a temporary file", "version", version)
		return p.fail(d, result, domain.StageDownloading, domain.ErrNoTemporaryFile)
	}
	defer func() {
		if err := p.tiles.RemoveFile(tempPath); err != nil {
			p.logger.Warn("failed to remove temporary pack", "path", tempPath, "error", err)
		}
	}()

	// Unpacking
	outputDir := p.tiles.SuggestedTilePath(version)
	result.OutputDir = outputDir
	if err := p.tiles.EnsureDirectoryExists(outputDir); err != nil {
		p.logger.Error("failed to create tile directory", "path", outputDir, "error", err)
		return p.fail(d, result, domain.StageUnpacking, err)
	}

	result.Stage = domain.StageUnpacking
	stageStart = p.now()
	unpacked, err := p.unpacker.Unpack(ctx, tempPath, outputDir, func(total, remaining uint64) {
		progress := domain.UnpackProgress{TotalBytes: total, BytesRemaining: remaining}
		d.statusChanged(domain.UnpackingStatusText(progress))
		d.unpackProgressChanged(progress)
	})
	p.metrics.ObserveStageDuration(domain.StageUnpacking.String(), err == nil, p.now().Sub(stageStart))
	if err != nil {
		p.logger.Error("unpacking tiles failed", "path", outputDir, "error", err)
		return p.fail(d, result, domain.StageUnpacking, err)
	}
	p.metrics.AddUnpackedBytes(unpacked.Bytes)

	result.Stage = domain.StageDone
	result.Unpack = &unpacked
	result.FinishedAt = p.now()
	p.logger.Info("offline tiles ready",
		"version", version,
		"path", outputDir,
		"files", unpacked.Files,
		"duration", result.Duration(),
	)
	return p.finish(d, result)
}

// abort ends a run before anything was downloaded. The delegate keeps the
// last caption and gets no finished signal.
func (p *Pipeline) abort(d *delegateDispatcher, result domain.DownloadResult) domain.DownloadResult {
	result.Stage = domain.StageAborted
	result.FinishedAt = p.now()
	p.metrics.IncPipelineRuns(result.Stage.String())
	d.flush()
	return result
}

func (p *Pipeline) fail(d *delegateDispatcher, result domain.DownloadResult, stage domain.Stage, err error) domain.DownloadResult {
	var pipelineErr *domain.PipelineError
	if !errors.As(err, &pipelineErr) {
		err = &domain.PipelineError{Stage: stage, Err: err}
	}
	result.Stage = domain.StageErrored
	result.Err = err
	result.FinishedAt = p.now()
	return p.finish(d, result)
}

func (p *Pipeline) finish(d *delegateDispatcher, result domain.DownloadResult) domain.DownloadResult {
	p.metrics.IncPipelineRuns(result.Stage.String())
	d.finished(result)
	d.flush()
	return result
}

func (p *Pipeline) wrap(delegate input.PipelineDelegate) *delegateDispatcher {
	return &delegateDispatcher{
		delegate: delegate,
		queue:    p.queue,
		dedup:    p.dedup,
		logger:   p.logger,
	}
}

// delegateDispatcher posts delegate callbacks to the main queue. Optional
// callbacks the delegate does not implement are reported once.
type delegateDispatcher struct {
	delegate input.PipelineDelegate
	queue    *mainqueue.Queue
	dedup    *logonce.Logger
	logger   *slog.Logger
}

func (d *delegateDispatcher) post(fn func()) {
	if d.delegate == nil {
		return
	}
	if err := d.queue.Async(fn); err != nil {
		d.logger.Debug("dropping delegate callback", "error", err)
	}
}

func (d *delegateDispatcher) flush() {
	if err := d.queue.Flush(); err != nil && !errors.Is(err, mainqueue.ErrClosed) {
		d.logger.Warn("flushing main queue failed", "error", err)
	}
}

func (d *delegateDispatcher) statusChanged(text string) {
	d.post(func() { d.delegate.StatusChanged(text) })
}

func (d *delegateDispatcher) versionSelected(version string) {
	d.post(func() {
		if s, ok := d.delegate.(input.VersionSelector); ok {
			s.VersionSelected(version)
			return
		}
		d.dedup.LogUnimplemented(d.delegate, "VersionSelector", slog.LevelDebug, "VersionSelected")
	})
}

func (d *delegateDispatcher) downloadProgressChanged(progress domain.DownloadProgress) {
	d.post(func() {
		if o, ok := d.delegate.(input.DownloadProgressObserver); ok {
			o.DownloadProgressChanged(progress)
			return
		}
		d.dedup.LogUnimplemented(d.delegate, "DownloadProgressObserver", slog.LevelDebug, "DownloadProgressChanged")
	})
}

func (d *delegateDispatcher) unpackProgressChanged(progress domain.UnpackProgress) {
	d.post(func() {
		if o, ok := d.delegate.(input.UnpackProgressObserver); ok {
			o.UnpackProgressChanged(progress)
			return
		}
		d.dedup.LogUnimplemented(d.delegate, "UnpackProgressObserver", slog.LevelDebug, "UnpackProgressChanged")
	})
}

func (d *delegateDispatcher) finished(result domain.DownloadResult) {
	d.post(func() {
		if o, ok := d.delegate.(input.FinishObserver); ok {
			o.Finished(result)
			return
		}
		d.dedup.LogUnimplemented(d.delegate, "FinishObserver", slog.LevelWarn, "Finished")
	})
}
