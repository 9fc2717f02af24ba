package application

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/jobrunner/offgrid/internal/domain"
)

func TestPipelineRunSuccess(t *testing.T) {
	backend := &mockBackend{
		versions: []string{"", "", "v2", "v1"},
		tempPath: "/tmp/offgrid-123.pack",
		progress: [][2]int64{{512, 1024}, {1024, 1024}},
	}
	unpacker := &mockUnpacker{
		progress: [][2]uint64{{1_000_000, 1_000_000}, {1_000_000, 250_000}, {1_000_000, 0}},
		result:   domain.UnpackResult{Files: 12, Bytes: 1_000_000},
	}
	f := newPipelineFixture(t, backend, unpacker)
	delegate := &recordingDelegate{}

	result := f.pipeline.Run(context.Background(), testRectangle(), delegate)

	if result.Stage != domain.StageDone {
		t.Fatalf("Stage = %s, want done (err: %v)", result.Stage, result.Err)
	}
	if result.Version != "v2" || backend.lastVersion != "v2" {
		t.Errorf("version = %q / %q, want v2", result.Version, backend.lastVersion)
	}

	wantStatuses := []string{
		"Fetching versions",
		"Downloading tiles",
		"Unpacking 100%",
		"Unpacking 25%",
		"Unpacking 0%",
	}
	if !reflect.DeepEqual(delegate.statuses, wantStatuses) {
		t.Errorf("statuses = %q, want %q", delegate.statuses, wantStatuses)
	}
	if !reflect.DeepEqual(delegate.versions, []string{"v2"}) {
		t.Errorf("versions = %v, want [v2]", delegate.versions)
	}
	if len(delegate.download) != 2 || delegate.download[1].BytesWritten != 1024 {
		t.Errorf("download progress = %+v", delegate.download)
	}
	if len(delegate.unpack) != 3 {
		t.Errorf("unpack progress reports = %d, want 3", len(delegate.unpack))
	}
	if len(delegate.finished) != 1 || !delegate.finished[0].Succeeded() {
		t.Errorf("finished = %+v, want one successful result", delegate.finished)
	}

	wantDir := "/var/lib/offgrid/tiles/v2"
	if result.OutputDir != wantDir || unpacker.dst != wantDir {
		t.Errorf("output dir = %q / %q, want %q", result.OutputDir, unpacker.dst, wantDir)
	}
	if unpacker.src != backend.tempPath {
		t.Errorf("unpacked %q, want %q", unpacker.src, backend.tempPath)
	}
	if f.tiles.dirs[wantDir] != 1 {
		t.Errorf("EnsureDirectoryExists called %d times, want 1", f.tiles.dirs[wantDir])
	}
	if !reflect.DeepEqual(f.tiles.removed, []string{backend.tempPath}) {
		t.Errorf("removed = %v, want the temporary pack", f.tiles.removed)
	}
	if result.Unpack == nil || result.Unpack.Files != 12 {
		t.Errorf("Unpack = %+v", result.Unpack)
	}
}

func TestPipelineNoVersionAvailable(t *testing.T) {
	tests := []struct {
		name     string
		backend  *mockBackend
		wantErr  error
		statuses []string
	}{
		{
			name:     "only empty versions",
			backend:  &mockBackend{versions: []string{"", ""}},
			wantErr:  domain.ErrNoVersionAvailable,
			statuses: []string{"Fetching versions"},
		},
		{
			name:     "no versions",
			backend:  &mockBackend{},
			wantErr:  domain.ErrNoVersionAvailable,
			statuses: []string{"Fetching versions"},
		},
		{
			name:     "fetch fails",
			backend:  &mockBackend{versionsErr: domain.ErrBackendUnavailable},
			wantErr:  domain.ErrBackendUnavailable,
			statuses: []string{"Fetching versions"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t, tt.backend, &mockUnpacker{})
			delegate := &recordingDelegate{}

			result := f.pipeline.Run(context.Background(), testRectangle(), delegate)

			if result.Stage != domain.StageAborted {
				t.Errorf("Stage = %s, want aborted", result.Stage)
			}
			if !errors.Is(result.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", result.Err, tt.wantErr)
			}
			if tt.backend.calls() != 0 {
				t.Errorf("download requested %d times, want 0", tt.backend.calls())
			}
			if !reflect.DeepEqual(delegate.statuses, tt.statuses) {
				t.Errorf("statuses = %q, want %q", delegate.statuses, tt.statuses)
			}
			if len(delegate.finished) != 0 {
				t.Error("aborted run should not signal finished")
			}
		})
	}
}

func TestPipelineDownloadFailure(t *testing.T) {
	backend := &mockBackend{versions: []string{"v1"}, downloadErr: domain.ErrBackendUnavailable}
	unpacker := &mockUnpacker{}
	f := newPipelineFixture(t, backend, unpacker)
	delegate := &recordingDelegate{}

	result := f.pipeline.Run(context.Background(), testRectangle(), delegate)

	if result.Stage != domain.StageErrored {
		t.Fatalf("Stage = %s, want errored", result.Stage)
	}
	var pipelineErr *domain.PipelineError
	if !errors.As(result.Err, &pipelineErr) || pipelineErr.Stage != domain.StageDownloading {
		t.Errorf("Err = %v, want a downloading PipelineError", result.Err)
	}
	if !errors.Is(result.Err, domain.ErrBackendUnavailable) {
		t.Errorf("Err = %v, want ErrBackendUnavailable", result.Err)
	}
	if unpacker.src != "" {
		t.Error("unpack should not run after a failed download")
	}
	if len(delegate.finished) != 1 {
		t.Errorf("finished = %d, want 1", len(delegate.finished))
	}
}

func TestPipelineMissingTemporaryFile(t *testing.T) {
	backend := &mockBackend{versions: []string{"v1"}}
	unpacker := &mockUnpacker{}
	f := newPipelineFixture(t, backend, unpacker)

	result := f.pipeline.Run(context.Background(), testRectangle(), &recordingDelegate{})

	if result.Stage != domain.StageErrored {
		t.Fatalf("Stage = %s, want errored", result.Stage)
	}
	if !errors.Is(result.Err, domain.ErrNoTemporaryFile) || !errors.Is(result.Err, domain.ErrInternal) {
		t.Errorf("Err = %v, want ErrNoTemporaryFile", result.Err)
	}
	if len(f.tiles.dirs) != 0 {
		t.Error("no directory should be created without a temporary file")
	}
}

func TestPipelineUnpackFailure(t *testing.T) {
	backend := &mockBackend{versions: []string{"v1"}, tempPath: "/tmp/pack"}
	unpacker := &mockUnpacker{
		progress: [][2]uint64{{100, 100}},
		err:      domain.ErrCorruptPack,
	}
	f := newPipelineFixture(t, backend, unpacker)
	delegate := &recordingDelegate{}

	result := f.pipeline.Run(context.Background(), testRectangle(), delegate)

	if result.Stage != domain.StageErrored {
		t.Fatalf("Stage = %s, want errored", result.Stage)
	}
	if !errors.Is(result.Err, domain.ErrCorruptPack) {
		t.Errorf("Err = %v, want ErrCorruptPack", result.Err)
	}
	if len(delegate.finished) != 1 || delegate.finished[0].Succeeded() {
		t.Errorf("finished = %+v, want one failed result", delegate.finished)
	}
	if len(f.tiles.removed) != 1 {
		t.Error("temporary pack should be removed after a failed unpack")
	}
}

func TestPipelineEnsureDirectoryFailure(t *testing.T) {
	backend := &mockBackend{versions: []string{"v1"}, tempPath: "/tmp/pack"}
	unpacker := &mockUnpacker{}
	f := newPipelineFixture(t, backend, unpacker)
	f.tiles.ensureErr = errors.New("read-only file system")

	result := f.pipeline.Run(context.Background(), testRectangle(), &recordingDelegate{})

	if result.Stage != domain.StageErrored {
		t.Errorf("Stage = %s, want errored", result.Stage)
	}
	if unpacker.src != "" {
		t.Error("unpack should not run without a target directory")
	}
}

func TestPipelineInvalidRectangle(t *testing.T) {
	backend := &mockBackend{versions: []string{"v1"}}
	f := newPipelineFixture(t, backend, &mockUnpacker{})
	delegate := &recordingDelegate{}

	rect := domain.GeoRectangle{
		NorthWest: domain.Coordinate{Lon: -200, Lat: 10},
		SouthEast: domain.Coordinate{Lon: 10, Lat: 0},
	}
	result := f.pipeline.Run(context.Background(), rect, delegate)

	if result.Stage != domain.StageAborted || !errors.Is(result.Err, domain.ErrInvalidInput) {
		t.Errorf("result = %s / %v, want aborted invalid input", result.Stage, result.Err)
	}
	if len(delegate.statuses) != 0 {
		t.Errorf("statuses = %q, want none", delegate.statuses)
	}
}

func TestPipelineLogsUnimplementedCallbacksOnce(t *testing.T) {
	backend := &mockBackend{
		versions: []string{"v1"},
		tempPath: "/tmp/pack",
		progress: [][2]int64{{1, 2}, {2, 2}},
	}
	unpacker := &mockUnpacker{progress: [][2]uint64{{2, 1}, {2, 0}}}
	f := newPipelineFixture(t, backend, unpacker)
	delegate := &statusOnlyDelegate{}

	f.pipeline.Run(context.Background(), testRectangle(), delegate)
	f.pipeline.Run(context.Background(), testRectangle(), delegate)

	keys := f.dedup.State().Keys()
	want := map[string]bool{
		"VersionSelected":         true,
		"DownloadProgressChanged": true,
		"UnpackProgressChanged":   true,
		"Finished":                true,
	}
	if len(keys) != len(want) {
		t.Fatalf("warned keys = %v, want %d entries", keys, len(want))
	}
	for _, k := range keys {
		if !want[k.Function] {
			t.Errorf("unexpected warning for %s", k.Function)
		}
		if k.TypeDescription != "*application.statusOnlyDelegate" {
			t.Errorf("TypeDescription = %q", k.TypeDescription)
		}
	}
	if len(delegate.statuses) != 8 {
		t.Errorf("statuses = %d, want 8 over two runs", len(delegate.statuses))
	}
}

func TestPipelineBeginDownload(t *testing.T) {
	backend := &mockBackend{versions: []string{"v1"}, tempPath: "/tmp/pack"}
	f := newPipelineFixture(t, backend, &mockUnpacker{})

	ch := f.pipeline.BeginDownload(context.Background(), testRectangle(), &recordingDelegate{})

	select {
	case result, ok := <-ch:
		if !ok {
			t.Fatal("channel closed without a result")
		}
		if result.Stage != domain.StageDone {
			t.Errorf("Stage = %s, want done", result.Stage)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("BeginDownload did not finish")
	}

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after the result")
	}
}

func TestPipelineNilDelegate(t *testing.T) {
	backend := &mockBackend{versions: []string{"v1"}, tempPath: "/tmp/pack"}
	f := newPipelineFixture(t, backend, &mockUnpacker{})

	result := f.pipeline.Run(context.Background(), testRectangle(), nil)
	if result.Stage != domain.StageDone {
		t.Errorf("Stage = %s, want done", result.Stage)
	}
}

func TestPipelineRejectsUnsafeVersion(t *testing.T) {
	tests := []struct {
		name     string
		versions []string
	}{
		{"parent traversal", []string{"../../../escaped"}},
		{"nested path", []string{"2024/02"}},
		{"dot dot", []string{".."}},
		{"backslash", []string{`..\escaped`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{versions: tt.versions, tempPath: "/tmp/pack"}
			unpacker := &mockUnpacker{}
			f := newPipelineFixture(t, backend, unpacker)
			delegate := &recordingDelegate{}

			result := f.pipeline.Run(context.Background(), testRectangle(), delegate)

			if result.Stage != domain.StageErrored {
				t.Fatalf("Stage = %s, want errored", result.Stage)
			}
			if !errors.Is(result.Err, domain.ErrInvalidVersion) {
				t.Errorf("Err = %v, want ErrInvalidVersion", result.Err)
			}
			if result.Version != "" || result.OutputDir != "" {
				t.Errorf("result carries version %q dir %q", result.Version, result.OutputDir)
			}
			if backend.calls() != 0 {
				t.Errorf("DownloadTiles called %d times", backend.calls())
			}
			if len(f.tiles.dirs) != 0 || unpacker.dst != "" {
				t.Errorf("tile directory touched: dirs=%v dst=%q", f.tiles.dirs, unpacker.dst)
			}
			if len(delegate.versions) != 0 {
				t.Errorf("VersionSelected called with %v", delegate.versions)
			}
			if len(delegate.finished) != 1 {
				t.Errorf("Finished called %d times, want 1", len(delegate.finished))
			}
		})
	}
}

func TestPipelineDelegateCallbacksFromWorkers(t *testing.T) {
	const reports = 40
	progress := make([][2]uint64, reports)
	for i := range progress {
		progress[i] = [2]uint64{reports, uint64(reports - 1 - i)}
	}

	t.Run("sequential workers keep order", func(t *testing.T) {
		backend := &mockBackend{versions: []string{"v1"}, tempPath: "/tmp/pack"}
		f := newPipelineFixture(t, backend, &mockUnpacker{progress: progress, fromWorkers: true})
		delegate := &serialDelegate{}

		result := f.pipeline.Run(context.Background(), testRectangle(), delegate)
		if result.Stage != domain.StageDone {
			t.Fatalf("Stage = %s, want done (err: %v)", result.Stage, result.Err)
		}

		if n := delegate.overlaps.Load(); n != 0 {
			t.Errorf("%d callbacks overlapped", n)
		}
		if len(delegate.unpack) != reports {
			t.Fatalf("unpack reports = %d, want %d", len(delegate.unpack), reports)
		}
		for i, p := range delegate.unpack {
			if want := uint64(reports - 1 - i); p.BytesRemaining != want {
				t.Fatalf("unpack[%d].BytesRemaining = %d, want %d", i, p.BytesRemaining, want)
			}
		}

		events := delegate.events
		wantHead := []string{
			"status:" + domain.StatusTextFetchingVersions,
			"status:" + domain.StatusTextDownloadingTiles,
		}
		if !reflect.DeepEqual(events[:2], wantHead) {
			t.Errorf("first events = %v, want %v", events[:2], wantHead)
		}
		for i := 0; i < reports; i++ {
			status, unpack := events[2+2*i], events[3+2*i]
			want := "status:" + domain.UnpackingStatusText(domain.UnpackProgress{TotalBytes: reports, BytesRemaining: uint64(reports - 1 - i)})
			if status != want || unpack != "unpack" {
				t.Fatalf("events at report %d = %q, %q", i, status, unpack)
			}
		}
		if last := events[len(events)-1]; last != "finished" {
			t.Errorf("last event = %q, want finished", last)
		}
	})

	t.Run("parallel workers never overlap", func(t *testing.T) {
		backend := &mockBackend{versions: []string{"v1"}, tempPath: "/tmp/pack"}
		f := newPipelineFixture(t, backend, &mockUnpacker{progress: progress, parallel: true})
		delegate := &serialDelegate{}

		result := f.pipeline.Run(context.Background(), testRectangle(), delegate)
		if result.Stage != domain.StageDone {
			t.Fatalf("Stage = %s, want done (err: %v)", result.Stage, result.Err)
		}

		if n := delegate.overlaps.Load(); n != 0 {
			t.Errorf("%d callbacks overlapped", n)
		}
		if len(delegate.unpack) != reports {
			t.Errorf("unpack reports = %d, want %d", len(delegate.unpack), reports)
		}
		if last := delegate.events[len(delegate.events)-1]; last != "finished" {
			t.Errorf("last event = %q, want finished", last)
		}
	})
}
