package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestSelectVersion(t *testing.T) {
	tests := []struct {
		name       string
		candidates []string
		want       string
		wantOK     bool
	}{
		{"first non-empty", []string{"", "", "v2", "v1"}, "v2", true},
		{"backend order kept", []string{"v1", "v2"}, "v1", true},
		{"all empty", []string{"", ""}, "", false},
		{"nil", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectVersion(tt.candidates)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("SelectVersion(%v) = (%q, %v), want (%q, %v)",
					tt.candidates, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestUnpackProgressPercentRemaining(t *testing.T) {
	tests := []struct {
		name      string
		total     uint64
		remaining uint64
		want      int
	}{
		{"quarter remaining", 1_000_000, 250_000, 25},
		{"nothing remaining", 1_000_000, 0, 0},
		{"everything remaining", 1_000_000, 1_000_000, 100},
		{"truncates", 3, 2, 66},
		{"exact ratio", 100, 29, 29},
		{"exact ratio large total", 1_000, 290, 29},
		{"huge total", math.MaxUint64, math.MaxUint64 / 2, 49},
		{"more remaining than total", 10, 20, 100},
		{"zero total", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := UnpackProgress{TotalBytes: tt.total, BytesRemaining: tt.remaining}
			if got := p.PercentRemaining(); got != tt.want {
				t.Errorf("PercentRemaining() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version string
		wantErr bool
	}{
		{"2024_02_01", false},
		{"2024_01_01-00_00_00", false},
		{"", true},
		{".", true},
		{"..", true},
		{"../../../escaped", true},
		{"2024/02", true},
		{`..\windows`, true},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			err := ValidateVersion(tt.version)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateVersion(%q) error = %v, wantErr %v", tt.version, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidVersion) {
				t.Errorf("error = %v, want ErrInvalidVersion", err)
			}
		})
	}
}

func TestUnpackProgressFraction(t *testing.T) {
	p := UnpackProgress{TotalBytes: 1_000_000, BytesRemaining: 250_000}
	if got := p.Fraction(); got != 0.75 {
		t.Errorf("Fraction() = %f, want 0.75", got)
	}
	if got := (UnpackProgress{}).Fraction(); got != 1 {
		t.Errorf("Fraction() with zero total = %f, want 1", got)
	}
}

func TestUnpackingStatusText(t *testing.T) {
	got := UnpackingStatusText(UnpackProgress{TotalBytes: 1_000_000, BytesRemaining: 250_000})
	if got != "Unpacking 25%" {
		t.Errorf("UnpackingStatusText() = %q, want %q", got, "Unpacking 25%")
	}
}

func TestStageString(t *testing.T) {
	tests := []struct {
		stage Stage
		want  string
	}{
		{StageIdle, "idle"},
		{StageFetchingVersions, "fetching versions"},
		{StageDownloading, "downloading"},
		{StageUnpacking, "unpacking"},
		{StageDone, "done"},
		{StageAborted, "aborted"},
		{StageErrored, "errored"},
		{Stage(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.stage.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDownloadResult(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := DownloadResult{Stage: StageDone, StartedAt: start, FinishedAt: start.Add(3 * time.Second)}

	if !r.Succeeded() {
		t.Error("done result should succeed")
	}
	if r.Duration() != 3*time.Second {
		t.Errorf("Duration() = %v, want 3s", r.Duration())
	}
	if !r.Stage.IsTerminal() || StageUnpacking.IsTerminal() {
		t.Error("IsTerminal mismatch")
	}
}
