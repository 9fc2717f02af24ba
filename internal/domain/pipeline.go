package domain

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
	"time"
)

// Stage is a state of the offline download workflow.
type Stage int

// Workflow stages.
const (
	StageIdle Stage = iota
	StageFetchingVersions
	StageDownloading
	StageUnpacking
	StageDone
	StageAborted
	StageErrored
)

// String returns the string representation of the stage.
func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageFetchingVersions:
		return "fetching versions"
	case StageDownloading:
		return "downloading"
	case StageUnpacking:
		return "unpacking"
	case StageDone:
		return "done"
	case StageAborted:
		return "aborted"
	case StageErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the workflow has stopped.
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageAborted || s == StageErrored
}

// Status captions shown while the workflow runs.
const (
	StatusTextFetchingVersions = "Fetching versions"
	StatusTextDownloadingTiles = "Downloading tiles"
)

// UnpackingStatusText returns the caption for an unpack progress report.
func UnpackingStatusText(p UnpackProgress) string {
	return fmt.Sprintf("Unpacking %d%%", p.PercentRemaining())
}

// SelectVersion returns the first non-empty candidate. The backend's order is
// kept as-is.
func SelectVersion(candidates []string) (string, bool) {
	for _, v := range candidates {
		if v != "" {
			return v, true
		}
	}
	return "", false
}

// ValidateVersion checks that v can name a tile directory: a single path
// segment that is neither "." nor "..".
func ValidateVersion(v string) error {
	if v == "" || v == "." || v == ".." || strings.ContainsAny(v, `/\`) {
		return fmt.Errorf("%q is not a single path segment: %w", v, ErrInvalidVersion)
	}
	return nil
}

// UnpackProgress is one progress report from the unpack stage.
type UnpackProgress struct {
	TotalBytes     uint64
	BytesRemaining uint64
}

// Fraction returns the completed fraction, 1 - remaining/total.
func (p UnpackProgress) Fraction() float64 {
	if p.TotalBytes == 0 {
		return 1
	}
	return 1 - float64(p.BytesRemaining)/float64(p.TotalBytes)
}

// PercentRemaining returns remaining*100/total, truncated. Reports with more
// remaining than total count as 100.
func (p UnpackProgress) PercentRemaining() int {
	if p.TotalBytes == 0 {
		return 0
	}
	if p.BytesRemaining >= p.TotalBytes {
		return 100
	}
	if p.BytesRemaining <= math.MaxUint64/100 {
		return int(p.BytesRemaining * 100 / p.TotalBytes)
	}
	hi, lo := bits.Mul64(p.BytesRemaining, 100)
	q, _ := bits.Div64(hi, lo, p.TotalBytes)
	return int(q)
}

// DownloadProgress is one byte-progress report from the download stage.
type DownloadProgress struct {
	BytesWritten int64
	TotalBytes   int64 // -1 when unknown
}

// UnpackResult describes a finished unpack.
type UnpackResult struct {
	OutputDir string // Directory the pack was unpacked into
	Files     int    // Number of regular files written
	Bytes     uint64 // Uncompressed bytes written
}

// DownloadResult is the terminal outcome of one workflow run.
type DownloadResult struct {
	Stage      Stage         // StageDone, StageAborted or StageErrored
	Rectangle  GeoRectangle  // Requested area
	Version    string        // Selected data version, empty when aborted early
	OutputDir  string        // Unpack target directory
	Unpack     *UnpackResult // Set on successful unpack
	Err        error         // Cause for aborted and errored runs
	StartedAt  time.Time
	FinishedAt time.Time
}

// Succeeded reports whether the pack was unpacked.
func (r DownloadResult) Succeeded() bool {
	return r.Stage == StageDone
}

// Duration returns the run's wall time.
func (r DownloadResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
