package domain

import "time"

// DownloadJob is a snapshot of a background offline download.
type DownloadJob struct {
	ID         string
	Rectangle  GeoRectangle
	Stage      Stage
	StatusText string   // Latest caption
	History    []string // Every caption in order
	Version    string
	Downloaded int64 // Bytes received so far
	Total      int64 // Expected bytes, -1 when unknown
	StartedAt  time.Time
	FinishedAt time.Time
	Result     *DownloadResult // Set once the job is done
}

// Done reports whether the job reached a terminal stage.
func (j DownloadJob) Done() bool {
	return j.Stage.IsTerminal()
}
