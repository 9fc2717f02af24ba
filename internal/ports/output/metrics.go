package output

import "time"

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncPipelineRuns increments the counter of finished runs by terminal stage.
	IncPipelineRuns(stage string)

	// ObserveStageDuration records how long a workflow stage took.
	ObserveStageDuration(stage string, success bool, duration time.Duration)

	// AddDownloadedBytes adds to the downloaded tile bytes counter.
	AddDownloadedBytes(n int64)

	// AddUnpackedBytes adds to the unpacked tile bytes counter.
	AddUnpackedBytes(n uint64)

	// IncUnimplementedDelegate counts first-time unimplemented delegate warnings.
	IncUnimplementedDelegate(function string)

	// SetRegions sets the number of catalogued and downloaded regions.
	SetRegions(total, downloaded int)

	// IncBackendRequests increments the backend request counter.
	IncBackendRequests(operation string, success bool)

	// IncStorageOperations increments storage operation counter.
	IncStorageOperations(operation string, success bool)

	// ObserveStorageDuration records storage operation duration.
	ObserveStorageDuration(operation string, duration time.Duration)
}

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

// IncPipelineRuns implements MetricsCollector.
func (n *NoOpMetrics) IncPipelineRuns(_ string) {}

// ObserveStageDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveStageDuration(_ string, _ bool, _ time.Duration) {}

// AddDownloadedBytes implements MetricsCollector.
func (n *NoOpMetrics) AddDownloadedBytes(_ int64) {}

// AddUnpackedBytes implements MetricsCollector.
func (n *NoOpMetrics) AddUnpackedBytes(_ uint64) {}

// IncUnimplementedDelegate implements MetricsCollector.
func (n *NoOpMetrics) IncUnimplementedDelegate(_ string) {}

// SetRegions implements MetricsCollector.
func (n *NoOpMetrics) SetRegions(_, _ int) {}

// IncBackendRequests implements MetricsCollector.
func (n *NoOpMetrics) IncBackendRequests(_ string, _ bool) {}

// IncStorageOperations implements MetricsCollector.
func (n *NoOpMetrics) IncStorageOperations(_ string, _ bool) {}

// ObserveStorageDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveStorageDuration(_ string, _ time.Duration) {}
