package storage

import (
	"context"
	"io"
	"time"

	"github.com/jobrunner/offgrid/internal/ports/output"
)

// Instrumented records metrics for every call to the wrapped storage.
type Instrumented struct {
	inner   output.ObjectStorage
	metrics output.MetricsCollector
}

// NewInstrumented wraps inner so each operation is counted and timed.
func NewInstrumented(inner output.ObjectStorage, metrics output.MetricsCollector) *Instrumented {
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	return &Instrumented{inner: inner, metrics: metrics}
}

func (s *Instrumented) record(operation string, start time.Time, err error) {
	s.metrics.IncStorageOperations(operation, err == nil)
	s.metrics.ObserveStorageDuration(operation, time.Since(start))
}

// List implements output.ObjectStorage.
func (s *Instrumented) List(ctx context.Context) ([]output.StorageObject, error) {
	start := time.Now()
	objects, err := s.inner.List(ctx)
	s.record("list", start, err)
	return objects, err
}

// GetReader implements output.ObjectStorage.
func (s *Instrumented) GetReader(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()
	reader, size, err := s.inner.GetReader(ctx, key)
	s.record("get", start, err)
	return reader, size, err
}

// Exists implements output.ObjectStorage.
func (s *Instrumented) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := s.inner.Exists(ctx, key)
	s.record("exists", start, err)
	return ok, err
}
