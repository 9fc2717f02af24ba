package domain

import (
	"errors"
	"fmt"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrInternal     = errors.New("internal error")
	ErrUnavailable  = errors.New("service unavailable")
	ErrConflict     = errors.New("conflict")
)

// Specific errors.
var (
	ErrRegionNotFound      = fmt.Errorf("offline region: %w", ErrNotFound)
	ErrPackNotFound        = fmt.Errorf("tile pack: %w", ErrNotFound)
	ErrNoVersionAvailable  = fmt.Errorf("offline version: %w", ErrNotFound)
	ErrInvalidRectangle    = fmt.Errorf("rectangle: %w", ErrInvalidInput)
	ErrInvalidVersion      = fmt.Errorf("version: %w", ErrInvalidInput)
	ErrUnsupportedPack     = fmt.Errorf("pack format: %w", ErrUnsupported)
	ErrCorruptPack         = fmt.Errorf("corrupt tile pack: %w", ErrInvalidInput)
	ErrNoTemporaryFile     = fmt.Errorf("download finished without a temporary file: %w", ErrInternal)
	ErrDownloadInProgress  = fmt.Errorf("download already in progress: %w", ErrConflict)
	ErrStorageUnavailable  = fmt.Errorf("storage: %w", ErrUnavailable)
	ErrBackendUnavailable  = fmt.Errorf("offline backend: %w", ErrUnavailable)
	ErrJobNotFound         = fmt.Errorf("download job: %w", ErrNotFound)
	ErrCatalogNotAvailable = fmt.Errorf("region catalog: %w", ErrUnavailable)
)

// ValidationError represents a detailed validation error.
type ValidationError struct {
	Field      string      // Field that failed validation
	Value      interface{} // The invalid value
	Constraint string      // The constraint that was violated
	Message    string      // Human-readable message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s (value: %v, constraint: %s)",
		e.Field, e.Message, e.Value, e.Constraint)
}

// Unwrap returns the underlying error type.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// PipelineError represents a failure in one stage of an offline download.
type PipelineError struct {
	Stage Stage // Stage that failed
	Err   error // Underlying error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	return fmt.Sprintf("offline download failed while %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// StorageError represents an error during storage operations.
type StorageError struct {
	Operation string // Operation that failed (download, list, etc.)
	Key       string // Object key
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage error during %s for %s: %v",
			e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string // Configuration field
	Message string // Error message
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidInput
}

// OfflineRegionErrorKind classifies a pack failure reported by the backend.
type OfflineRegionErrorKind string

// Pack failure kinds.
const (
	RegionErrorNetwork  OfflineRegionErrorKind = "network"
	RegionErrorNotFound OfflineRegionErrorKind = "not_found"
	RegionErrorDiskFull OfflineRegionErrorKind = "disk_full"
	RegionErrorCorrupt  OfflineRegionErrorKind = "corrupt"
	RegionErrorOther    OfflineRegionErrorKind = "other"
)

// OfflineRegionError describes why a pack ended up in the errored state.
type OfflineRegionError struct {
	Kind    OfflineRegionErrorKind
	Message string
}

// NewOfflineRegionError classifies err into an OfflineRegionError.
func NewOfflineRegionError(err error) *OfflineRegionError {
	if err == nil {
		return nil
	}
	var regionErr *OfflineRegionError
	if errors.As(err, &regionErr) {
		return regionErr
	}

	kind := RegionErrorOther
	switch {
	case errors.Is(err, ErrCorruptPack), errors.Is(err, ErrUnsupportedPack):
		kind = RegionErrorCorrupt
	case errors.Is(err, ErrNotFound):
		kind = RegionErrorNotFound
	case errors.Is(err, ErrUnavailable):
		kind = RegionErrorNetwork
	}
	return &OfflineRegionError{Kind: kind, Message: err.Error()}
}

// Error implements the error interface.
func (e *OfflineRegionError) Error() string {
	return fmt.Sprintf("offline region error (%s): %s", e.Kind, e.Message)
}
