package domain

import (
	"fmt"
	"strings"
)

// OfflineRegionStatus is the lifecycle state of a pack as reported by the
// backend. The set of variants is closed; switch over the concrete types.
type OfflineRegionStatus interface {
	isOfflineRegionStatus()
	String() string
}

// Pack lifecycle states.
type (
	StatusPending     struct{}
	StatusDownloading struct{}
	StatusAvailable   struct{}
	StatusIncomplete  struct{}
	StatusVerifying   struct{}
	StatusExpired     struct{}
	StatusDeleting    struct{}
	StatusDeleted     struct{}

	// StatusErrored carries the reason the pack failed.
	StatusErrored struct {
		Err *OfflineRegionError
	}
)

func (StatusPending) isOfflineRegionStatus()     {}
func (StatusDownloading) isOfflineRegionStatus() {}
func (StatusAvailable) isOfflineRegionStatus()   {}
func (StatusIncomplete) isOfflineRegionStatus()  {}
func (StatusVerifying) isOfflineRegionStatus()   {}
func (StatusExpired) isOfflineRegionStatus()     {}
func (StatusErrored) isOfflineRegionStatus()     {}
func (StatusDeleting) isOfflineRegionStatus()    {}
func (StatusDeleted) isOfflineRegionStatus()     {}

func (StatusPending) String() string     { return "pending" }
func (StatusDownloading) String() string { return "downloading" }
func (StatusAvailable) String() string   { return "available" }
func (StatusIncomplete) String() string  { return "incomplete" }
func (StatusVerifying) String() string   { return "verifying" }
func (StatusExpired) String() string     { return "expired" }
func (StatusDeleting) String() string    { return "deleting" }
func (StatusDeleted) String() string     { return "deleted" }

// String returns "errored" followed by the error kind and message.
func (s StatusErrored) String() string {
	if s.Err == nil {
		return "errored"
	}
	return fmt.Sprintf("errored:%s:%s", s.Err.Kind, s.Err.Message)
}

// ParseStatus parses the String form of a status.
func ParseStatus(s string) (OfflineRegionStatus, error) {
	switch s {
	case "pending":
		return StatusPending{}, nil
	case "downloading":
		return StatusDownloading{}, nil
	case "available":
		return StatusAvailable{}, nil
	case "incomplete":
		return StatusIncomplete{}, nil
	case "verifying":
		return StatusVerifying{}, nil
	case "expired":
		return StatusExpired{}, nil
	case "deleting":
		return StatusDeleting{}, nil
	case "deleted":
		return StatusDeleted{}, nil
	case "errored":
		return StatusErrored{}, nil
	}

	if rest, ok := strings.CutPrefix(s, "errored:"); ok {
		kind, msg, _ := strings.Cut(rest, ":")
		return StatusErrored{Err: &OfflineRegionError{
			Kind:    OfflineRegionErrorKind(kind),
			Message: msg,
		}}, nil
	}

	return nil, &ValidationError{
		Field:      "status",
		Value:      s,
		Constraint: "known pack status",
		Message:    "unknown offline region status",
	}
}

// IsTerminal reports whether the backend will not move the pack any further
// without a new request.
func IsTerminal(s OfflineRegionStatus) bool {
	switch s.(type) {
	case StatusAvailable, StatusExpired, StatusErrored, StatusDeleted:
		return true
	case StatusPending, StatusDownloading, StatusIncomplete, StatusVerifying, StatusDeleting:
		return false
	default:
		return false
	}
}

// StatusFromPipeline maps a finished pipeline stage to the pack status it leaves behind.
func StatusFromPipeline(result DownloadResult) OfflineRegionStatus {
	switch result.Stage {
	case StageDone:
		return StatusAvailable{}
	case StageErrored:
		return StatusErrored{Err: NewOfflineRegionError(result.Err)}
	case StageUnpacking:
		return StatusVerifying{}
	case StageDownloading:
		return StatusDownloading{}
	case StageAborted, StageIdle, StageFetchingVersions:
		return StatusPending{}
	default:
		return StatusIncomplete{}
	}
}
