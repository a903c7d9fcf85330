package incident

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no incident has the given id
	ErrNotFound = errors.New("incident: not found")
	// ErrTooManyConflicts is returned when an update keeps losing CAS races
	ErrTooManyConflicts = errors.New("incident: too many version conflicts")
	// ErrInvalidInput is returned for malformed manual requests
	ErrInvalidInput = errors.New("incident: invalid input")
)

// DuplicateClusterError reports that a cluster overlapped an active
// incident and was merged into it instead of creating a new one.
type DuplicateClusterError struct {
	ClusterID  string
	IncidentID string
}

func (e *DuplicateClusterError) Error() string {
	return fmt.Sprintf("cluster %s overlaps incident %s (merged)", e.ClusterID, e.IncidentID)
}

// InvalidTransitionError reports a rejected mutation, typically a stale or
// duplicate transfer outcome.
type InvalidTransitionError struct {
	IncidentID string
	Status     Status
	Stage      Stage
	Reason     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for incident %s (status=%s stage=%s): %s",
		e.IncidentID, e.Status, e.Stage, e.Reason)
}

// TransferTimeoutError reports a stage worker that did not answer in time.
type TransferTimeoutError struct {
	TransferID string
	Stage      Stage
	Timeout    time.Duration
}

func (e *TransferTimeoutError) Error() string {
	return fmt.Sprintf("transfer %s to %s timed out after %s", e.TransferID, e.Stage, e.Timeout)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}

// IsDuplicateCluster reports whether err is a DuplicateClusterError.
func IsDuplicateCluster(err error) bool {
	var target *DuplicateClusterError
	return errors.As(err, &target)
}
