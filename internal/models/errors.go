package models

import (
	"errors"
	"fmt"
)

// InsufficientDataError reports too few records or points to estimate or
// calibrate. Callers can skip, widen the window or lower the threshold.
type InsufficientDataError struct {
	What string
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: have %d, need %d", e.What, e.Have, e.Need)
}

// DeconvolutionError reports an ill-posed deconvolution.
type DeconvolutionError struct {
	Reason string
}

func (e *DeconvolutionError) Error() string {
	return "deconvolution: " + e.Reason
}

// RemoteStoreError wraps a historical store or signal provider failure.
// Transient failures (network, rate limiting, 5xx) may be retried.
type RemoteStoreError struct {
	Op        string
	Status    int
	Transient bool
	Err       error
}

func (e *RemoteStoreError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("remote store %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("remote store %s: %v", e.Op, e.Err)
}

func (e *RemoteStoreError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable RemoteStoreError.
func IsTransient(err error) bool {
	var rse *RemoteStoreError
	return errors.As(err, &rse) && rse.Transient
}
