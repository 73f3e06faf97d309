package fetcher

import (
	"errors"
	"fmt"
)

// RemoteDataError is a transport failure or a non-2xx response from the upstream API.
type RemoteDataError struct {
	Op         string
	EntityID   string
	StatusCode int
	Cause      error
}

func (e *RemoteDataError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote data %s %s: HTTP %d: %v", e.Op, e.EntityID, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("remote data %s %s: %v", e.Op, e.EntityID, e.Cause)
}

func (e *RemoteDataError) Unwrap() error { return e.Cause }

// Retriable reports whether the next refresh cycle has a reasonable chance of succeeding.
func (e *RemoteDataError) Retriable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// NormalizationError is a well-formed HTTP exchange whose body does not fit the canonical shape.
type NormalizationError struct {
	Op       string
	EntityID string
	Field    string
	Cause    error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s %s: field %s: %v", e.Op, e.EntityID, e.Field, e.Cause)
}

func (e *NormalizationError) Unwrap() error { return e.Cause }

var (
	errMissing   = errors.New("missing")
	errBadNumber = errors.New("not a finite non-negative number")
)

// IsFetchFailure reports whether err came out of the client, as opposed to a caller bug.
func IsFetchFailure(err error) bool {
	var remote *RemoteDataError
	var norm *NormalizationError
	return errors.As(err, &remote) || errors.As(err, &norm)
}
