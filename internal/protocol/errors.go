package protocol

import (
	"errors"
	"fmt"
)

// NetworkError marks a call that failed before any response was received:
// DNS failure, connection refused, timeout mid-flight. Transient; the
// operation is retried on a later triggered cycle or queue drain.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err (or anything it wraps) is a transport
// failure with no server response.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// ServerError marks a call the server answered with a failure status.
// Unlike NetworkError the request did reach the server, so replaying it is
// only worth a bounded number of attempts.
type ServerError struct {
	Op     string
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.Status, e.Body)
}

// IsServerError reports whether err is a server-returned failure.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}
