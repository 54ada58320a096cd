// Package errkind classifies orchestrator failures into the small set of kinds
// callers act on. Errors are wrapped with fmt.Errorf("...: %w", errkind.X) and
// inspected with errors.Is or Of.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// NotFound means the panel, sandbox, process or file does not exist.
	NotFound = errors.New("not found")
	// Rejected means a command or path failed a security check.
	Rejected = errors.New("rejected")
	// Exhausted means a finite resource (ports, container limits) ran out.
	Exhausted = errors.New("resource exhausted")
	// Upstream means the supervisor or container engine call failed.
	Upstream = errors.New("upstream failure")
	// Timeout means a bounded operation exceeded its deadline.
	Timeout = errors.New("timeout")
	// Invalid means the request itself was malformed.
	Invalid = errors.New("invalid request")
)

var kinds = []error{NotFound, Rejected, Exhausted, Upstream, Timeout, Invalid}

// Of returns the kind sentinel wrapped by err, or nil when err carries none.
// A context deadline is reported as Timeout.
func Of(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return nil
}

// HTTPStatus maps an error to the status code the API surface returns.
func HTTPStatus(err error) int {
	switch Of(err) {
	case NotFound:
		return http.StatusNotFound
	case Rejected:
		return http.StatusForbidden
	case Exhausted:
		return http.StatusServiceUnavailable
	case Upstream:
		return http.StatusBadGateway
	case Timeout:
		return http.StatusGatewayTimeout
	case Invalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Wrap attaches kind to err, keeping err's message first.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", err, kind)
}

// Errorf formats a message and attaches kind.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
