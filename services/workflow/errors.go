package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownNodeType is recorded for a node whose type has no registered executor.
	ErrUnknownNodeType = errors.New("no executor registered for node type")
	// ErrMissingInput is returned when a required input is absent or empty.
	ErrMissingInput = errors.New("missing required input")
	// ErrInvalidConfig is returned when a node's configuration cannot be decoded or fails validation.
	ErrInvalidConfig = errors.New("invalid node configuration")
	// ErrNotConfigured is returned when an executor's collaborator was not provided at start-up.
	ErrNotConfigured = errors.New("executor dependency not configured")
)

// HTTPError is returned by the http executor for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http request failed with status %d: %s", e.StatusCode, e.Message)
}

func missingInput(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingInput, name)
}

// fail records err on the node's "error" port before returning it, so the
// failure is visible in the node's outputs.
func fail(ec *ExecutionContext, nodeID string, err error) error {
	ec.SetOutput(nodeID, "error", err.Error())
	return err
}
