package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ValidationError represents malformed or missing caller input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Invalid is shorthand for a ValidationError on a named field.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ToolExecutionError is returned when the external rasterizer fails,
// times out, or prints output we cannot parse.
type ToolExecutionError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
	Reason   string
	Err      error
}

func (e *ToolExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Tool, strings.Join(e.Args, " "))
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// NotFoundError means a referenced document, product or variant is missing
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// InvalidPageSelectionError is returned when the requested colored pages
// do not fit the document.
type InvalidPageSelectionError struct {
	PageCount int
	Requested int
	Message   string
}

func (e *InvalidPageSelectionError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "colored pages exceed page count"
	}
	return fmt.Sprintf("invalid page selection: %s (pages=%d, colored=%d)", msg, e.PageCount, e.Requested)
}

// DownstreamMutationError means the commerce API answered but the checkout
// mutation did not return the expected success shape.
type DownstreamMutationError struct {
	Operation string
	Messages  []string
}

func (e *DownstreamMutationError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("%s: unexpected response", e.Operation)
	}
	return fmt.Sprintf("%s: %s", e.Operation, strings.Join(e.Messages, "; "))
}

// HTTPStatus maps an error from any layer to the status code the HTTP
// surface reports.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		nf *NotFoundError
		ip *InvalidPageSelectionError
		dm *DownstreamMutationError
		te *ToolExecutionError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve), errors.As(err, &ip):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &dm):
		return http.StatusBadGateway
	case errors.As(err, &te):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Label is the short status word used in JSON error envelopes.
func Label(err error) string {
	switch HTTPStatus(err) {
	case http.StatusBadRequest:
		return "Validation Error"
	case http.StatusNotFound:
		return "Not Found"
	case http.StatusBadGateway:
		return "Downstream Error"
	default:
		return "Internal Error"
	}
}
