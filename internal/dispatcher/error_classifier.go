package dispatcher

import (
	"context"
	"errors"
	"strings"

	"github.com/local/printcheckout/internal/apperr"
)

// isFatalError checks if a processing error will not go away on retry
func isFatalError(err error) bool {
	if err == nil {
		return false
	}

	var (
		valErr  *apperr.ValidationError
		nfErr   *apperr.NotFoundError
		pageErr *apperr.InvalidPageSelectionError
	)
	if errors.As(err, &valErr) || errors.As(err, &nfErr) || errors.As(err, &pageErr) {
		return true
	}

	// mutool rejecting the file itself
	var toolErr *apperr.ToolExecutionError
	if errors.As(err, &toolErr) {
		stderr := strings.ToLower(toolErr.Stderr)
		if strings.Contains(stderr, "no objects found") ||
			strings.Contains(stderr, "cannot recognize version marker") ||
			strings.Contains(stderr, "cannot authenticate password") {
			return true
		}
	}

	return false
}

// isTimeoutError checks if error is specifically a timeout
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var toolErr *apperr.ToolExecutionError
	if errors.As(err, &toolErr) && strings.Contains(strings.ToLower(toolErr.Reason), "timed out") {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded")
}
