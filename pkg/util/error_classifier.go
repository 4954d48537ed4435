package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
)

// IsRetryableError determines if an error is worth a broker redelivery.
// Returns (isRetryable, errorType). Non-retryable errors should be acked or
// dead-lettered; redelivering them would fail the same way every time.
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	errStr := err.Error()

	// JSON decode errors: the payload itself is malformed.
	if _, ok := err.(*json.SyntaxError); ok {
		return false, "json_decode_error"
	}
	if _, ok := err.(*json.UnmarshalTypeError); ok {
		return false, "json_decode_error"
	}
	if strings.Contains(errStr, "json:") {
		return false, "json_decode_error"
	}

	// Database errors
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "row_not_found"
	}
	if strings.Contains(errStr, "duplicate key") || strings.Contains(errStr, "UNIQUE constraint") {
		// Unique violation means another delivery already did the work.
		return false, "duplicate_key"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "timeout") {
		return true, "db_connection_error"
	}

	// Context errors. Checked before the net.Error branch because
	// context.DeadlineExceeded satisfies net.Error and would be mislabeled
	// as a network timeout there.
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}

	// Network errors
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	// Task Service errors: a 5xx means the service is unhealthy and the call
	// can be retried; a 4xx means the request itself is wrong.
	if strings.Contains(errStr, "task service 5xx") {
		return true, "task_service_error"
	}
	if strings.Contains(errStr, "failed to call task service") {
		return true, "task_service_unavailable"
	}
	if strings.Contains(errStr, "task service error") {
		return false, "task_service_rejected"
	}

	// Push service errors: endpoint-gone is handled by the notifier itself,
	// anything else that bubbles up here is worth a redelivery.
	if strings.Contains(errStr, "failed to call push service") || strings.Contains(errStr, "push service returned") {
		return true, "push_service_error"
	}

	// Unknown errors: be conservative, do not retry.
	return false, "unknown_error"
}

// ShouldRetry checks if an error should be retried based on retry count.
func ShouldRetry(retryCount int64, maxRetries int64, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return retryCount <= maxRetries
}
