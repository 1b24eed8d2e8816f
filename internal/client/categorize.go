package client

import (
	"context"
	"errors"
	"net"

	"github.com/surfwatch/crowd-forecast-service/internal/circuitbreaker"
)

// ErrorCategory is a stable metric label for upstream failures.
type ErrorCategory string

const (
	ErrorCategoryTimeout     ErrorCategory = "timeout"
	ErrorCategoryNetwork     ErrorCategory = "network"
	ErrorCategoryBadRequest  ErrorCategory = "bad_request"
	ErrorCategoryRateLimited ErrorCategory = "rate_limited"
	ErrorCategoryUpstream5xx ErrorCategory = "upstream_5xx"
	ErrorCategoryParsing     ErrorCategory = "parsing"
	ErrorCategoryCircuitOpen ErrorCategory = "circuit_open"
	ErrorCategoryUnknown     ErrorCategory = "unknown"
)

// CategorizeError maps an error to an ErrorCategory. Sentinels are checked before
// transport errors since both may appear in one chain.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrUpstreamUnavailable):
		return ErrorCategoryUpstream5xx
	case errors.Is(err, ErrBadRequest):
		return ErrorCategoryBadRequest
	case errors.Is(err, ErrMalformedResponse):
		return ErrorCategoryParsing
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryNetwork
	}
	return ErrorCategoryUnknown
}
