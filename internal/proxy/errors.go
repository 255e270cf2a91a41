// Package proxy implements the request pipeline between authenticated
// callers and the upstream provider: entitlement, quota, dispatch, and
// usage commit.
package proxy

import (
	"net/http"
	"time"
)

// Code is a stable machine-readable failure category. Codes are part of the
// API contract; renaming one breaks callers.
type Code string

const (
	// CodeUnauthenticated: the caller could not be identified.
	CodeUnauthenticated Code = "unauthenticated"
	// CodeForbidden: identified caller without the generation capability.
	CodeForbidden Code = "forbidden"
	// CodeLicenseInvalid: the account's subscription is lapsed or cancelled.
	CodeLicenseInvalid Code = "license_invalid"
	// CodeRateLimited: the period allowance is exhausted.
	CodeRateLimited Code = "rate_limited"
	// CodeValidation: the request body is malformed or incomplete.
	CodeValidation Code = "validation_error"
	// CodeConfiguration: the gateway is misconfigured (e.g. no upstream credential).
	CodeConfiguration Code = "configuration_error"
	// CodeUpstream: the provider call failed or timed out.
	CodeUpstream Code = "upstream_error"
	// CodeInvalidResponse: the provider returned 2xx in an unusable shape.
	CodeInvalidResponse Code = "invalid_response"
	// CodeInternal: a gateway-side storage or pipeline failure.
	CodeInternal Code = "internal_error"
)

// Error is a pipeline failure with a stable code. Message is caller-safe;
// internal detail stays in the logs.
type Error struct {
	Code    Code
	Message string

	// ResetAt is set for CodeRateLimited: when the allowance renews.
	ResetAt time.Time
	// Usage carries the quota numbers for rate-limit header rendering.
	Usage *UsageStats
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// HTTPStatus maps the code to its transport status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden, CodeLicenseInvalid:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUpstream, CodeInvalidResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}
