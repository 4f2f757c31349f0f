// Package middleware provides HTTP middleware for the RSC server.
package middleware

import (
	"net/http"
	"strconv"

	rarierrors "github.com/rari-build/rari/infrastructure/errors"
)

// errInternal wraps err as a RariError of kind Internal, for use by
// middleware that needs to turn a recovered panic or unexpected failure
// into the server's standard error shape.
func errInternal(message string, err error) *rarierrors.RariError {
	return rarierrors.Wrap(rarierrors.KindInternal, message, err)
}

// errRateLimitExceeded builds the RariError returned when a client exceeds
// the configured rate limit (spec §6's rate-limit middleware).
func errRateLimitExceeded(limit int, window string) *rarierrors.RariError {
	err := rarierrors.New(rarierrors.KindServerError, "rate limit exceeded").
		WithDetail("limit", strconv.Itoa(limit)).
		WithDetail("window", window)
	err.HTTPStatus = http.StatusTooManyRequests
	return err
}
