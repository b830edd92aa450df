// Package middleware provides HTTP and gRPC middleware that run requests
// under advisory locks.
package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/pglock/internal/lock"
	"github.com/kneutral-org/pglock/internal/logging"
)

// KeyExtractor derives a lock key from a request. An empty key skips locking.
type KeyExtractor func(*gin.Context) string

// LockErrorResponse represents the JSON response when a request cannot get its lock.
type LockErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Key        string `json:"key"`
	StatusCode int    `json:"statusCode"`
}

// Config holds the configuration for the Serialize middleware.
type Config struct {
	// Coordinator acquires and releases the locks.
	Coordinator *lock.Coordinator
	// KeyExtractor extracts the lock key from the request.
	// If nil, ParamKey("key", "") is used.
	KeyExtractor KeyExtractor
	// Options override the coordinator's defaults for every request.
	Options []lock.AcquireOption
	// Logger for logging refused requests.
	Logger zerolog.Logger
}

// ParamKey returns a KeyExtractor that uses a route parameter, prefixed with
// prefix to namespace it.
func ParamKey(param string, prefix string) KeyExtractor {
	return func(c *gin.Context) string {
		value := c.Param(param)
		if value == "" {
			return ""
		}
		return prefix + value
	}
}

// HeaderKey returns a KeyExtractor that reads a request header.
func HeaderKey(header string) KeyExtractor {
	return func(c *gin.Context) string {
		return c.GetHeader(header)
	}
}

// Serialize returns a middleware that runs the rest of the handler chain
// under the lock named by the request's key, so that concurrent requests for
// the same key, on any instance, are processed one at a time.
//
// A request that cannot get its lock is aborted with 409 (held, non-blocking)
// or 503 (timed out or database unavailable). The lock is released after the
// handlers return, whatever they wrote.
func Serialize(cfg Config) gin.HandlerFunc {
	extract := cfg.KeyExtractor
	if extract == nil {
		extract = ParamKey("key", "")
	}

	return func(c *gin.Context) {
		key := extract(c)
		if key == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		err := cfg.Coordinator.WithLock(ctx, key, func(ctx context.Context) error {
			reqLogger := logging.LockLogger(cfg.Logger, key, cfg.Coordinator.Identifier(key))
			c.Request = c.Request.WithContext(logging.ContextWithLogger(ctx, reqLogger))
			c.Next()
			return nil
		}, cfg.Options...)

		if err != nil {
			cfg.Logger.Warn().
				Err(err).
				Str("lockKey", key).
				Str("method", c.Request.Method).
				Str("path", c.Request.URL.Path).
				Msg("request refused, lock unavailable")
			respondLockError(c, key, err)
		}
	}
}

// HTTPStatus maps an acquisition error to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, lock.ErrAlreadyHeld):
		return http.StatusConflict
	case errors.Is(err, lock.ErrAcquireTimeout), errors.Is(err, lock.ErrConnection):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondLockError(c *gin.Context, key string, err error) {
	status := HTTPStatus(err)

	code := "lockUnavailable"
	if status == http.StatusConflict {
		code = "lockHeld"
	}

	c.AbortWithStatusJSON(status, LockErrorResponse{
		Error:      code,
		Message:    err.Error(),
		Key:        key,
		StatusCode: status,
	})
}
