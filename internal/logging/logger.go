// Package logging provides structured logging utilities.
package logging

import (
	"context"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kneutral-org/pglock/internal/metrics"
)

// RequestIDHeader carries a caller-supplied request id into log lines.
const RequestIDHeader = "X-Request-ID"

// New creates a logger writing to w at the named level. Unknown level names
// fall back to info.
func New(w io.Writer, serviceName, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", serviceName).Logger()
}

// NewLogger creates a JSON logger on stdout.
func NewLogger(serviceName, level string) zerolog.Logger {
	return New(os.Stdout, serviceName, level)
}

// NewPrettyLogger creates a console logger on stderr, for development and the CLI.
func NewPrettyLogger(serviceName, level string) zerolog.Logger {
	return New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}, serviceName, level)
}

// RequestLogger returns a Gin middleware that logs each request once it has
// been handled and records the HTTP request metrics. Handlers find a logger
// tagged with the request id in the request context.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqLogger := logger
		if id := c.GetHeader(RequestIDHeader); id != "" {
			reqLogger = logger.With().Str("requestId", id).Logger()
		}
		c.Request = c.Request.WithContext(ContextWithLogger(c.Request.Context(), reqLogger))

		c.Next()

		latency := time.Since(start)
		code := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(code))
		metrics.RecordHTTPRequestDuration(c.Request.Method, route, latency.Seconds())

		event := reqLogger.WithLevel(httpLevel(code)).
			Str("type", "http_request").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("route", route).
			Int("status", code).
			Str("clientIp", c.ClientIP()).
			Dur("latency", latency)
		if len(c.Errors) > 0 {
			event = event.Str("error", c.Errors.String())
		}
		event.Msg("HTTP request")
	}
}

// GRPCLogger returns a gRPC unary server interceptor that logs each call and
// records the gRPC request metrics.
func GRPCLogger(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		latency := time.Since(start)

		code := status.Code(err)
		metrics.RecordGRPCRequest(info.FullMethod, code.String())
		metrics.RecordGRPCRequestDuration(info.FullMethod, latency.Seconds())

		logger.WithLevel(grpcLevel(code)).
			Err(err).
			Str("type", "grpc_request").
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("latency", latency).
			Msg("gRPC request")
		return resp, err
	}
}

// httpLevel picks the log level for a response status.
func httpLevel(code int) zerolog.Level {
	switch {
	case code >= 500:
		return zerolog.ErrorLevel
	case code >= 400:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// grpcLevel picks the log level for a call result. Lock contention codes are
// expected under load and logged as warnings.
func grpcLevel(code codes.Code) zerolog.Level {
	switch code {
	case codes.OK:
		return zerolog.InfoLevel
	case codes.Aborted, codes.DeadlineExceeded, codes.Unavailable, codes.Canceled:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// LoggerFromContext extracts the logger from context. Without one it returns
// a disabled logger.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	return *zerolog.Ctx(ctx)
}

// LockLogger creates a logger for operations on one lock key.
func LockLogger(logger zerolog.Logger, key string, id int64) zerolog.Logger {
	return logger.With().Str("lockKey", key).Int64("lockId", id).Logger()
}
