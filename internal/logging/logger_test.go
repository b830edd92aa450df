package logging

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"disabled", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, New(&bytes.Buffer{}, "pglock", tt.level).GetLevel())
		})
	}
}

func TestNew_ServiceField(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "pglock", "info")
	logger.Info().Msg("up")

	assert.Contains(t, buf.String(), `"service":"pglock"`)
	assert.Contains(t, buf.String(), `"time":`)
}

func TestNewPrettyLogger(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, NewPrettyLogger("pglock", "debug").GetLevel())
	assert.Equal(t, zerolog.ErrorLevel, NewLogger("pglock", "error").GetLevel())
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := ContextWithLogger(context.Background(), zerolog.New(&buf))

	logger := LoggerFromContext(ctx)
	logger.Info().Msg("from context")

	assert.Contains(t, buf.String(), "from context")
}

func TestLockLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := LockLogger(zerolog.New(&buf), "order:123", 42)
	logger.Info().Msg("acquired")

	assert.Contains(t, buf.String(), `"lockKey":"order:123"`)
	assert.Contains(t, buf.String(), `"lockId":42`)
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		statusCode int
		level      string
	}{
		{"success", http.StatusOK, `"level":"info"`},
		{"conflict", http.StatusConflict, `"level":"warn"`},
		{"unavailable", http.StatusServiceUnavailable, `"level":"error"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			router := gin.New()
			router.Use(RequestLogger(zerolog.New(&buf)))
			router.GET("/locks/:key", func(c *gin.Context) {
				logger := LoggerFromContext(c.Request.Context())
				logger.Debug().Msg("handling")
				c.Status(tt.statusCode)
			})

			req := httptest.NewRequest(http.MethodGet, "/locks/a", nil)
			req.Header.Set(RequestIDHeader, "req-1")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.statusCode, rec.Code)
			output := buf.String()
			assert.Contains(t, output, "handling")
			assert.Contains(t, output, `"route":"/locks/:key"`)
			assert.Contains(t, output, `"path":"/locks/a"`)
			assert.Contains(t, output, `"requestId":"req-1"`)
			assert.Contains(t, output, tt.level)
		})
	}
}

func TestGRPCLogger(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/orders.v1.OrderService/Settle"}

	tests := []struct {
		name  string
		err   error
		code  string
		level string
	}{
		{"ok", nil, `"code":"OK"`, `"level":"info"`},
		{"contention", status.Error(codes.Aborted, "busy"), `"code":"Aborted"`, `"level":"warn"`},
		{"plain error", errors.New("plain"), `"code":"Unknown"`, `"level":"error"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			interceptor := GRPCLogger(zerolog.New(&buf))

			resp, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
				if tt.err != nil {
					return nil, tt.err
				}
				return "resp", nil
			})

			if tt.err == nil {
				require.NoError(t, err)
				assert.Equal(t, "resp", resp)
			} else {
				assert.Equal(t, tt.err, err)
			}
			assert.Contains(t, buf.String(), tt.code)
			assert.Contains(t, buf.String(), tt.level)
		})
	}
}
