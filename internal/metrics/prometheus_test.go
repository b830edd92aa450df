package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterMetricsEndpoint(router)

	RecordLockAttempt("blocking")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pglock_lock_acquire_attempts_total")
}

func TestRecordLockAttempt(t *testing.T) {
	counter := LockAcquireAttempts.WithLabelValues("blocking")
	before := testutil.ToFloat64(counter)

	RecordLockAttempt("blocking")
	RecordLockAttempt("blocking")

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}

func TestRecordLockAcquire(t *testing.T) {
	counter := LockAcquires.WithLabelValues("nonblocking", "already_held")
	before := testutil.ToFloat64(counter)

	RecordLockAcquire("nonblocking", "already_held", 0.001)

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
	assert.Equal(t, 1, testutil.CollectAndCount(LockAcquireDuration, "pglock_lock_acquire_duration_seconds"))
}

func TestLocksHeldGauge(t *testing.T) {
	before := testutil.ToFloat64(LocksHeld)

	IncLocksHeld()
	IncLocksHeld()
	DecLocksHeld()
	assert.Equal(t, before+1, testutil.ToFloat64(LocksHeld))

	DecLocksHeld()
	assert.Equal(t, before, testutil.ToFloat64(LocksHeld))
}

func TestRecordLockReleaseAndStatus(t *testing.T) {
	released := LockReleases.WithLabelValues("not_held")
	free := LockStatusChecks.WithLabelValues("free")
	releasedBefore, freeBefore := testutil.ToFloat64(released), testutil.ToFloat64(free)

	RecordLockRelease("not_held")
	RecordLockStatusCheck("free")

	assert.Equal(t, releasedBefore+1, testutil.ToFloat64(released))
	assert.Equal(t, freeBefore+1, testutil.ToFloat64(free))
}

func TestRecordRequests(t *testing.T) {
	httpCounter := HTTPRequests.WithLabelValues(http.MethodGet, "/api/v1/locks/:key", "200")
	grpcCounter := GRPCRequests.WithLabelValues("/orders.v1.OrderService/Settle", "Aborted")
	httpBefore, grpcBefore := testutil.ToFloat64(httpCounter), testutil.ToFloat64(grpcCounter)

	RecordHTTPRequest(http.MethodGet, "/api/v1/locks/:key", "200")
	RecordHTTPRequestDuration(http.MethodGet, "/api/v1/locks/:key", 0.002)
	RecordGRPCRequest("/orders.v1.OrderService/Settle", "Aborted")
	RecordGRPCRequestDuration("/orders.v1.OrderService/Settle", 0.01)

	assert.Equal(t, httpBefore+1, testutil.ToFloat64(httpCounter))
	assert.Equal(t, grpcBefore+1, testutil.ToFloat64(grpcCounter))
}
