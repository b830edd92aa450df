// Package api provides the HTTP endpoints for inspecting advisory locks.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/pglock/internal/lock"
	"github.com/kneutral-org/pglock/internal/middleware"
)

const (
	// healthTimeout bounds the database ping behind /health.
	healthTimeout = 2 * time.Second

	// statusTimeout bounds a pg_locks lookup, which competes with lock
	// holders for pool connections.
	statusTimeout = 2 * time.Second

	// maxHold caps POST /locks/:key/hold below the server's write timeout.
	maxHold = 10 * time.Second
)

// Pinger reports whether the lock database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LockStatus is the response body for a single key.
type LockStatus struct {
	Key    string `json:"key"`
	ID     int64  `json:"id"`
	Locked bool   `json:"locked"`
}

// HoldResponse describes a completed hold.
type HoldResponse struct {
	Key    string `json:"key"`
	ID     int64  `json:"id"`
	HeldMs int64  `json:"heldMs"`
}

// HeldLocksResponse lists the keys held by this process.
type HeldLocksResponse struct {
	Keys  []string `json:"keys"`
	Count int      `json:"count"`
}

// Handler serves lock status requests.
type Handler struct {
	coord         *lock.Coordinator
	pinger        Pinger
	logger        zerolog.Logger
	statusTimeout time.Duration
}

// NewHandler creates a new status handler. pinger may be nil, in which case
// /health always reports healthy.
func NewHandler(coord *lock.Coordinator, pinger Pinger, logger zerolog.Logger) *Handler {
	return &Handler{
		coord:         coord,
		pinger:        pinger,
		logger:        logger.With().Str("component", "lock-api").Logger(),
		statusTimeout: statusTimeout,
	}
}

// RegisterHealth registers the health check on the root router.
func (h *Handler) RegisterHealth(router gin.IRoutes) {
	router.GET("/health", h.Health)
}

// RegisterRoutes registers the lock routes on the provided router group.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	locks := router.Group("/locks")
	locks.GET("", h.ListHeld)
	locks.GET("/:key", h.Status)
	locks.GET("/:key/id", h.Identifier)
	locks.POST("/:key/hold", middleware.Serialize(middleware.Config{
		Coordinator:  h.coord,
		KeyExtractor: middleware.ParamKey("key", ""),
		Options:      []lock.AcquireOption{lock.WithWait(false)},
		Logger:       h.logger,
	}), h.Hold)
}

// Health pings the database.
func (h *Handler) Health(c *gin.Context) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Status reports whether any session currently holds the key's lock.
// Status lookups fail open, so an unreachable database or a lookup that
// outlasts statusTimeout reads as unlocked.
func (h *Handler) Status(c *gin.Context) {
	key := c.Param("key")

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.statusTimeout)
	defer cancel()

	c.JSON(http.StatusOK, LockStatus{
		Key:    key,
		ID:     h.coord.Identifier(key),
		Locked: h.coord.IsLocked(ctx, key),
	})
}

// Hold keeps the key locked for the duration given by the "for" query
// parameter, capped at maxHold, so operators can pause work on a key across
// every instance. A key already held by any session is refused with 409.
func (h *Handler) Hold(c *gin.Context) {
	d := time.Second
	if raw := c.Query("for"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid duration", "for": raw})
			return
		}
		d = parsed
	}
	if d > maxHold {
		d = maxHold
	}

	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.Request.Context().Done():
	}

	key := c.Param("key")
	c.JSON(http.StatusOK, HoldResponse{
		Key:    key,
		ID:     h.coord.Identifier(key),
		HeldMs: time.Since(start).Milliseconds(),
	})
}

// Identifier returns the numeric identifier a key maps to.
func (h *Handler) Identifier(c *gin.Context) {
	key := c.Param("key")
	c.String(http.StatusOK, strconv.FormatInt(h.coord.Identifier(key), 10))
}

// ListHeld lists the keys this process currently holds.
func (h *Handler) ListHeld(c *gin.Context) {
	keys := h.coord.Held()
	c.JSON(http.StatusOK, HeldLocksResponse{Keys: keys, Count: len(keys)})
}
