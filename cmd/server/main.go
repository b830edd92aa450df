// Package main provides the entry point for the pglock server.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kneutral-org/pglock/internal/api"
	"github.com/kneutral-org/pglock/internal/config"
	"github.com/kneutral-org/pglock/internal/lock"
	"github.com/kneutral-org/pglock/internal/logging"
	"github.com/kneutral-org/pglock/internal/metrics"
	"github.com/kneutral-org/pglock/internal/middleware"
)

const (
	serviceName = "pglock"

	// lockKeyMetadata names the gRPC metadata entry that selects a call's lock.
	lockKeyMetadata = "x-lock-key"
)

func main() {
	cfg := config.Load()

	// Setup logger
	logger := logging.NewLogger(serviceName, cfg.LogLevel)
	if cfg.LogPretty {
		logger = logging.NewPrettyLogger(serviceName, cfg.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if cfg.TraceStdout {
		shutdown, err := setupTracing()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to set up tracing")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	// Connect to PostgreSQL
	pool, err := newPool(context.Background(), cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	provider := lock.NewPostgresProvider(pool)
	coord := lock.NewCoordinator(provider, logger, cfg.CoordinatorOptions()...)

	// Setup Gin router
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(logger))

	handler := api.NewHandler(coord, provider, logger)
	handler.RegisterHealth(router)
	metrics.RegisterMetricsEndpoint(router)
	handler.RegisterRoutes(router.Group("/api/v1"))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCPort != "" {
		grpcServer = newGRPCServer(coord, logger)
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			logger.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("failed to listen for gRPC")
		}
		go func() {
			logger.Info().Str("port", cfg.GRPCPort).Msg("starting gRPC server")
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error().Err(err).Msg("gRPC server stopped")
			}
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := coord.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to release held locks")
	}

	logger.Info().Msg("server exited properly")
}

// newPool opens the connection pool. Each held lock pins one connection.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = cfg.DatabaseMaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// newGRPCServer builds a gRPC server that serializes calls carrying an
// x-lock-key metadata entry. opts override the coordinator defaults for
// those calls.
func newGRPCServer(coord *lock.Coordinator, logger zerolog.Logger, opts ...lock.AcquireOption) *grpc.Server {
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.GRPCLogger(logger),
			middleware.UnarySerialize(coord, middleware.MetadataKey(lockKeyMetadata), logger, opts...),
		),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	return server
}

// setupTracing installs a stdout span exporter as the global tracer provider.
func setupTracing() (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
