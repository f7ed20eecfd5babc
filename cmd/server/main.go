package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swipe-companion/backend/internal/api"
	"swipe-companion/backend/internal/grpcserver"
	"swipe-companion/backend/pkg/config"
	"swipe-companion/backend/pkg/di"
	"swipe-companion/backend/pkg/logger"
	"swipe-companion/backend/pkg/middleware"

	"golang.org/x/time/rate"
)

func main() {
	cfg := config.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := di.New(ctx, cfg)
	if err != nil {
		logger.New(logger.DefaultConfig()).LogError(err, "Failed to initialize dependency container")
		os.Exit(1)
	}
	log := container.Logger
	log.Info("Starting application", "version", os.Getenv("APP_VERSION"), "env", cfg.Server.Env)

	router, err := api.NewRouter(api.Deps{
		Sessions:  container.Sessions,
		Tokens:    container.JWTService,
		Logger:    log,
		Health:    container.Health.Handler(),
		Metrics:   container.MetricsProvider.Handler(),
		WebSocket: container.Hub.ServeWs,
	}, api.Options{
		Production:     cfg.Server.Env == "production",
		AllowedOrigins: cfg.Security.AllowedOrigins,
		MaxBodySize:    cfg.Security.MaxBodySize,
		RateLimit: &middleware.RateLimiterOptions{
			Limit:          rate.Limit(cfg.Security.RateLimit),
			Burst:          cfg.Security.RateLimitBurst,
			ExpiryDuration: time.Hour,
		},
	})
	if err != nil {
		log.LogError(err, "Failed to build router")
		os.Exit(1)
	}

	go container.Hub.Run(ctx)
	go router.RateLimiter.Run(ctx)
	container.Health.Start(ctx)

	grpcServer := grpcserver.New(container.Health, log)
	go func() {
		if err := grpcServer.ListenAndServe(":" + cfg.Server.GRPCPort); err != nil {
			log.LogError(err, "gRPC server stopped")
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.LogError(err, "Server failed to start")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.LogError(err, "Server forced to shutdown")
	}
	grpcServer.GracefulStop()

	// flushes pending remote writes of every user
	if err := container.Close(shutdownCtx); err != nil {
		log.LogError(err, "Shutdown left work behind")
	}

	log.Info("Server exited gracefully")
}
