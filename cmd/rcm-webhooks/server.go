package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/foresight/rcm/internal/config"
	domain "github.com/foresight/rcm/internal/domain/webhook"
	"github.com/foresight/rcm/internal/platform/auth"
	"github.com/foresight/rcm/internal/platform/db"
	"github.com/foresight/rcm/internal/platform/middleware"
	"github.com/foresight/rcm/internal/platform/telemetry"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	sharedRateLimit = 1000
	maxBodySize     = "1M"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// serverDeps are the collaborators of the HTTP surface.
type serverDeps struct {
	cfg       *config.Config
	logger    zerolog.Logger
	telemetry *telemetry.TelemetryProvider
	db        db.Pinger
	webhooks  *domain.Handler
	// counter enables the cross-instance rate limit when set.
	counter middleware.RedisCounter
}

func newServer(d serverDeps) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))
	e.Use(middleware.SecurityHeaders(d.cfg.IsProduction()))
	e.Use(d.telemetry.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: d.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, middleware.RequestIDHeader},
	}))
	e.Use(middleware.RequestTimeout(requestTimeout))

	if d.cfg.DevAuth() {
		d.logger.Warn().Msg("development auth enabled; all requests run as admin")
		e.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:  d.cfg.AuthIssuer,
			Skipper: auth.AuthSkipper,
		}
		if d.cfg.AuthPublicKey != "" {
			key, err := auth.ParsePublicKey(d.cfg.AuthPublicKey)
			if err != nil {
				return nil, err
			}
			jwtCfg.PublicKey = key
		} else {
			jwtCfg.SigningKey = []byte(d.cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.db != nil {
		e.GET("/health/db", db.HealthHandler(d.db))
	}
	e.GET("/metrics", d.telemetry.PrometheusHandler())

	apiV1 := e.Group("/api/v1")
	apiV1.Use(echomw.BodyLimit(maxBodySize))
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: d.cfg.RateLimitRPS,
		BurstSize:         d.cfg.RateLimitBurst,
	}))
	if d.counter != nil {
		apiV1.Use(middleware.SharedRateLimit(d.counter, sharedRateLimit, time.Minute, d.logger))
	}
	d.webhooks.RegisterRoutes(apiV1)

	return e, nil
}

func runServer() error {
	cfg, logger, err := loadConfig(true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	deps := serverDeps{
		cfg:       cfg,
		logger:    logger,
		telemetry: a.telemetry,
		db:        a.pool,
		webhooks:  domain.NewHandler(a.webhookService()),
	}
	if a.redis != nil {
		deps.counter = a.redis
	}
	e, err := newServer(deps)
	if err != nil {
		return err
	}

	go a.recordPoolStats(ctx, 15*time.Second)

	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
