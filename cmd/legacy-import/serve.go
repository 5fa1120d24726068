package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/legacyimport/internal/config"
	"github.com/ehr/legacyimport/internal/domain/importrun"
	"github.com/ehr/legacyimport/internal/domain/legacyimport"
	"github.com/ehr/legacyimport/internal/platform/auth"
	"github.com/ehr/legacyimport/internal/platform/db"
	"github.com/ehr/legacyimport/internal/platform/middleware"
)

const requestTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the import API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	p, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start import pipeline")
	}
	defer p.Close()
	logger.Info().Msg("connected to database")

	e := newServer(cfg, p, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Runs still in flight see their request context cancelled and are
	// recorded as cancelled.
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(cfg *config.Config, p *pipeline, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(middleware.BodyLimit("1M", middleware.FormatLimit(cfg.MaxUploadBytes())))
	e.Use(middleware.RequestTimeout(requestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware(cfg.DefaultTenant))
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	if p.pool != nil {
		e.Use(unlessPublic(db.TenantMiddleware(p.pool, cfg.DefaultTenant)))
		e.GET("/health/db", db.HealthHandler(p.pool, 2*time.Second))
	} else {
		e.Use(unlessPublic(memoryTenant(cfg.DefaultTenant)))
	}
	e.Use(middleware.Audit(logger))

	e.GET("/health", db.LivenessHandler("legacy-import"))

	api := e.Group("/api/v1")
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           middleware.DefaultRateLimitConfig().IdleTTL,
	}))
	legacyimport.NewHandler(p.svc, cfg.MaxUploadBytes()).RegisterRoutes(api)
	importrun.NewHandler(p.runs).RegisterRoutes(api)

	return e
}

// memoryTenant scopes requests to the token's tenant, or defaultTenant,
// for servers running on in-memory stores.
func memoryTenant(defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, _ := c.Get("jwt_tenant_id").(string)
			if tenantID == "" {
				tenantID = defaultTenant
			}
			c.SetRequest(c.Request().WithContext(db.WithTenantID(c.Request().Context(), tenantID)))
			return next(c)
		}
	}
}

// unlessPublic bypasses mw for the health endpoints so probes never hold a
// tenant connection.
func unlessPublic(mw echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		wrapped := mw(next)
		return func(c echo.Context) error {
			if auth.IsPublicPath(c.Path()) {
				return next(c)
			}
			return wrapped(c)
		}
	}
}
