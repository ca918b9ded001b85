package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/cds-client/internal/cdshooks"
	"github.com/ehr/cds-client/internal/config"
	"github.com/ehr/cds-client/internal/coordinator"
	"github.com/ehr/cds-client/internal/discovery"
	"github.com/ehr/cds-client/internal/display"
	"github.com/ehr/cds-client/internal/feedback"
	"github.com/ehr/cds-client/internal/invoke"
	"github.com/ehr/cds-client/internal/platform/fhirclient"
	"github.com/ehr/cds-client/internal/platform/smart"
	"github.com/ehr/cds-client/internal/platform/stream"
	"github.com/ehr/cds-client/internal/prefetch"
	"github.com/ehr/cds-client/internal/server"
)

const version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:   "cds-agent",
		Short: "CDS Hooks client agent for the EHR front-end",
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the CDS agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Hook display policy
	hookCfg, err := display.LoadConfig(cfg.HookConfigFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.HookConfigFile).Msg("failed to load hook config")
	}
	mapper := display.NewMapper(hookCfg)

	// SMART Backend Services auth (optional)
	var tokens *smart.TokenSource
	if cfg.SMARTEnabled() {
		key, err := smart.LoadPrivateKey(cfg.SMARTPrivateKeyFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load SMART private key")
		}
		tokens = smart.NewTokenSource(cfg.SMARTTokenURL, cfg.SMARTClientID, cfg.SMARTScopes, key)
		logger.Info().Str("client_id", cfg.SMARTClientID).Msg("SMART backend services auth enabled")
	}

	// FHIR data client for prefetch execution
	fhirOpts := []fhirclient.Option{
		fhirclient.WithCache(cfg.PrefetchCacheSize, cfg.PrefetchCacheTTL()),
	}
	if tokens != nil {
		fhirOpts = append(fhirOpts, fhirclient.WithTokenProvider(func(ctx context.Context) (string, error) {
			auth, err := tokens.Token(ctx)
			if err != nil {
				return "", err
			}
			return auth.AccessToken, nil
		}))
	}
	fhir := fhirclient.New(cfg.FHIRBaseURL, logger, fhirOpts...)

	// CDS pipeline
	disc := discovery.New(cfg.CDSBaseURL, logger, discovery.WithTTL(cfg.DiscoveryTTL()))
	resolver := prefetch.New(fhir, logger)

	invokeOpts := []invoke.Option{invoke.WithTimeout(cfg.InvokeTimeout())}
	if tokens != nil {
		invokeOpts = append(invokeOpts, invoke.WithTokenProvider(tokens))
	}
	invoker := invoke.New(cfg.CDSBaseURL, cfg.FHIRBaseURL, logger, invokeOpts...)

	coord := coordinator.New(disc, invoker, mapper, logger,
		coordinator.WithPrefetch(resolver),
		coordinator.WithDedupeWindow(cfg.DedupeWindow()),
	)

	fb := feedback.New(cfg.CDSBaseURL, logger, feedback.WithCardLookup(coord.Card))

	// Alert stream: push every commit to connected front-ends.
	hub := stream.NewHub(logger)
	for _, hook := range cdshooks.KnownHooks {
		coord.Subscribe(hook, hub.Notify)
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(server.Recovery(logger))
	e.Use(server.RequestID())
	e.Use(server.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiV1 := e.Group("/api/v1")
	server.NewHandler(coord, fb, disc, logger).RegisterRoutes(apiV1)
	stream.NewHandler(hub).RegisterRoutes(e)

	// Warm the service catalog; a failure here is not fatal.
	warmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if _, err := disc.Discover(warmCtx); err != nil {
		logger.Warn().Err(err).Msg("initial service discovery failed")
	}
	cancel()

	// Serve with graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("cds-agent listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
