package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/webconsole/appservice/internal/bus"
	"github.com/webconsole/appservice/internal/config"
	"github.com/webconsole/appservice/internal/handlers"
	"github.com/webconsole/appservice/internal/identity"
	"github.com/webconsole/appservice/internal/logger"
	"github.com/webconsole/appservice/internal/middleware"
	"github.com/webconsole/appservice/internal/provisioner"
	"github.com/webconsole/appservice/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Initialize("info", false)
		logger.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()
	log.Info().Msg("Starting webconsole appservice...")

	// Detect the container backend. No backend is a startup failure; we
	// cannot provision sessions without one.
	backend, err := provisioner.Detect(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("container backend detection failed")
	}
	log.Info().Str("backend", backend.Name()).Msg("container backend detected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The bus is mandatory at startup: a replica that cannot join the
	// fleet must not serve stale state.
	busConn, err := bus.Connect(ctx, cfg.RedisAddr())
	if err != nil {
		log.Fatal().Err(err).Msg("bus unreachable")
	}
	defer busConn.Close()

	// Registry run loop owns the session table.
	reg := registry.New(busConn)
	go reg.Run()
	defer reg.Stop()

	// Subscribe before reconciling so no broadcast is lost in between.
	if err := busConn.Subscribe(ctx); err != nil {
		log.Fatal().Err(err).Msg("bus subscription failed")
	}
	table := busConn.LoadTable(ctx)
	reg.ReplaceTable(table)
	log.Info().Int("sessions", len(table)).Msg("session table reconciled from store")

	go busConn.Watch(ctx, reg)

	evictor, err := registry.StartEvictor(reg, cfg.EvictSchedule, cfg.EvictAfter)
	if err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.EvictSchedule).Msg("invalid evictor schedule")
	}
	defer evictor.Stop()

	prov := provisioner.New(backend, reg, cfg)

	router := buildRouter(cfg, reg, prov)

	// The header-fix shim wraps the whole router so the gateway's mangled
	// Connection headers are repaired before upgrade negotiation.
	var handler http.Handler = router
	if cfg.ConnectionHeaderFix {
		handler = middleware.ConnectionHeaderFix(handler)
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server forced to shut down")
	}
}

// buildRouter assembles the gin engine: ambient middleware, identity
// decoding, and the three route surfaces.
func buildRouter(cfg *config.Config, reg *registry.Registry, prov *provisioner.Provisioner) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true

	router.Use(middleware.RequestID())
	router.Use(gin.Recovery())
	router.Use(middleware.StructuredLogger(middleware.DefaultStructuredLoggerConfig()))
	router.Use(identity.Decoder(cfg))

	controlHandler := handlers.NewControlHandler(reg, prov, gatewayHost(cfg))
	proxyHandler := handlers.NewProxyHandler(reg)

	control := router.Group(config.RouteControl)
	controlHandler.RegisterRoutes(control)

	browser := router.Group(config.RouteBrowser, identity.RequireScopes(identity.ScopeAuthenticated))
	host := router.Group(config.RouteHost, identity.RequireScopes(identity.ScopeAuthenticated))
	proxyHandler.RegisterRoutes(browser, host)

	return router
}

// gatewayHost extracts the public host sessions are reached through.
func gatewayHost(cfg *config.Config) string {
	u, err := url.Parse(cfg.APIURL)
	if err != nil || u.Host == "" {
		return "localhost"
	}
	return u.Host
}
