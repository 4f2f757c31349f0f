// Package main provides the RARI RSC execution core's HTTP entry point.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rcache "github.com/rari-build/rari/infrastructure/cache"
	"github.com/rari-build/rari/infrastructure/logging"
	slmetrics "github.com/rari-build/rari/infrastructure/metrics"
	slmiddleware "github.com/rari-build/rari/infrastructure/middleware"
	"github.com/rari-build/rari/internal/config"
	"github.com/rari-build/rari/internal/rsc/engine"
	"github.com/rari-build/rari/internal/rsc/reload"
	"github.com/rari-build/rari/internal/rsc/registry"
	"github.com/rari-build/rari/internal/rsc/routes"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New("rari", cfg.Logging.Level, cfg.Logging.Format)

	eng, err := engine.New(cfg.ScriptTimeout(), logger)
	if err != nil {
		log.Fatalf("Failed to initialize JS engine: %v", err)
	}

	reg := registry.New()

	respCache := rcache.NewResponseCache(rcache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		DefaultTTL: cfg.CacheDefaultTTL(),
		Enabled:    cfg.Cache.Enabled,
	})

	var metricsCollector *slmetrics.Metrics
	if slmetrics.Enabled() {
		metricsCollector = slmetrics.Init("rari")
	}

	projectRoot, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to resolve working directory: %v", err)
	}

	ctx := context.Background()
	bootstrapComponents(ctx, cfg, eng, reg, projectRoot, logger)

	coordinator := reload.NewCoordinator(reg, eng, projectRoot)

	var stopWatch func()
	if !cfg.Reload.Disabled {
		watchCtx, cancel := context.WithCancel(ctx)
		w := newWatcher(coordinator, logger, cfg.Paths.DistDir)
		go func() {
			if err := w.run(watchCtx); err != nil {
				logger.Warn(watchCtx, "file watcher stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
		stopWatch = cancel
	}

	router := mux.NewRouter()
	router.Use(slmiddleware.LoggingMiddleware(logger))
	router.Use(slmiddleware.NewRecoveryMiddleware(logger).Handler)
	router.Use(requestCounterMiddleware)
	if metricsCollector != nil {
		router.Use(slmiddleware.MetricsMiddleware("rari", metricsCollector))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	router.Use(slmiddleware.NewSecurityHeadersMiddleware(slmiddleware.DefaultSecurityHeaders()).Handler)
	router.Use(corsMiddleware(cfg).Handler)
	router.Use(slmiddleware.NewBodyLimitMiddleware(0).Handler)
	router.Use(slmiddleware.NewTimeoutMiddleware(cfg.ScriptTimeout() + 5*time.Second).Handler)

	ready := true
	router.Handle("/livez", slmiddleware.LivenessHandler()).Methods(http.MethodGet)
	router.Handle("/readyz", slmiddleware.ReadinessHandler(&ready)).Methods(http.MethodGet)

	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter := slmiddleware.NewRateLimiter(int(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst, logger)
		stop := limiter.StartCleanup(5 * time.Minute)
		defer stop()
		router.Use(limiter.Handler)
	}

	srv := newServer(cfg, eng, reg, respCache, logger, metricsCollector)
	registerRSCRoutes(router, srv)

	manifestPath := filepath.Join(projectRoot, cfg.Paths.DistDir, "server", "api-manifest.json")
	apiManifest, err := routes.LoadManifestFromFile(manifestPath)
	if err != nil {
		logger.Warn(ctx, "no API route manifest loaded", map[string]interface{}{"error": err.Error()})
	}
	routeTable := routes.NewTable(apiManifest, cfg.IsDevelopment())
	routes.RegisterRoutes(router, routeTable, eng)

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	shutdown := slmiddleware.NewGracefulShutdown(httpServer, 30*time.Second)
	if stopWatch != nil {
		shutdown.OnShutdown(stopWatch)
	}

	go func() {
		log.Printf("rari-server listening on %s (mode=%s)", addr, cfg.Mode)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	shutdown.Shutdown()
}

// registerRSCRoutes wires spec §6's /api/rsc/* and /rsc/render/:component_id
// endpoints. /_rari/csrf-token is an external collaborator per spec §6 and
// is intentionally not registered here.
func registerRSCRoutes(router *mux.Router, s *server) {
	api := router.PathPrefix("/api/rsc").Subrouter()
	api.HandleFunc("/render", s.handleRender).Methods(http.MethodPost)
	api.HandleFunc("/stream", s.handleStream).Methods(http.MethodPost)
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/register-client", s.handleRegisterClient).Methods(http.MethodPost)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	router.HandleFunc("/rsc/render/{component_id}", s.handleRenderByID).Methods(http.MethodGet)
}

// corsMiddleware allows the Vite dev client (served from a different origin
// during development) to call the RSC endpoints directly.
func corsMiddleware(cfg *config.Config) *slmiddleware.CORSMiddleware {
	origins := []string{}
	if cfg.Server.Origin != "" {
		origins = append(origins, cfg.Server.Origin)
	}
	if cfg.Server.ViteHost != "" {
		scheme := "http"
		origins = append(origins, fmt.Sprintf("%s://%s:%d", scheme, cfg.Server.ViteHost, cfg.Server.VitePort))
	}
	if cfg.IsDevelopment() && len(origins) == 0 {
		origins = []string{"*"}
	}
	return slmiddleware.NewCORSMiddleware(&slmiddleware.CORSConfig{
		AllowedOrigins:   origins,
		AllowCredentials: true,
	})
}
