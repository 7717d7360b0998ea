// Command ralph is the coding-session orchestrator: it drives an external
// coding agent through a staged pipeline per feature, one active session per
// project, with a REST API and a WebSocket event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/clrke/ralph-web/internal/adapter/agentcli"
	"github.com/clrke/ralph-web/internal/adapter/fsstore"
	httpapi "github.com/clrke/ralph-web/internal/adapter/http"
	otelmetrics "github.com/clrke/ralph-web/internal/adapter/otel"
	"github.com/clrke/ralph-web/internal/adapter/ws"
	"github.com/clrke/ralph-web/internal/bus"
	"github.com/clrke/ralph-web/internal/config"
	"github.com/clrke/ralph-web/internal/logger"
	"github.com/clrke/ralph-web/internal/resilience"
	"github.com/clrke/ralph-web/internal/service"
)

func main() {
	configFile := flag.String("config", config.DefaultConfigFile, "path to the YAML config file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintln(os.Stderr, "ralph:", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.LoadFrom(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()

	store, err := fsstore.New(cfg.Store.Root, fsstore.Options{
		LogMaxBytes:  int64(cfg.Store.LogMaxSizeMB) << 20,
		LogMaxFiles:  cfg.Store.LogMaxFiles,
		LogRetention: cfg.Store.LogRetention,
		CacheMaxCost: int64(cfg.Store.CacheMaxSizeMB) << 20,
		CacheTTL:     cfg.Store.CacheSessionTTL,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	metrics, err := otelmetrics.New()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	events := bus.New(cfg.Bus.SubscriberBuffer)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	runner := agentcli.NewRunner(cfg.Agent.Cmd, cfg.Agent.Model, cfg.Agent.KillGrace, log)
	post := service.NewPostProcessor(runner, store, breaker, metrics, cfg.Agent.CheapModel, cfg.Timeouts.PostProcess, log)

	mgr := service.NewManager(store, runner, post, events, service.EngineConfig{
		DiscoveryTimeout:  cfg.Timeouts.Discovery,
		PlanningTimeout:   cfg.Timeouts.PlanReview,
		StepTimeout:       cfg.Timeouts.Step,
		PRCreationTimeout: cfg.Timeouts.PRCreation,
		PRReviewTimeout:   cfg.Timeouts.PRReview,
		ReplanLimit:       cfg.Limits.ReplanMax,
		PRCreationLimit:   cfg.Limits.PRCreationMax,
		AllowedTools:      cfg.Agent.AllowedTools,
		RetryMinIdle:      cfg.Retry.MinIdle,
		RetryCooldown:     cfg.Retry.Cooldown,
		Metrics:           metrics,
	}, log)

	rehydrateCtx, cancelRehydrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = mgr.Rehydrate(rehydrateCtx)
	cancelRehydrate()
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}

	hub := ws.NewHub(events, log)
	handlers := httpapi.NewHandlers(store, mgr)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(httpapi.CORS(cfg.Server.CORSOrigin))
	r.Use(httpapi.Logger)
	httpapi.MountRoutes(r, handlers, hub.HandleWS)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", srv.Addr, "store", store.Root())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	hub.Close()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Error("manager shutdown incomplete", "error", err)
	}
	log.Info("shutdown complete")
	return nil
}
