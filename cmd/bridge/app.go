package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"meshbridge/internal/bus"
	"meshbridge/internal/config"
	"meshbridge/internal/constants"
	"meshbridge/internal/logger"
	"meshbridge/internal/mesh"
	"meshbridge/internal/pager"
	"meshbridge/internal/pipeline"
	"meshbridge/internal/store"
	"meshbridge/pkg/health"
	"meshbridge/pkg/metrics"
)

type App struct {
	cfg    *config.Config
	log    logger.Logger
	store  *store.Store
	bus    *bus.Connection
	pipe   *pipeline.Pipeline
	server *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		cfg: cfg,
		log: log,
	}
}

func (a *App) Initialize(ctx context.Context) error {
	key, err := mesh.PrepareKey(a.cfg.Mesh.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to prepare encryption key: %w", err)
	}

	st, err := store.Open(a.cfg.Database.File, a.log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st

	forwarder := pager.New(a.cfg.Gateway, a.log)
	var sender pager.Sender = forwarder
	if a.cfg.CircuitBreaker.Enabled {
		sender = pager.NewBreakerSender(forwarder, a.cfg.CircuitBreaker, a.log)
		a.log.Infow("Circuit breaker enabled for pager gateway")
	}

	a.bus = bus.New(a.cfg.MQTT, a.log)

	decoder := mesh.NewDecoder(a.cfg.Mesh.MaxTextLen)
	a.pipe = pipeline.New(key, decoder, a.store, sender, a.bus.Packets(), a.log)

	metrics.RegisterBridgeMetrics()
	a.initOpsServer()

	return nil
}

func (a *App) initOpsServer() {
	if a.cfg.Server.Port == 0 {
		return
	}

	mux := http.NewServeMux()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewDatabaseChecker(a.store.DB()))
	healthRegistry.Register(health.NewFuncChecker("bus", func(ctx context.Context) error {
		if s := a.bus.State(); s != bus.StateConnected {
			return fmt.Errorf("bus is %s", s)
		}
		return nil
	}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := healthRegistry.Check(r.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(h)
	})

	mux.Handle("/metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler: mux,
	}
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			a.log.Infow("Ops server starting", "port", a.cfg.Server.Port)
			if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("ops server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return a.bus.Run(gCtx)
	})

	g.Go(func() error {
		return a.pipe.Run(gCtx)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.log.Infow("Shutting down bridge")

	var errs []error

	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bus close error: %w", err))
		}
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.log.Infow("Bridge exited cleanly")
	return nil
}
