package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/bus"
	"github.com/loqalabs/loqa-readaloud/internal/capability"
	"github.com/loqalabs/loqa-readaloud/internal/config"
	"github.com/loqalabs/loqa-readaloud/internal/natsserver"
	"github.com/loqalabs/loqa-readaloud/internal/pipeline"
	"github.com/loqalabs/loqa-readaloud/internal/service"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	app           *App
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	embedded      *natsserver.EmbeddedServer
	bus           *bus.Client
	service       *service.Service
	registry      *capability.Registry
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	var observers []pipeline.Observer
	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			r.shutdown()
			return err
		}
		observers = append(observers, service.NewEventPublisher(r.bus, r.cfg.Node.ID, r.logger))
	}

	app, err := Build(ctx, r.cfg, r.logger, observers...)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("failed to build conversion stack: %w", err)
	}
	r.app = app

	if r.bus != nil {
		runTimeout := time.Duration(r.cfg.Pipeline.RunTimeoutMS) * time.Millisecond
		r.service = service.NewService(ctx, r.cfg.Bus, r.bus, app.Converter, runTimeout, r.logger)
		if err := r.service.Start(); err != nil {
			r.shutdown()
			return err
		}
		registry, err := capability.NewRegistry(ctx, r.cfg.Node, capability.FromConfig(r.cfg), r.bus, r.logger)
		if err != nil {
			r.shutdown()
			return fmt.Errorf("failed to start capability registry: %w", err)
		}
		r.registry = registry
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	if r.cfg.HTTP.Enabled {
		(&api{converter: app.Converter, runs: app.Runs, logger: r.logger.With(slog.String("component", "api"))}).register(mux)
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, fmt.Sprint(r.cfg.HTTP.Port))
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "readaloud.http"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.prunePeriodically(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.Bool("bus", r.bus != nil))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) prunePeriodically(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.app.Runs.Prune(ctx); err != nil {
				r.logger.Warn("run log prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// shutdown stops whatever Start managed to bring up, in reverse order.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.registry != nil {
		r.registry.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	if r.app != nil {
		if err := r.app.Close(); err != nil {
			r.logger.Error("conversion stack shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.service == nil || r.service.Healthy()) && (r.registry == nil || r.registry.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
