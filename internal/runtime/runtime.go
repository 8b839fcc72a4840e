package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/chunkstore"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/httpapi"
	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/synthesis"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	narration *narration.Service
	ready     atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up the store, bus, generation service and HTTP surfaces and
// blocks until ctx is cancelled or a server fails.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()
	if r.setupSentry() {
		defer sentry.Flush(2 * time.Second)
	}

	store, err := chunkstore.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open chunk store: %w", err)
	}
	defer store.Close()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	provider, err := synthesis.NewProvider(r.cfg.Synthesis)
	if err != nil {
		return fmt.Errorf("failed to build synthesis provider: %w", err)
	}
	validator := synthesis.Validator{Voices: r.cfg.Synthesis.Voices, MaxChars: r.cfg.Pipeline.MaxChapterChars}
	streamer := synthesis.NewStreamer(provider, r.cfg.Synthesis.MaxChunkChars, validator, r.logger)

	var source synthesis.EventSource = streamer
	if r.cfg.Synthesis.StreamURL != "" {
		source = synthesis.NewClient(r.cfg.Synthesis.StreamURL, nil)
		r.logger.Info("using remote synthesis stream", slog.String("url", r.cfg.Synthesis.StreamURL))
	}

	gen := pipeline.New(store, source, validator, r.logger)
	r.narration = narration.NewService(ctx, r.cfg, busClient, gen, store, r.logger)
	if err := r.narration.Start(); err != nil {
		return fmt.Errorf("failed to start narration service: %w", err)
	}
	defer r.narration.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	httpapi.New(store, busClient.Conn(), synthesis.NewHandler(streamer, r.logger), r.cfg.Synthesis.DefaultVoice, r.logger).Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if metricHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		servers = append(servers, &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
			}
		}
		return nil
	})
	if r.cfg.Store.AbandonAfterMinutes > 0 {
		g.Go(func() error {
			r.pruneLoop(gctx, store, time.Duration(r.cfg.Store.AbandonAfterMinutes)*time.Minute)
			return nil
		})
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("metrics", r.cfg.Telemetry.PrometheusBind),
		slog.String("synthesis_provider", r.cfg.Synthesis.Provider))

	return g.Wait()
}

func (r *Runtime) setupSentry() bool {
	if r.cfg.Telemetry.SentryDSN == "" {
		return false
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              r.cfg.Telemetry.SentryDSN,
		EnableTracing:    true,
		TracesSampleRate: 0.2,
		Environment:      r.cfg.Environment,
		ServerName:       r.cfg.RuntimeName,
	})
	if err != nil {
		r.logger.Warn("sentry init failed", slog.String("error", err.Error()))
		return false
	}
	r.logger.Info("sentry initialized")
	return true
}

// pruneLoop removes incomplete jobs older than age at a fraction of that age.
func (r *Runtime) pruneLoop(ctx context.Context, store *chunkstore.Store, age time.Duration) {
	ticker := time.NewTicker(max(age/4, time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PruneAbandoned(ctx, age)
			if err != nil {
				r.logger.Warn("store prune failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				r.logger.Info("pruned abandoned jobs", slog.Int64("count", n))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.narration != nil && r.narration.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
