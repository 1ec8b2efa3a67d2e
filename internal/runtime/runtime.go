package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openscribe/scribe-core/internal/audio"
	"github.com/openscribe/scribe-core/internal/bus"
	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/engine"
	"github.com/openscribe/scribe-core/internal/engine/stt"
	"github.com/openscribe/scribe-core/internal/engine/summarize"
	"github.com/openscribe/scribe-core/internal/eventstore"
	"github.com/openscribe/scribe-core/internal/natsserver"
	"github.com/openscribe/scribe-core/internal/notify"
	"github.com/openscribe/scribe-core/internal/session"
)

// Runtime assembles the transcription engine: event bus, engine caches,
// session controller, persistence, and the HTTP control surface.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer     *http.Server
	telemetryClose func(context.Context) error
	embeddedNATS   *natsserver.EmbeddedServer
	busClient      *bus.Client
	store          *eventstore.Store
	controller     *session.Controller

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the engine until ctx is cancelled, then shuts everything down
// in reverse start order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	notifier := notify.Discard()
	if r.cfg.Notify.Enabled {
		if r.cfg.Bus.Embedded {
			embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
			if err != nil {
				return fmt.Errorf("failed to start embedded NATS server: %w", err)
			}
			r.embeddedNATS = embedded
		}
		busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		r.busClient = busClient
		notifier = notify.NewNATS(r.cfg.Notify, busClient, r.logger)
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	sttCache := engine.NewCache[stt.Engine](engine.CapabilitySTT, r.cfg.Engines.MaxCachedModels, r.logger)
	for name, engineCfg := range r.cfg.Engines.STT {
		engineCfg := engineCfg
		sttCache.Register(name, func() (stt.Engine, error) {
			return stt.NewFromConfig(engineCfg)
		})
	}
	sumCache := engine.NewCache[summarize.Engine](engine.CapabilitySummarization, r.cfg.Engines.MaxCachedModels, r.logger)
	for name, engineCfg := range r.cfg.Engines.Summarization {
		engineCfg := engineCfg
		sumCache.Register(name, func() (summarize.Engine, error) {
			return summarize.NewFromConfig(engineCfg)
		})
	}

	source := audio.NewTickerSource(
		r.cfg.Audio.SampleRate,
		r.cfg.Audio.Channels,
		time.Duration(r.cfg.Audio.ChunkDurationMS)*time.Millisecond,
	)

	r.controller = session.NewController(r.cfg, source, sttCache, sumCache, store, notifier, r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("default_stt", r.cfg.Engines.DefaultSTT),
		slog.String("default_summarization", r.cfg.Engines.DefaultSummarization))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	r.controller.Close(shutdownCtx)

	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.busClient.Close()
	r.embeddedNATS.Shutdown()

	if err := r.store.Close(); err != nil {
		r.logger.Error("event store close error", slog.String("error", err.Error()))
	}

	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}
