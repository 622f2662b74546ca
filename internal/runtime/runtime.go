package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/backend"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/dispatch"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/gateway"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/router"
	agentservice "github.com/loqalabs/loqa-voice/internal/plugins/service"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"golang.org/x/sync/errgroup"
)

const prunePeriod = time.Hour

// Runtime owns every component of the voice service and their lifecycle.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	store        *eventstore.Store
	backends     *backend.Registry
	recognition  *stt.Service
	synthesis    *tts.Service
	router       *router.Router
	agents       *dispatch.Registry
	orchestrator *pipeline.Orchestrator
	embedded     *natsserver.EmbeddedServer
	bus          *bus.Client
	busGateway   *gateway.Bus

	closers []func()
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start builds every component, serves HTTP and blocks until ctx is done or
// a component fails.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	defer r.close()
	if err := r.build(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return r.store.RunPruner(gctx, prunePeriod)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))
	return g.Wait()
}

// build wires the components bottom-up. Anything that needs releasing is
// pushed onto closers so a partial build is still torn down.
func (r *Runtime) build(ctx context.Context) error {
	cfg := r.cfg
	var err error

	r.store, err = eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.onClose(func() { _ = r.store.Close() })

	r.backends, err = buildBackends(cfg, r.logger)
	if err != nil {
		return err
	}
	r.recognition = stt.NewService(r.backends, stt.Options{
		Timeout:         millis(cfg.Recognition.TimeoutMS),
		StreamTimeout:   millis(cfg.Recognition.StreamTimeoutMS),
		DefaultLanguage: cfg.Recognition.DefaultLanguage,
		Preferred:       cfg.Recognition.Preferred,
	}, r.logger)
	var speaker pipeline.Speaker
	if cfg.Synthesis.Enabled {
		r.synthesis = tts.NewService(r.backends, tts.Options{
			Timeout:         millis(cfg.Synthesis.TimeoutMS),
			DefaultLanguage: cfg.Pipeline.DefaultLanguage,
			Preferred:       cfg.Synthesis.Preferred,
			Voice:           cfg.Synthesis.Voice,
		}, r.logger)
		speaker = r.synthesis
	}

	loc, err := time.LoadLocation(cfg.Router.Timezone)
	if err != nil {
		return fmt.Errorf("router timezone: %w", err)
	}
	classifier, err := buildClassifier(cfg)
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	r.router = router.New(classifier, router.Options{
		PatternConfidence: cfg.Router.PatternConfidence,
		Threshold:         cfg.Classifier.Threshold,
		ClassifierTimeout: millis(cfg.Classifier.TimeoutMS),
		Location:          loc,
	}, r.logger)

	if cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
	}

	r.agents = dispatch.NewRegistry(r.logger)
	closeVocab, err := builtinAgents(ctx, cfg, loc, r.agents, r.logger)
	if err != nil {
		return fmt.Errorf("builtin agents: %w", err)
	}
	r.onClose(func() { _ = closeVocab() })
	if cfg.Agents.Directory != "" {
		if err := r.loadWASMAgents(); err != nil {
			return err
		}
	}

	var audit pipeline.Sink
	if r.store.Persistent() {
		audit = pipeline.NewAuditSink(r.store, r.logger)
	}
	r.orchestrator, err = pipeline.New(pipeline.Deps{
		Recognizer: r.recognition,
		Router:     r.router,
		Dispatcher: r.agents,
		Speaker:    speaker,
		Audit:      audit,
	}, pipeline.Options{
		DefaultLanguage:  cfg.Pipeline.DefaultLanguage,
		Voice:            cfg.Synthesis.Voice,
		RouteTimeout:     millis(cfg.Pipeline.RouteTimeoutMS),
		DispatchTimeout:  millis(cfg.Pipeline.DispatchTimeoutMS),
		SynthesisTimeout: millis(cfg.Pipeline.SynthesisTimeoutMS),
	}, r.logger)
	if err != nil {
		return err
	}

	if r.bus != nil && (cfg.Gateway.BusCommands || cfg.Gateway.BusFrames) {
		r.busGateway = gateway.NewBus(ctx, r.bus, r.orchestrator, r.recognition, gateway.BusOptions{
			Commands:        cfg.Gateway.BusCommands,
			Frames:          cfg.Gateway.BusFrames,
			DefaultLanguage: cfg.Recognition.DefaultLanguage,
		}, r.logger)
		if err := r.busGateway.Start(); err != nil {
			return fmt.Errorf("bus gateway: %w", err)
		}
		r.onClose(r.busGateway.Close)
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded
	r.onClose(embedded.Shutdown)

	var servers []string
	if url := embedded.ClientURL(); url != "" {
		servers = []string{url}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.Bus, r.logger, servers...)
	if err != nil {
		return err
	}
	r.onClose(r.bus.Close)
	return nil
}

// loadWASMAgents registers plugin agents and the patterns their manifests
// declare. An untyped nil publisher keeps host_publish disabled without a
// bus.
func (r *Runtime) loadWASMAgents() error {
	var publisher agentservice.Publisher
	if r.bus != nil {
		publisher = r.bus
	}
	svc, err := agentservice.New(r.cfg.Agents, publisher, r.store, r.logger)
	if err != nil {
		return fmt.Errorf("wasm agents: %w", err)
	}
	if err := svc.RegisterAll(r.agents); err != nil {
		r.logger.Warn("some wasm agents were not registered", slog.String("error", err.Error()))
	}
	for _, rt := range svc.Routes() {
		intent := router.ParseIntent(rt.Intent)
		if err := r.router.AddRoute(intent, rt.Pattern, rt.Agent, rt.Action); err != nil {
			r.logger.Warn("agent pattern rejected",
				slog.String("agent", rt.Agent),
				slog.String("pattern", rt.Pattern),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

// close releases components in reverse build order.
func (r *Runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
