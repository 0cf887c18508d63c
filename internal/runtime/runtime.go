package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-audiobook/internal/bus"
	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/library"
	"github.com/loqalabs/loqa-audiobook/internal/natsserver"
	"github.com/loqalabs/loqa-audiobook/internal/playback"
	"github.com/loqalabs/loqa-audiobook/internal/progress"
	"github.com/loqalabs/loqa-audiobook/internal/protocol"
	"github.com/loqalabs/loqa-audiobook/internal/server"
	"github.com/loqalabs/loqa-audiobook/internal/synth"
	"github.com/loqalabs/loqa-audiobook/internal/tools"
)

// Version is reported in the initialize handshake.
var Version = "0.1.0"

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	store       *progress.Store
	engine      *playback.Engine
	embeddedBus *natsserver.EmbeddedServer
	busClient   *bus.Client
	busSub      *nats.Subscription
	gaugeReg    metric.Registration
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves JSON-RPC on in/out until the input
// closes, a shutdown request arrives, or ctx is cancelled, then tears down.
func (r *Runtime) Start(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.stop()

	dispatcher, err := r.buildTools(ctx)
	if err != nil {
		return err
	}

	srv := server.New(dispatcher, protocol.ServerInfo{Name: r.cfg.RuntimeName, Version: Version}, r.logger)

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx, srv, dispatcher); err != nil {
			return err
		}
	}

	if r.cfg.HTTP.Enabled {
		r.startHTTP(metricsHandler)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("name", r.cfg.RuntimeName),
		slog.String("output_dir", r.cfg.Playback.OutputDir),
		slog.String("books_dir", r.cfg.Library.BooksDir))

	err = srv.Serve(ctx, in, out)
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return err
}

func (r *Runtime) buildTools(ctx context.Context) (*tools.Dispatcher, error) {
	store, err := progress.Open(ctx, r.cfg.Progress, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open progress store: %w", err)
	}
	r.store = store

	sink, err := synth.NewFileSink(r.cfg.Playback.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("prepare output dir: %w", err)
	}
	format := synth.DefaultFormat()
	format.SampleRate = r.cfg.Playback.SampleRate
	synthesizer, err := synth.NewToneSynth(format, sink)
	if err != nil {
		return nil, fmt.Errorf("create synthesizer: %w", err)
	}

	r.engine = playback.NewEngine(synthesizer, playback.WithLogger(r.logger))
	if err := r.registerPlaybackGauge(); err != nil {
		r.logger.Warn("failed to register playback gauge", slog.String("error", err.Error()))
	}

	books := library.New(r.cfg.Library.BooksDir, r.logger)
	return tools.NewDispatcher(r.engine, books, store, r.logger), nil
}

func (r *Runtime) registerPlaybackGauge() error {
	meter := otel.Meter("github.com/loqalabs/loqa-audiobook/runtime")
	gauge, err := meter.Float64ObservableGauge("audiobook.playback.progress_seconds",
		metric.WithDescription("Live playback position of the current session"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snap := r.engine.State()
		o.ObserveFloat64(gauge, snap.ProgressSeconds, metric.WithAttributes(attribute.String("status", snap.Status.String())))
		return nil
	}, gauge)
	if err != nil {
		return err
	}
	r.gaugeReg = reg
	return nil
}

func (r *Runtime) startBus(ctx context.Context, srv *server.Server, dispatcher *tools.Dispatcher) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.embeddedBus = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = client

	sub, err := client.ServeRPC(ctx, srv)
	if err != nil {
		return err
	}
	r.busSub = sub
	dispatcher.AddNotifier(bus.NewStateNotifier(client))
	return nil
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http listening", slog.String("addr", addr))
}

func (r *Runtime) routes(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	return mux
}

func (r *Runtime) stop() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		r.wg.Wait()
	}
	if r.busSub != nil {
		_ = r.busSub.Unsubscribe()
	}
	r.busClient.Close()
	r.embeddedBus.Shutdown()

	if r.gaugeReg != nil {
		_ = r.gaugeReg.Unregister()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("progress store close error", slog.String("error", err.Error()))
		}
	}
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
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
