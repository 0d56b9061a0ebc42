package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/api"
	"github.com/loqalabs/loqa-dialogue/internal/bus"
	"github.com/loqalabs/loqa-dialogue/internal/config"
	"github.com/loqalabs/loqa-dialogue/internal/eventstore"
	"github.com/loqalabs/loqa-dialogue/internal/grammar"
	"github.com/loqalabs/loqa-dialogue/internal/natsserver"
	"github.com/loqalabs/loqa-dialogue/internal/session"
	"github.com/loqalabs/loqa-dialogue/internal/speech"
	"github.com/loqalabs/loqa-dialogue/internal/stt"
	"github.com/loqalabs/loqa-dialogue/internal/tts"
	"github.com/redis/go-redis/v9"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	addr        string
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	journal  *eventstore.Store
	redis    *redis.Client
	sessions *session.Manager
	stt      *stt.Service
	tts      *tts.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr returns the bound HTTP address once the runtime is ready.
func (r *Runtime) Addr() string {
	if !r.ready.Load() {
		return ""
	}
	return r.addr
}

// Start brings every component up, serves until ctx is cancelled and then
// tears everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdownTelemetry()

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		return err
	}
	defer r.stopComponents()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	// /metrics is always on the API; prometheus_bind adds a dedicated listener.
	if r.cfg.Telemetry.PrometheusBind != "" && metricsHandler != nil {
		r.serveMetrics(metricsHandler)
	}
	server := api.New(r.sessions, r.journal, api.Options{Ready: r.Healthy, Metrics: metricsHandler}, r.logger)
	r.addr = listener.Addr().String()
	r.httpServer = &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if id := r.cfg.Dialogue.AutoStartSession; id != "" {
		if _, err := r.sessions.Open(ctx, id); err != nil {
			r.logger.Error("failed to auto-start session", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns
	busCfg := r.cfg.Bus
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.journal, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	store, err := r.snapshotStore(ctx)
	if err != nil {
		return err
	}

	table, err := grammar.LoadOrDefault(r.cfg.Dialogue.GrammarPath)
	if err != nil {
		return fmt.Errorf("load grammar: %w", err)
	}
	r.logger.Info("grammar loaded", slog.Int("keywords", table.Len()), slog.String("path", r.cfg.Dialogue.GrammarPath))

	sp := r.cfg.Speech
	r.sessions, err = session.NewManager(ctx, session.Options{
		Grammar:   table,
		InboxSize: r.cfg.Dialogue.InboxSize,
		Speech: speech.Options{
			Locale:          sp.Locale,
			Voice:           sp.Voice,
			NoInputTimeout:  time.Duration(sp.NoInputTimeoutMS) * time.Millisecond,
			CompleteTimeout: time.Duration(sp.CompleteTimeoutMS) * time.Millisecond,
		},
	}, r.bus, store, r.journal, r.logger)
	if err != nil {
		return err
	}
	if err := r.sessions.Subscribe(r.bus); err != nil {
		return err
	}

	recognizer, err := r.recognizer()
	if err != nil {
		return err
	}
	r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, recognizer, r.logger)
	if err := r.stt.Start(); err != nil {
		return err
	}

	synth, err := r.synthesizer()
	if err != nil {
		return err
	}
	r.tts = tts.NewService(ctx, r.cfg.TTS, r.bus, synth, r.logger)
	return r.tts.Start()
}

func (r *Runtime) snapshotStore(ctx context.Context) (session.SnapshotStore, error) {
	if r.cfg.Dialogue.SnapshotStore != "redis" {
		return session.NewMemoryStore(), nil
	}
	rc := r.cfg.Dialogue.Redis
	r.redis = redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	store := session.NewRedisStore(r.redis,
		session.WithPrefix(rc.Prefix),
		session.WithTTL(time.Duration(rc.TTLSeconds)*time.Second))
	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect redis snapshot store: %w", err)
	}
	r.logger.Info("redis snapshot store connected", slog.String("addr", rc.Addr))
	return store, nil
}

func (r *Runtime) recognizer() (stt.Recognizer, error) {
	if r.cfg.STT.Mode == "exec" {
		return stt.NewExecRecognizer(r.cfg.STT, r.cfg.Speech)
	}
	return stt.NewMockRecognizer(), nil
}

func (r *Runtime) synthesizer() (tts.Synthesizer, error) {
	if r.cfg.TTS.Mode == "exec" {
		return tts.NewExecSynth(r.cfg.TTS, r.cfg.Speech)
	}
	pace := time.Duration(r.cfg.TTS.ChunkDurationMS) * time.Millisecond
	return tts.NewMockSynth(r.cfg.TTS.SampleRate, r.cfg.TTS.Channels, pace), nil
}

func (r *Runtime) serveMetrics(handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	r.metricsSrv = &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
}

// stopComponents closes whatever startComponents managed to open.
func (r *Runtime) stopComponents() {
	if r.sessions != nil {
		r.sessions.Close()
	}
	if r.tts != nil {
		r.tts.Close()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.logger.Warn("redis close error", slog.String("error", err.Error()))
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}

func (r *Runtime) shutdownTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

// Healthy reports readiness: every component is up and the runtime has
// finished starting.
func (r *Runtime) Healthy() bool {
	if !r.ready.Load() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return r.bus.Healthy() &&
		r.journal.Healthy(ctx) &&
		r.sessions.Healthy() &&
		r.stt.Healthy() &&
		r.tts.Healthy()
}
