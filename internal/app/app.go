// Package app wires all llmrtc subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the signalling endpoint until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithPlaybook,
// WithToolRegistry, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llmrtc/llmrtc/internal/config"
	"github.com/llmrtc/llmrtc/internal/health"
	"github.com/llmrtc/llmrtc/internal/mcpbridge"
	"github.com/llmrtc/llmrtc/internal/observe"
	"github.com/llmrtc/llmrtc/internal/playbook"
	"github.com/llmrtc/llmrtc/internal/playbook/store"
	"github.com/llmrtc/llmrtc/internal/server"
	"github.com/llmrtc/llmrtc/internal/session"
	"github.com/llmrtc/llmrtc/internal/transcript"
	"github.com/llmrtc/llmrtc/internal/turn"
	"github.com/llmrtc/llmrtc/pkg/audio/segment"
	"github.com/llmrtc/llmrtc/pkg/provider"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	"github.com/llmrtc/llmrtc/pkg/provider/stt"
	"github.com/llmrtc/llmrtc/pkg/provider/tts"
	"github.com/llmrtc/llmrtc/pkg/provider/vad"
	"github.com/llmrtc/llmrtc/pkg/wire"
)

const (
	// observeShutdownTimeout bounds the telemetry flush during Shutdown.
	observeShutdownTimeout = 5 * time.Second

	// httpShutdownTimeout bounds the graceful HTTP drain in Run.
	httpShutdownTimeout = 10 * time.Second
)

// Providers holds one interface value per pipeline stage. All four are
// required; main.go populates them via the config registry.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine
}

// App owns all subsystem lifetimes and hosts the voice pipeline server.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	playbook *playbook.Playbook
	tools    *playbook.ToolRegistry
	bridge   *mcpbridge.Bridge
	pool     *pgxpool.Pool
	manager  *session.Manager
	server   *server.Server
	metrics  *observe.Metrics
	httpSrv  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the application logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithPlaybook injects a compiled playbook instead of loading one from the
// configured path or store.
func WithPlaybook(pb *playbook.Playbook) Option {
	return func(a *App) { a.playbook = pb }
}

// WithToolRegistry injects a tool registry instead of creating an empty one.
func WithToolRegistry(r *playbook.ToolRegistry) Option {
	return func(a *App) { a.tools = r }
}

// WithMetrics injects a metrics instance and skips telemetry provider
// setup. The Prometheus exporter registers global collectors, so tests that
// construct multiple apps must inject instead.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: telemetry setup, playbook
// loading, MCP server connection, session manager construction, and server
// assembly.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	if providers == nil || providers.STT == nil || providers.LLM == nil ||
		providers.TTS == nil || providers.VAD == nil {
		return nil, fmt.Errorf("app: stt, llm, tts and vad providers are all required")
	}

	if err := a.initObservability(ctx); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}
	if err := a.initPlaybook(ctx); err != nil {
		return nil, fmt.Errorf("app: init playbook: %w", err)
	}
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	if err := a.initSessions(); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// initObservability sets up the OTel providers and the metrics instance that
// feeds the pipeline observer.
func (a *App) initObservability(ctx context.Context) error {
	if a.metrics != nil {
		return nil // injected
	}
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "llmrtc",
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), observeShutdownTimeout)
		defer cancel()
		return shutdown(ctx)
	})
	a.metrics = observe.DefaultMetrics()
	return nil
}

// initPlaybook loads the playbook from the configured file or store. When
// neither is configured, sessions run the plain pipeline.
func (a *App) initPlaybook(ctx context.Context) error {
	if a.playbook != nil {
		return nil // injected
	}

	switch {
	case a.cfg.Playbook.Path != "":
		pb, err := playbook.Load(a.cfg.Playbook.Path)
		if err != nil {
			return err
		}
		a.playbook = pb
		a.logger.Info("playbook loaded", "path", a.cfg.Playbook.Path, "stages", len(pb.Stages))

	case a.cfg.Playbook.PostgresDSN != "":
		pool, err := pgxpool.New(ctx, a.cfg.Playbook.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect playbook store: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})

		st := store.NewPostgresStore(pool)
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate playbook store: %w", err)
		}
		def, err := st.Get(ctx, a.cfg.Playbook.Name)
		if err != nil {
			return err
		}
		if def == nil {
			return fmt.Errorf("playbook %q not found in store", a.cfg.Playbook.Name)
		}
		pb, err := def.Compile()
		if err != nil {
			return err
		}
		a.playbook = pb
		a.logger.Info("playbook loaded", "name", def.Name, "stages", len(pb.Stages))
	}

	return nil
}

// initTools creates the tool registry and imports tools from the configured
// MCP servers.
func (a *App) initTools(ctx context.Context) error {
	if a.tools == nil {
		a.tools = playbook.NewToolRegistry()
	}

	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}

	a.bridge = mcpbridge.New(a.tools, mcpbridge.WithLogger(a.logger))
	a.closers = append(a.closers, a.bridge.Close)

	for _, srv := range a.cfg.MCP.Servers {
		tools, err := a.bridge.Connect(ctx, mcpbridge.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		})
		if err != nil {
			return fmt.Errorf("connect mcp server %q: %w", srv.Name, err)
		}
		a.logger.Info("mcp server connected", "name", srv.Name, "tools", len(tools))
	}

	return nil
}

// initSessions builds the session manager around an orchestrator factory
// that binds the providers, the playbook engine, and the pipeline tuning to
// each session's history.
func (a *App) initSessions() error {
	pcfg := a.cfg.Pipeline

	// The segmenter delivers 16 kHz mono utterances.
	sttConfig := stt.Config{
		SampleRate: 16000,
		Channels:   1,
		Language:   pcfg.Language,
		Keywords:   pcfg.Keywords,
	}
	voice := tts.VoiceProfile{
		ID:          pcfg.Voice.ID,
		Name:        pcfg.Voice.Name,
		SpeedFactor: pcfg.Voice.SpeedFactor,
	}
	retry := provider.RetryPolicy{
		MaxRetries: pcfg.RetryMaxRetries,
		BaseDelay:  pcfg.RetryBaseDelay.Std(),
	}

	var corrector *transcript.Corrector
	if pcfg.CorrectTranscripts {
		corrector = transcript.New()
	}

	factory := func(h turn.History) (*turn.Orchestrator, error) {
		tc := turn.Config{
			STT:         a.providers.STT,
			LLM:         a.providers.LLM,
			TTS:         a.providers.TTS,
			History:     h,
			Logger:      a.logger,
			Observer:    a.metrics,
			STTConfig:   sttConfig,
			Corrector:   corrector,
			Voice:       voice,
			Temperature: pcfg.Temperature,
			MaxTokens:   pcfg.MaxTokens,
			STTTimeout:  pcfg.STTTimeout.Std(),
			LLMTimeout:  pcfg.LLMTimeout.Std(),
			TTSTimeout:  pcfg.TTSTimeout.Std(),
			Retry:       retry,
		}
		if a.playbook != nil {
			eng, err := playbook.NewEngine(playbook.Config{
				Playbook: a.playbook,
				Registry: a.tools,
				LLM:      a.providers.LLM,
				History:  h,
				Logger:   a.logger,
				Retry:    retry,
			})
			if err != nil {
				return nil, err
			}
			tc.Playbook = eng
		}
		return turn.New(tc)
	}

	manager, err := session.NewManager(session.ManagerConfig{
		Session: session.Config{
			SystemPrompt:        a.cfg.Session.SystemPrompt,
			HistoryLimit:        a.cfg.Session.HistoryLimit,
			OrchestratorFactory: factory,
			Logger:              a.logger,
		},
		TTL:    a.cfg.Session.TTL.Std(),
		Logger: a.logger,
	})
	if err != nil {
		return err
	}
	a.manager = manager
	a.closers = append(a.closers, func() error {
		manager.Close()
		return nil
	})
	return nil
}

// initServer assembles the websocket server with health and metrics
// endpoints.
func (a *App) initServer() error {
	checkers := []health.Checker{
		{
			Name:  "sessions",
			Check: func(context.Context) error { return nil },
		},
	}
	if a.pool != nil {
		pool := a.pool
		checkers = append(checkers, health.Checker{
			Name:  "playbook_store",
			Check: func(ctx context.Context) error { return pool.Ping(ctx) },
		})
	}

	srv, err := server.New(server.Config{
		Manager:        a.manager,
		VAD:            a.providers.VAD,
		Segment:        segmentConfig(a.cfg.Segmenter),
		ICEServers:     iceServers(a.cfg.Server.ICEServers),
		EnableMedia:    a.cfg.Server.EnableMedia,
		OriginPatterns: a.cfg.Server.OriginPatterns,
		PingInterval:   a.cfg.Server.PingInterval.Std(),
		PongTimeout:    a.cfg.Server.PongTimeout.Std(),
		Health:         health.New(checkers...),
		Metrics:        promhttp.Handler(),
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

// Server exposes the assembled server, mainly for tests that drive the
// handler directly.
func (a *App) Server() *server.Server { return a.server }

// Sessions exposes the session manager.
func (a *App) Sessions() *session.Manager { return a.manager }

// Run serves the signalling endpoint until ctx is cancelled or the listener
// fails. Cancellation triggers a graceful HTTP shutdown; call Shutdown
// afterwards to tear down the remaining subsystems.
func (a *App) Run(ctx context.Context) error {
	a.httpSrv = &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.metrics)(a.server.Handler()),
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		errCh <- err
	}()

	a.logger.Info("server listening",
		"addr", a.cfg.Server.ListenAddr,
		"media", a.cfg.Server.EnableMedia,
		"tls", a.cfg.Server.TLS != nil,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown error", "err", err)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// segmentConfig converts the YAML segmenter block to the segmenter's own
// config, leaving zero values to its defaults.
func segmentConfig(sc config.SegmenterConfig) segment.Config {
	return segment.Config{
		SpeechThreshold:  sc.SpeechThreshold,
		SilenceThreshold: sc.SilenceThreshold,
		EnterDuration:    sc.EnterDuration.Std(),
		ExitDuration:     sc.ExitDuration.Std(),
		PreRoll:          sc.PreRoll.Std(),
		MaxUtterance:     sc.MaxUtterance.Std(),
		MinUtterance:     sc.MinUtterance.Std(),
	}
}

// iceServers converts the config ICE server list to the wire form sent in
// the ready message.
func iceServers(in []config.ICEServerConfig) []wire.ICEServer {
	if len(in) == 0 {
		return nil
	}
	out := make([]wire.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, wire.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
