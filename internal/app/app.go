// Package app assembles the server's components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/vidnote/internal/api"
	"github.com/kalambet/vidnote/internal/chat"
	"github.com/kalambet/vidnote/internal/config"
	"github.com/kalambet/vidnote/internal/intake"
	"github.com/kalambet/vidnote/internal/media"
	"github.com/kalambet/vidnote/internal/pipeline"
	"github.com/kalambet/vidnote/internal/prompts"
	"github.com/kalambet/vidnote/internal/provider"
	"github.com/kalambet/vidnote/internal/query"
	"github.com/kalambet/vidnote/internal/recovery"
	"github.com/kalambet/vidnote/internal/render"
	"github.com/kalambet/vidnote/internal/session"
	"github.com/kalambet/vidnote/internal/storage"
)

// App is a fully wired server. Handler serves the HTTP surface; call
// StartRecovery to replay spooled notes in the background.
type App struct {
	Store        *storage.Store
	Spool        *recovery.Spool
	Replayer     *recovery.Replayer
	Orchestrator *pipeline.Orchestrator
	Sessions     *session.Manager
	Intake       *intake.Router
	Query        *query.Service
	MCP          *server.MCPServer
	Handler      http.Handler
	Parser       *media.Client

	logger     *slog.Logger
	stopReplay context.CancelFunc
	replayDone chan struct{}
}

type options struct {
	clock    session.Clock
	logger   *slog.Logger
	onFinish func(pipeline.Outcome)
	version  string
}

// Option customizes Build.
type Option func(*options)

// WithClock replaces the clock driving session windows.
func WithClock(c session.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOnFinish observes every job outcome.
func WithOnFinish(f func(pipeline.Outcome)) Option {
	return func(o *options) { o.onFinish = f }
}

// WithVersion sets the version reported by the MCP server.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// Build opens storage and wires every component. Provider configuration
// must be complete.
func Build(cfg config.Config, opts ...Option) (*App, error) {
	o := options{logger: slog.Default(), version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.ValidateProviders(); err != nil {
		return nil, err
	}
	catalogue, err := prompts.Default()
	if err != nil {
		return nil, fmt.Errorf("loading prompts: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	spool, err := recovery.OpenSpool(spoolDir(cfg.Storage.DataDir), o.logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening spool: %w", err)
	}

	parser := media.New(cfg.Parser.URL)
	gateway := chat.New(cfg.Chat.URL, cfg.Chat.Token)

	pipeOpts := []pipeline.Option{
		pipeline.WithWorkers(cfg.Pipeline.Workers),
		pipeline.WithStageTimeout(cfg.Pipeline.StageTimeout),
		pipeline.WithLanguage(cfg.Pipeline.Language),
		pipeline.WithLogger(o.logger),
	}
	if o.onFinish != nil {
		pipeOpts = append(pipeOpts, pipeline.WithOnFinish(o.onFinish))
	}
	orch, err := pipeline.New(pipeline.Deps{
		Parser: parser,
		Providers: pipeline.Providers{
			Transcribe: newProvider(cfg.Providers.Transcribe, cfg.Pipeline, o.logger),
			Critique:   newProvider(cfg.Providers.Critique, cfg.Pipeline, o.logger),
			Synthesize: newProvider(cfg.Providers.Synthesize, cfg.Pipeline, o.logger),
		},
		Prompts:   catalogue,
		Store:     store,
		Spool:     spool,
		Renderer:  render.Markdown{},
		Deliverer: gateway,
		Notifier:  gateway,
	}, pipeOpts...)
	if err != nil {
		spool.Close()
		store.Close()
		return nil, err
	}

	sessOpts := []session.Option{
		session.WithWindow(cfg.Session.Window),
		session.WithLogger(o.logger),
	}
	if o.clock != nil {
		sessOpts = append(sessOpts, session.WithClock(o.clock))
	}
	sessions := session.NewManager(orch, sessOpts...)

	router := intake.NewRouter(sessions, gateway,
		intake.WithDedupTTL(cfg.Intake.DedupTTL),
		intake.WithWindow(sessions.Window()),
		intake.WithLogger(o.logger),
	)

	q := query.New(store)
	mcpSrv := api.NewMCPServer(q, o.version)

	return &App{
		Store:        store,
		Spool:        spool,
		Replayer:     recovery.NewReplayer(spool, store, 0, o.logger),
		Orchestrator: orch,
		Sessions:     sessions,
		Intake:       router,
		Query:        q,
		MCP:          mcpSrv,
		Parser:       parser,
		logger:       o.logger,
		Handler: api.NewHandler(api.Deps{
			Intake:   router,
			Query:    q,
			Sessions: sessions,
			Token:    cfg.Server.APIToken,
			MCP:      server.NewStreamableHTTPServer(mcpSrv),
		}),
	}, nil
}

// StartRecovery runs the spool replayer in the background until Close.
func (a *App) StartRecovery() {
	if a.replayDone != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.stopReplay = cancel
	a.replayDone = make(chan struct{})
	go func() {
		defer close(a.replayDone)
		a.Replayer.Run(ctx)
	}()
}

// Close stops accepting sessions, waits for running jobs until ctx is done,
// stops the replayer and only then closes the spool and the store, so a job
// cancelled mid-persist can still spool its note.
func (a *App) Close(ctx context.Context) error {
	if dropped := a.Sessions.Stop(); dropped > 0 {
		a.logger.Warn("dropped open sessions on shutdown", "count", dropped)
	}
	shutdownErr := a.Orchestrator.Shutdown(ctx)

	if a.replayDone != nil {
		a.stopReplay()
		<-a.replayDone
	}
	return errors.Join(
		shutdownErr,
		a.Spool.Close(),
		a.Store.Close(),
	)
}

func newProvider(pc config.ProviderConfig, pl config.PipelineConfig, logger *slog.Logger) *provider.Client {
	cfg := provider.Config{
		Role: pc.Role,
		Primary: provider.Endpoint{
			BaseURL: pc.PrimaryEndpoint,
			APIKey:  pc.PrimaryKey,
			Model:   pc.PrimaryModel,
		},
	}
	if pc.HasSecondary() {
		cfg.Secondary = &provider.Endpoint{
			BaseURL: pc.SecondaryEndpoint,
			APIKey:  pc.SecondaryKey,
			Model:   pc.SecondaryModel,
		}
	}
	opts := []provider.Option{provider.WithLogger(logger)}
	if pl.Backoff > 0 {
		opts = append(opts, provider.WithBackoff(pl.Backoff))
	}
	return provider.NewClient(cfg, opts...)
}

// spoolDir returns "" (in-memory) for an in-memory store.
func spoolDir(dataDir string) string {
	if dataDir == ":memory:" {
		return ""
	}
	return filepath.Join(dataDir, "spool")
}
