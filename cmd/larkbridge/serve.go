package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/astrolane/larkbridge/internal/agent"
	"github.com/astrolane/larkbridge/internal/card"
	"github.com/astrolane/larkbridge/internal/channel"
	"github.com/astrolane/larkbridge/internal/config"
	"github.com/astrolane/larkbridge/internal/delivery"
	"github.com/astrolane/larkbridge/internal/dispatch"
	"github.com/astrolane/larkbridge/internal/handlers"
	"github.com/astrolane/larkbridge/internal/lark"
	"github.com/astrolane/larkbridge/internal/logger"
	"github.com/astrolane/larkbridge/internal/ratelimit"
	"github.com/astrolane/larkbridge/internal/server"
	"github.com/astrolane/larkbridge/internal/session"
	"github.com/astrolane/larkbridge/internal/token"
	"github.com/astrolane/larkbridge/internal/transcript"
	"github.com/astrolane/larkbridge/internal/version"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideTokenManager,
			provideAdapter,
			provideSender,
			provideCardMachine,
			provideRouter,
			provideLimiter,
			provideFilter,
			session.NewSequencer,
			provideTranscripts,
			provideRuntime,
			providePipeline,
			provideSource,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideWebhookHandler),
			provideServer,
		),
		fx.Invoke(
			startSource,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideTokenManager(log *slog.Logger, cfg config.Config) *token.Manager {
	return token.NewManager(log, lark.OpenBaseURL(cfg.Lark.Region), cfg.Lark.AppID, cfg.Lark.AppSecret)
}

func provideAdapter(log *slog.Logger, cfg config.Config) *lark.Adapter {
	return lark.NewAdapter(log, cfg.Lark)
}

func provideSender(adapter *lark.Adapter) channel.Sender { return adapter }

func provideCardMachine(log *slog.Logger, cfg config.Config, tokens *token.Manager) *card.Machine {
	if !cfg.Card.Enabled {
		return nil
	}
	gateway := lark.NewCardGateway(log, lark.OpenBaseURL(cfg.Lark.Region), cfg.Card.ElementID, tokens)
	throttle := time.Duration(cfg.Card.ThrottleMs) * time.Millisecond
	return card.NewMachine(log, gateway, cfg.Card.TemplateID, cfg.Card.ElementID, throttle)
}

func provideRouter(log *slog.Logger, sender channel.Sender, cards *card.Machine) *delivery.Router {
	return delivery.NewRouter(log, sender, cards)
}

func provideLimiter(cfg config.Config) *ratelimit.Limiter {
	window := time.Duration(cfg.Dispatch.RateWindowMs) * time.Millisecond
	return ratelimit.New(window, cfg.Dispatch.RateMax, cfg.Dispatch.RateBurst)
}

func provideFilter(log *slog.Logger, cfg config.Config, adapter *lark.Adapter, limiter *ratelimit.Limiter) *dispatch.Filter {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return dispatch.NewFilter(adapter.BotOpenID(ctx), limiter)
}

func provideTranscripts(cfg config.Config) *transcript.Store {
	return transcript.NewStore(cfg.Transcript.Dir)
}

func provideRuntime(log *slog.Logger, cfg config.Config) agent.Runtime {
	timeout := time.Duration(cfg.Agent.TimeoutSeconds) * time.Second
	return agent.NewGateway(log, cfg.Agent.BaseURL, cfg.Agent.Token, timeout)
}

func providePipeline(log *slog.Logger, cfg config.Config, adapter *lark.Adapter, filter *dispatch.Filter, sequencer *session.Sequencer, runtime agent.Runtime, router *delivery.Router, sender channel.Sender, transcripts *transcript.Store) *dispatch.Pipeline {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return dispatch.NewPipeline(dispatch.PipelineParams{
		Logger:      log,
		Dispatch:    cfg.Dispatch,
		AgentID:     cfg.Agent.AgentID,
		BotID:       adapter.BotOpenID(ctx),
		CardEnabled: cfg.Card.Enabled,
		Filter:      filter,
		Sequencer:   sequencer,
		Runtime:     runtime,
		Router:      router,
		Sender:      sender,
		Media:       adapter,
		Transcripts: transcripts,
	})
}

func provideSource(log *slog.Logger, adapter *lark.Adapter, pipeline *dispatch.Pipeline) *lark.Source {
	return lark.NewSource(log, adapter, pipeline.Handle)
}

func provideWebhookHandler(log *slog.Logger, adapter *lark.Adapter, pipeline *dispatch.Pipeline) *lark.WebhookHandler {
	return lark.NewWebhookHandler(log, adapter, pipeline.Handle)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.ServerHandlers...)
}

func startSource(lc fx.Lifecycle, cfg config.Config, source *lark.Source) {
	if strings.ToLower(strings.TrimSpace(cfg.Lark.InboundMode)) == lark.InboundModeWebhook {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { source.Start(ctx); return nil },
		OnStop:  func(ctx context.Context) error { source.Stop(); return nil },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, sequencer *session.Sequencer, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting larkbridge %s\n", version.GetInfo())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := sequencer.Drain(ctx); err != nil {
				log.Warn("drain interrupted", slog.Any("error", err))
			}
			return srv.Stop(ctx)
		},
	})
}
