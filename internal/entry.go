// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/snowlink/internal/api"
	"github.com/starford/snowlink/internal/card"
	"github.com/starford/snowlink/internal/fetch"
	"github.com/starford/snowlink/internal/history"
	"github.com/starford/snowlink/internal/mcpserver"
	"github.com/starford/snowlink/internal/models"
	"github.com/starford/snowlink/internal/orchestrate"
	"github.com/starford/snowlink/internal/pattern"
	"github.com/starford/snowlink/internal/slackbridge"
	"github.com/starford/snowlink/internal/snow"
)

// pipeline is the resolver-to-fetcher core shared by the bot, the ops API,
// and the MCP server.
type pipeline struct {
	snow     *snow.Client
	resolver *pattern.Resolver
	fetcher  *fetch.Client
	builder  *card.Builder
	kinds    []models.Kind
}

func buildPipeline(cfg *Config, logger *slog.Logger) (*pipeline, error) {
	specs := make([]snow.KindSpec, 0, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		specs = append(specs, snow.KindSpec{
			Kind:        k.Kind,
			Table:       k.Table,
			Fields:      k.Fields,
			States:      k.States,
			ParentRef:   k.ParentRef,
			ParentTable: k.ParentTable,
		})
	}

	snowClient, err := snow.NewClient(snow.Options{
		BaseURL:    cfg.Snow.BaseURL(),
		Username:   cfg.Snow.Username,
		Password:   cfg.Snow.Password,
		Timeout:    cfg.Snow.Timeout.Std(),
		Retries:    cfg.Snow.Retries,
		RetryDelay: cfg.Snow.RetryDelay.Std(),
	}, specs, logger)
	if err != nil {
		return nil, fmt.Errorf("init backend client: %w", err)
	}

	reg := pattern.NewRegistry()
	indicators := make(map[models.Kind]map[string]string, len(cfg.Kinds))
	kinds := make([]models.Kind, 0, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		if err := reg.Register(k.Kind, k.Pattern, snowClient.NumberURLBuilder(k.Kind)); err != nil {
			return nil, fmt.Errorf("register pattern for %s: %w", k.Kind, err)
		}
		if len(k.Indicators) > 0 {
			indicators[k.Kind] = k.Indicators
		}
		kinds = append(kinds, k.Kind)
	}

	return &pipeline{
		snow:     snowClient,
		resolver: pattern.NewResolver(reg, snowClient, cfg.Limits.MaxTextLen),
		fetcher: fetch.New(snowClient, fetch.Options{
			TTL:      cfg.Cache.TTL.Std(),
			Capacity: cfg.Cache.Capacity,
			Timeout:  cfg.Snow.Timeout.Std(),
		}),
		builder: card.NewBuilder(indicators),
		kinds:   kinds,
	}, nil
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// The MCP stdio transport owns stdout, so logs go to stderr there.
	logOut := os.Stdout
	if app.mcpMode {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	pipe, err := buildPipeline(cfg, logger)
	if err != nil {
		return err
	}

	if app.mcpMode {
		logger.Info("Starting MCP stdio server", slog.Int("kinds", len(pipe.kinds)))
		return mcpserver.New(pipe.resolver, pipe.fetcher, pipe.kinds).ServeStdio()
	}

	logger.Info("Configuration loaded",
		slog.String("version", cfg.App.Version),
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("snow_host", cfg.Snow.Host),
		slog.String("history_path", cfg.History.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Unfurl audit log.
	hist, err := history.Open(cfg.History.Path, cfg.History.Retain, logger)
	if err != nil {
		return fmt.Errorf("init history: %w", err)
	}
	defer hist.Close()

	orch := orchestrate.New(pipe.resolver, pipe.fetcher, pipe.builder, hist,
		cfg.Limits.MaxMatchesPerEvent, logger)

	bridge, err := slackbridge.New(slackbridge.Config{
		BotToken:      cfg.Slack.BotToken,
		AppToken:      cfg.Slack.AppToken,
		ReactionEmoji: cfg.Slack.ReactionEmoji,
		UnfurlDomain:  cfg.Slack.UnfurlDomain,
	}, orch, logger)
	if err != nil {
		return fmt.Errorf("init slack bridge: %w", err)
	}

	// Build ops API router.
	apiRouter := api.NewRouter(pipe.resolver, pipe.fetcher, hist,
		cfg.Auth.AuthEnabled(), cfg.Auth.Token)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, cfg.App.Version)
	})

	// Mount ops API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(runCtx)

	// Start the Socket Mode bridge.
	g.Go(func() error {
		logger.Info("Starting Slack bridge",
			slog.String("reaction_emoji", cfg.Slack.ReactionEmoji))
		if err := bridge.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("slack bridge error: %w", err)
		}
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
