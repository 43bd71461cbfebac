package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/llmcord/internal/bot"
	"github.com/haasonsaas/llmcord/internal/cache"
	"github.com/haasonsaas/llmcord/internal/chain"
	"github.com/haasonsaas/llmcord/internal/channels/discord"
	"github.com/haasonsaas/llmcord/internal/config"
	"github.com/haasonsaas/llmcord/internal/content"
	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/internal/llm"
	"github.com/haasonsaas/llmcord/internal/observability"
	"github.com/haasonsaas/llmcord/internal/plugins"
	"github.com/haasonsaas/llmcord/internal/plugins/builtin"
	"github.com/haasonsaas/llmcord/internal/process"
	"github.com/haasonsaas/llmcord/internal/render"
	"github.com/haasonsaas/llmcord/pkg/models"
)

const (
	fetchTimeout    = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

// runBot wires every component, connects to Discord and serves until a
// shutdown signal arrives.
func runBot(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	slog.SetDefault(logger)
	logger.Info("starting llmcord", "version", version, "commit", commit, "config", configPath, "model", cfg.LLM.Model)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})

	router, err := llm.NewRouter(cfg.Endpoints(), cfg.LLM.RequestTimeout, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}
	provider, _, caps, err := router.Resolve(cfg.LLM.Model)
	if err != nil {
		return err
	}
	if cfg.LLM.AcceptsImages != nil {
		caps.Images = *cfg.LLM.AcceptsImages
	}
	if cfg.LLM.AcceptsNames != nil {
		caps.Names = *cfg.LLM.AcceptsNames
	}

	store := cache.NewStore(cache.Options{Capacity: cfg.Cache.Capacity, Logger: logger})
	registry := hooks.NewRegistry(hooks.Options{
		Timeout: cfg.Hooks.Timeout,
		OnFailure: func(point hooks.Point, name string, _ error) {
			metrics.RecordHookFailure(string(point), name)
		},
		Logger: logger,
	})
	fetcher := content.NewHTTPFetcher(fetchTimeout)
	normalizer := content.NewNormalizer(content.Config{
		MaxText:            cfg.Discord.MaxText,
		MaxImages:          maxImages(cfg, caps),
		MaxAttachmentBytes: cfg.Discord.MaxAttachmentBytes,
	}, registry, fetcher, logger)

	adapter, err := discord.NewAdapter(discord.Config{
		Token:  cfg.Discord.BotToken,
		Status: cfg.Discord.Status,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	walker := chain.NewWalker(chain.Config{RecencyWindow: cfg.Discord.HistoryWindow}, store, adapter, normalizer, logger)
	renderer := render.NewRenderer(render.Config{
		PlainResponses: cfg.Discord.UsePlainResponses,
		MaxLength:      cfg.Render.MaxLength,
		EditInterval:   cfg.Render.EditInterval,
		Indicator:      cfg.Render.Indicator,
	}, adapter, store, metrics, logger)

	pool := process.NewPool(process.Options{Lanes: lanes(cfg.Offload), Metrics: metrics, Logger: logger})
	defer pool.Close()

	loaded, err := plugins.Load(builtin.Catalog(), cfg.Plugins, registry, plugins.Host{
		Replier:       adapter,
		Pool:          pool,
		Fetcher:       fetcher,
		Metrics:       metrics,
		Logger:        logger,
		Capabilities:  caps,
		CommandPrefix: cfg.Discord.CommandPrefix,
	})
	if err != nil {
		return fmt.Errorf("failed to load plugins: %w", err)
	}
	defer func() {
		if err := loaded.Close(); err != nil {
			logger.Warn("plugin shutdown failed", "error", err)
		}
	}()

	botCfg, err := botConfig(cfg)
	if err != nil {
		return err
	}
	b, err := bot.New(botCfg, bot.Deps{
		Transport:  adapter,
		Store:      store,
		Walker:     walker,
		Normalizer: normalizer,
		Registry:   registry,
		Provider:   provider,
		Renderer:   renderer,
		Plugins:    pluginInfos(loaded),
		Metrics:    metrics,
		Tracer:     tracer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	adapter.OnReady(func(botUserID string) { b.HandleReady(ctx, botUserID) })
	if err := adapter.Start(ctx); err != nil {
		return err
	}
	if cfg.Discord.ClientID != "" {
		logger.Info("invite url", "url", inviteURL(cfg.Discord.ClientID))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx, adapter.Messages())
	}()

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	watcher, err := config.NewWatcher(configPath, cfg, reloader(cfg, b, adapter, logger), logger)
	if err != nil {
		logger.Warn("config reload disabled", "error", err)
	} else {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	logger.Info("llmcord started", "plugins", len(loaded.Records))
	<-ctx.Done()
	logger.Info("shutdown signal received, waiting for in-flight replies")
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	var errs []error
	if err := adapter.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
	}
	logger.Info("llmcord stopped")
	return errors.Join(errs...)
}

// reloader applies hot config changes to the running bot. The watcher calls
// it from a single goroutine.
func reloader(current *config.Config, b *bot.Bot, adapter *discord.Adapter, logger *slog.Logger) func(*config.Config) {
	return func(next *config.Config) {
		botCfg, err := botConfig(next)
		if err != nil {
			logger.Error("config reload rejected", "error", err)
			return
		}
		if err := b.UpdateConfig(botCfg); err != nil {
			logger.Error("config reload rejected", "error", err)
			return
		}
		if next.Discord.Status != current.Discord.Status {
			if err := adapter.SetStatus(next.Discord.Status); err != nil {
				logger.Warn("failed to update status", "error", err)
			}
		}
		current = next
	}
}

// botConfig maps the file config onto the conversation loop's config.
func botConfig(cfg *config.Config) (bot.Config, error) {
	params, err := llm.ParamsFromMap(cfg.LLM.ExtraAPIParameters)
	if err != nil {
		return bot.Config{}, fmt.Errorf("llm.extra_api_parameters: %w", err)
	}
	types := make([]models.ChannelType, 0, len(cfg.Discord.AllowedChannelTypes))
	for _, t := range cfg.Discord.AllowedChannelTypes {
		types = append(types, models.ChannelType(t))
	}
	return bot.Config{
		Model:               cfg.LLM.Model,
		CommandPrefix:       cfg.Discord.CommandPrefix,
		MaxMessages:         cfg.Discord.MaxMessages,
		MaxText:             cfg.Discord.MaxText,
		MaxImages:           *cfg.Discord.MaxImages,
		AcceptsImages:       cfg.LLM.AcceptsImages,
		AcceptsNames:        cfg.LLM.AcceptsNames,
		RequestTimeout:      cfg.LLM.RequestTimeout,
		SystemPrompt:        cfg.LLM.SystemPrompt,
		Params:              params,
		AllowedChannelIDs:   cfg.Discord.AllowedChannelIDs,
		AllowedRoleIDs:      cfg.Discord.AllowedRoleIDs,
		AllowedChannelTypes: types,
		Triggers: bot.TriggerConfig{
			Names:           cfg.Discord.Triggers.Names,
			Keywords:        cfg.Discord.Triggers.Keywords,
			UnpromptedEvery: cfg.Discord.Triggers.UnpromptedEvery,
		},
		OtherBotIDs: cfg.Discord.OtherBotIDs,
	}, nil
}

// maxImages maps "no images" to the normalizer's negative limit, since
// zero there selects the default.
func maxImages(cfg *config.Config, caps models.Capabilities) int {
	if !caps.Images || *cfg.Discord.MaxImages <= 0 {
		return -1
	}
	return *cfg.Discord.MaxImages
}

func lanes(cfg config.OffloadConfig) map[process.Lane]process.LaneConfig {
	out := make(map[process.Lane]process.LaneConfig, len(cfg.Lanes))
	for name, l := range cfg.Lanes {
		out[process.Lane(name)] = process.LaneConfig{Concurrency: l.Concurrency, Timeout: l.Timeout}
	}
	return out
}

func pluginInfos(loaded *plugins.Loaded) []bot.PluginInfo {
	out := make([]bot.PluginInfo, 0, len(loaded.Records))
	for _, r := range loaded.Records {
		out = append(out, bot.PluginInfo{Name: r.Info.Name, Version: r.Info.Version, Description: r.Info.Description})
	}
	return out
}

func inviteURL(clientID string) string {
	return "https://discord.com/oauth2/authorize?client_id=" + clientID + "&permissions=412317273088&scope=bot"
}

// runCheckConfig loads the config and checks every enabled plugin's
// settings against its schema.
func runCheckConfig(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	enabled, err := checkPlugins(builtin.Catalog(), cfg.Plugins)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "config ok: %s\n", configPath)
	fmt.Fprintf(out, "model: %s\n", cfg.LLM.Model)
	if len(enabled) == 0 {
		fmt.Fprintln(out, "plugins: none")
		return nil
	}
	for _, id := range enabled {
		fmt.Fprintf(out, "plugin: %s\n", id)
	}
	return nil
}

func checkPlugins(catalog map[string]plugins.Factory, entries map[string]config.PluginConfig) ([]string, error) {
	var enabled []string
	var errs []error
	for id, entry := range entries {
		if !entry.Enabled {
			continue
		}
		factory, ok := catalog[id]
		if !ok {
			errs = append(errs, fmt.Errorf("plugins.%s: unknown plugin", id))
			continue
		}
		if err := plugins.ValidateSettings(factory().Schema(), entry.Settings); err != nil {
			errs = append(errs, fmt.Errorf("plugins.%s: %w", id, err))
			continue
		}
		enabled = append(enabled, id)
	}
	sort.Strings(enabled)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return enabled, nil
}
