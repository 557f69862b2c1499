package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"personabot/internal/agent"
	"personabot/internal/config"
	"personabot/internal/domain"
	"personabot/internal/metrics"
	"personabot/internal/persona"
	"personabot/internal/platform"
	"personabot/internal/provider"
	"personabot/internal/usage"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "personabot",
		Short: "personabot: persona-driven Discord chat bot",
		Long:  "personabot runs one or more AI chat personas on Discord, streaming model responses into channel messages.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.personabot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and persona directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}

			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}

			personaDir := config.ExpandPath(cfg.Personas.Dir)
			if err := os.MkdirAll(personaDir, 0o755); err != nil {
				return err
			}
			defaultPersona := filepath.Join(personaDir, cfg.Personas.Default+".md")
			if _, err := os.Stat(defaultPersona); os.IsNotExist(err) {
				if err := os.WriteFile(defaultPersona, []byte(starterPersona), 0o644); err != nil {
					return err
				}
			}

			logger.Info("initialized", "config", cfgPath, "personas", personaDir)
			return nil
		},
	}
}

const starterPersona = `---
displayName: Friendly
---
You are a friendly, helpful member of this Discord server. Keep replies
conversational and concise. Stay in character and never mention that you
are a language model.
`

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to Discord and serve all configured personas",
		RunE:  runBot,
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	logger = buildLogger(cfg.General)

	registry, err := persona.LoadDirectory(cfg.Personas.Dir, cfg.Personas.Default, logger)
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store domain.UsageStore
	if cfg.Usage.Enabled {
		s, err := usage.NewStore(cfg.Usage.DBPath, logger)
		if err != nil {
			return fmt.Errorf("open usage store: %w", err)
		}
		defer s.Close()
		store = s
	}

	collector := metrics.NewCollector()
	if cfg.Metrics.Enabled {
		addr := cfg.Metrics.Addr
		if addr == "" {
			addr = ":9090"
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	instances := cfg.Personas.Instances
	if len(instances) == 0 {
		instances = []config.BotInstance{{Persona: cfg.Personas.Default}}
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, inst := range instances {
		token := inst.Token
		if token == "" {
			if len(instances) > 1 {
				return fmt.Errorf("instance %s needs its own token when running multiple personas", inst.Persona)
			}
			token = cfg.Discord.Token
		}
		p := registry.Get(inst.Persona)
		if p == nil {
			return fmt.Errorf("persona %q not loaded (available: %v)", inst.Persona, registry.Names())
		}
		group.Go(func() error {
			return runInstance(ctx, cfg, p, token, store, collector)
		})
	}
	return group.Wait()
}

// runInstance assembles one fully independent engine for a persona and
// blocks on its gateway connection.
func runInstance(ctx context.Context, cfg *config.Config, p *persona.Persona, token string, store domain.UsageStore, collector *metrics.Collector) error {
	lgr := logger.With("persona", p.Name)

	discord := platform.NewDiscord(platform.DiscordConfig{
		Token:      token,
		GuildID:    cfg.Discord.GuildID,
		StatusText: cfg.Discord.Status,
		Logger:     lgr,
	})

	client := provider.NewClient(provider.ClientConfig{
		APIKey:  cfg.Provider.APIKey,
		APIBase: cfg.Provider.APIBase,
		Model:   cfg.Provider.Model,
		Timeout: time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
		Logger:  lgr,
	})

	var enabledActions []string
	if cfg.Actions.Enabled {
		enabledActions = cfg.Actions.Allowed
	}

	dispatcher := agent.NewDispatcher(agent.DispatcherConfig{
		Platform: discord,
		Provider: client,
		Admission: agent.NewAdmission(agent.AdmissionConfig{
			GlobalLimit:  cfg.Engine.MaxConcurrentMessages,
			ChannelLimit: cfg.Engine.MaxConcurrentPerChannel,
			QueueTTL:     time.Duration(cfg.Engine.QueueTTLSeconds) * time.Second,
			Logger:       lgr,
		}),
		Assembler: agent.NewAssembler(agent.AssemblerConfig{
			Platform:     discord,
			Budgeter:     &agent.Budgeter{Ceiling: cfg.Engine.ContextTokenLimit},
			HistoryLimit: cfg.Engine.ChatHistoryLimit,
			Logger:       lgr,
		}),
		Renderer: agent.NewRenderer(agent.RendererConfig{
			Sink:           discord,
			UpdateInterval: time.Duration(cfg.Engine.StreamingUpdateIntervalMs) * time.Millisecond,
			MaxLength:      cfg.Engine.MaxResponseLength,
			TypingEnabled:  cfg.Engine.EnableTypingIndicator,
			Logger:         lgr,
		}),
		Actions: agent.NewActionRegistry(agent.ActionRegistryConfig{
			Platform:       discord,
			Enabled:        enabledActions,
			SkipAdminCheck: !cfg.Actions.RequireAdmin,
			Logger:         lgr,
		}),
		Pacer:         agent.NewCallPacer(cfg.Provider.RequestsPerMinute/5+1, float64(cfg.Provider.RequestsPerMinute)),
		Persona:       p,
		Usage:         store,
		Metrics:       metrics.NewEngineMetrics(collector, p.Name),
		Logger:        lgr,
		Model:         cfg.Provider.Model,
		MaxTokens:     cfg.Provider.MaxCompletionTokens,
		Temperature:   cfg.Provider.Temperature,
		RetryAttempts: cfg.Provider.RetryAttempts,
		MaxIterations: cfg.Engine.MaxActionIterations,
		AdminCommands: cfg.Discord.AdminCommandsEnabled,
	})

	dispatcher.Start(ctx)
	discord.SetHandlers(dispatcher.HandleMention, dispatcher.CancelRequest)

	lgr.Info("starting engine", "model", cfg.Provider.Model)
	return discord.Start(ctx)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show provider health and usage totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			client := provider.NewClient(provider.ClientConfig{
				APIKey:  cfg.Provider.APIKey,
				APIBase: cfg.Provider.APIBase,
				Model:   cfg.Provider.Model,
				Logger:  logger,
			})
			if err := client.Healthy(ctx); err != nil {
				fmt.Printf("provider: unhealthy (%v)\n", err)
			} else {
				fmt.Println("provider: healthy")
			}

			if !cfg.Usage.Enabled {
				fmt.Println("usage tracking: disabled")
				return nil
			}
			store, err := usage.NewStore(cfg.Usage.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open usage store: %w", err)
			}
			defer store.Close()

			totals, err := store.Totals(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("usage: %d requests, %d prompt + %d completion tokens, $%.4f\n",
				totals.Requests, totals.PromptTokens, totals.CompletionTokens, totals.CostUSD)

			top, err := store.TopUsers(ctx, 5)
			if err != nil {
				return err
			}
			for _, u := range top {
				fmt.Printf("  %-20s %6d requests %10d tokens $%.4f\n",
					u.UserName, u.Requests, u.PromptTokens+u.CompletionTokens, u.CostUSD)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("personabot", version)
		},
	}
}

// buildLogger honors general.logLevel and an optional log file.
func buildLogger(cfg config.GeneralConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, logging to stderr", "path", cfg.LogFile, "err", err)
		} else {
			out = io.MultiWriter(os.Stderr, f)
		}
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}
