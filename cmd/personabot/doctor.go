package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"personabot/internal/config"
	"personabot/internal/domain"
	"personabot/internal/persona"
	"personabot/internal/provider"
	"personabot/internal/usage"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose configuration and connectivity",
		RunE:  runDoctor,
	}
}

type check struct {
	name string
	run  func(ctx context.Context) error
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var cfg *config.Config
	checks := []check{
		{"config loads and validates", func(ctx context.Context) error {
			var err error
			cfg, err = config.Load(resolveConfigPath())
			return err
		}},
		{"discord token present", func(ctx context.Context) error {
			if strings.Contains(cfg.Discord.Token, "${") || cfg.Discord.Token == "" {
				hasInstanceTokens := len(cfg.Personas.Instances) > 0
				for _, inst := range cfg.Personas.Instances {
					if inst.Token == "" || strings.Contains(inst.Token, "${") {
						hasInstanceTokens = false
						break
					}
				}
				if !hasInstanceTokens {
					return fmt.Errorf("no usable token (set DISCORD_BOT_TOKEN or per-instance tokens)")
				}
			}
			return nil
		}},
		{"persona directory loads", func(ctx context.Context) error {
			reg, err := persona.LoadDirectory(cfg.Personas.Dir, cfg.Personas.Default, logger)
			if err != nil {
				return err
			}
			for _, inst := range cfg.Personas.Instances {
				if reg.Get(inst.Persona) == nil {
					return fmt.Errorf("instance persona %q not found (available: %v)", inst.Persona, reg.Names())
				}
			}
			return nil
		}},
		{"provider reachable", func(ctx context.Context) error {
			client := doctorClient(cfg)
			return client.Healthy(ctx)
		}},
		{"provider answers a completion", func(ctx context.Context) error {
			client := doctorClient(cfg)
			res, err := client.Complete(ctx, domain.CompletionRequest{
				Messages:  []domain.PromptMessage{{Role: "user", Content: "Reply with the single word: pong"}},
				MaxTokens: 10,
			})
			if err != nil {
				return err
			}
			if res.Text == "" {
				return fmt.Errorf("empty completion")
			}
			return nil
		}},
		{"usage database opens", func(ctx context.Context) error {
			if !cfg.Usage.Enabled {
				return nil
			}
			store, err := usage.NewStore(cfg.Usage.DBPath, logger)
			if err != nil {
				return err
			}
			return store.Close()
		}},
	}

	failed := 0
	for _, c := range checks {
		if cfg == nil && c.name != "config loads and validates" {
			fmt.Printf("SKIP %s (no config)\n", c.name)
			continue
		}
		if err := c.run(ctx); err != nil {
			failed++
			fmt.Printf("FAIL %s: %v\n", c.name, err)
			continue
		}
		fmt.Printf("ok   %s\n", c.name)
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	fmt.Println("all checks passed")
	return nil
}

func doctorClient(cfg *config.Config) *provider.Client {
	return provider.NewClient(provider.ClientConfig{
		APIKey:  cfg.Provider.APIKey,
		APIBase: cfg.Provider.APIBase,
		Model:   cfg.Provider.Model,
		Logger:  logger,
	})
}
