package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Discord: DiscordConfig{
			Token:                "${DISCORD_BOT_TOKEN}",
			Status:               "everyone's conversations",
			AdminCommandsEnabled: true,
		},
		Provider: ProviderConfig{
			APIKey:              "${OPENAI_API_KEY}",
			APIBase:             "https://api.openai.com/v1",
			Model:               "gpt-4o-mini",
			MaxCompletionTokens: 2000,
			Temperature:         1.0,
			RequestsPerMinute:   50,
			RetryAttempts:       3,
			TimeoutSeconds:      30,
		},
		Engine: EngineConfig{
			ChatHistoryLimit:          100,
			ContextTokenLimit:         125000,
			MaxConcurrentMessages:     20,
			MaxConcurrentPerChannel:   3,
			StreamingUpdateIntervalMs: 700,
			EnableTypingIndicator:     true,
			MaxResponseLength:         2000,
			MaxActionIterations:       3,
		},
		Personas: PersonasConfig{
			Dir:     "~/.personabot/personas",
			Default: "friendly",
		},
		Actions: ActionsConfig{
			Enabled:      false,
			RequireAdmin: true,
		},
		Usage: UsageConfig{
			Enabled: true,
			DBPath:  "~/.personabot/usage.db",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9109",
		},
	}
}
