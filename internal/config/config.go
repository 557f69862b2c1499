package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for personabot.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Discord  DiscordConfig  `json:"discord"`
	Provider ProviderConfig `json:"provider"`
	Engine   EngineConfig   `json:"engine"`
	Personas PersonasConfig `json:"personas"`
	Actions  ActionsConfig  `json:"actions"`
	Usage    UsageConfig    `json:"usage"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

type DiscordConfig struct {
	Token                string `json:"token"`
	GuildID              string `json:"guildId,omitempty"` // optional: restrict to specific guild
	Status               string `json:"status,omitempty"`  // presence activity text
	AdminCommandsEnabled bool   `json:"adminCommandsEnabled"`
}

type ProviderConfig struct {
	APIKey              string  `json:"apiKey"`
	APIBase             string  `json:"apiBase,omitempty"`
	Model               string  `json:"model,omitempty"`
	MaxCompletionTokens int     `json:"maxCompletionTokens,omitempty"`
	Temperature         float64 `json:"temperature,omitempty"`
	RequestsPerMinute   int     `json:"requestsPerMinute,omitempty"` // client-side pacing
	RetryAttempts       int     `json:"retryAttempts,omitempty"`     // rate-limit retries per request
	TimeoutSeconds      int     `json:"timeoutSeconds,omitempty"`
}

// EngineConfig tunes the message-intake and response-orchestration engine.
type EngineConfig struct {
	ChatHistoryLimit          int  `json:"chatHistoryLimit"`          // history turns fetched per request
	ContextTokenLimit         int  `json:"contextTokenLimit"`         // hard prompt ceiling
	MaxConcurrentMessages     int  `json:"maxConcurrentMessages"`     // global cap
	MaxConcurrentPerChannel   int  `json:"maxConcurrentPerChannel"`   // per-channel cap
	StreamingUpdateIntervalMs int  `json:"streamingUpdateIntervalMs"` // edit throttle
	EnableTypingIndicator     bool `json:"enableTypingIndicator"`
	MaxResponseLength         int  `json:"maxResponseLength"` // split threshold
	MaxActionIterations       int  `json:"maxActionIterations,omitempty"`
	QueueTTLSeconds           int  `json:"queueTTLSeconds,omitempty"` // 0 = queued messages never expire
}

type PersonasConfig struct {
	Dir       string        `json:"dir"`
	Default   string        `json:"default"`
	Instances []BotInstance `json:"instances,omitempty"`
}

// BotInstance binds a persona to its own Discord identity. Each instance runs
// a fully independent engine; when Token is empty the shared discord.token is
// used (valid only for a single instance).
type BotInstance struct {
	Persona string `json:"persona"`
	Token   string `json:"token,omitempty"`
}

type ActionsConfig struct {
	Enabled      bool     `json:"enabled"`
	RequireAdmin bool     `json:"requireAdmin"`
	Allowed      []string `json:"allowed,omitempty"` // e.g. rename_channel, rename_thread
}

type UsageConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.personabot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".personabot"
	}
	return filepath.Join(home, ".personabot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Personas.Dir = ExpandPath(cfg.Personas.Dir)
	cfg.Usage.DBPath = ExpandPath(cfg.Usage.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Validate(cfg *Config) error {
	var errs []string

	if cfg.Engine.MaxConcurrentMessages < 1 || cfg.Engine.MaxConcurrentMessages > 100 {
		errs = append(errs, "engine.maxConcurrentMessages must be between 1 and 100")
	}
	if cfg.Engine.MaxConcurrentPerChannel < 1 || cfg.Engine.MaxConcurrentPerChannel > cfg.Engine.MaxConcurrentMessages {
		errs = append(errs, "engine.maxConcurrentPerChannel must be between 1 and engine.maxConcurrentMessages")
	}
	if cfg.Engine.ChatHistoryLimit < 1 || cfg.Engine.ChatHistoryLimit > 500 {
		errs = append(errs, "engine.chatHistoryLimit must be between 1 and 500")
	}
	if cfg.Engine.ContextTokenLimit < 256 {
		errs = append(errs, "engine.contextTokenLimit must be >= 256")
	}
	if cfg.Engine.StreamingUpdateIntervalMs < 100 {
		errs = append(errs, "engine.streamingUpdateIntervalMs must be >= 100")
	}
	if cfg.Engine.MaxResponseLength < 1 || cfg.Engine.MaxResponseLength > 2000 {
		errs = append(errs, "engine.maxResponseLength must be between 1 and 2000 (Discord message limit)")
	}
	if cfg.Engine.MaxActionIterations < 1 || cfg.Engine.MaxActionIterations > 20 {
		errs = append(errs, "engine.maxActionIterations must be between 1 and 20")
	}
	if cfg.Provider.RetryAttempts < 0 || cfg.Provider.RetryAttempts > 10 {
		errs = append(errs, "provider.retryAttempts must be between 0 and 10")
	}
	if cfg.Provider.TimeoutSeconds < 1 {
		errs = append(errs, "provider.timeoutSeconds must be >= 1")
	}
	if cfg.Personas.Default == "" {
		errs = append(errs, "personas.default must name a persona")
	}

	seen := map[string]bool{}
	for _, inst := range cfg.Personas.Instances {
		if inst.Persona == "" {
			errs = append(errs, "personas.instances entries must name a persona")
			continue
		}
		if seen[inst.Persona] {
			errs = append(errs, fmt.Sprintf("personas.instances: duplicate persona %s", inst.Persona))
		}
		seen[inst.Persona] = true
	}

	for _, action := range cfg.Actions.Allowed {
		switch action {
		case "rename_channel", "rename_thread":
			// valid
		default:
			errs = append(errs, fmt.Sprintf("actions.allowed: unknown action %s", action))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
