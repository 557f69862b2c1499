package config

import (
	"os"
	"path/filepath"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_MaxConcurrentMessages_Bounds(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.MaxConcurrentMessages = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxConcurrentMessages=0")
	}

	cfg = Defaults()
	cfg.Engine.MaxConcurrentMessages = 999
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxConcurrentMessages=999")
	}
}

func TestValidate_PerChannelCap_CannotExceedGlobal(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.MaxConcurrentMessages = 2
	cfg.Engine.MaxConcurrentPerChannel = 5
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when per-channel cap exceeds global cap")
	}
}

func TestValidate_MaxResponseLength_DiscordLimit(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.MaxResponseLength = 4000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxResponseLength beyond Discord's 2000")
	}
}

func TestValidate_UnknownAction(t *testing.T) {
	cfg := Defaults()
	cfg.Actions.Allowed = []string{"delete_server"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestValidate_KnownActions(t *testing.T) {
	cfg := Defaults()
	cfg.Actions.Allowed = []string{"rename_channel", "rename_thread"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("rename actions should be valid: %v", err)
	}
}

func TestValidate_DuplicateInstancePersona(t *testing.T) {
	cfg := Defaults()
	cfg.Personas.Instances = []BotInstance{
		{Persona: "friendly"},
		{Persona: "friendly"},
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for duplicate instance persona")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_Basic(t *testing.T) {
	os.Setenv("PB_TEST_VAR", "hello")
	defer os.Unsetenv("PB_TEST_VAR")

	got := ExpandEnvVars("token is ${PB_TEST_VAR}")
	if got != "token is hello" {
		t.Errorf("expected expansion, got %q", got)
	}
}

func TestExpandEnvVars_Default(t *testing.T) {
	os.Unsetenv("PB_MISSING_VAR")

	got := ExpandEnvVars("${PB_MISSING_VAR:-fallback}")
	if got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
}

func TestExpandEnvVars_UnsetNoDefault_KeptVerbatim(t *testing.T) {
	os.Unsetenv("PB_MISSING_VAR")

	got := ExpandEnvVars("${PB_MISSING_VAR}")
	if got != "${PB_MISSING_VAR}" {
		t.Errorf("expected original text kept, got %q", got)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Defaults()
	cfg.Engine.ChatHistoryLimit = 42
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Engine.ChatHistoryLimit != 42 {
		t.Errorf("expected chatHistoryLimit=42, got %d", loaded.Engine.ChatHistoryLimit)
	}
}

func TestLoad_ExpandsEnvInFile(t *testing.T) {
	os.Setenv("PB_FILE_TOKEN", "tok-123")
	defer os.Unsetenv("PB_FILE_TOKEN")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data := `{"discord": {"token": "${PB_FILE_TOKEN}"}}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Discord.Token != "tok-123" {
		t.Errorf("expected env-expanded token, got %q", cfg.Discord.Token)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
