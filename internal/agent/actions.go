package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"personabot/internal/domain"
)

// Action is one capability the model may request during a completion. Each
// action decides its own authorization against the requesting message.
type Action interface {
	Name() string
	Definition() domain.ToolDefinition
	AdminOnly() bool
	Execute(ctx context.Context, msg domain.InboundMessage, args map[string]any) (string, error)
}

// ActionRegistry holds the actions enabled by configuration. Lookups are
// read-only after construction.
type ActionRegistry struct {
	platform  domain.Platform
	actions   map[string]Action
	skipAdmin bool
	logger    *slog.Logger
}

type ActionRegistryConfig struct {
	Platform domain.Platform
	Enabled  []string // action names from config; unknown names rejected by config validation

	// SkipAdminCheck disables the per-action admin gate. Only for servers
	// where every member is trusted.
	SkipAdminCheck bool
	Logger         *slog.Logger
}

func NewActionRegistry(cfg ActionRegistryConfig) *ActionRegistry {
	lgr := cfg.Logger
	if lgr == nil {
		lgr = slog.Default()
	}
	r := &ActionRegistry{
		platform:  cfg.Platform,
		actions:   make(map[string]Action),
		skipAdmin: cfg.SkipAdminCheck,
		logger:    lgr,
	}

	available := []Action{
		&renameChannelAction{platform: cfg.Platform},
		&renameThreadAction{platform: cfg.Platform},
	}
	for _, a := range available {
		for _, name := range cfg.Enabled {
			if a.Name() == name {
				r.actions[name] = a
				break
			}
		}
	}
	return r
}

// Definitions returns the tool definitions to advertise to the provider.
// Empty when no actions are enabled.
func (r *ActionRegistry) Definitions() []domain.ToolDefinition {
	if len(r.actions) == 0 {
		return nil
	}
	defs := make([]domain.ToolDefinition, 0, len(r.actions))
	for _, a := range r.actions {
		defs = append(defs, a.Definition())
	}
	return defs
}

// Execute runs one model-requested action. Admin-only actions verify the
// requesting author through the platform; denial is reported back to the
// model as the tool result, not as an engine error.
func (r *ActionRegistry) Execute(ctx context.Context, msg domain.InboundMessage, call domain.ToolCall) string {
	a, ok := r.actions[call.Name]
	if !ok {
		r.logger.Warn("model requested unknown action", "action", call.Name, "channel_id", msg.ChannelID)
		return fmt.Sprintf("error: action %q is not available", call.Name)
	}

	if a.AdminOnly() && !r.skipAdmin {
		admin, err := r.platform.IsAdmin(ctx, msg.ChannelID, msg.AuthorID)
		if err != nil {
			r.logger.Error("admin check failed", "action", call.Name, "err", err)
			return "error: could not verify permissions"
		}
		if !admin {
			r.logger.Info("action denied, author is not an admin",
				"action", call.Name,
				"author_id", msg.AuthorID,
				"channel_id", msg.ChannelID,
			)
			return "error: this action requires server admin permissions"
		}
	}

	result, err := a.Execute(ctx, msg, call.Arguments)
	if err != nil {
		r.logger.Error("action failed", "action", call.Name, "err", err)
		return "error: " + err.Error()
	}

	r.logger.Info("action executed",
		"action", call.Name,
		"author_id", msg.AuthorID,
		"channel_id", msg.ChannelID,
	)
	return result
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("argument %q must not be empty", key)
	}
	return s, nil
}

type renameChannelAction struct {
	platform domain.Platform
}

func (a *renameChannelAction) Name() string    { return "rename_channel" }
func (a *renameChannelAction) AdminOnly() bool { return true }

func (a *renameChannelAction) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "rename_channel",
		Description: "Rename the current channel. Only available to server admins.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "The new channel name",
				},
			},
			"required": []string{"name"},
		},
	}
}

func (a *renameChannelAction) Execute(ctx context.Context, msg domain.InboundMessage, args map[string]any) (string, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return "", err
	}
	if err := a.platform.RenameChannel(ctx, msg.ChannelID, name); err != nil {
		return "", fmt.Errorf("rename channel: %w", err)
	}
	return fmt.Sprintf("channel renamed to %q", name), nil
}

type renameThreadAction struct {
	platform domain.Platform
}

func (a *renameThreadAction) Name() string    { return "rename_thread" }
func (a *renameThreadAction) AdminOnly() bool { return true }

func (a *renameThreadAction) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "rename_thread",
		Description: "Rename the current thread. Only available to server admins.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "The new thread name",
				},
			},
			"required": []string{"name"},
		},
	}
}

func (a *renameThreadAction) Execute(ctx context.Context, msg domain.InboundMessage, args map[string]any) (string, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return "", err
	}
	if err := a.platform.RenameThread(ctx, msg.ChannelID, name); err != nil {
		return "", fmt.Errorf("rename thread: %w", err)
	}
	return fmt.Sprintf("thread renamed to %q", name), nil
}
