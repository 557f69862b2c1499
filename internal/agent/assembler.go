package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"personabot/internal/domain"
	"personabot/internal/persona"
)

// PromptContext is the fully assembled prompt for one request. Built fresh
// every time, owned by exactly one in-flight request.
type PromptContext struct {
	Persona      *persona.Persona
	ChannelName  string
	ChannelTopic string
	ReplyTo      *domain.ConversationTurn
	Turns        []domain.ConversationTurn // oldest to newest, trimmed to budget
	UserName     string
	UserMessage  string
}

// Assembler builds prompt contexts. History is re-fetched from the platform
// on every call: freshness over reuse.
type Assembler struct {
	platform     domain.Platform
	budgeter     *Budgeter
	historyLimit int
	logger       *slog.Logger
}

type AssemblerConfig struct {
	Platform     domain.Platform
	Budgeter     *Budgeter
	HistoryLimit int
	Logger       *slog.Logger
}

func NewAssembler(cfg AssemblerConfig) *Assembler {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	lgr := cfg.Logger
	if lgr == nil {
		lgr = slog.Default()
	}
	return &Assembler{
		platform:     cfg.Platform,
		budgeter:     cfg.Budgeter,
		historyLimit: cfg.HistoryLimit,
		logger:       lgr,
	}
}

// Build assembles the prompt for msg under the configured persona. Returns
// domain.ErrContextOverflow when the untrimmable portions alone exceed the
// token ceiling.
func (a *Assembler) Build(ctx context.Context, p *persona.Persona, msg domain.InboundMessage) (*PromptContext, error) {
	info, err := a.platform.ChannelInfo(ctx, msg.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("%w: channel info: %w", domain.ErrPlatformError, err)
	}

	pc := &PromptContext{
		Persona:      p,
		ChannelName:  info.Name,
		ChannelTopic: info.Topic,
		UserName:     msg.AuthorName,
		UserMessage:  msg.Content,
	}

	if msg.ReplyToID != "" {
		ref, err := a.platform.ReferencedMessage(ctx, msg.ChannelID, msg.ReplyToID)
		if err != nil {
			a.logger.Warn("cannot fetch reply target, continuing without it",
				"channel_id", msg.ChannelID, "message_id", msg.ReplyToID, "err", err)
		} else {
			pc.ReplyTo = ref
		}
	}

	turns, err := a.platform.RecentMessages(ctx, msg.ChannelID, a.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %w", domain.ErrPlatformError, err)
	}

	// The reply target would appear twice: once as reply context and once in
	// history. Keep the reply-context copy.
	if pc.ReplyTo != nil {
		filtered := turns[:0]
		for _, turn := range turns {
			if turn.Speaker == pc.ReplyTo.Speaker && turn.Content == pc.ReplyTo.Content {
				continue
			}
			filtered = append(filtered, turn)
		}
		turns = filtered
	}

	kept, err := a.budgeter.FitTurns(pc.reservedTokens(), turns)
	if err != nil {
		return nil, err
	}
	pc.Turns = kept

	if len(kept) < len(turns) {
		a.logger.Debug("history trimmed to token budget",
			"channel_id", msg.ChannelID,
			"fetched", len(turns),
			"kept", len(kept),
		)
	}

	return pc, nil
}

// promptOverhead covers the section headers and instructions Render adds
// around the variable content.
const promptOverhead = 120

// reservedTokens is the token cost of everything that is never trimmed.
func (pc *PromptContext) reservedTokens() int {
	reserved := EstimateTokens(pc.Persona.SystemPrompt) +
		EstimateTokens(pc.ChannelName) +
		EstimateTokens(pc.ChannelTopic) +
		EstimateTokens(pc.UserName) +
		EstimateTokens(pc.UserMessage) +
		promptOverhead
	if pc.ReplyTo != nil {
		reserved += TurnCost(*pc.ReplyTo)
	}
	return reserved
}

// Render flattens the context into the user-role prompt text, mirroring the
// section layout the personas are written against.
func (pc *PromptContext) Render() string {
	var sb strings.Builder

	sb.WriteString("# Channel\n")
	sb.WriteString("Name: " + pc.ChannelName + "\n")
	topic := pc.ChannelTopic
	if topic == "" {
		topic = "(none)"
	}
	sb.WriteString("Topic: " + topic + "\n")

	if pc.ReplyTo != nil {
		sb.WriteString("\n# Message being replied to\n")
		sb.WriteString(pc.ReplyTo.Speaker + ": " + pc.ReplyTo.Content + "\n")
	}

	if len(pc.Turns) > 0 {
		sb.WriteString("\n# Recent conversation\n")
		for _, turn := range pc.Turns {
			sb.WriteString(turn.Speaker + ": " + turn.Content + "\n")
		}
	}

	sb.WriteString("\n# Current message\n")
	sb.WriteString(pc.UserName + ": " + pc.UserMessage + "\n")

	if pc.ReplyTo != nil {
		sb.WriteString("\nReply to the referenced message in character.\n")
	} else {
		sb.WriteString("\nReply to the current message in character.\n")
	}

	return sb.String()
}

// Messages converts the context into the provider conversation.
func (pc *PromptContext) Messages() []domain.PromptMessage {
	return []domain.PromptMessage{
		{Role: "system", Content: pc.Persona.SystemPrompt},
		{Role: "user", Content: pc.Render()},
	}
}
