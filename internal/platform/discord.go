// Package platform contains the Discord adapter behind domain.Platform.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"personabot/internal/domain"
)

const historyFetchMax = 100 // Discord API page limit

// Discord connects one bot account to the Discord gateway and implements
// domain.Platform for the engine bound to it.
type Discord struct {
	token      string
	guildID    string
	statusText string
	session    *discordgo.Session
	onMention  domain.MentionHandler
	onDelete   domain.DeleteHandler
	logger     *slog.Logger
}

type DiscordConfig struct {
	Token      string
	GuildID    string // empty = all guilds
	StatusText string
	Logger     *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	lgr := cfg.Logger
	if lgr == nil {
		lgr = slog.Default()
	}
	return &Discord{
		token:      cfg.Token,
		guildID:    cfg.GuildID,
		statusText: cfg.StatusText,
		logger:     lgr,
	}
}

// SetHandlers wires the engine callbacks. Must be called before Start.
func (d *Discord) SetHandlers(onMention domain.MentionHandler, onDelete domain.DeleteHandler) {
	d.onMention = onMention
	d.onDelete = onDelete
}

// Start opens the gateway connection and blocks until ctx is cancelled.
func (d *Discord) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.StateEnabled = true

	session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info("discord connected", "user", r.User.Username)
		if d.statusText != "" {
			if err := s.UpdateGameStatus(0, d.statusText); err != nil {
				d.logger.Warn("presence update failed", "err", err)
			}
		}
	})
	session.AddHandler(d.handleMessageCreate)
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageDelete) {
		if d.onDelete != nil {
			d.onDelete(m.ID)
		}
	})

	d.session = session
	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	<-ctx.Done()
	d.logger.Info("discord disconnecting")
	if err := session.UpdateStatusComplex(discordgo.UpdateStatusData{Status: string(discordgo.StatusInvisible)}); err != nil {
		d.logger.Debug("offline presence update failed", "err", err)
	}
	return session.Close()
}

func (d *Discord) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID {
		return
	}
	if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
		return
	}
	if d.onMention == nil {
		return
	}

	msg := domain.InboundMessage{
		ChannelID:  m.ChannelID,
		MessageID:  m.ID,
		AuthorID:   m.Author.ID,
		AuthorName: displayName(m.Author),
		IsBot:      m.Author.Bot,
		IsMention:  d.isMentioned(s, m),
		Content:    stripBotMention(m.Content, s.State.User.ID),
		Timestamp:  m.Timestamp,
	}
	for _, att := range m.Attachments {
		msg.Attachments = append(msg.Attachments, att.Filename)
	}
	if m.MessageReference != nil {
		msg.ReplyToID = m.MessageReference.MessageID
	}

	d.onMention(msg)
}

// isMentioned covers direct user mentions, mentions of any role the bot
// holds, and DMs (always addressed to the bot).
func (d *Discord) isMentioned(s *discordgo.Session, m *discordgo.MessageCreate) bool {
	if m.GuildID == "" {
		return true
	}
	botID := s.State.User.ID
	for _, u := range m.Mentions {
		if u.ID == botID {
			return true
		}
	}
	if len(m.MentionRoles) == 0 {
		return false
	}
	member, err := s.State.Member(m.GuildID, botID)
	if err != nil {
		member, err = s.GuildMember(m.GuildID, botID)
	}
	if err != nil || member == nil {
		return false
	}
	for _, mentioned := range m.MentionRoles {
		for _, held := range member.Roles {
			if mentioned == held {
				return true
			}
		}
	}
	return false
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func stripBotMention(content, botID string) string {
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

func (d *Discord) RecentMessages(ctx context.Context, channelID string, limit int) ([]domain.ConversationTurn, error) {
	if limit <= 0 || limit > historyFetchMax {
		limit = historyFetchMax
	}
	msgs, err := d.session.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	// API returns newest first; keep human turns only, oldest first.
	turns := make([]domain.ConversationTurn, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Author == nil || m.Author.Bot || m.Content == "" {
			continue
		}
		turns = append(turns, domain.ConversationTurn{
			Speaker:   displayName(m.Author),
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return turns, nil
}

func (d *Discord) ReferencedMessage(ctx context.Context, channelID, messageID string) (*domain.ConversationTurn, error) {
	m, err := d.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch referenced message: %w", err)
	}
	if m.Author == nil || m.Author.Bot {
		return nil, nil
	}
	return &domain.ConversationTurn{
		Speaker:   displayName(m.Author),
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}, nil
}

func (d *Discord) SendMessage(ctx context.Context, channelID, content string) (domain.MessageRef, error) {
	m, err := d.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return domain.MessageRef{}, fmt.Errorf("send message: %w", err)
	}
	return domain.MessageRef{ChannelID: channelID, MessageID: m.ID}, nil
}

func (d *Discord) EditMessage(ctx context.Context, ref domain.MessageRef, content string) error {
	if _, err := d.session.ChannelMessageEdit(ref.ChannelID, ref.MessageID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

func (d *Discord) SetTyping(ctx context.Context, channelID string) error {
	if err := d.session.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("typing indicator: %w", err)
	}
	return nil
}

func (d *Discord) ChannelInfo(ctx context.Context, channelID string) (domain.ChannelInfo, error) {
	if ch, err := d.session.State.Channel(channelID); err == nil {
		return channelInfo(ch), nil
	}
	ch, err := d.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return domain.ChannelInfo{}, fmt.Errorf("fetch channel: %w", err)
	}
	return channelInfo(ch), nil
}

func channelInfo(ch *discordgo.Channel) domain.ChannelInfo {
	info := domain.ChannelInfo{ID: ch.ID, Name: ch.Name, Topic: ch.Topic}
	if ch.Type == discordgo.ChannelTypeDM || ch.Type == discordgo.ChannelTypeGroupDM {
		info.Name = "direct message"
	}
	return info
}

func (d *Discord) IsAdmin(ctx context.Context, channelID, authorID string) (bool, error) {
	perms, err := d.session.UserChannelPermissions(authorID, channelID)
	if err != nil {
		return false, fmt.Errorf("resolve permissions: %w", err)
	}
	return perms&discordgo.PermissionAdministrator != 0, nil
}

func (d *Discord) RenameChannel(ctx context.Context, channelID, name string) error {
	if _, err := d.session.ChannelEdit(channelID, &discordgo.ChannelEdit{Name: name}, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("rename channel: %w", err)
	}
	return nil
}

func (d *Discord) RenameThread(ctx context.Context, threadID, name string) error {
	ch, err := d.session.Channel(threadID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("fetch thread: %w", err)
	}
	if !ch.IsThread() {
		return fmt.Errorf("channel %s is not a thread", threadID)
	}
	if _, err := d.session.ChannelEdit(threadID, &discordgo.ChannelEdit{Name: name}, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("rename thread: %w", err)
	}
	return nil
}
