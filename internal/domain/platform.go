package domain

import "context"

// MentionHandler receives messages that mention the bot.
type MentionHandler func(msg InboundMessage)

// DeleteHandler receives the ID of a deleted message so in-flight work for it
// can be cancelled.
type DeleteHandler func(messageID string)

// Platform is the messaging-platform boundary the engine talks to. The
// Discord adapter implements it; tests substitute fakes.
type Platform interface {
	// RecentMessages returns up to limit history turns for a channel,
	// oldest first. Bot-authored messages are excluded.
	RecentMessages(ctx context.Context, channelID string, limit int) ([]ConversationTurn, error)

	// ReferencedMessage resolves the message a reply points at. Returns nil
	// without error when it cannot be fetched or was authored by a bot.
	ReferencedMessage(ctx context.Context, channelID, messageID string) (*ConversationTurn, error)

	SendMessage(ctx context.Context, channelID, content string) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, content string) error
	SetTyping(ctx context.Context, channelID string) error
	ChannelInfo(ctx context.Context, channelID string) (ChannelInfo, error)
	IsAdmin(ctx context.Context, channelID, authorID string) (bool, error)

	// RenameChannel and RenameThread back the model-requested actions.
	RenameChannel(ctx context.Context, channelID, name string) error
	RenameThread(ctx context.Context, threadID, name string) error
}
