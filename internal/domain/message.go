package domain

import "time"

// InboundMessage is a message received from the platform. It is created on
// receipt, consumed by one dispatch cycle, and discarded.
type InboundMessage struct {
	ChannelID   string
	MessageID   string
	AuthorID    string
	AuthorName  string
	IsAdmin     bool
	IsMention   bool // the bot was mentioned directly or via its role
	IsBot       bool
	Content     string
	Attachments []string // attachment URLs, not downloaded by the core
	ReplyToID   string   // message this one replies to, if any
	Timestamp   time.Time
}

// ConversationTurn is one entry of channel history, re-fetched from the
// platform on every request. Never cached across requests.
type ConversationTurn struct {
	Speaker   string
	Content   string
	Timestamp time.Time
}

// ChannelInfo describes the channel a conversation happens in.
type ChannelInfo struct {
	ID    string
	Name  string
	Topic string
}

// MessageRef is a handle to a message the bot has sent, used for edits.
type MessageRef struct {
	ChannelID string
	MessageID string
}
