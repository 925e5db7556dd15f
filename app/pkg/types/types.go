package types

import "context"

// Message is one unit of traffic on a chat channel, inbound or outbound.
type Message struct {
	ID        string
	ChatID    string // channel-specific chat identity of the peer
	Text      string
	Contact   *Contact // set when the inbound message carries a contact card
	ChannelID string   // source channel identifier (e.g., "telegram", "cli")
	Meta      map[string]interface{}
}

// Contact is a verified contact payload shared by the peer.
type Contact struct {
	PhoneNumber string
}

// Meta keys understood by channels on outbound messages.
const (
	MetaParseMode      = "parse_mode"      // string, e.g. "MarkdownV2"
	MetaKeyboard       = "keyboard"        // [][]string reply-keyboard rows
	MetaRequestContact = "request_contact" // bool, add a share-contact button
)

// Channel is a bidirectional message transport (Telegram, CLI).
type Channel interface {
	Start(ctx context.Context, handler func(Message)) error
	Send(ctx context.Context, msg Message) error
	ID() string
}
