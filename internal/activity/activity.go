// Package activity defines the channel-agnostic message envelope exchanged
// between platform adapters and bot logic.
package activity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type distinguishes a user-visible chat message from a platform notification.
type Type string

const (
	TypeMessage Type = "message"
	TypeEvent   Type = "event"
)

// Activity is the generic envelope for one inbound or outbound chat event.
// ChannelData always carries the verbatim platform payload (inbound) or the
// caller-supplied platform extension fields (outbound); adapters read it but
// never synthesize it.
type Activity struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Name      string    `json:"name,omitempty"` // event subtype tag, e.g. "message_echo", "bot_room_join"
	Timestamp time.Time `json:"timestamp"`

	ChannelID      string `json:"channelId"`
	ConversationID string `json:"conversationId"`
	ThreadID       string `json:"threadId,omitempty"` // sub-conversation within ConversationID, when the platform has threads

	FromID      string `json:"fromId"`
	RecipientID string `json:"recipientId,omitempty"`

	Text string `json:"text"`

	ChannelData json.RawMessage `json:"channelData,omitempty"`
}

// IsMessage reports whether the activity is an ordinary chat message.
func (a Activity) IsMessage() bool { return a.Type == TypeMessage }

// DecodeChannelData unmarshals the raw platform payload into v.
func (a Activity) DecodeChannelData(v any) error {
	if len(a.ChannelData) == 0 {
		return fmt.Errorf("activity %s has no channel data", a.ID)
	}
	if err := json.Unmarshal(a.ChannelData, v); err != nil {
		return fmt.Errorf("decode channel data: %w", err)
	}
	return nil
}

// NewID returns a generated activity ID for payloads that carry none.
func NewID() string { return uuid.NewString() }

// New returns a Message activity with Timestamp set to now.
func New(channelID, conversationID, text string) Activity {
	return Activity{
		ID:             NewID(),
		Type:           TypeMessage,
		Timestamp:      time.Now(),
		ChannelID:      channelID,
		ConversationID: conversationID,
		Text:           text,
	}
}
