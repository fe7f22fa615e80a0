package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kebo-ai/billsplit/internal/feed"
)

// ChangeMessage carries one feed change between server instances.
// Origin identifies the publishing instance so it can skip its own messages.
type ChangeMessage struct {
	Origin    string      `json:"origin"`
	Change    feed.Change `json:"change"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewChangeMessage wraps c for publishing.
func NewChangeMessage(origin string, c feed.Change) *ChangeMessage {
	return &ChangeMessage{
		Origin:    origin,
		Change:    c,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *ChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ChangeMessageFromJSON decodes a message and validates its change.
func ChangeMessageFromJSON(data []byte) (*ChangeMessage, error) {
	var msg ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := msg.Change.Validate(); err != nil {
		return nil, fmt.Errorf("invalid change: %w", err)
	}
	return &msg, nil
}
