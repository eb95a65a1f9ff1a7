package session

import (
	"time"

	"github.com/google/uuid"
)

// Chat roles. The planner and payload adapter only understand these three.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Media attachment kinds.
const (
	MediaImage    = "image"
	MediaAudio    = "audio"
	MediaDocument = "document"
)

// MediaRef points at a local media file attached to a message. Only image
// attachments on user messages are ever forwarded to the engine, and only
// when the loaded model supports vision.
type MediaRef struct {
	Type string `json:"type"`
	URI  string `json:"uri"`
}

// ChatMessage is one turn of conversation. Messages are immutable once
// constructed: the planner selects and reorders them but never rewrites
// content, except for the synthesized omission note it inserts on
// truncation.
type ChatMessage struct {
	ID          string     `json:"id"`
	Role        string     `json:"role"`
	Content     string     `json:"content"`
	Attachments []MediaRef `json:"attachments,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// NewMessage constructs a ChatMessage with a fresh ID and the current time.
func NewMessage(role, content string) ChatMessage {
	return ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// WithAttachments returns a copy of the message carrying the given media.
func (m ChatMessage) WithAttachments(refs ...MediaRef) ChatMessage {
	m.Attachments = append([]MediaRef(nil), refs...)
	return m
}

// imageAttachments returns the image refs on a message, nil if none.
func (m ChatMessage) imageAttachments() []MediaRef {
	var imgs []MediaRef
	for _, ref := range m.Attachments {
		if ref.Type == MediaImage {
			imgs = append(imgs, ref)
		}
	}
	return imgs
}
