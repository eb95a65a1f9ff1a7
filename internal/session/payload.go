package session

import (
	"strings"

	"Hearth/internal/engine"
)

// EnginePayload shapes planned messages into the binding's wire form. Text
// messages pass through as plain {role, content}. A user message carrying
// image attachments becomes a multi-part message when the loaded model
// supports vision: image parts first, text part last. Assistant messages
// stay plain strings no matter what they carry.
func EnginePayload(messages []ChatMessage, visionSupported bool) []engine.Message {
	out := make([]engine.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleUser && visionSupported {
			if imgs := m.imageAttachments(); len(imgs) > 0 {
				parts := make([]engine.Part, 0, len(imgs)+1)
				for _, ref := range imgs {
					parts = append(parts, engine.Part{
						Type: "image_url",
						URL:  localFileURL(ref.URI),
					})
				}
				parts = append(parts, engine.Part{Type: "text", Text: m.Content})
				out = append(out, engine.Message{Role: m.Role, Parts: parts})
				continue
			}
		}
		out = append(out, engine.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// localFileURL normalizes a media URI to a file:// reference. URIs that
// already carry a scheme pass through untouched.
func localFileURL(uri string) string {
	if strings.Contains(uri, "://") {
		return uri
	}
	return "file://" + uri
}
