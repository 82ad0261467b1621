package models

// SenderInfo carries display data about a message author when the backend
// includes it in the event payload.
type SenderInfo struct {
	Name string `json:"name,omitempty"`
}

// Message mirrors the chat backend message record. CreatedAt is left untyped
// because upstream sends seconds, milliseconds or ISO strings depending on
// the backend version; normalization happens in the companion package.
type Message struct {
	MessageID  string         `json:"messageId,omitempty"`
	LegacyID   string         `json:"_id,omitempty"`
	AltID      string         `json:"id,omitempty"`
	DialogID   string         `json:"dialogId,omitempty"`
	SenderID   string         `json:"senderId,omitempty"`
	Type       string         `json:"type,omitempty"`
	Content    string         `json:"content,omitempty"`
	CreatedAt  any            `json:"createdAt,omitempty"`
	Timestamp  any            `json:"timestamp,omitempty"`
	SenderInfo *SenderInfo    `json:"senderInfo,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ResolveID returns the message identifier regardless of wire shape.
func (m *Message) ResolveID() string {
	if m == nil {
		return ""
	}
	if m.MessageID != "" {
		return m.MessageID
	}
	if m.LegacyID != "" {
		return m.LegacyID
	}
	return m.AltID
}

// When returns the raw timestamp, preferring createdAt over the legacy
// timestamp field.
func (m *Message) When() any {
	if m == nil {
		return nil
	}
	if m.CreatedAt != nil {
		return m.CreatedAt
	}
	return m.Timestamp
}

// SenderName prefers the display name, falling back to the sender id.
func (m *Message) SenderName() string {
	if m == nil {
		return ""
	}
	if m.SenderInfo != nil && m.SenderInfo.Name != "" {
		return m.SenderInfo.Name
	}
	return m.SenderID
}
