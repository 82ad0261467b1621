package models

// Broker event types this service reacts to.
const (
	EventMessageCreate = "message.create"
	EventMessageUpdate = "message.update"
)

// UpdateData is the payload of a broker update event.
type UpdateData struct {
	Message *Message `json:"message,omitempty"`
	Dialog  *Dialog  `json:"dialog,omitempty"`
}

// Update is one event pulled off the updates exchange.
type Update struct {
	EventType string      `json:"eventType"`
	CreatedAt any         `json:"createdAt,omitempty"`
	Data      *UpdateData `json:"data,omitempty"`
}

// HasMessagePayload reports whether the event carries both a message and a
// dialog; events without either are acknowledged and dropped.
func (u *Update) HasMessagePayload() bool {
	return u != nil && u.Data != nil && u.Data.Message != nil && u.Data.Dialog != nil
}
