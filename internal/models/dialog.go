package models

// Dialog kinds as stored in dialog meta under the "type" key.
const DialogTypeCompanionBot = "companion_bot"

// Meta keys used on dialogs and messages.
const (
	MetaCompanionDialogID = "companionBotDialogId"
	MetaClientDialogID    = "clientDialogId"
	MetaClientUserID      = "clientUserId"
	MetaClientName        = "clientName"
	MetaRelatedDialogID   = "relatedDialogId"
	MetaRelatedMessageID  = "relatedMessageId"
	MetaIsClientMessage   = "isClientMessage"
	MetaIsSuggestion      = "isSuggestion"
	MetaClass             = "class"
)

// Member is a dialog participant.
type Member struct {
	UserID string `json:"userId"`
	Type   string `json:"type"` // "user" or "bot"
	Name   string `json:"name"`
}

// Dialog mirrors the chat backend dialog record. Legacy backends answer with
// any of dialogId, _id or id populated; ResolveID picks the first present.
type Dialog struct {
	DialogID  string         `json:"dialogId,omitempty"`
	LegacyID  string         `json:"_id,omitempty"`
	AltID     string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	CreatedBy string         `json:"createdBy,omitempty"`
	Members   []Member       `json:"members,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// ResolveID returns the dialog identifier regardless of wire shape.
func (d *Dialog) ResolveID() string {
	if d == nil {
		return ""
	}
	if d.DialogID != "" {
		return d.DialogID
	}
	if d.LegacyID != "" {
		return d.LegacyID
	}
	return d.AltID
}

// MetaString reads a meta value as string, unwrapping the {value: x} shape
// some backends return.
func (d *Dialog) MetaString(key string) string {
	if d == nil || d.Meta == nil {
		return ""
	}
	return UnwrapMetaString(d.Meta[key])
}

// UnwrapMetaString converts a meta value to a string, accepting either the
// raw value or a {"value": x} wrapper.
func UnwrapMetaString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if inner, ok := val["value"]; ok {
			if s, ok := inner.(string); ok {
				return s
			}
		}
	}
	return ""
}
