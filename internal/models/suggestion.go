package models

// Suggestion is the structured result of one generation call. It is never
// persisted as-is; only its rendered text form becomes a chat message.
type Suggestion struct {
	Recommendation string   `json:"recommendation"`
	Examples       []string `json:"examples"`
}

// Empty reports whether the suggestion carries nothing worth delivering.
func (s Suggestion) Empty() bool {
	return s.Recommendation == "" && len(s.Examples) == 0
}
