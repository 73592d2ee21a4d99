package model

// Conversation is the derived view of every message sharing a conversation
// id. It is computed on demand and never stored.
type Conversation struct {
	ID       string    `json:"_id"`
	Messages []Message `json:"messages"`
}
