package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Valid reports whether s is one of the known delivery states.
func (s Status) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead:
		return true
	}
	return false
}

// ParseStatus converts a receipt status string into a Status.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
	return status, nil
}

// Message is a single chat message. Once stored, only Status and
// StatusTimestamp change.
type Message struct {
	ID              string `json:"id"                         db:"id"               bson:"id"`
	ConversationID  string `json:"conversation_id"            db:"conversation_id"  bson:"conversation_id"`
	Text            string `json:"text"                       db:"text"             bson:"text"`
	FromMe          bool   `json:"from_me"                    db:"from_me"          bson:"from_me"`
	Sender          string `json:"sender,omitempty"           db:"sender"           bson:"sender,omitempty"`
	Timestamp       int64  `json:"timestamp"                  db:"timestamp"        bson:"timestamp"`
	Status          Status `json:"status"                     db:"status"           bson:"status"`
	StatusTimestamp *int64 `json:"status_timestamp,omitempty" db:"status_timestamp" bson:"status_timestamp,omitempty"`
}

// Validate checks the fields required to store a message.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.ConversationID) == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrValidation)
	}
	if strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrValidation)
	}
	if m.Status != "" && !m.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, m.Status)
	}
	return nil
}

// UnmarshalJSON accepts the legacy wa_id key for the conversation id and
// epoch values encoded either as numbers or as numeric strings.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		WaID            string      `json:"wa_id"`
		Timestamp       flexMillis  `json:"timestamp"`
		StatusTimestamp *flexMillis `json:"status_timestamp"`
	}{plain: (*plain)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if m.ConversationID == "" {
		m.ConversationID = aux.WaID
	}
	m.Timestamp = int64(aux.Timestamp)
	if aux.StatusTimestamp != nil {
		ts := int64(*aux.StatusTimestamp)
		m.StatusTimestamp = &ts
	}
	return nil
}

// flexMillis decodes an epoch value from a JSON number, a numeric string or null.
type flexMillis int64

func (f *flexMillis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if strings.TrimSpace(raw) == "" {
			*f = 0
			return nil
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		fl, ferr := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if ferr != nil {
			return fmt.Errorf("invalid epoch value %s: %w", data, err)
		}
		n = int64(fl)
	}
	*f = flexMillis(n)
	return nil
}
