package model

import (
	"fmt"
	"strings"
)

// Member is a known identity that messages may reference through Sender.
type Member struct {
	WaID string `json:"wa_id" db:"wa_id" bson:"wa_id"`
	Name string `json:"name"  db:"name"  bson:"name"`
}

// Validate checks that both fields are present.
func (m *Member) Validate() error {
	if strings.TrimSpace(m.WaID) == "" || strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: wa_id and name are required", ErrValidation)
	}
	return nil
}
