package model

import "encoding/json"

// Receipt is an externally reported status transition for a stored message.
type Receipt struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// UnmarshalJSON accepts timestamps encoded as numbers or numeric strings.
func (r *Receipt) UnmarshalJSON(data []byte) error {
	type plain Receipt
	aux := struct {
		*plain
		Timestamp flexMillis `json:"timestamp"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Timestamp = int64(aux.Timestamp)
	return nil
}

// MatchResult reports whether a status update found its message.
type MatchResult struct {
	Matched bool `json:"matched"`
}
