// Package server defines the frame and hub request types shared by the
// client and hub logic.
package server

import (
	"bytes"
	"encoding/json"
	"strings"
)

// inboundEvent is a frame sent by a client: {"event": "join", "data": "alice"}.
type inboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// conversationID extracts the conversation id carried by a join or leave
// frame. Both a bare string and {"conversation_id": "..."} are accepted.
func (e inboundEvent) conversationID() string {
	data := bytes.TrimSpace(e.Data)
	if len(data) == 0 {
		return ""
	}
	var id string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &id); err != nil {
			return ""
		}
		return strings.TrimSpace(id)
	}
	var obj struct {
		ConversationID string `json:"conversation_id"`
		WaID           string `json:"wa_id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return ""
	}
	if obj.ConversationID != "" {
		return strings.TrimSpace(obj.ConversationID)
	}
	return strings.TrimSpace(obj.WaID)
}

// BroadcastMessage is a payload addressed to one conversation's subscribers.
// queued is closed once the hub has handed the payload to each of them.
type BroadcastMessage struct {
	Room    string
	Payload []byte
	queued  chan struct{}
}

type subscription struct {
	client *Client
	room   string
}

type delivery struct {
	client  *Client
	payload []byte
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
