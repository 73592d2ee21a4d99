package chat

import "encoding/json"

// Push channel event names.
const (
	EventJoin          = "join"
	EventLeave         = "leave"
	EventJoined        = "joined"
	EventLeft          = "left"
	EventNewMessage    = "new_message"
	EventMessageStatus = "message_status"
	EventError         = "error"
)

// Event is one frame on the push channel.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// EncodeEvent renders an event frame.
func EncodeEvent(name string, data any) ([]byte, error) {
	return json.Marshal(Event{Event: name, Data: data})
}
