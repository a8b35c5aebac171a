package protocol

import "github.com/mattjoyce/plapperkasten/internal/event"

// Version is the protocol version spoken over stdin/stdout.
const Version = 1

// MessageType discriminates protocol messages.
type MessageType string

const (
	TypeEvent MessageType = "event"
	TypeLog   MessageType = "log"
	TypeBusy  MessageType = "busy"
	TypeIdle  MessageType = "idle"
)

// Message is one line on the wire. The supervisor only ever writes event
// messages; a plugin may write any type.
type Message struct {
	Type    MessageType  `json:"type"`
	Event   *event.Event `json:"event,omitempty"`
	Level   string       `json:"level,omitempty"`   // log only: debug | info | warn | error
	Message string       `json:"message,omitempty"` // log only
}

// NewEvent wraps ev in an event message.
func NewEvent(ev event.Event) *Message {
	return &Message{Type: TypeEvent, Event: &ev}
}
