package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Kinds published by the messaging core. Subscribers filter by namespace
// prefix, e.g. "message." receives every message event.
const (
	KindConnState          = "conn.state"
	KindMessageUpserted    = "message.upserted"
	KindMessageStatus      = "message.status"
	KindMessageSendFailed  = "message.send_failed"
	KindTypingChanged      = "typing.changed"
	KindPresenceChanged    = "presence.changed"
	KindConversationUpdate = "conversation.updated"
)

// MessageRef is the payload for message.upserted events.
type MessageRef struct {
	ConversationID string
	MsgID          string
}

// StatusChange is the payload for message.status events.
type StatusChange struct {
	ConversationID string
	MsgID          string
	Status         string
}

// SendFailure is the payload for message.send_failed events.
type SendFailure struct {
	ConversationID string
	ClientMsgID    string
	Err            string
}

// TypingChange is the payload for typing.changed events. Typers is the
// unordered set of user ids currently typing in the conversation.
type TypingChange struct {
	ConversationID string
	Typers         []string
}

// ConversationRef is the payload for conversation.updated events.
type ConversationRef struct {
	ConversationID string
}

// PresenceChange is the payload for presence.changed events.
type PresenceChange struct {
	UserID string
	Online bool
}
