package store

// Message delivery statuses. Order matters: a status never moves backwards
// except the explicit failed -> sending retry path.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Conversation statuses.
const (
	ConvoActive   = "active"
	ConvoArchived = "archived"
	ConvoBlocked  = "blocked"
)

// Outbox entry statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// Conversation represents a synced conversation with its aggregates.
type Conversation struct {
	ID                 string
	Key                string // dedupe key: sorted participants + context ref
	Participants       []string
	Status             string
	UnreadCount        int
	LastMessageID      string
	LastMessagePreview string
	LastMessageAt      int64
}

// Message represents a stored message. MsgID holds the client id until the
// server assigns a canonical id, after which ResolveClientID rewrites it in
// place; ClientMsgID keeps the original client id for our own messages.
type Message struct {
	RowID          int64
	ConversationID string
	MsgID          string
	ClientMsgID    string
	SenderID       string
	Body           string
	Kind           string
	FromMe         bool
	Status         string
	EditedAt       int64 // unix millis, 0 = never edited
	DeletedAt      int64 // unix millis, 0 = not tombstoned
	Timestamp      int64
}

// OutboxEntry represents a pending outgoing message envelope.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	Body           string
	Kind           string
	Status         string
	Attempts       int
	ErrorMessage   string
	ServerMsgID    string
}
