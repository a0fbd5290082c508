package wire

// Event is the closed set of protocol events exchanged with the backend.
// The concrete types below are the only implementations; dispatch sites
// switch over them exhaustively.
type Event interface {
	event()
}

// Message is a chat message, inbound or outbound. On an outbound send the
// client fills ClientID and leaves ID empty; the backend echoes the message
// back with ClientID preserved and ID set to the canonical id, which doubles
// as the send acknowledgement.
type Message struct {
	ConversationID string
	ClientID       string
	ID             string
	SenderID       string
	Content        string
	Kind           string // text, image, file, system
	Timestamp      int64  // unix millis
}

// Receipt reports a delivery-state change for a message.
type Receipt struct {
	MessageID string
	Status    string // sent, delivered, read
	ActorID   string
	Timestamp int64
}

// Typing signals that a user started typing in a conversation.
type Typing struct {
	ConversationID string
	UserID         string
	Timestamp      int64
}

// StopTyping signals that a user stopped typing in a conversation.
type StopTyping struct {
	ConversationID string
	UserID         string
	Timestamp      int64
}

// Presence reports a user coming online or going offline.
type Presence struct {
	UserID    string
	Online    bool
	Timestamp int64
}

// ConversationUpdate carries a server-side patch to conversation metadata.
type ConversationUpdate struct {
	ConversationID string
	Patch          ConversationPatch
	Timestamp      int64
}

// ConversationPatch holds the patchable conversation fields. Nil/empty
// fields are left untouched.
type ConversationPatch struct {
	Status       string   `json:"status,omitempty"` // active, archived, blocked
	Participants []string `json:"participants,omitempty"`
}

// Edit rewrites the content of an existing message.
type Edit struct {
	ConversationID string
	MessageID      string
	SenderID       string
	Content        string
	Timestamp      int64
}

// Delete tombstones an existing message.
type Delete struct {
	ConversationID string
	MessageID      string
	SenderID       string
	Timestamp      int64
}

// Ping is the heartbeat probe. Either side may send it.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// Hello is the first frame sent after the socket opens; it authenticates
// the connection.
type Hello struct {
	UserID    string
	AuthToken string
}

// HelloAck confirms a successful handshake.
type HelloAck struct {
	UserID    string
	Timestamp int64
}

func (Message) event()            {}
func (Receipt) event()            {}
func (Typing) event()             {}
func (StopTyping) event()         {}
func (Presence) event()           {}
func (ConversationUpdate) event() {}
func (Edit) event()               {}
func (Delete) event()             {}
func (Ping) event()               {}
func (Pong) event()               {}
func (Hello) event()              {}
func (HelloAck) event()           {}
