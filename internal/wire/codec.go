package wire

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnknownType is returned by Decode for envelopes whose type tag is not
// part of the protocol. Callers log and drop such frames; they never tear
// down the connection.
var ErrUnknownType = errors.New("wire: unknown envelope type")

// Envelope type tags.
const (
	TypeMessage            = "message"
	TypeReceipt            = "receipt"
	TypeTyping             = "typing"
	TypeStopTyping         = "stopTyping"
	TypePresence           = "presence"
	TypeConversationUpdate = "conversationUpdate"
	TypeEdit               = "messageEdit"
	TypeDelete             = "messageDelete"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeHello              = "hello"
	TypeHelloAck           = "helloAck"
)

// Presence status values.
const (
	presenceOnline  = "userOnline"
	presenceOffline = "userOffline"
)

// envelope is the flat transport representation of every event.
type envelope struct {
	Type           string             `json:"type"`
	ConversationID string             `json:"conversationId,omitempty"`
	ClientID       string             `json:"clientId,omitempty"`
	ID             string             `json:"id,omitempty"`
	MessageID      string             `json:"messageId,omitempty"`
	SenderID       string             `json:"senderId,omitempty"`
	UserID         string             `json:"userId,omitempty"`
	ActorID        string             `json:"actorId,omitempty"`
	Content        string             `json:"content,omitempty"`
	Kind           string             `json:"kind,omitempty"`
	Status         string             `json:"status,omitempty"`
	AuthToken      string             `json:"authToken,omitempty"`
	Patch          *ConversationPatch `json:"patch,omitempty"`
	Timestamp      int64              `json:"timestamp,omitempty"`
}

// Encode serializes an event into its JSON envelope.
func Encode(ev Event) ([]byte, error) {
	var env envelope
	switch e := ev.(type) {
	case Message:
		env = envelope{
			Type:           TypeMessage,
			ConversationID: e.ConversationID,
			ClientID:       e.ClientID,
			ID:             e.ID,
			SenderID:       e.SenderID,
			Content:        e.Content,
			Kind:           e.Kind,
			Timestamp:      e.Timestamp,
		}
	case Receipt:
		env = envelope{
			Type:      TypeReceipt,
			MessageID: e.MessageID,
			Status:    e.Status,
			ActorID:   e.ActorID,
			Timestamp: e.Timestamp,
		}
	case Typing:
		env = envelope{Type: TypeTyping, ConversationID: e.ConversationID, UserID: e.UserID, Timestamp: e.Timestamp}
	case StopTyping:
		env = envelope{Type: TypeStopTyping, ConversationID: e.ConversationID, UserID: e.UserID, Timestamp: e.Timestamp}
	case Presence:
		status := presenceOffline
		if e.Online {
			status = presenceOnline
		}
		env = envelope{Type: TypePresence, UserID: e.UserID, Status: status, Timestamp: e.Timestamp}
	case ConversationUpdate:
		patch := e.Patch
		env = envelope{Type: TypeConversationUpdate, ConversationID: e.ConversationID, Patch: &patch, Timestamp: e.Timestamp}
	case Edit:
		env = envelope{
			Type:           TypeEdit,
			ConversationID: e.ConversationID,
			MessageID:      e.MessageID,
			SenderID:       e.SenderID,
			Content:        e.Content,
			Timestamp:      e.Timestamp,
		}
	case Delete:
		env = envelope{
			Type:           TypeDelete,
			ConversationID: e.ConversationID,
			MessageID:      e.MessageID,
			SenderID:       e.SenderID,
			Timestamp:      e.Timestamp,
		}
	case Ping:
		env = envelope{Type: TypePing}
	case Pong:
		env = envelope{Type: TypePong}
	case Hello:
		env = envelope{Type: TypeHello, UserID: e.UserID, AuthToken: e.AuthToken}
	case HelloAck:
		env = envelope{Type: TypeHelloAck, UserID: e.UserID, Timestamp: e.Timestamp}
	default:
		return nil, fmt.Errorf("wire: cannot encode %T", ev)
	}
	return json.Marshal(env)
}

// Decode parses a JSON envelope into its typed event. Unknown type tags
// return ErrUnknownType; malformed JSON returns the parse error.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: malformed envelope: %w", err)
	}

	switch env.Type {
	case TypeMessage:
		return Message{
			ConversationID: env.ConversationID,
			ClientID:       env.ClientID,
			ID:             env.ID,
			SenderID:       env.SenderID,
			Content:        env.Content,
			Kind:           env.Kind,
			Timestamp:      env.Timestamp,
		}, nil
	case TypeReceipt:
		return Receipt{
			MessageID: env.MessageID,
			Status:    env.Status,
			ActorID:   env.ActorID,
			Timestamp: env.Timestamp,
		}, nil
	case TypeTyping:
		return Typing{ConversationID: env.ConversationID, UserID: env.UserID, Timestamp: env.Timestamp}, nil
	case TypeStopTyping:
		return StopTyping{ConversationID: env.ConversationID, UserID: env.UserID, Timestamp: env.Timestamp}, nil
	case TypePresence:
		return Presence{UserID: env.UserID, Online: env.Status == presenceOnline, Timestamp: env.Timestamp}, nil
	case TypeConversationUpdate:
		var patch ConversationPatch
		if env.Patch != nil {
			patch = *env.Patch
		}
		return ConversationUpdate{ConversationID: env.ConversationID, Patch: patch, Timestamp: env.Timestamp}, nil
	case TypeEdit:
		return Edit{
			ConversationID: env.ConversationID,
			MessageID:      env.MessageID,
			SenderID:       env.SenderID,
			Content:        env.Content,
			Timestamp:      env.Timestamp,
		}, nil
	case TypeDelete:
		return Delete{
			ConversationID: env.ConversationID,
			MessageID:      env.MessageID,
			SenderID:       env.SenderID,
			Timestamp:      env.Timestamp,
		}, nil
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeHello:
		return Hello{UserID: env.UserID, AuthToken: env.AuthToken}, nil
	case TypeHelloAck:
		return HelloAck{UserID: env.UserID, Timestamp: env.Timestamp}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
