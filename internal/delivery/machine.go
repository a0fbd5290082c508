package delivery

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/store"
)

var (
	// ErrUnknownMessage is returned for edits or deletes against a
	// message we do not have.
	ErrUnknownMessage = errors.New("delivery: unknown message")
	// ErrNotOwnMessage is returned when editing or deleting a message
	// authored by someone else.
	ErrNotOwnMessage = errors.New("delivery: not our message")
	// ErrMessageFailed is returned when editing or deleting a failed
	// message; retry it first.
	ErrMessageFailed = errors.New("delivery: message is failed")
)

// statusRank orders delivery statuses. Receipts may only move a message
// forward; failed sits outside the ladder and is handled explicitly.
var statusRank = map[string]int{
	store.StatusSending:   0,
	store.StatusSent:      1,
	store.StatusDelivered: 2,
	store.StatusRead:      3,
}

// Machine advances per-message delivery status from server acks and
// receipts, and applies edit/delete semantics.
type Machine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	selfID string
}

// NewMachine creates a delivery state machine.
func NewMachine(db *store.DB, b *bus.Bus, logger *zap.Logger, selfID string) *Machine {
	return &Machine{db: db, bus: b, logger: logger, selfID: selfID}
}

// OnAck reconciles a server ack for one of our messages: the client id
// is rewritten to the canonical id and the message becomes sent, in one
// transaction so readers never see the old key afterwards.
func (m *Machine) OnAck(clientID, canonicalID string) error {
	msg, err := m.db.GetMessageByMsgID(clientID)
	if err != nil {
		return err
	}
	if msg == nil {
		// Already reconciled (duplicate ack after reconnect).
		m.logger.Debug("ack for unknown client id", zap.String("client_msg_id", clientID))
		return nil
	}
	if err := m.db.ResolveClientID(clientID, canonicalID); err != nil {
		return err
	}
	m.publishStatus(msg.ConversationID, canonicalID, store.StatusSent)
	return nil
}

// OnReceipt applies a delivered/read receipt. Unknown ids, duplicates
// and regressions are dropped; so are read receipts from the message's
// own author and receipts against a failed message.
func (m *Machine) OnReceipt(messageID, status, actorID string) error {
	newRank, ok := statusRank[status]
	if !ok || newRank < statusRank[store.StatusDelivered] {
		m.logger.Debug("ignoring receipt with unexpected status",
			zap.String("msg_id", messageID), zap.String("status", status))
		return nil
	}

	msg, err := m.db.GetMessageByMsgID(messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		m.logger.Debug("receipt for unknown message", zap.String("msg_id", messageID))
		return nil
	}
	if msg.Status == store.StatusFailed {
		// A failed message is frozen until retry resolves it.
		return nil
	}
	if status == store.StatusRead && actorID == msg.SenderID {
		return nil
	}
	if cur, ok := statusRank[msg.Status]; ok && newRank <= cur {
		return nil
	}

	if err := m.db.UpdateMessageStatus(messageID, status); err != nil {
		return err
	}
	m.publishStatus(msg.ConversationID, messageID, status)
	return nil
}

// Edit replaces the body of one of our own messages. Failed messages
// must be retried or deleted, not edited.
func (m *Machine) Edit(messageID, body string) error {
	msg, err := m.guardOwn(messageID)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if err := m.db.EditMessage(messageID, body, now); err != nil {
		return err
	}
	m.publishUpsert(msg.ConversationID, messageID)
	return nil
}

// Delete tombstones one of our own messages: the row is kept with a
// deleted_at marker so ordering and unread accounting stay stable.
func (m *Machine) Delete(messageID string) error {
	msg, err := m.guardOwn(messageID)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if err := m.db.TombstoneMessage(messageID, now); err != nil {
		return err
	}
	m.publishUpsert(msg.ConversationID, messageID)
	return nil
}

// OnRemoteEdit applies an edit received from the server for a remote
// message. Unknown ids are dropped.
func (m *Machine) OnRemoteEdit(messageID, body string, editedAt int64) error {
	msg, err := m.db.GetMessageByMsgID(messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		m.logger.Debug("edit for unknown message", zap.String("msg_id", messageID))
		return nil
	}
	if editedAt == 0 {
		editedAt = time.Now().UnixMilli()
	}
	if err := m.db.EditMessage(messageID, body, editedAt); err != nil {
		return err
	}
	m.publishUpsert(msg.ConversationID, messageID)
	return nil
}

// OnRemoteDelete applies a delete received from the server.
func (m *Machine) OnRemoteDelete(messageID string, deletedAt int64) error {
	msg, err := m.db.GetMessageByMsgID(messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		m.logger.Debug("delete for unknown message", zap.String("msg_id", messageID))
		return nil
	}
	if deletedAt == 0 {
		deletedAt = time.Now().UnixMilli()
	}
	if err := m.db.TombstoneMessage(messageID, deletedAt); err != nil {
		return err
	}
	m.publishUpsert(msg.ConversationID, messageID)
	return nil
}

func (m *Machine) guardOwn(messageID string) (*store.Message, error) {
	msg, err := m.db.GetMessageByMsgID(messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrUnknownMessage
	}
	if !msg.FromMe {
		return nil, ErrNotOwnMessage
	}
	if msg.Status == store.StatusFailed {
		return nil, ErrMessageFailed
	}
	return msg, nil
}

func (m *Machine) publishStatus(convID, msgID, status string) {
	m.bus.Publish(bus.Event{
		Kind:      bus.KindMessageStatus,
		Timestamp: time.Now(),
		Payload:   bus.StatusChange{ConversationID: convID, MsgID: msgID, Status: status},
	})
}

func (m *Machine) publishUpsert(convID, msgID string) {
	m.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{ConversationID: convID, MsgID: msgID},
	})
}
