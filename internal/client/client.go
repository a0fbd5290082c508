package client

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/conn"
	"github.com/matheus3301/chatd/internal/convo"
	"github.com/matheus3301/chatd/internal/delivery"
	"github.com/matheus3301/chatd/internal/outbox"
	"github.com/matheus3301/chatd/internal/store"
	"github.com/matheus3301/chatd/internal/typing"
	"github.com/matheus3301/chatd/internal/wire"
)

// Client is the command surface of the messaging core. It wires inbound
// events from the connection manager to the delivery machine, the
// conversation synchronizer and the typing signaler, and exposes the
// user-facing operations.
type Client struct {
	manager  *conn.Manager
	machine  *conn.Machine
	queue    *outbox.Queue
	delivery *delivery.Machine
	convo    *convo.Synchronizer
	typing   *typing.Signaler
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	selfID   string
}

// New assembles the client and registers the inbound event handlers.
func New(
	manager *conn.Manager,
	machine *conn.Machine,
	queue *outbox.Queue,
	dm *delivery.Machine,
	sync *convo.Synchronizer,
	sig *typing.Signaler,
	db *store.DB,
	b *bus.Bus,
	logger *zap.Logger,
	selfID string,
) *Client {
	c := &Client{
		manager:  manager,
		machine:  machine,
		queue:    queue,
		delivery: dm,
		convo:    sync,
		typing:   sig,
		db:       db,
		bus:      b,
		logger:   logger,
		selfID:   selfID,
	}

	manager.SetHandlers(conn.Handlers{
		Message:            c.handleMessage,
		Receipt:            c.handleReceipt,
		Typing:             sig.OnTyping,
		StopTyping:         sig.OnStopTyping,
		Presence:           sig.OnPresence,
		ConversationUpdate: c.handleConversationUpdate,
		Edit:               c.handleEdit,
		Delete:             c.handleDelete,
	})

	// The outbox replays as soon as the connection is healthy again.
	machine.OnChange(func(change conn.StateChange) {
		if change.To == conn.Connected {
			queue.Kick()
		}
	})

	return c
}

// Connect starts the connection loop.
func (c *Client) Connect(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

// Disconnect deliberately tears the connection down.
func (c *Client) Disconnect() {
	c.manager.Disconnect()
}

// State returns the current connection state.
func (c *Client) State() conn.State {
	return c.manager.State()
}

// SendMessage queues a message for sending and returns its client id
// immediately; the optimistic copy is already visible as sending.
func (c *Client) SendMessage(convID, content, kind string) (string, error) {
	return c.queue.Enqueue(convID, content, kind)
}

// RetryMessage resubmits a failed message with a fresh attempt budget.
func (c *Client) RetryMessage(clientID string) error {
	return c.queue.Retry(clientID)
}

// EditMessage rewrites one of our own messages locally and announces the
// edit. The frame is best-effort: a send failure leaves the local edit
// in place and the server copy catches up on the next sync.
func (c *Client) EditMessage(messageID, body string) error {
	if err := c.delivery.Edit(messageID, body); err != nil {
		return err
	}
	msg, err := c.db.GetMessageByMsgID(messageID)
	if err != nil || msg == nil {
		return err
	}
	c.sendBestEffort(wire.Edit{
		ConversationID: msg.ConversationID,
		MessageID:      messageID,
		SenderID:       c.selfID,
		Content:        body,
		Timestamp:      time.Now().UnixMilli(),
	})
	return nil
}

// DeleteMessage tombstones one of our own messages and announces the
// delete.
func (c *Client) DeleteMessage(messageID string) error {
	msg, err := c.db.GetMessageByMsgID(messageID)
	if err != nil {
		return err
	}
	if err := c.delivery.Delete(messageID); err != nil {
		return err
	}
	c.sendBestEffort(wire.Delete{
		ConversationID: msg.ConversationID,
		MessageID:      messageID,
		SenderID:       c.selfID,
		Timestamp:      time.Now().UnixMilli(),
	})
	return nil
}

// MarkRead marks the given messages read and emits read receipts for
// the ones that actually changed.
func (c *Client) MarkRead(convID string, messageIDs []string) error {
	n, err := c.convo.MarkRead(convID, messageIDs)
	if err != nil {
		return err
	}
	if n > 0 {
		c.sendReadReceipts(messageIDs)
	}
	return nil
}

// JoinConversation makes a conversation the active one: its pending
// messages are marked read and new arrivals stop counting as unread.
func (c *Client) JoinConversation(convID string) error {
	c.convo.SetActive(convID)
	ids, err := c.convo.MarkAllRead(convID)
	if err != nil {
		return err
	}
	c.sendReadReceipts(ids)
	return nil
}

// LeaveConversation clears the active conversation.
func (c *Client) LeaveConversation() {
	c.convo.ClearActive()
}

// CreateConversation creates (or returns) the conversation for the
// participant set and context ref.
func (c *Client) CreateConversation(participants []string, contextRef string) (*store.Conversation, error) {
	return c.convo.Create(participants, contextRef)
}

// Conversations lists known conversations, most recent activity first.
func (c *Client) Conversations(limit, offset int) ([]store.Conversation, error) {
	return c.db.ListConversations(limit, offset)
}

// Messages pages through a conversation's history, newest first.
func (c *Client) Messages(convID string, beforeTs int64, limit int) ([]store.Message, error) {
	return c.db.ListMessages(convID, beforeTs, limit)
}

// NotifyTyping reports a local keystroke in a conversation.
func (c *Client) NotifyTyping(convID string) {
	c.typing.NotifyTyping(convID)
}

// NotifyStopTyping reports that the user stopped typing.
func (c *Client) NotifyStopTyping(convID string) {
	c.typing.NotifyStopTyping(convID)
}

// ActiveTypers returns who is currently typing in a conversation.
func (c *Client) ActiveTypers(convID string) []string {
	return c.typing.ActiveTypers(convID)
}

// Close shuts the client down: the typing timers stop, the outbox loop
// stops, and the connection is closed deliberately.
func (c *Client) Close() {
	c.typing.Close()
	c.queue.Stop()
	c.manager.Disconnect()
}

// handleMessage routes an inbound message frame. A frame carrying our
// own sender id and a client id is the server echo of a queued send and
// doubles as the ack; everything else is stored here, including our own
// messages sent from another session (self sender, no client id).
func (c *Client) handleMessage(ev wire.Message) {
	if ev.SenderID == c.selfID && ev.ClientID != "" {
		c.handleAck(ev)
		return
	}

	if err := c.db.EnsureConversation(ev.ConversationID); err != nil {
		c.logger.Error("failed to ensure conversation", zap.Error(err))
		return
	}
	fromMe := ev.SenderID == c.selfID
	status := store.StatusDelivered
	if fromMe {
		status = store.StatusSent
	}
	msg := &store.Message{
		ConversationID: ev.ConversationID,
		MsgID:          ev.ID,
		SenderID:       ev.SenderID,
		Body:           ev.Content,
		Kind:           ev.Kind,
		FromMe:         fromMe,
		Status:         status,
		Timestamp:      ev.Timestamp,
	}
	inserted, err := c.db.UpsertMessage(msg)
	if err != nil {
		c.logger.Error("failed to store inbound message",
			zap.String("msg_id", ev.ID), zap.Error(err))
		return
	}
	if !inserted {
		// Redelivery of a frame we already folded in. The aggregates
		// and receipts fired the first time; doing it again would
		// double-count the unread counter.
		c.logger.Debug("duplicate inbound message", zap.String("msg_id", ev.ID))
		return
	}
	c.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{ConversationID: ev.ConversationID, MsgID: ev.ID},
	})
	if err := c.convo.OnMessage(msg); err != nil {
		c.logger.Error("failed to sync conversation", zap.Error(err))
	}

	// Tell the sender their message landed. Never for our own messages.
	if !fromMe {
		c.sendBestEffort(wire.Receipt{
			MessageID: ev.ID,
			Status:    store.StatusDelivered,
			ActorID:   c.selfID,
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

// handleAck reconciles the echoed message: canonical id first so readers
// never see the client key again, then the queue advances, then the
// conversation aggregates fold the sent message in.
func (c *Client) handleAck(ev wire.Message) {
	if err := c.delivery.OnAck(ev.ClientID, ev.ID); err != nil {
		c.logger.Error("failed to reconcile ack",
			zap.String("client_msg_id", ev.ClientID), zap.Error(err))
		return
	}
	c.queue.NotifyAck(ev.ClientID)

	msg, err := c.db.GetMessageByMsgID(ev.ID)
	if err != nil {
		c.logger.Error("failed to load acked message", zap.Error(err))
		return
	}
	if msg == nil {
		// Sent from another session; store our copy.
		msg = &store.Message{
			ConversationID: ev.ConversationID,
			MsgID:          ev.ID,
			ClientMsgID:    ev.ClientID,
			SenderID:       ev.SenderID,
			Body:           ev.Content,
			Kind:           ev.Kind,
			FromMe:         true,
			Status:         store.StatusSent,
			Timestamp:      ev.Timestamp,
		}
		if err := c.db.EnsureConversation(ev.ConversationID); err != nil {
			c.logger.Error("failed to ensure conversation", zap.Error(err))
			return
		}
		if _, err := c.db.UpsertMessage(msg); err != nil {
			c.logger.Error("failed to store echoed message", zap.Error(err))
			return
		}
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = ev.Timestamp
	}
	if err := c.convo.OnMessage(msg); err != nil {
		c.logger.Error("failed to sync conversation", zap.Error(err))
	}
}

func (c *Client) handleReceipt(ev wire.Receipt) {
	if err := c.delivery.OnReceipt(ev.MessageID, ev.Status, ev.ActorID); err != nil {
		c.logger.Error("failed to apply receipt",
			zap.String("msg_id", ev.MessageID), zap.Error(err))
	}
}

func (c *Client) handleConversationUpdate(ev wire.ConversationUpdate) {
	if err := c.convo.OnConversationUpdate(ev); err != nil {
		c.logger.Error("failed to apply conversation update",
			zap.String("conversation_id", ev.ConversationID), zap.Error(err))
	}
}

func (c *Client) handleEdit(ev wire.Edit) {
	if err := c.delivery.OnRemoteEdit(ev.MessageID, ev.Content, ev.Timestamp); err != nil {
		c.logger.Error("failed to apply remote edit",
			zap.String("msg_id", ev.MessageID), zap.Error(err))
	}
}

func (c *Client) handleDelete(ev wire.Delete) {
	if err := c.delivery.OnRemoteDelete(ev.MessageID, ev.Timestamp); err != nil {
		c.logger.Error("failed to apply remote delete",
			zap.String("msg_id", ev.MessageID), zap.Error(err))
	}
}

func (c *Client) sendReadReceipts(messageIDs []string) {
	now := time.Now().UnixMilli()
	for _, id := range messageIDs {
		c.sendBestEffort(wire.Receipt{
			MessageID: id,
			Status:    store.StatusRead,
			ActorID:   c.selfID,
			Timestamp: now,
		})
	}
}

// sendBestEffort writes a frame if the connection is up. Receipts and
// edit/delete announcements are not queued; the server reconstructs
// missed ones from the read state on the next sync.
func (c *Client) sendBestEffort(ev wire.Event) {
	if err := c.manager.Send(ev); err != nil {
		c.logger.Debug("best-effort frame dropped", zap.Error(err))
	}
}
