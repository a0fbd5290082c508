package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/conn"
	"github.com/matheus3301/chatd/internal/store"
	"github.com/matheus3301/chatd/internal/wire"
)

// ErrNotFailed is returned by Retry for envelopes that are not in the
// failed state.
var ErrNotFailed = errors.New("outbox: envelope is not failed")

// Sender is the slice of the connection manager the queue needs.
type Sender interface {
	Send(ev wire.Event) error
	State() conn.State
}

// Config tunes the per-envelope retry budget. The budget covers transport
// level send failures while connected; connection loss requeues without
// consuming attempts.
type Config struct {
	SendAttempts int
	RetryBackoff time.Duration
	AckTimeout   time.Duration
	PollEvery    time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendAttempts <= 0 {
		c.SendAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.PollEvery <= 0 {
		c.PollEvery = 500 * time.Millisecond
	}
	return c
}

// Queue buffers outbound messages across connection loss and replays them
// strictly in enqueue order once the connection is healthy. One send is in
// flight at a time, preserving per-sender conversation ordering.
type Queue struct {
	db     *store.DB
	sender Sender
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config
	selfID string

	mu   sync.Mutex
	acks map[string]chan struct{}

	kick   chan struct{}
	cancel context.CancelFunc
}

// NewQueue creates an outbound queue.
func NewQueue(db *store.DB, sender Sender, b *bus.Bus, logger *zap.Logger, selfID string, cfg Config) *Queue {
	return &Queue{
		db:     db,
		sender: sender,
		bus:    b,
		logger: logger,
		cfg:    cfg.withDefaults(),
		selfID: selfID,
		acks:   make(map[string]chan struct{}),
		kick:   make(chan struct{}, 1),
	}
}

// Enqueue accepts a message for sending and returns its client id. It
// never blocks and never waits on network state: the caller immediately
// sees an optimistic message in the sending state.
func (q *Queue) Enqueue(convID, content, kind string) (string, error) {
	if kind == "" {
		kind = "text"
	}
	clientID := uuid.NewString()

	if err := q.db.EnsureConversation(convID); err != nil {
		return "", fmt.Errorf("ensure conversation: %w", err)
	}
	if err := q.db.QueueOutbox(clientID, convID, content, kind); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}

	now := time.Now().UnixMilli()
	if _, err := q.db.UpsertMessage(&store.Message{
		ConversationID: convID,
		MsgID:          clientID,
		ClientMsgID:    clientID,
		SenderID:       q.selfID,
		Body:           content,
		Kind:           kind,
		FromMe:         true,
		Status:         store.StatusSending,
		Timestamp:      now,
	}); err != nil {
		return "", fmt.Errorf("optimistic insert: %w", err)
	}

	q.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{ConversationID: convID, MsgID: clientID},
	})

	q.Kick()
	return clientID, nil
}

// Retry puts a failed envelope back in the queue with a fresh attempt
// budget. Retry is a first-class user action; failed envelopes are never
// resubmitted automatically.
func (q *Queue) Retry(clientID string) error {
	e, err := q.db.GetOutbox(clientID)
	if err != nil {
		return err
	}
	if e == nil || e.Status != store.OutboxFailed {
		return ErrNotFailed
	}
	if err := q.db.RequeueOutbox(clientID); err != nil {
		return err
	}
	if err := q.db.UpdateMessageStatus(clientID, store.StatusSending); err != nil {
		return err
	}
	q.bus.Publish(bus.Event{
		Kind:      bus.KindMessageStatus,
		Timestamp: time.Now(),
		Payload:   bus.StatusChange{ConversationID: e.ConversationID, MsgID: clientID, Status: store.StatusSending},
	})
	q.Kick()
	return nil
}

// NotifyAck wakes the flush step waiting on the given client id. Called by
// the client facade after the ack has been reconciled, so the queue moves
// to the next envelope only once readers see the canonical id.
func (q *Queue) NotifyAck(clientID string) {
	q.mu.Lock()
	ch, ok := q.acks[clientID]
	q.mu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Kick asks the flush loop to re-examine the queue. Non-blocking.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Start recovers envelopes stuck from a previous run and begins the flush
// loop.
func (q *Queue) Start(ctx context.Context) {
	if n, err := q.db.RequeueInFlight(); err != nil {
		q.logger.Error("failed to recover in-flight envelopes", zap.Error(err))
	} else if n > 0 {
		q.logger.Info("recovered in-flight envelopes", zap.Int("count", n))
	}

	ctx, q.cancel = context.WithCancel(ctx)
	go q.loop(ctx)
}

// Stop stops the flush loop.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

func (q *Queue) loop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-q.kick:
			q.drain(ctx)
		case <-ticker.C:
			q.drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// drain replays queued envelopes in enqueue order, one at a time. It stops
// early when the connection is unhealthy; the next kick resumes from the
// same envelope.
func (q *Queue) drain(ctx context.Context) {
	pending, err := q.db.PendingOutbox()
	if err != nil {
		q.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if q.sender.State() != conn.Connected {
			return
		}
		if !q.sendOne(ctx, entry) {
			return
		}
	}
}

// sendOne pushes a single envelope through its retry budget. Returns true
// when the envelope is resolved (acked or terminally failed) and the next
// envelope may proceed; false when the connection gave out.
func (q *Queue) sendOne(ctx context.Context, entry store.OutboxEntry) bool {
	if err := q.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		q.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		return true
	}

	for {
		ackCh := q.registerAck(entry.ClientMsgID)

		sendErr := q.sender.Send(wire.Message{
			ConversationID: entry.ConversationID,
			ClientID:       entry.ClientMsgID,
			SenderID:       q.selfID,
			Content:        entry.Body,
			Kind:           entry.Kind,
			Timestamp:      time.Now().UnixMilli(),
		})

		acked := false
		if sendErr == nil {
			timer := time.NewTimer(q.cfg.AckTimeout)
			select {
			case <-ackCh:
				acked = true
			case <-timer.C:
			case <-ctx.Done():
			}
			timer.Stop()
		}
		q.unregisterAck(entry.ClientMsgID)

		if acked {
			return true
		}
		if ctx.Err() != nil {
			_ = q.db.MarkOutboxQueued(entry.ClientMsgID)
			return false
		}

		// Connection-level failures requeue without consuming the budget;
		// the envelope replays after reconnection.
		if errors.Is(sendErr, conn.ErrNotConnected) || q.sender.State() != conn.Connected {
			_ = q.db.MarkOutboxQueued(entry.ClientMsgID)
			return false
		}

		attempts, err := q.db.RecordOutboxAttempt(entry.ClientMsgID)
		if err != nil {
			q.logger.Error("failed to record attempt", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			return true
		}
		reason := "ack timeout"
		if sendErr != nil {
			reason = sendErr.Error()
		}
		q.logger.Warn("send attempt failed",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.Int("attempt", attempts),
			zap.String("reason", reason))

		if attempts >= q.cfg.SendAttempts {
			q.fail(entry, reason)
			return true
		}

		// Linear backoff between attempts.
		timer := time.NewTimer(time.Duration(attempts) * q.cfg.RetryBackoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			_ = q.db.MarkOutboxQueued(entry.ClientMsgID)
			return false
		}
		timer.Stop()
	}
}

// fail marks the envelope and its optimistic message failed. The envelope
// stays in the outbox for manual retry; it is never silently dropped.
func (q *Queue) fail(entry store.OutboxEntry, reason string) {
	if err := q.db.MarkOutboxFailed(entry.ClientMsgID, reason); err != nil {
		q.logger.Error("failed to mark outbox failed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	if err := q.db.UpdateMessageStatus(entry.ClientMsgID, store.StatusFailed); err != nil {
		q.logger.Error("failed to mark message failed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	q.bus.Publish(bus.Event{
		Kind:      bus.KindMessageStatus,
		Timestamp: time.Now(),
		Payload:   bus.StatusChange{ConversationID: entry.ConversationID, MsgID: entry.ClientMsgID, Status: store.StatusFailed},
	})
	q.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: time.Now(),
		Payload:   bus.SendFailure{ConversationID: entry.ConversationID, ClientMsgID: entry.ClientMsgID, Err: reason},
	})
}

func (q *Queue) registerAck(clientID string) chan struct{} {
	ch := make(chan struct{}, 1)
	q.mu.Lock()
	q.acks[clientID] = ch
	q.mu.Unlock()
	return ch
}

func (q *Queue) unregisterAck(clientID string) {
	q.mu.Lock()
	delete(q.acks, clientID)
	q.mu.Unlock()
}
