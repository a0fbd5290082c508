package convo

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/store"
	"github.com/matheus3301/chatd/internal/wire"
)

const (
	previewLen    = 120
	checkpointKey = "last_event_ts"
)

// Synchronizer keeps per-conversation aggregates (unread count, last
// message pointer, status) consistent with the message stream. It is the
// single writer of those fields.
type Synchronizer struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	selfID string

	mu         sync.Mutex
	activeConv string
}

// NewSynchronizer creates a conversation synchronizer.
func NewSynchronizer(db *store.DB, b *bus.Bus, logger *zap.Logger, selfID string) *Synchronizer {
	return &Synchronizer{db: db, bus: b, logger: logger, selfID: selfID}
}

// SetActive marks a conversation as the one the user is looking at.
// Messages arriving for the active conversation do not count as unread.
func (s *Synchronizer) SetActive(convID string) {
	s.mu.Lock()
	s.activeConv = convID
	s.mu.Unlock()
}

// ClearActive clears the active conversation.
func (s *Synchronizer) ClearActive() {
	s.SetActive("")
}

// Active returns the currently active conversation id, empty when none.
func (s *Synchronizer) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeConv
}

// OnMessage folds a stored message into its conversation's aggregates:
// last-message pointer and preview always, unread counter only when the
// sender is remote and the conversation is not the active one. Counters
// move by SQL increments, never by rescanning the message table.
func (s *Synchronizer) OnMessage(msg *store.Message) error {
	if err := s.db.EnsureConversation(msg.ConversationID); err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}

	preview := msg.Body
	if msg.DeletedAt != 0 {
		preview = ""
	} else if len(preview) > previewLen {
		// Cut on a rune boundary so the preview stays valid UTF-8.
		cut := previewLen
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut]
	}
	if err := s.db.SetLastMessage(msg.ConversationID, msg.MsgID, preview, msg.Timestamp); err != nil {
		return fmt.Errorf("set last message: %w", err)
	}

	if !msg.FromMe && s.Active() != msg.ConversationID {
		if err := s.db.IncrementUnread(msg.ConversationID); err != nil {
			return fmt.Errorf("increment unread: %w", err)
		}
	}

	s.advanceCheckpoint(msg.Timestamp)
	s.publishUpdate(msg.ConversationID)
	return nil
}

// MarkRead flips the given remote-authored messages to read and lowers
// the unread counter by exactly how many were previously unread, so
// replays and races cannot drive the counter negative.
func (s *Synchronizer) MarkRead(convID string, msgIDs []string) (int, error) {
	n, err := s.db.MarkMessagesRead(convID, msgIDs)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.db.DecrementUnread(convID, n); err != nil {
		return 0, err
	}
	for _, id := range msgIDs {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageStatus,
			Timestamp: time.Now(),
			Payload:   bus.StatusChange{ConversationID: convID, MsgID: id, Status: store.StatusRead},
		})
	}
	s.publishUpdate(convID)
	return n, nil
}

// MarkAllRead marks every unread remote message in the conversation read
// and returns their ids, oldest first, so the caller can emit receipts.
func (s *Synchronizer) MarkAllRead(convID string) ([]string, error) {
	ids, err := s.db.UnreadMessageIDs(convID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.MarkRead(convID, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Create makes a conversation, or returns the existing one for the same
// participant set and context ref. The dedupe key is deterministic, so
// replayed creations converge on a single row.
func (s *Synchronizer) Create(participants []string, contextRef string) (*store.Conversation, error) {
	key := DedupeKey(participants, contextRef)

	if existing, err := s.db.GetConversationByKey(key); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	c := &store.Conversation{
		ID:           uuid.NewString(),
		Key:          key,
		Participants: normalizeParticipants(participants),
		Status:       store.ConvoActive,
	}
	if err := s.db.InsertConversation(c); err != nil {
		return nil, err
	}
	// Read the winner back: a concurrent creation with the same key may
	// have gotten there first.
	winner, err := s.db.GetConversationByKey(key)
	if err != nil {
		return nil, err
	}
	s.publishUpdate(winner.ID)
	return winner, nil
}

// OnConversationUpdate applies a server-side patch: status changes
// (active/archived/blocked) and participant list replacement.
func (s *Synchronizer) OnConversationUpdate(ev wire.ConversationUpdate) error {
	if err := s.db.EnsureConversation(ev.ConversationID); err != nil {
		return err
	}
	if ev.Patch.Status != "" {
		if err := s.db.SetConversationStatus(ev.ConversationID, ev.Patch.Status); err != nil {
			return err
		}
	}
	if ev.Patch.Participants != nil {
		if err := s.db.SetParticipants(ev.ConversationID, normalizeParticipants(ev.Patch.Participants)); err != nil {
			return err
		}
	}
	s.advanceCheckpoint(ev.Timestamp)
	s.publishUpdate(ev.ConversationID)
	return nil
}

// Checkpoint returns the timestamp of the last folded inbound event, or
// zero when none was recorded yet.
func (s *Synchronizer) Checkpoint() (int64, error) {
	v, err := s.db.GetCheckpoint(checkpointKey)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *Synchronizer) advanceCheckpoint(ts int64) {
	if ts <= 0 {
		return
	}
	cur, err := s.Checkpoint()
	if err != nil {
		s.logger.Error("failed to read sync checkpoint", zap.Error(err))
		return
	}
	if ts <= cur {
		return
	}
	if err := s.db.SetCheckpoint(checkpointKey, strconv.FormatInt(ts, 10)); err != nil {
		s.logger.Error("failed to advance sync checkpoint", zap.Error(err))
	}
}

func (s *Synchronizer) publishUpdate(convID string) {
	s.bus.Publish(bus.Event{
		Kind:      bus.KindConversationUpdate,
		Timestamp: time.Now(),
		Payload:   bus.ConversationRef{ConversationID: convID},
	})
}

// DedupeKey builds the deterministic conversation identity: sorted unique
// participant ids joined with the context ref.
func DedupeKey(participants []string, contextRef string) string {
	norm := normalizeParticipants(participants)
	return strings.Join(norm, ",") + "|" + contextRef
}

func normalizeParticipants(participants []string) []string {
	seen := make(map[string]struct{}, len(participants))
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
