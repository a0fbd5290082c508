package convo

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/store"
	"github.com/matheus3301/chatd/internal/wire"
)

func testSync(t *testing.T) (*Synchronizer, *store.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSynchronizer(db, bus.New(), zap.NewNop(), "me"), db
}

func inbound(msgID, body string, ts int64) *store.Message {
	return &store.Message{
		ConversationID: "conv1",
		MsgID:          msgID,
		SenderID:       "bob",
		Body:           body,
		Kind:           "text",
		Status:         store.StatusDelivered,
		Timestamp:      ts,
	}
}

func storeAnd(t *testing.T, s *Synchronizer, db *store.DB, msg *store.Message) {
	t.Helper()
	if err := db.EnsureConversation(msg.ConversationID); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	if err := s.OnMessage(msg); err != nil {
		t.Fatal(err)
	}
}

func getConv(t *testing.T, db *store.DB, id string) *store.Conversation {
	t.Helper()
	c, err := db.GetConversation(id)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatalf("conversation %s not found", id)
	}
	return c
}

func TestInboundMessageIncrementsUnread(t *testing.T) {
	s, db := testSync(t)

	storeAnd(t, s, db, inbound("m1", "hello", 100))
	storeAnd(t, s, db, inbound("m2", "there", 200))

	c := getConv(t, db, "conv1")
	if c.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", c.UnreadCount)
	}
	if c.LastMessageID != "m2" || c.LastMessagePreview != "there" || c.LastMessageAt != 200 {
		t.Errorf("last message = %+v", c)
	}
}

func TestOwnMessageDoesNotCountAsUnread(t *testing.T) {
	s, db := testSync(t)

	msg := inbound("m1", "hi", 100)
	msg.SenderID = "me"
	msg.FromMe = true
	storeAnd(t, s, db, msg)

	if c := getConv(t, db, "conv1"); c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for own message", c.UnreadCount)
	}
}

func TestActiveConversationDoesNotCountAsUnread(t *testing.T) {
	s, db := testSync(t)
	s.SetActive("conv1")

	storeAnd(t, s, db, inbound("m1", "hi", 100))
	if c := getConv(t, db, "conv1"); c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 while conversation active", c.UnreadCount)
	}

	s.ClearActive()
	storeAnd(t, s, db, inbound("m2", "again", 200))
	if c := getConv(t, db, "conv1"); c.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 after leaving", c.UnreadCount)
	}
}

func TestOlderMessageNeverRewindsLastPointer(t *testing.T) {
	s, db := testSync(t)

	storeAnd(t, s, db, inbound("m2", "newer", 200))
	storeAnd(t, s, db, inbound("m1", "older", 100))

	c := getConv(t, db, "conv1")
	if c.LastMessageID != "m2" {
		t.Errorf("last message = %s, want m2", c.LastMessageID)
	}
}

func TestLongBodyPreviewTruncated(t *testing.T) {
	s, db := testSync(t)

	body := ""
	for i := 0; i < 50; i++ {
		body += "0123456789"
	}
	storeAnd(t, s, db, inbound("m1", body, 100))

	c := getConv(t, db, "conv1")
	if len(c.LastMessagePreview) != previewLen {
		t.Errorf("preview length = %d, want %d", len(c.LastMessagePreview), previewLen)
	}
}

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	s, db := testSync(t)

	// One ASCII byte followed by three-byte runes, so a byte-offset cut
	// lands mid-rune.
	body := "a" + strings.Repeat("世", previewLen)
	storeAnd(t, s, db, inbound("m1", body, 100))

	c := getConv(t, db, "conv1")
	if !utf8.ValidString(c.LastMessagePreview) {
		t.Errorf("preview is not valid UTF-8: %q", c.LastMessagePreview)
	}
	if len(c.LastMessagePreview) > previewLen {
		t.Errorf("preview length = %d, want <= %d", len(c.LastMessagePreview), previewLen)
	}
}

func TestMarkReadDecrementsByActualCount(t *testing.T) {
	s, db := testSync(t)

	storeAnd(t, s, db, inbound("m1", "a", 100))
	storeAnd(t, s, db, inbound("m2", "b", 200))
	storeAnd(t, s, db, inbound("m3", "c", 300))

	n, err := s.MarkRead("conv1", []string{"m1", "m2"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("marked = %d, want 2", n)
	}
	if c := getConv(t, db, "conv1"); c.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", c.UnreadCount)
	}

	// Replaying the same ids must not drive the counter below what is
	// actually unread.
	n, err = s.MarkRead("conv1", []string{"m1", "m2"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("replay marked = %d, want 0", n)
	}
	if c := getConv(t, db, "conv1"); c.UnreadCount != 1 {
		t.Errorf("unread after replay = %d, want 1", c.UnreadCount)
	}
}

func TestMarkAllRead(t *testing.T) {
	s, db := testSync(t)

	storeAnd(t, s, db, inbound("m1", "a", 100))
	storeAnd(t, s, db, inbound("m2", "b", 200))

	ids, err := s.MarkAllRead("conv1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Errorf("ids = %v, want [m1 m2] oldest first", ids)
	}
	if c := getConv(t, db, "conv1"); c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", c.UnreadCount)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	s, _ := testSync(t)

	a, err := s.Create([]string{"bob", "me"}, "proj-x")
	if err != nil {
		t.Fatal(err)
	}
	// Same set, different order, with a duplicate.
	b, err := s.Create([]string{"me", "bob", "me"}, "proj-x")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("replayed creation made a new conversation: %s != %s", a.ID, b.ID)
	}

	// Different context ref is a different conversation.
	c, err := s.Create([]string{"me", "bob"}, "proj-y")
	if err != nil {
		t.Fatal(err)
	}
	if c.ID == a.ID {
		t.Error("different context ref reused the conversation")
	}
}

func TestDedupeKeyDeterministic(t *testing.T) {
	k1 := DedupeKey([]string{"b", "a", "c"}, "ref")
	k2 := DedupeKey([]string{"c", "a", "b", "a"}, "ref")
	if k1 != k2 {
		t.Errorf("keys differ: %q vs %q", k1, k2)
	}
	if k1 != "a,b,c|ref" {
		t.Errorf("key = %q", k1)
	}
}

func TestOnConversationUpdateAppliesPatch(t *testing.T) {
	s, db := testSync(t)

	if err := s.OnConversationUpdate(wire.ConversationUpdate{
		ConversationID: "conv1",
		Patch:          wire.ConversationPatch{Status: store.ConvoArchived, Participants: []string{"bob", "me"}},
		Timestamp:      500,
	}); err != nil {
		t.Fatal(err)
	}

	c := getConv(t, db, "conv1")
	if c.Status != store.ConvoArchived {
		t.Errorf("status = %s, want archived", c.Status)
	}
	if len(c.Participants) != 2 {
		t.Errorf("participants = %v", c.Participants)
	}
}

func TestCheckpointAdvancesMonotonically(t *testing.T) {
	s, db := testSync(t)

	storeAnd(t, s, db, inbound("m1", "a", 500))
	storeAnd(t, s, db, inbound("m0", "late", 100))

	ts, err := s.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}
	if ts != 500 {
		t.Errorf("checkpoint = %d, want 500 (never rewinds)", ts)
	}
}

func TestConversationUpdatePublished(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	s := NewSynchronizer(db, b, zap.NewNop(), "me")

	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	storeAnd(t, s, db, inbound("m1", "a", 100))

	select {
	case evt := <-ch:
		ref, ok := evt.Payload.(bus.ConversationRef)
		if !ok || ref.ConversationID != "conv1" {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no conversation.updated event")
	}
}
