package wire

import (
	"errors"
	"testing"
)

func TestDecodeMessage(t *testing.T) {
	raw := `{"type":"message","conversationId":"conv1","clientId":"c1","id":"m1","senderId":"alice","content":"hi","kind":"text","timestamp":1700000000000}`
	ev, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	msg, ok := ev.(Message)
	if !ok {
		t.Fatalf("Decode() = %T, want Message", ev)
	}
	if msg.ConversationID != "conv1" || msg.ClientID != "c1" || msg.ID != "m1" {
		t.Errorf("message ids = %q/%q/%q", msg.ConversationID, msg.ClientID, msg.ID)
	}
	if msg.Content != "hi" || msg.Kind != "text" {
		t.Errorf("content = %q kind = %q", msg.Content, msg.Kind)
	}
}

func TestDecodeReceipt(t *testing.T) {
	raw := `{"type":"receipt","messageId":"m1","status":"read","actorId":"bob","timestamp":5}`
	ev, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	r, ok := ev.(Receipt)
	if !ok {
		t.Fatalf("Decode() = %T, want Receipt", ev)
	}
	if r.MessageID != "m1" || r.Status != "read" || r.ActorID != "bob" {
		t.Errorf("receipt = %+v", r)
	}
}

func TestDecodePresence(t *testing.T) {
	for _, tt := range []struct {
		status string
		online bool
	}{
		{"userOnline", true},
		{"userOffline", false},
	} {
		raw := `{"type":"presence","userId":"bob","status":"` + tt.status + `"}`
		ev, err := Decode([]byte(raw))
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", tt.status, err)
		}
		p, ok := ev.(Presence)
		if !ok {
			t.Fatalf("Decode() = %T, want Presence", ev)
		}
		if p.Online != tt.online {
			t.Errorf("Online = %v for status %q", p.Online, tt.status)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"shrug"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("error = %v, want ErrUnknownType", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	if err == nil {
		t.Error("expected parse error")
	}
	if errors.Is(err, ErrUnknownType) {
		t.Error("malformed input should not report ErrUnknownType")
	}
}

func TestEncodeDecodeHandshake(t *testing.T) {
	data, err := Encode(Hello{UserID: "alice", AuthToken: "tok"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	h, ok := ev.(Hello)
	if !ok {
		t.Fatalf("Decode() = %T, want Hello", ev)
	}
	if h.UserID != "alice" || h.AuthToken != "tok" {
		t.Errorf("hello = %+v", h)
	}
}

func TestEncodeConversationUpdate(t *testing.T) {
	ev := ConversationUpdate{
		ConversationID: "conv1",
		Patch:          ConversationPatch{Status: "archived"},
	}
	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	back, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	cu, ok := back.(ConversationUpdate)
	if !ok {
		t.Fatalf("Decode() = %T, want ConversationUpdate", back)
	}
	if cu.Patch.Status != "archived" {
		t.Errorf("patch status = %q, want archived", cu.Patch.Status)
	}
}

func TestHeartbeatFrames(t *testing.T) {
	for _, ev := range []Event{Ping{}, Pong{}} {
		data, err := Encode(ev)
		if err != nil {
			t.Fatalf("Encode(%T) error = %v", ev, err)
		}
		back, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%T) error = %v", ev, err)
		}
		if _, isPing := ev.(Ping); isPing {
			if _, ok := back.(Ping); !ok {
				t.Errorf("got %T, want Ping", back)
			}
		} else if _, ok := back.(Pong); !ok {
			t.Errorf("got %T, want Pong", back)
		}
	}
}
