package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatd/internal/transport"
	"github.com/matheus3301/chatd/internal/transport/transporttest"
	"github.com/matheus3301/chatd/internal/wire"
)

type fakeIdentity struct {
	mu        sync.Mutex
	refreshes int
}

func (f *fakeIdentity) Credentials(context.Context) (transport.Credentials, error) {
	return transport.Credentials{UserID: "alice", AuthToken: "tok"}, nil
}

func (f *fakeIdentity) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func (f *fakeIdentity) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func testManager(t *testing.T, cfg Config, ft *transporttest.Fake) (*Manager, *Machine, *fakeIdentity) {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = "wss://test/ws"
	}
	machine := NewMachine(nil)
	id := &fakeIdentity{}
	logger := zap.NewNop()
	m := NewManager(cfg, ft, id, machine, logger)
	t.Cleanup(m.Disconnect)
	return m, machine, id
}

func waitState(t *testing.T, machine *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if machine.Current() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", machine.Current(), want)
}

func TestConnectReachesConnected(t *testing.T) {
	ft := transporttest.New()
	ft.AutoPong = true
	m, machine, _ := testManager(t, Config{}, ft)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, Connected)

	c, err := ft.WaitConn(0, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if c.Creds.UserID != "alice" || c.Creds.AuthToken != "tok" {
		t.Errorf("handshake credentials = %+v", c.Creds)
	}
}

func TestReconnectAfterDialFailures(t *testing.T) {
	ft := transporttest.New()
	ft.AutoPong = true
	ft.FailNext(errors.New("refused"), errors.New("refused"))
	m, machine, _ := testManager(t, Config{
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
		MaxAttempts: 10,
	}, ft)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, Connected)

	if got := ft.Dials(); got != 3 {
		t.Errorf("dials = %d, want 3 (two failures then success)", got)
	}
}

func TestMaxAttemptsTransitionsToFailed(t *testing.T) {
	ft := transporttest.New()
	ft.FailNext(errors.New("refused"), errors.New("refused"), errors.New("refused"))
	m, machine, _ := testManager(t, Config{
		BackoffBase: time.Millisecond,
		MaxAttempts: 3,
	}, ft)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, Failed)

	if got := ft.Dials(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}

	// Manual reconnect resets the budget.
	ft.AutoPong = true
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, Connected)
}

func TestAuthRejectionIsTerminal(t *testing.T) {
	ft := transporttest.New()
	ft.FailNext(transport.ErrAuthRejected)
	m, machine, id := testManager(t, Config{
		BackoffBase: time.Millisecond,
		MaxAttempts: 5,
	}, ft)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, Failed)

	// No automatic retry after an auth rejection.
	time.Sleep(50 * time.Millisecond)
	if got := ft.Dials(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if id.Refreshes() != 1 {
		t.Errorf("refreshes = %d, want 1", id.Refreshes())
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	m, _, _ := testManager(t, Config{
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  time.Second,
		MaxAttempts: 100,
	}, transporttest.New())

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	prev := time.Duration(0)
	for i, w := range want {
		got := m.backoff(i + 1)
		if got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
		if got < prev {
			t.Errorf("backoff(%d) = %v decreased from %v", i+1, got, prev)
		}
		prev = got
	}
}

func TestHeartbeatMissTriggersReconnect(t *testing.T) {
	ft := transporttest.New() // AutoPong off: every ping goes unanswered
	m, _, _ := testManager(t, Config{
		BackoffBase:      time.Millisecond,
		HeartbeatEvery:   10 * time.Millisecond,
		MissedHeartbeats: 3,
		MaxAttempts:      100,
	}, ft)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The first connection must be declared dead and a second dial made.
	if _, err := ft.WaitConn(1, 2*time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestServerDropTriggersReconnect(t *testing.T) {
	ft := transporttest.New()
	ft.AutoPong = true
	m, machine, _ := testManager(t, Config{
		BackoffBase: time.Millisecond,
		MaxAttempts: 10,
	}, ft)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, Connected)

	c, err := ft.WaitConn(0, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c.Drop()

	if _, err := ft.WaitConn(1, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, Connected)
}

func TestDisconnectIsTerminal(t *testing.T) {
	ft := transporttest.New()
	ft.AutoPong = true
	m, machine, _ := testManager(t, Config{BackoffBase: time.Millisecond}, ft)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, Connected)

	m.Disconnect()
	waitState(t, machine, Disconnected)

	// No reconnection after a deliberate disconnect.
	time.Sleep(50 * time.Millisecond)
	if got := ft.Dials(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestInboundPingAnswered(t *testing.T) {
	ft := transporttest.New()
	ft.AutoPong = true
	m, machine, _ := testManager(t, Config{}, ft)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, Connected)

	c, err := ft.WaitConn(0, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c.Deliver(wire.Ping{})

	sent, err := c.WaitSent(1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ev := range sent {
		if _, ok := ev.(wire.Pong); ok {
			found = true
		}
	}
	if !found {
		t.Errorf("no pong written, sent = %+v", sent)
	}
}

func TestDispatchPreservesArrivalOrder(t *testing.T) {
	ft := transporttest.New()
	ft.AutoPong = true
	m, machine, _ := testManager(t, Config{}, ft)

	var mu sync.Mutex
	var order []string
	m.SetHandlers(Handlers{
		Message: func(ev wire.Message) {
			mu.Lock()
			order = append(order, "msg:"+ev.ID)
			mu.Unlock()
		},
		Receipt: func(ev wire.Receipt) {
			mu.Lock()
			order = append(order, "rcpt:"+ev.MessageID)
			mu.Unlock()
		},
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, Connected)

	c, err := ft.WaitConn(0, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c.Deliver(wire.Message{ID: "m1", ConversationID: "conv1"})
	c.Deliver(wire.Receipt{MessageID: "m1", Status: "delivered"})
	c.Deliver(wire.Message{ID: "m2", ConversationID: "conv1"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d events dispatched", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"msg:m1", "rcpt:m1", "msg:m2"}
	for i, w := range want {
		if order[i] != w {
			t.Errorf("order[%d] = %q, want %q", i, order[i], w)
		}
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	m, _, _ := testManager(t, Config{}, transporttest.New())

	err := m.Send(wire.Message{ID: "m1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}
