package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/client"
	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/conn"
	"github.com/matheus3301/chatd/internal/convo"
	"github.com/matheus3301/chatd/internal/delivery"
	"github.com/matheus3301/chatd/internal/lock"
	"github.com/matheus3301/chatd/internal/outbox"
	"github.com/matheus3301/chatd/internal/store"
	"github.com/matheus3301/chatd/internal/transport"
	"github.com/matheus3301/chatd/internal/transport/transporttest"
	"github.com/matheus3301/chatd/internal/typing"
	"github.com/matheus3301/chatd/internal/wire"
)

type fakeIdentity struct{}

func (*fakeIdentity) Credentials(context.Context) (transport.Credentials, error) {
	return transport.Credentials{UserID: "me", AuthToken: "tok"}, nil
}

func (*fakeIdentity) Refresh(context.Context) error { return nil }

func TestDaemonLifecycle(t *testing.T) {
	sessionDir := t.TempDir()

	lk, err := lock.Acquire(sessionDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	// A second daemon for the same session must be rejected.
	if _, err := lock.Acquire(sessionDir); err == nil {
		t.Fatal("second lock acquisition should fail")
	}

	db, err := store.Open(filepath.Join(sessionDir, "chatd.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	ft := transporttest.New()
	ft.AutoPong = true

	machine := conn.NewMachine(b)
	manager := conn.NewManager(conn.Config{
		URL:            "wss://test/ws",
		BackoffBase:    time.Millisecond,
		HeartbeatEvery: time.Hour,
	}, ft, &fakeIdentity{}, machine, logger)

	queue := outbox.NewQueue(db, manager, b, logger, "me", outbox.Config{
		PollEvery: 20 * time.Millisecond,
	})
	c := client.New(
		manager, machine, queue,
		delivery.NewMachine(db, b, logger, "me"),
		convo.NewSynchronizer(db, b, logger, "me"),
		typing.NewSignaler(manager, b, logger, "me", typing.Config{}),
		db, b, logger, "me",
	)

	// OnStart order: queue first, then connect.
	queue.Start(context.Background())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != conn.Connected {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, never connected", c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A message sent through the assembled stack reaches the wire.
	if _, err := c.SendMessage("conv1", "hello", "text"); err != nil {
		t.Fatal(err)
	}
	fc, err := ft.WaitConn(0, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	sent, err := fc.WaitSent(1, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ev := range sent {
		if _, ok := ev.(wire.Message); ok {
			found = true
		}
	}
	if !found {
		t.Errorf("no message frame on the wire, sent = %+v", sent)
	}

	// OnStop order: client close, store close, lock release.
	c.Close()
	deadline = time.Now().Add(2 * time.Second)
	for c.State() != conn.Disconnected {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s after Close", c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFileIdentityRefreshReloadsToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := config.Default()
	cfg.ServerURL = "wss://test/ws"
	cfg.UserID = "me"
	cfg.AuthToken = "old-token"
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	id := newFileIdentity(path, cfg, zap.NewNop())

	creds, err := id.Credentials(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if creds.UserID != "me" || creds.AuthToken != "old-token" {
		t.Errorf("credentials = %+v", creds)
	}

	// Token rotated out of band.
	cfg2 := config.Default()
	cfg2.ServerURL = "wss://test/ws"
	cfg2.UserID = "me"
	cfg2.AuthToken = "new-token"
	if err := config.Save(path, cfg2); err != nil {
		t.Fatal(err)
	}

	if err := id.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	creds, err = id.Credentials(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if creds.AuthToken != "new-token" {
		t.Errorf("token = %q, want new-token after refresh", creds.AuthToken)
	}
}
