package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/inspectlink/inspectlink/client"
	"github.com/inspectlink/inspectlink/internal/config"
	"github.com/inspectlink/inspectlink/internal/domain"
	"github.com/inspectlink/inspectlink/internal/notifications"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notifications.Payload
}

func (n *recordingNotifier) Send(payload notifications.Payload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, payload)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func newTestRuntime(t *testing.T, notifier notifications.Sender) *Runtime {
	t.Helper()

	// Short base keeps the unix socket path under the platform limit.
	base, err := os.MkdirTemp("", "il")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(base) })
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(base, "cfg"))
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(base, "run"))

	cfg := config.Default()
	cfg.Security.Passphrase = "runtime-test"
	cfg.Security.ScryptWorkFactor = 10
	cfg.Logging.Level = "error"
	configFile := filepath.Join(base, "config.json")
	if err := config.Save(configFile, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	rt, err := Initialize(context.Background(), Options{
		ConfigFile: configFile,
		LogOutput:  io.Discard,
		Notifier:   notifier,
	})
	if err != nil {
		t.Fatalf("initialize runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })

	return rt
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRuntime_StoresRecordsFromClient(t *testing.T) {
	notifier := &recordingNotifier{}
	rt := newTestRuntime(t, notifier)

	ln, err := rt.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- rt.Serve(ln) }()

	tr, err := NewTransportForConnection(rt.Config.Connection, rt.Paths)
	if err != nil {
		t.Fatalf("build client transport: %v", err)
	}
	c, err := client.New(client.ConfigFromApp(rt.Config),
		client.WithTransport(tr),
		client.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		client.WithDeviceIdentifier("runtime-test-device"),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.LogGenericLog(domain.LogTypeInfo, "boot", "logged while connecting", nil)
	waitFor(t, "connected state", func() bool { return c.Status().State == client.StateConnected })

	c.LogCrashReport(errors.New("boom"))
	sessionID := c.Session().ID
	c.Disconnect("done")

	waitFor(t, "stored records", func() bool {
		recs, err := rt.Store.Records.ListBySession(context.Background(), sessionID, 10)
		return err == nil && len(recs) == 2
	})

	recs, err := rt.Store.Records.ListBySession(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if recs[0].GenericLog == nil || recs[0].GenericLog.Message != "logged while connecting" {
		t.Fatalf("expected generic log first, got %+v", recs[0])
	}
	if recs[1].CrashReport == nil || recs[1].CrashReport.Throwable.Message != "boom" {
		t.Fatalf("expected crash report second, got %+v", recs[1])
	}

	sessions, err := rt.Store.Sessions.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != sessionID || sessions[0].RecordCount != 2 {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if sessions[0].DeviceID != c.DeviceIdentifier() {
		t.Fatalf("expected device %q, got %q", c.DeviceIdentifier(), sessions[0].DeviceID)
	}

	waitFor(t, "crash notification", func() bool { return notifier.count() == 1 })
	if live, ok := rt.Sessions.Get(sessionID); !ok || live.RecordCount != 2 {
		t.Fatalf("expected live session with 2 records, got %+v (found=%v)", live, ok)
	}

	_ = rt.Close()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop after close")
	}
}

func TestInitialize_LoadsSessionHistory(t *testing.T) {
	rt := newTestRuntime(t, nil)
	at := time.Now()
	for seq := uint64(1); seq <= 2; seq++ {
		rec := domain.NewGenericLogRecord(domain.LogTypeInfo, "test", "stored", nil)
		rec.SessionID, rec.Sequence, rec.Timestamp = "persisted", seq, at
		received := domain.ReceivedRecord{Record: rec, DeviceID: "dev", ReceivedAt: at}
		if _, err := rt.Store.Records.Insert(context.Background(), received); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := rt.Store.Sessions.Touch(context.Background(), received); err != nil {
			t.Fatalf("touch: %v", err)
		}
	}
	_ = rt.Close()

	reopened, err := Initialize(context.Background(), Options{
		ConfigFile: rt.Paths.ConfigFile,
		DBFile:     rt.Paths.DBFile,
		LogOutput:  io.Discard,
	})
	if err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	info, ok := reopened.Sessions.Get("persisted")
	if !ok || info.RecordCount != 2 {
		t.Fatalf("expected persisted session, got %+v (found=%v)", info, ok)
	}
	if got := len(reopened.Sessions.Records("persisted")); got != 2 {
		t.Fatalf("expected 2 records loaded, got %d", got)
	}
}

func TestRuntime_ListenRejectsSecondInstance(t *testing.T) {
	rt := newTestRuntime(t, nil)

	ln, err := rt.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	second := &Runtime{Ctx: context.Background(), Paths: rt.Paths, Config: rt.Config}
	if _, err := second.Listen(); err == nil {
		t.Fatalf("expected second listen on the same address to fail")
	}
}

func TestInitialize_RequiresPassphrase(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(base, "cfg"))
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(base, "run"))

	_, err := Initialize(context.Background(), Options{
		ConfigFile: filepath.Join(base, "missing.json"),
		LogOutput:  io.Discard,
	})
	if err == nil {
		t.Fatalf("expected error for config without passphrase")
	}
}
