package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/sync/synctest"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid macOS 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "chatsync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	profileDir := filepath.Join(tmpDir, "test")
	socketPath := filepath.Join(profileDir, "d.sock")

	lk, err := lock.Acquire(profileDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(profileDir, "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	fake := synctest.NewAPI(model.Room{ID: "general", Type: model.RoomChannel})
	engine := intsync.NewEngine(&synctest.Bridge{}, fake, db, b, logger, intsync.Options{UserID: "me"})
	engine.Start()
	defer func() { _ = engine.Close() }()

	sup := NewSupervisor(engine, 10*time.Millisecond, 50*time.Millisecond, logger)
	sup.Start()
	defer sup.Stop()

	srv, err := NewServer(Params{ProfileName: "test", SocketPath: socketPath}, logger, api.NewControlService("test", engine, b, logger))
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	c, err := client.New(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The supervisor connects asynchronously.
	var resp map[string]any
	for {
		resp, err = c.Call(ctx, "GetStatus", nil)
		if err != nil {
			t.Fatalf("GetStatus error = %v", err)
		}
		if resp["status"] == "READY" {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("daemon never became ready: %v", resp)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if resp["profile"] != "test" {
		t.Errorf("profile = %v, want test", resp["profile"])
	}

	rooms, err := c.Call(ctx, "ListRooms", nil)
	if err != nil {
		t.Fatalf("ListRooms error = %v", err)
	}
	if got := rooms["rooms"].([]any); len(got) != 1 {
		t.Errorf("expected 1 room, got %d", len(got))
	}

	sent, err := c.Call(ctx, "SendMessage", map[string]any{"room_id": "general", "content": "hello world", "wait": true})
	if err != nil {
		t.Fatalf("SendMessage error = %v", err)
	}
	if sent["accepted"] != true {
		t.Error("expected accepted = true")
	}

	// The confirmed message reaches the index through the bus.
	for {
		res, err := c.Call(ctx, "Search", map[string]any{"query": "hello"})
		if err != nil {
			t.Fatalf("Search error = %v", err)
		}
		if got := res["results"].([]any); len(got) == 1 {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("sent message never indexed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type fakeConnector struct {
	mu    sync.Mutex
	errs  []error
	calls int
	lost  chan error
}

func (f *fakeConnector) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeConnector) Lost() <-chan error { return f.lost }

func (f *fakeConnector) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitCalls(t *testing.T, f *fakeConnector, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.Calls() < want {
		if time.Now().After(deadline) {
			t.Fatalf("Connect called %d times, want %d", f.Calls(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestSupervisorRetriesAndReconnects verifies failed connects are retried
// and a lost connection triggers a fresh connect.
func TestSupervisorRetriesAndReconnects(t *testing.T) {
	f := &fakeConnector{errs: []error{errors.New("refused")}, lost: make(chan error, 1)}
	s := NewSupervisor(f, 5*time.Millisecond, 20*time.Millisecond, nil)
	s.Start()
	defer s.Stop()

	waitCalls(t, f, 2)
	time.Sleep(30 * time.Millisecond)
	if got := f.Calls(); got != 2 {
		t.Fatalf("Connect called %d times while connected, want 2", got)
	}

	f.lost <- errors.New("socket closed")
	waitCalls(t, f, 3)
}

func TestSupervisorStopWithoutStart(t *testing.T) {
	s := NewSupervisor(&fakeConnector{}, 0, 0, nil)
	s.Stop()
}

func TestSupervisorBackoff(t *testing.T) {
	s := NewSupervisor(&fakeConnector{}, 100*time.Millisecond, time.Second, nil)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{30, time.Second},
	}
	for _, tt := range tests {
		if got := s.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestMetricsServer(t *testing.T) {
	m := NewMetricsServer("127.0.0.1:0", zap.NewNop())
	addr, err := m.Start()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = m.Stop(context.Background()) }()

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "chatsync_reconnects_total") {
		t.Error("metrics output missing chatsync_reconnects_total")
	}
}

func TestMetricsServerDisabled(t *testing.T) {
	m := NewMetricsServer("", zap.NewNop())
	addr, err := m.Start()
	if err != nil || addr != "" {
		t.Errorf("Start() = %q, %v; want disabled", addr, err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Error(err)
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without
// running any constructor.
// Regression test: a provider taking a bare `string` param made fx fail
// with "missing type: string" at startup.
func TestFxModuleWiring(t *testing.T) {
	if err := fx.ValidateApp(Module(Params{ProfileName: "fxtest"})); err != nil {
		t.Fatalf("fx graph invalid: %v", err)
	}
}

func TestServerReplacesStaleSocket(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "chatsync-sock-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	socketPath := filepath.Join(dir, "daemon.sock")

	// A daemon that died without unlinking its socket.
	old, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	old.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = old.Close()

	srv, err := NewServer(Params{ProfileName: "test", SocketPath: socketPath}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewServer over stale socket: %v", err)
	}
	_ = srv.listener.Close()
	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket left behind after Stop: %v", err)
	}
}

func TestServerRefusesNonSocketPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.sock")
	if err := os.WriteFile(path, []byte("keep"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewServer(Params{ProfileName: "test", SocketPath: path}, zap.NewNop(), nil); err == nil {
		t.Fatal("NewServer should refuse a regular file at the socket path")
	}
	if data, err := os.ReadFile(path); err != nil || string(data) != "keep" {
		t.Errorf("file at socket path was touched: %q, %v", data, err)
	}
}
