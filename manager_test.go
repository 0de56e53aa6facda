package mcpconn_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcpconn"
)

func newTestManager(t *testing.T, options ...mcpconn.ManagerOption) *mcpconn.Manager {
	t.Helper()
	options = append([]mcpconn.ManagerOption{mcpconn.WithLogger(discardLogger())}, options...)
	m := mcpconn.NewManager(options...)
	t.Cleanup(func() { m.CloseAllSessions() })
	return m
}

func closedServerURL() string {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()
	return url
}

func TestManagerPartialFailure(t *testing.T) {
	m := newTestManager(t)

	res := m.CreateAllSessions(context.Background(), []mcpconn.ServerConfig{
		{Name: "missing", Command: "mcpconn-no-such-server"},
		echoServerConfig("good", "echo"),
	})

	if !errors.Is(res.Errors["missing"], mcpconn.ErrTransportNotFound) {
		t.Errorf("got error %v for missing, want TransportNotFound", res.Errors["missing"])
	}
	if _, ok := res.Sessions["good"]; !ok {
		t.Fatalf("good server did not connect: %v", res.Errors["good"])
	}

	active := m.GetAllActiveSessions()
	if len(active) != 1 || active["good"] == nil {
		t.Errorf("got active sessions %v, want only good", active)
	}

	states := make(map[string]mcpconn.State)
	for _, status := range m.Health() {
		states[status.Name] = status.State
	}
	if states["missing"] != mcpconn.StateFailed || states["good"] != mcpconn.StateReady {
		t.Errorf("got states %v, want missing failed and good ready", states)
	}
}

func TestManagerRetryableFirstConnect(t *testing.T) {
	m := newTestManager(t)

	res := m.CreateAllSessions(context.Background(), []mcpconn.ServerConfig{
		httpServerConfig("down", closedServerURL()),
	})
	if !errors.Is(res.Errors["down"], mcpconn.ErrConnectionRefused) {
		t.Fatalf("got error %v, want ConnectionRefused", res.Errors["down"])
	}

	s, ok := m.Session("down")
	if !ok {
		t.Fatal("a retryable failure should keep the session registered")
	}
	if got := s.State(); got != mcpconn.StateDegraded {
		t.Errorf("got state %s, want degraded", got)
	}
	if _, ok := m.GetAllActiveSessions()["down"]; ok {
		t.Error("a session without a connection must not be active")
	}
}

func TestManagerCreateIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	cfg := echoServerConfig("echo", "echo")

	first, err := m.CreateSession(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	second, err := m.CreateSession(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create session again: %v", err)
	}
	if first != second {
		t.Error("creating a ready session again returned a different session")
	}

	res := m.CreateAllSessions(ctx, []mcpconn.ServerConfig{cfg})
	if res.Sessions["echo"] != first {
		t.Error("CreateAllSessions replaced a ready session")
	}
	if got := m.Names(); len(got) != 1 {
		t.Errorf("got names %v, want one", got)
	}
}

func TestManagerReplacesClosedSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	cfg := echoServerConfig("echo", "echo")

	first, err := m.CreateSession(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := m.CloseSession("echo"); err != nil {
		t.Fatalf("failed to close session: %v", err)
	}
	second, err := m.CreateSession(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to recreate session: %v", err)
	}
	if first == second {
		t.Error("a closed session was reused")
	}
	if got := second.State(); got != mcpconn.StateReady {
		t.Errorf("got state %s, want ready", got)
	}
}

func TestManagerInvalidConfigs(t *testing.T) {
	m := newTestManager(t)

	res := m.CreateAllSessions(context.Background(), []mcpconn.ServerConfig{
		{Name: "twice", Command: "mcpconn-no-such-server"},
		{Name: "twice", Command: "mcpconn-no-such-server"},
		{Name: "nothing"},
		{Command: "unnamed"},
	})

	for _, name := range []string{"twice", "nothing", ""} {
		if !errors.Is(res.Errors[name], mcpconn.ErrInvalidConfig) {
			t.Errorf("got error %v for %q, want InvalidConfig", res.Errors[name], name)
		}
	}
	if _, ok := m.Session("nothing"); ok {
		t.Error("an invalid config must not register a session")
	}
}

func TestManagerCloseAll(t *testing.T) {
	rec := &eventRecorder{}
	m := newTestManager(t, mcpconn.WithEventSink(rec.sink()))
	ctx := context.Background()

	res := m.CreateAllSessions(ctx, []mcpconn.ServerConfig{
		echoServerConfig("a", "echo"),
		echoServerConfig("b", "echo"),
		{Name: "missing", Command: "mcpconn-no-such-server"},
	})
	if len(res.Sessions) != 2 {
		t.Fatalf("got %d sessions, want 2: %v", len(res.Sessions), res.Errors)
	}

	for range 2 {
		if errs := m.CloseAllSessions(); len(errs) != 0 {
			t.Errorf("close all failed: %v", errs)
		}
	}
	for _, s := range m.Sessions() {
		if got := s.State(); got != mcpconn.StateClosed {
			t.Errorf("%s: got state %s, want closed", s.Name(), got)
		}
	}
	if n := rec.count(mcpconn.EventCloseFailed); n != 0 {
		t.Errorf("got %d close failures", n)
	}
	if active := m.GetAllActiveSessions(); len(active) != 0 {
		t.Errorf("got active sessions %v after close", active)
	}
	if err := m.CloseSession("unknown"); !errors.Is(err, mcpconn.ErrSessionNotReady) {
		t.Errorf("closing an unknown server got %v, want SessionNotReady", err)
	}
}

func TestManagerParallelConnect(t *testing.T) {
	m := newTestManager(t, mcpconn.WithParallelism(4))

	// A server that never answers must not delay the others beyond its own timeout.
	slow := mcpconn.ServerConfig{
		Name:           "hang",
		Command:        "sleep",
		Args:           []string{"30"},
		ConnectTimeout: 2 * time.Second,
		ShutdownGrace:  time.Second,
	}
	start := time.Now()
	res := m.CreateAllSessions(context.Background(), []mcpconn.ServerConfig{
		slow,
		echoServerConfig("a", "echo"),
		echoServerConfig("b", "echo"),
	})
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("create all took %s", elapsed)
	}
	if len(res.Sessions) != 2 {
		t.Errorf("got %d sessions, want 2: %v", len(res.Sessions), res.Errors)
	}
	if !errors.Is(res.Errors["hang"], mcpconn.ErrConnectionTimeout) {
		t.Errorf("got error %v for hang, want ConnectionTimeout", res.Errors["hang"])
	}
}

func TestManagerReadyOnly(t *testing.T) {
	m := newTestManager(t, mcpconn.WithReadyOnly())
	if _, err := m.CreateSession(context.Background(), echoServerConfig("crash", "exit-after-handshake")); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	s, _ := m.Session("crash")
	waitFor(t, 10*time.Second, "degraded state", func() bool {
		return s.State() == mcpconn.StateDegraded
	})
	if active := m.GetAllActiveSessions(); len(active) != 0 {
		t.Errorf("got active sessions %v, want none", active)
	}
}

func TestManagerElicitationHandler(t *testing.T) {
	var asked atomic.Int32
	m := newTestManager(t, mcpconn.WithElicitationHandler(mcpconn.ElicitationHandlerFunc(
		func(context.Context, mcpconn.ElicitationRequest) (mcpconn.ElicitationResult, error) {
			asked.Add(1)
			return mcpconn.ElicitationResult{Action: mcpconn.ElicitationCancel}, nil
		})), mcpconn.WithElicitationTimeout(time.Second))

	s, err := m.CreateSession(context.Background(), echoServerConfig("echo", "echo"))
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	result, err := s.CallTool(context.Background(), mcpconn.CallToolParams{Name: "confirm"})
	if err != nil || result.IsError {
		t.Fatalf("confirm failed: %v %+v", err, result)
	}
	if got := result.Content[0].Text; got != "cancel" {
		t.Errorf("got %q, want cancel", got)
	}
	if got := asked.Load(); got != 1 {
		t.Errorf("handler called %d times, want 1", got)
	}
}
