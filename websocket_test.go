package mcpconn_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcpconn"
	"github.com/MegaGrindStone/go-mcpconn/servers/echo"
)

func websocketServerConfig(name string, ts *httptest.Server) mcpconn.ServerConfig {
	return mcpconn.ServerConfig{
		Name:           name,
		URL:            "ws://" + strings.TrimPrefix(ts.URL, "http://"),
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

func TestWebSocketSession(t *testing.T) {
	ts := httptest.NewServer(echo.NewServer(echo.Options{}).WebSocketHandler())
	defer ts.Close()

	cfg := websocketServerConfig("live", ts)
	if cfg.Kind() != mcpconn.TransportWebSocket {
		t.Fatalf("got kind %q, want websocket", cfg.Kind())
	}
	bridge := mcpconn.NewSamplingBridge(mcpconn.SamplingHandlerFunc(
		func(context.Context, mcpconn.SamplingRequest) (mcpconn.SamplingResult, error) {
			return mcpconn.SamplingResult{
				Role:    mcpconn.RoleAssistant,
				Content: mcpconn.SamplingContent{Type: mcpconn.ContentTypeText, Text: "sampled"},
			}, nil
		}), 0, discardLogger(), nil, nil)
	s := newTestSession(t, cfg, mcpconn.WithSessionSampling(bridge))
	ctx := context.Background()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	tests := []struct {
		tool string
		args string
		want string
	}{
		{tool: "echo", args: `{"text":"over websocket"}`, want: "over websocket"},
		{tool: "sample", args: `{"prompt":"hi"}`, want: "sampled"},
	}
	for _, tt := range tests {
		result, err := s.CallTool(ctx, mcpconn.CallToolParams{Name: tt.tool, Arguments: json.RawMessage(tt.args)})
		if err != nil {
			t.Fatalf("failed to call %s: %v", tt.tool, err)
		}
		if result.IsError || len(result.Content) != 1 || result.Content[0].Text != tt.want {
			t.Errorf("%s: got %+v, want %q", tt.tool, result, tt.want)
		}
	}

	if err := s.Close(); err != nil {
		t.Errorf("failed to close: %v", err)
	}
}

func TestWebSocketHandshakeRefused(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "forbidden", status: http.StatusForbidden, wantErr: mcpconn.ErrUnauthorized},
		{name: "unavailable", status: http.StatusBadGateway, wantErr: mcpconn.ErrConnectionRefused},
		{name: "not a websocket endpoint", status: http.StatusOK, wantErr: mcpconn.ErrHandshakeRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			tr := mcpconn.NewWebSocketTransport(websocketServerConfig("live", ts), nil, discardLogger())
			err := tr.Open(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
			if err := tr.Close(); err != nil {
				t.Errorf("close after failed open: %v", err)
			}
		})
	}
}

func TestWebSocketAbruptClose(t *testing.T) {
	ts := httptest.NewServer(echo.NewServer(echo.Options{ExitAfterHandshake: true}).WebSocketHandler())
	defer ts.Close()

	s := newTestSession(t, websocketServerConfig("flaky", ts))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	waitFor(t, 5*time.Second, "degraded state", func() bool {
		return s.State() == mcpconn.StateDegraded
	})
	if !errors.Is(s.Err(), mcpconn.ErrConnectionLost) {
		t.Errorf("got error %v, want ConnectionLost", s.Err())
	}
}

func TestWebSocketIdleTimeout(t *testing.T) {
	ts := httptest.NewServer(echo.NewServer(echo.Options{}).WebSocketHandler())
	defer ts.Close()

	cfg := websocketServerConfig("idle", ts)
	cfg.IdleTimeout = 100 * time.Millisecond
	tr := mcpconn.NewWebSocketTransport(cfg, nil, discardLogger())
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer tr.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range tr.Receive() {
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("idle connection was not dropped")
	}
	if !errors.Is(tr.Err(), mcpconn.ErrConnectionTimeout) {
		t.Errorf("got error %v, want ConnectionTimeout", tr.Err())
	}
}
