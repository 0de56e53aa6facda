package mcpconn_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcpconn"
	"github.com/MegaGrindStone/go-mcpconn/servers/echo"
)

func newHTTPEchoServer(t *testing.T, opts echo.Options) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(echo.NewServer(opts))
	t.Cleanup(ts.Close)
	return ts
}

func httpServerConfig(name, url string) mcpconn.ServerConfig {
	return mcpconn.ServerConfig{
		Name:           name,
		URL:            url + "/mcp",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

func TestHTTPSession(t *testing.T) {
	tests := []struct {
		name      string
		streaming bool
	}{
		{name: "json responses"},
		{name: "event stream responses", streaming: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newHTTPEchoServer(t, echo.Options{HTTPStreaming: tt.streaming})
			bridge := mcpconn.NewSamplingBridge(mcpconn.SamplingHandlerFunc(
				func(_ context.Context, req mcpconn.SamplingRequest) (mcpconn.SamplingResult, error) {
					return mcpconn.SamplingResult{
						Role:    mcpconn.RoleAssistant,
						Content: mcpconn.SamplingContent{Type: mcpconn.ContentTypeText, Text: "sampled " + req.Params.Messages[0].Content.Text},
					}, nil
				}), 0, discardLogger(), nil, nil)
			s := newTestSession(t, httpServerConfig("remote", ts.URL), mcpconn.WithSessionSampling(bridge))
			ctx := context.Background()

			if err := s.Connect(ctx); err != nil {
				t.Fatalf("failed to connect: %v", err)
			}
			if got := len(s.Tools()); got != 6 {
				t.Errorf("got %d tools, want 6", got)
			}

			result, err := s.CallTool(ctx, mcpconn.CallToolParams{Name: "echo", Arguments: json.RawMessage(`{"text":"over http"}`)})
			if err != nil {
				t.Fatalf("failed to call tool: %v", err)
			}
			if len(result.Content) != 1 || result.Content[0].Text != "over http" {
				t.Errorf("got %+v, want the echoed text", result)
			}

			result, err = s.CallTool(ctx, mcpconn.CallToolParams{Name: "sample", Arguments: json.RawMessage(`{"prompt":"hi"}`)})
			if err != nil {
				t.Fatalf("failed to call sample tool: %v", err)
			}
			// Plain JSON responses cannot carry the server's sampling request.
			if result.IsError == tt.streaming {
				t.Errorf("got sample result %+v, want isError %v", result, !tt.streaming)
			}
			if tt.streaming && result.Content[0].Text != "sampled hi" {
				t.Errorf("got sample text %q, want %q", result.Content[0].Text, "sampled hi")
			}

			if err := s.Close(); err != nil {
				t.Errorf("failed to close: %v", err)
			}
		})
	}
}

func TestHTTPStatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   error
		wantState mcpconn.State
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantErr: mcpconn.ErrUnauthorized, wantState: mcpconn.StateFailed},
		{name: "forbidden", status: http.StatusForbidden, wantErr: mcpconn.ErrUnauthorized, wantState: mcpconn.StateFailed},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantErr: mcpconn.ErrConnectionRefused, wantState: mcpconn.StateDegraded},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: mcpconn.ErrConnectionRefused, wantState: mcpconn.StateDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			s := newTestSession(t, httpServerConfig("remote", ts.URL))
			err := s.Connect(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
			if got := s.State(); got != tt.wantState {
				t.Errorf("got state %s, want %s", got, tt.wantState)
			}
		})
	}
}

func TestHTTPConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	s := newTestSession(t, httpServerConfig("gone", url))
	err := s.Connect(context.Background())
	if !errors.Is(err, mcpconn.ErrConnectionRefused) {
		t.Fatalf("got error %v, want ConnectionRefused", err)
	}
	if !mcpconn.IsRetryable(err) {
		t.Errorf("error %v should be retryable", err)
	}
	if got := s.State(); got != mcpconn.StateDegraded {
		t.Errorf("got state %s, want degraded", got)
	}
}

func TestHTTPSessionExpired(t *testing.T) {
	ts := newHTTPEchoServer(t, echo.Options{ExitAfterHandshake: true})
	s := newTestSession(t, httpServerConfig("forgetful", ts.URL))

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

func TestHTTPCheckHealth(t *testing.T) {
	tests := []struct {
		name       string
		unhealthy  bool
		healthPath string
		wantErr    bool
	}{
		{name: "healthy"},
		{name: "unhealthy", unhealthy: true, wantErr: true},
		{name: "probe disabled", unhealthy: true, healthPath: "-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newHTTPEchoServer(t, echo.Options{Unhealthy: tt.unhealthy})
			cfg := httpServerConfig("remote", ts.URL)
			cfg.HealthPath = tt.healthPath

			tr, err := mcpconn.NewHTTPTransport(cfg, ts.Client(), discardLogger())
			if err != nil {
				t.Fatalf("failed to create transport: %v", err)
			}
			defer tr.Close()

			err = tr.CheckHealth(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckHealth() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPSendsHeaders(t *testing.T) {
	got := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case got <- r.Header.Get("Authorization"):
		default:
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	cfg := httpServerConfig("remote", ts.URL)
	cfg.Headers = map[string]string{"Authorization": "Bearer token"}
	tr, err := mcpconn.NewHTTPTransport(cfg, ts.Client(), discardLogger())
	if err != nil {
		t.Fatalf("failed to create transport: %v", err)
	}
	defer tr.Close()

	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	if err := tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	if auth := <-got; auth != "Bearer token" {
		t.Errorf("got Authorization %q, want %q", auth, "Bearer token")
	}
}
