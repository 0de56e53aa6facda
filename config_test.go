package mcpconn_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcpconn"
)

const sampleConfig = `
parallelism: 2
defaults:
  timeout: 20
  server_startup_timeout: 10s
  retry:
    max_attempts: 3
    base_delay: 500ms
    max_delay: 5s
supervisor:
  interval: 5s
mcpServers:
  files:
    command: mcp-files
    args: ["--root", "/tmp"]
    env:
      TOKEN: secret
  search:
    url: https://search.example.com/mcp
    headers:
      Authorization: Bearer secret
    timeout: 1m
    retry:
      max_attempts: 8
  live:
    transport: websocket
    url: wss://live.example.com/ws
    idle_timeout: 90s
    health_path: ""
`

func TestParseConfig(t *testing.T) {
	cfg, err := mcpconn.ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.Parallelism != 2 {
		t.Errorf("got parallelism %d, want 2", cfg.Parallelism)
	}
	if cfg.Supervisor.Interval != 5*time.Second {
		t.Errorf("got interval %s, want 5s", cfg.Supervisor.Interval)
	}

	list := cfg.ServerList()
	if len(list) != 3 || list[0].Name != "files" || list[1].Name != "live" || list[2].Name != "search" {
		t.Fatalf("got servers %v, want files, live, search", list)
	}

	tests := []struct {
		name          string
		wantKind      mcpconn.TransportKind
		wantTimeout   time.Duration
		wantConnect   time.Duration
		wantAttempts  int
		wantBaseDelay time.Duration
	}{
		{
			name:          "files",
			wantKind:      mcpconn.TransportStdio,
			wantTimeout:   20 * time.Second,
			wantConnect:   10 * time.Second,
			wantAttempts:  3,
			wantBaseDelay: 500 * time.Millisecond,
		},
		{
			name:          "search",
			wantKind:      mcpconn.TransportHTTP,
			wantTimeout:   time.Minute,
			wantConnect:   10 * time.Second,
			wantAttempts:  8,
			wantBaseDelay: 500 * time.Millisecond,
		},
		{
			name:          "live",
			wantKind:      mcpconn.TransportWebSocket,
			wantTimeout:   20 * time.Second,
			wantConnect:   10 * time.Second,
			wantAttempts:  3,
			wantBaseDelay: 500 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := cfg.Servers[tt.name]
			if sc.Kind() != tt.wantKind {
				t.Errorf("got kind %q, want %q", sc.Kind(), tt.wantKind)
			}
			if sc.RequestTimeout != tt.wantTimeout {
				t.Errorf("got request timeout %s, want %s", sc.RequestTimeout, tt.wantTimeout)
			}
			if sc.ConnectTimeout != tt.wantConnect {
				t.Errorf("got connect timeout %s, want %s", sc.ConnectTimeout, tt.wantConnect)
			}
			if sc.Retry.MaxAttempts != tt.wantAttempts {
				t.Errorf("got max attempts %d, want %d", sc.Retry.MaxAttempts, tt.wantAttempts)
			}
			if sc.Retry.BaseDelay != tt.wantBaseDelay {
				t.Errorf("got base delay %s, want %s", sc.Retry.BaseDelay, tt.wantBaseDelay)
			}
		})
	}

	if got := cfg.Servers["live"].IdleTimeout; got != 90*time.Second {
		t.Errorf("got idle timeout %s, want 90s", got)
	}
	if got := cfg.Servers["live"].HealthPath; got != "-" {
		t.Errorf("got health path %q, want the probe disabled", got)
	}
	if got := cfg.Servers["search"].HealthPath; got != mcpconn.DefaultHealthPath {
		t.Errorf("got health path %q, want %q", got, mcpconn.DefaultHealthPath)
	}
}

func TestParseConfigJSON(t *testing.T) {
	data := `{"mcpServers": {"fs": {"command": "npx", "args": ["-y", "server-filesystem"]}}}`
	cfg, err := mcpconn.ParseConfig([]byte(data))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	sc := cfg.Servers["fs"]
	if sc.Command != "npx" || len(sc.Args) != 2 {
		t.Errorf("got %+v, want the npx server", sc)
	}
	if sc.Retry != mcpconn.DefaultRetryPolicy {
		t.Errorf("got retry %+v, want the default policy", sc.Retry)
	}
}

func TestParseConfigEnvironment(t *testing.T) {
	t.Setenv("MCPCONN_REQUEST_TIMEOUT", "45s")
	t.Setenv("MCPCONN_RETRY_MAX_ATTEMPTS", "9")
	t.Setenv("MCPCONN_PARALLELISM", "6")

	cfg, err := mcpconn.ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	if cfg.Parallelism != 6 {
		t.Errorf("got parallelism %d, want 6 from the environment", cfg.Parallelism)
	}
	if got := cfg.Servers["files"].RequestTimeout; got != 45*time.Second {
		t.Errorf("got request timeout %s, want 45s from the environment", got)
	}
	if got := cfg.Servers["search"].RequestTimeout; got != time.Minute {
		t.Errorf("got request timeout %s, want the per-server 1m", got)
	}
	if got := cfg.Servers["files"].Retry.MaxAttempts; got != 9 {
		t.Errorf("got max attempts %d, want 9 from the environment", got)
	}
	if got := cfg.Servers["files"].Retry.BaseDelay; got != 500*time.Millisecond {
		t.Errorf("got base delay %s, want the file value kept", got)
	}
}

func TestParseConfigNoRetries(t *testing.T) {
	data := `
mcpServers:
  once:
    command: once-server
    retry:
      max_attempts: 0
  usual:
    command: usual-server
`
	tests := []struct {
		name   string
		env    string
		server string
		want   int
	}{
		{name: "explicit zero in file", server: "once", want: mcpconn.NoRetries},
		{name: "absent in file", server: "usual", want: mcpconn.DefaultRetryPolicy.MaxAttempts},
		{name: "explicit zero in environment", env: "0", server: "usual", want: mcpconn.NoRetries},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.env != "" {
				t.Setenv("MCPCONN_RETRY_MAX_ATTEMPTS", tt.env)
			}
			cfg, err := mcpconn.ParseConfig([]byte(data))
			if err != nil {
				t.Fatalf("failed to parse config: %v", err)
			}
			if got := cfg.Servers[tt.server].Retry.MaxAttempts; got != tt.want {
				t.Errorf("got max attempts %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "bad yaml", data: "mcpServers: [unclosed"},
		{name: "no command or url", data: "mcpServers:\n  empty: {}\n"},
		{name: "bad url scheme", data: "mcpServers:\n  s:\n    url: ftp://example.com\n"},
		{name: "unknown transport", data: "mcpServers:\n  s:\n    transport: carrier-pigeon\n    url: http://example.com\n"},
		{name: "unknown capability", data: "mcpServers:\n  s:\n    command: x\n    required_capabilities: [telepathy]\n"},
		{name: "bad duration", data: "defaults:\n  timeout: soon\n"},
		{name: "retry delays inverted", data: "mcpServers:\n  s:\n    command: x\n    retry:\n      base_delay: 10s\n      max_delay: 1s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mcpconn.ParseConfig([]byte(tt.data))
			if !errors.Is(err, mcpconn.ErrInvalidConfig) {
				t.Errorf("got error %v, want InvalidConfig", err)
			}
			if !mcpconn.IsFatal(err) {
				t.Errorf("config error %v should be fatal", err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := mcpconn.LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if len(cfg.Servers) != 3 {
		t.Errorf("got %d servers, want 3", len(cfg.Servers))
	}

	if _, err := mcpconn.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, mcpconn.ErrInvalidConfig) {
		t.Errorf("missing file got %v, want InvalidConfig", err)
	}
}

func TestPublicIdentifier(t *testing.T) {
	tests := []struct {
		name string
		cfg  mcpconn.ServerConfig
		want map[string]string
	}{
		{
			name: "stdio",
			cfg: mcpconn.ServerConfig{
				Name:    "files",
				Command: "mcp-files",
				Args:    []string{"--root", "/tmp"},
				Env:     map[string]string{"TOKEN": "secret"},
			},
			want: map[string]string{"type": "stdio", "command&args": "mcp-files --root /tmp"},
		},
		{
			name: "http",
			cfg: mcpconn.ServerConfig{
				Name:    "search",
				URL:     "https://search.example.com/mcp",
				Headers: map[string]string{"Authorization": "Bearer secret"},
			},
			want: map[string]string{"type": "http", "url": "https://search.example.com/mcp"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.PublicIdentifier()
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("got %s=%q, want %q", k, got[k], v)
				}
			}
		})
	}
}
