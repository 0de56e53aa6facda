package mcpconn

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// TransportKind selects the TransportAdapter variant for a server.
type TransportKind string

// Supported transport kinds.
const (
	TransportStdio     TransportKind = "stdio"
	TransportHTTP      TransportKind = "http"
	TransportWebSocket TransportKind = "websocket"
)

// DefaultHealthPath is queried on HTTP servers unless ServerConfig.HealthPath overrides it.
// The value "-" disables the HTTP health probe.
const DefaultHealthPath = "/health"

const healthPathDisabled = "-"

var (
	defaultRequestTimeout = 30 * time.Second
	defaultConnectTimeout = 30 * time.Second
	defaultShutdownGrace  = 5 * time.Second

	defaultHealthInterval = 15 * time.Second
	defaultFreshness      = 30 * time.Second
	defaultProbeTimeout   = 5 * time.Second

	defaultParallelism = 4
)

// ServerConfig describes one configured server. It is treated as immutable once a Session
// has been built from it.
type ServerConfig struct {
	// Name is the unique key of the server within a Manager.
	Name string
	// Transport is inferred from Command and URL when empty.
	Transport TransportKind

	// Command, Args and Env configure a stdio server. Env entries override the inherited
	// process environment.
	Command string
	Args    []string
	Env     map[string]string
	// Stderr receives the server's standard error. When nil, stderr lines are logged.
	Stderr io.Writer
	// ShutdownGrace is how long a stdio server may take to exit after SIGTERM before it
	// is killed.
	ShutdownGrace time.Duration

	// URL is the endpoint of an http or websocket server.
	URL string
	// Headers are added to every HTTP request and to the WebSocket handshake.
	Headers map[string]string
	// HealthPath is the HTTP health endpoint, relative to URL's origin.
	HealthPath string
	// IdleTimeout ends a WebSocket connection that receives nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	// MaxMessageSize bounds a single inbound frame. Zero means 4 MiB.
	MaxMessageSize int64

	// ConnectTimeout bounds transport open plus the initialize handshake.
	ConnectTimeout time.Duration
	// RequestTimeout bounds every call made through the session.
	RequestTimeout time.Duration

	// RequiredCapabilities lists server capabilities that must be advertised in the
	// initialize result: "tools", "resources", "prompts" or "logging".
	RequiredCapabilities []string

	// Retry overrides the default reconnect policy. A zero value uses the default.
	Retry RetryPolicy
}

// ServerDefaults are applied to every server that does not set the field itself.
type ServerDefaults struct {
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	Retry          RetryPolicy
}

// SupervisorConfig configures the health-check loop.
type SupervisorConfig struct {
	// Interval between health-check passes.
	Interval time.Duration
	// Freshness is how recent the last successful traffic must be for a session to count
	// as healthy without an active probe.
	Freshness time.Duration
	// ProbeTimeout bounds a single active probe.
	ProbeTimeout time.Duration
}

// Config is the full client configuration: every server plus the shared defaults.
type Config struct {
	Servers     map[string]ServerConfig
	Defaults    ServerDefaults
	Supervisor  SupervisorConfig
	Parallelism int
}

// DefaultConfig returns a configuration with no servers and every default set.
func DefaultConfig() Config {
	return Config{
		Servers: map[string]ServerConfig{},
		Defaults: ServerDefaults{
			RequestTimeout: defaultRequestTimeout,
			ConnectTimeout: defaultConnectTimeout,
			Retry:          DefaultRetryPolicy,
		},
		Supervisor: SupervisorConfig{
			Interval:     defaultHealthInterval,
			Freshness:    defaultFreshness,
			ProbeTimeout: defaultProbeTimeout,
		},
		Parallelism: defaultParallelism,
	}
}

// LoadConfig reads a YAML or JSON configuration file, overlays MCPCONN_* environment
// variables and validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &Error{Kind: KindInvalidConfig, Op: "load config", Err: err}
	}
	return ParseConfig(data)
}

// ParseConfig parses configuration data. JSON is accepted because it is valid YAML.
// Precedence is defaults < data < environment.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, &Error{Kind: KindInvalidConfig, Op: "parse config", Err: err}
	}
	fc.apply(&cfg)

	if err := loadEnv(&cfg); err != nil {
		return Config{}, &Error{Kind: KindInvalidConfig, Op: "parse env", Err: err}
	}

	for name, sc := range cfg.Servers {
		cfg.Servers[name] = sc.WithDefaults(cfg.Defaults)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ServerList returns every server config ordered by name.
func (c Config) ServerList() []ServerConfig {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	slices.Sort(names)

	list := make([]ServerConfig, 0, len(names))
	for _, name := range names {
		list = append(list, c.Servers[name])
	}
	return list
}

// Validate checks every server and the shared settings.
func (c Config) Validate() error {
	var errs []error
	if c.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("parallelism must be at least 1, got %d", c.Parallelism))
	}
	if c.Supervisor.Interval <= 0 {
		errs = append(errs, errors.New("supervisor interval must be positive"))
	}
	if c.Supervisor.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("supervisor probe timeout must be positive"))
	}
	for _, sc := range c.ServerList() {
		if err := sc.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &Error{Kind: KindInvalidConfig, Op: "validate config", Err: errors.Join(errs...)}
	}
	return nil
}

// Kind returns the configured transport kind, inferring it from Command or URL when unset.
func (c ServerConfig) Kind() TransportKind {
	if c.Transport != "" {
		return c.Transport
	}
	if c.Command != "" {
		return TransportStdio
	}
	switch {
	case strings.HasPrefix(c.URL, "ws://"), strings.HasPrefix(c.URL, "wss://"):
		return TransportWebSocket
	case c.URL != "":
		return TransportHTTP
	}
	return ""
}

// WithDefaults returns a copy with every unset field filled from defaults.
func (c ServerConfig) WithDefaults(d ServerDefaults) ServerConfig {
	c.Transport = c.Kind()
	if c.RequestTimeout == 0 {
		c.RequestTimeout = orDefault(d.RequestTimeout, defaultRequestTimeout)
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = orDefault(d.ConnectTimeout, defaultConnectTimeout)
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.HealthPath == "" {
		c.HealthPath = DefaultHealthPath
	}
	def := d.Retry
	if def == (RetryPolicy{}) {
		def = DefaultRetryPolicy
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = def
	} else {
		c.Retry = c.Retry.WithDefaults(def)
	}
	return c
}

// Validate reports configuration mistakes that would make a connection attempt pointless.
func (c ServerConfig) Validate() error {
	fail := func(format string, args ...any) error {
		return &Error{Kind: KindInvalidConfig, Server: c.Name, Op: "validate", Err: fmt.Errorf(format, args...)}
	}

	if c.Name == "" {
		return fail("server name is empty")
	}
	switch c.Kind() {
	case TransportStdio:
		if c.Command == "" {
			return fail("stdio server needs a command")
		}
	case TransportHTTP, TransportWebSocket:
		u, err := url.Parse(c.URL)
		if err != nil {
			return fail("invalid url %q: %w", c.URL, err)
		}
		want := []string{"http", "https"}
		if c.Kind() == TransportWebSocket {
			want = []string{"ws", "wss", "http", "https"}
		}
		if !slices.Contains(want, u.Scheme) || u.Host == "" {
			return fail("url %q is not a valid %s endpoint", c.URL, c.Kind())
		}
	case "":
		return fail("server needs either a command or a url")
	default:
		return fail("unknown transport %q", c.Transport)
	}
	for _, capName := range c.RequiredCapabilities {
		if !slices.Contains([]string{"tools", "resources", "prompts", "logging"}, capName) {
			return fail("unknown required capability %q", capName)
		}
	}
	if c.Retry != (RetryPolicy{}) {
		if err := c.Retry.Validate(); err != nil {
			return fail("retry policy: %w", err)
		}
	}
	return nil
}

// PublicIdentifier describes the server without exposing environment or headers.
func (c ServerConfig) PublicIdentifier() map[string]string {
	id := map[string]string{"type": string(c.Kind())}
	switch c.Kind() {
	case TransportStdio:
		id["command&args"] = strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))
	default:
		id["url"] = c.URL
	}
	return id
}

func (c ServerConfig) healthPath() string {
	switch c.HealthPath {
	case "":
		return DefaultHealthPath
	case healthPathDisabled:
		return ""
	default:
		return c.HealthPath
	}
}

func orDefault(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

// Duration accepts either a number of seconds or a Go duration string.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var seconds float64
	if err := node.Decode(&seconds); err == nil {
		*d = Duration(seconds * float64(time.Second))
		return nil
	}

	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration at line %d: %w", node.Line, err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q at line %d: %w", s, node.Line, err)
	}
	*d = Duration(v)
	return nil
}

type fileConfig struct {
	MCPServers  map[string]fileServer `yaml:"mcpServers"`
	Defaults    *fileDefaults         `yaml:"defaults"`
	Supervisor  *fileSupervisor       `yaml:"supervisor"`
	Parallelism int                   `yaml:"parallelism"`
}

type fileServer struct {
	Transport            string            `yaml:"transport"`
	Command              string            `yaml:"command"`
	Args                 []string          `yaml:"args"`
	Env                  map[string]string `yaml:"env"`
	URL                  string            `yaml:"url"`
	Headers              map[string]string `yaml:"headers"`
	HealthPath           *string           `yaml:"health_path"`
	Timeout              Duration          `yaml:"timeout"`
	StartupTimeout       Duration          `yaml:"server_startup_timeout"`
	ShutdownGrace        Duration          `yaml:"shutdown_grace"`
	IdleTimeout          Duration          `yaml:"idle_timeout"`
	MaxMessageSize       int64             `yaml:"max_message_size"`
	RequiredCapabilities []string          `yaml:"required_capabilities"`
	Retry                *fileRetry        `yaml:"retry"`
}

type fileDefaults struct {
	Timeout        Duration   `yaml:"timeout"`
	StartupTimeout Duration   `yaml:"server_startup_timeout"`
	Retry          *fileRetry `yaml:"retry"`
}

type fileSupervisor struct {
	Interval     Duration `yaml:"interval"`
	Freshness    Duration `yaml:"freshness"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
}

type fileRetry struct {
	MaxAttempts *int     `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Jitter      *bool    `yaml:"jitter"`
}

func (fc fileConfig) apply(cfg *Config) {
	if fc.Parallelism != 0 {
		cfg.Parallelism = fc.Parallelism
	}
	if d := fc.Defaults; d != nil {
		if d.Timeout != 0 {
			cfg.Defaults.RequestTimeout = time.Duration(d.Timeout)
		}
		if d.StartupTimeout != 0 {
			cfg.Defaults.ConnectTimeout = time.Duration(d.StartupTimeout)
		}
		cfg.Defaults.Retry = d.Retry.over(cfg.Defaults.Retry)
	}
	if s := fc.Supervisor; s != nil {
		if s.Interval != 0 {
			cfg.Supervisor.Interval = time.Duration(s.Interval)
		}
		if s.Freshness != 0 {
			cfg.Supervisor.Freshness = time.Duration(s.Freshness)
		}
		if s.ProbeTimeout != 0 {
			cfg.Supervisor.ProbeTimeout = time.Duration(s.ProbeTimeout)
		}
	}

	for name, fs := range fc.MCPServers {
		sc := ServerConfig{
			Name:                 name,
			Transport:            TransportKind(fs.Transport),
			Command:              fs.Command,
			Args:                 fs.Args,
			Env:                  fs.Env,
			URL:                  fs.URL,
			Headers:              fs.Headers,
			RequestTimeout:       time.Duration(fs.Timeout),
			ConnectTimeout:       time.Duration(fs.StartupTimeout),
			ShutdownGrace:        time.Duration(fs.ShutdownGrace),
			IdleTimeout:          time.Duration(fs.IdleTimeout),
			MaxMessageSize:       fs.MaxMessageSize,
			RequiredCapabilities: fs.RequiredCapabilities,
		}
		if sc.Transport == "sse" || sc.Transport == "streamable-http" {
			sc.Transport = TransportHTTP
		}
		if fs.HealthPath != nil {
			sc.HealthPath = *fs.HealthPath
			if sc.HealthPath == "" {
				sc.HealthPath = healthPathDisabled
			}
		}
		if fs.Retry != nil {
			// Resolved against the final defaults in WithDefaults; only explicit fields
			// are carried here.
			sc.Retry = fs.Retry.over(RetryPolicy{})
			if fs.Retry.Jitter == nil {
				sc.Retry.Jitter = cfg.Defaults.Retry.Jitter
			}
		}
		cfg.Servers[name] = sc
	}
}

// over returns base with every field set in r replaced.
func (r *fileRetry) over(base RetryPolicy) RetryPolicy {
	if r == nil {
		return base
	}
	if r.MaxAttempts != nil {
		base.MaxAttempts = *r.MaxAttempts
		if base.MaxAttempts == 0 {
			base.MaxAttempts = NoRetries
		}
	}
	if r.BaseDelay != 0 {
		base.BaseDelay = time.Duration(r.BaseDelay)
	}
	if r.MaxDelay != 0 {
		base.MaxDelay = time.Duration(r.MaxDelay)
	}
	if r.Jitter != nil {
		base.Jitter = *r.Jitter
	}
	return base
}

type envConfig struct {
	RequestTimeout time.Duration `env:"MCPCONN_REQUEST_TIMEOUT,strict"`
	ConnectTimeout time.Duration `env:"MCPCONN_CONNECT_TIMEOUT,strict"`
	MaxAttempts    int           `env:"MCPCONN_RETRY_MAX_ATTEMPTS,strict"`
	BaseDelay      time.Duration `env:"MCPCONN_RETRY_BASE_DELAY,strict"`
	MaxDelay       time.Duration `env:"MCPCONN_RETRY_MAX_DELAY,strict"`
	Jitter         bool          `env:"MCPCONN_RETRY_JITTER,strict"`
	HealthInterval time.Duration `env:"MCPCONN_HEALTH_INTERVAL,strict"`
	Freshness      time.Duration `env:"MCPCONN_HEALTH_FRESHNESS,strict"`
	Parallelism    int           `env:"MCPCONN_PARALLELISM,strict"`
}

// loadEnv overlays MCPCONN_* variables. The overlay starts from the current values so that
// unset variables leave them untouched.
func loadEnv(cfg *Config) error {
	ec := envConfig{
		RequestTimeout: cfg.Defaults.RequestTimeout,
		ConnectTimeout: cfg.Defaults.ConnectTimeout,
		MaxAttempts:    cfg.Defaults.Retry.MaxAttempts,
		BaseDelay:      cfg.Defaults.Retry.BaseDelay,
		MaxDelay:       cfg.Defaults.Retry.MaxDelay,
		Jitter:         cfg.Defaults.Retry.Jitter,
		HealthInterval: cfg.Supervisor.Interval,
		Freshness:      cfg.Supervisor.Freshness,
		Parallelism:    cfg.Parallelism,
	}
	if err := envdecode.Decode(&ec); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return err
	}

	cfg.Defaults.RequestTimeout = ec.RequestTimeout
	cfg.Defaults.ConnectTimeout = ec.ConnectTimeout
	if v, ok := os.LookupEnv("MCPCONN_RETRY_MAX_ATTEMPTS"); ok && ec.MaxAttempts == 0 && v != "" {
		ec.MaxAttempts = NoRetries
	}
	cfg.Defaults.Retry = RetryPolicy{
		MaxAttempts: ec.MaxAttempts,
		BaseDelay:   ec.BaseDelay,
		MaxDelay:    ec.MaxDelay,
		Jitter:      ec.Jitter,
	}
	cfg.Supervisor.Interval = ec.HealthInterval
	cfg.Supervisor.Freshness = ec.Freshness
	cfg.Parallelism = ec.Parallelism
	return nil
}
