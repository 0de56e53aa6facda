package mcpconn

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
)

// Transport owns the raw frame channel to one server. Every variant guarantees that at
// most one Open is in flight, that Send calls never interleave partial frames, and that
// Close is idempotent and safe from any state, including while Open is still running.
type Transport interface {
	// Open establishes the channel. It returns a typed *Error on failure.
	Open(ctx context.Context) error

	// Send transmits one complete JSON-RPC frame.
	Send(ctx context.Context, frame []byte) error

	// Receive returns the sequence of inbound frames for the current connection. The
	// sequence ends when the channel terminates; Err then reports why.
	Receive() iter.Seq[[]byte]

	// Err returns the terminal error once the Receive sequence has ended. It is nil while
	// the channel is open and after a Close initiated by this side.
	Err() error

	// Close releases the channel.
	Close() error
}

// HealthChecker is implemented by transports that have an out-of-band liveness probe.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// TransportFactory builds the transport for a server. Managers use NewTransport unless a
// factory is injected.
type TransportFactory func(cfg ServerConfig, logger *slog.Logger) (Transport, error)

// TransportOption configures transports built by NewTransport.
type TransportOption func(*transportOptions)

type transportOptions struct {
	httpClient *http.Client
}

// WithHTTPClient sets the client used by HTTP and WebSocket transports.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(o *transportOptions) {
		o.httpClient = client
	}
}

const defaultMaxMessageSize = 4 << 20

// NewTransport builds the transport variant selected by cfg.Kind().
func NewTransport(cfg ServerConfig, logger *slog.Logger, options ...TransportOption) (Transport, error) {
	var opts transportOptions
	for _, opt := range options {
		opt(&opts)
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Kind() {
	case TransportStdio:
		return NewStdioTransport(cfg, logger), nil
	case TransportHTTP:
		return NewHTTPTransport(cfg, opts.httpClient, logger)
	case TransportWebSocket:
		return NewWebSocketTransport(cfg, opts.httpClient, logger), nil
	default:
		return nil, &Error{
			Kind:   KindInvalidConfig,
			Server: cfg.Name,
			Op:     "new transport",
			Err:    fmt.Errorf("unknown transport %q", cfg.Transport),
		}
	}
}

// lifecycle tracks the open/close bookkeeping shared by every transport.
type lifecycle struct {
	openMu sync.Mutex

	mu     sync.Mutex
	opened bool
	closed bool
	err    error

	done      chan struct{}
	closeOnce sync.Once
}

func newLifecycle() *lifecycle {
	return &lifecycle{done: make(chan struct{})}
}

// beginOpen serializes Open calls and rejects opens after Close. The returned function
// must be called when Open finishes.
func (l *lifecycle) beginOpen() (func(), error) {
	l.openMu.Lock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.openMu.Unlock()
		return nil, newError(KindCancelled, "open", errTransportClosed)
	}
	if l.opened {
		l.openMu.Unlock()
		return nil, newError(KindInvalidConfig, "open", errTransportOpened)
	}
	return l.openMu.Unlock, nil
}

// markOpened records a successful open. It reports false when Close won the race, in which
// case the caller must release what it built.
func (l *lifecycle) markOpened() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.opened = true
	return true
}

// markClosed flips the closed flag once and reports whether this call did it.
func (l *lifecycle) markClosed() bool {
	first := false
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)
		first = true
	})
	return first
}

func (l *lifecycle) isOpened() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened
}

func (l *lifecycle) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// setErr records the first terminal error unless the channel was closed locally.
func (l *lifecycle) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.err != nil {
		return
	}
	l.err = err
}

func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

var (
	errTransportClosed = fmt.Errorf("transport closed")
	errTransportOpened = fmt.Errorf("transport already opened")
	errNotOpened       = fmt.Errorf("transport not opened")
)

// frameSeq adapts a frame channel into the Receive sequence.
func frameSeq(frames <-chan []byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for frame := range frames {
			if !yield(frame) {
				return
			}
		}
	}
}
