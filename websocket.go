package mcpconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// WebSocketTransport exchanges frames with a server over a single WebSocket connection.
// Each text message carries exactly one JSON-RPC frame.
type WebSocketTransport struct {
	*lifecycle

	cfg    ServerConfig
	logger *slog.Logger
	client *http.Client

	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	frames     chan []byte
	readClosed chan struct{}
	closeDone  chan struct{}
}

const websocketSubprotocol = "mcp"

// NewWebSocketTransport creates an unopened WebSocket transport. A nil client means
// http.DefaultClient.
func NewWebSocketTransport(cfg ServerConfig, client *http.Client, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketTransport{
		lifecycle:  newLifecycle(),
		cfg:        cfg,
		logger:     logger.With(slog.String("transport", string(TransportWebSocket))),
		client:     client,
		ctx:        ctx,
		cancel:     cancel,
		frames:     make(chan []byte),
		readClosed: make(chan struct{}),
		closeDone:  make(chan struct{}),
	}
}

// Open performs the WebSocket handshake. A 401 or 403 answer is KindUnauthorized and any
// other refusal to upgrade is KindHandshakeRejected, unless the server reports a transient
// condition with a 5xx or 429 status.
func (w *WebSocketTransport) Open(ctx context.Context) error {
	done, err := w.beginOpen()
	if err != nil {
		return err
	}
	defer done()

	header := make(http.Header, len(w.cfg.Headers))
	for k, v := range w.cfg.Headers {
		header.Set(k, v)
	}

	conn, resp, err := websocket.Dial(ctx, w.cfg.URL, &websocket.DialOptions{
		HTTPClient:   w.client,
		HTTPHeader:   header,
		Subprotocols: []string{websocketSubprotocol},
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return classifyUpgradeError(resp, err)
	}

	limit := w.cfg.MaxMessageSize
	if limit <= 0 {
		limit = defaultMaxMessageSize
	}
	conn.SetReadLimit(limit)
	w.conn = conn

	if !w.markOpened() {
		_ = conn.CloseNow()
		return newError(KindCancelled, "open", errTransportClosed)
	}

	go w.readFrames()
	return nil
}

func classifyUpgradeError(resp *http.Response, err error) error {
	if resp == nil || resp.StatusCode == http.StatusSwitchingProtocols {
		return classifyDialError("open", err)
	}
	status := fmt.Errorf("unexpected status code: %d: %w", resp.StatusCode, err)
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return newError(KindUnauthorized, "open", status)
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return newError(KindConnectionRefused, "open", status)
	default:
		return newError(KindHandshakeRejected, "open", status)
	}
}

// Send writes frame as one text message. The underlying connection serializes writers.
func (w *WebSocketTransport) Send(ctx context.Context, frame []byte) error {
	if !w.isOpened() {
		return newError(KindConnectionLost, "send", errNotOpened)
	}
	select {
	case <-w.done:
		return newError(KindConnectionLost, "send", errTransportClosed)
	default:
	}

	if err := w.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		if ctx.Err() != nil {
			return classifyDialError("send", fmt.Errorf("%w: %w", ctx.Err(), err))
		}
		return newError(KindConnectionLost, "send", err)
	}
	return nil
}

// Receive yields every message the server sends.
func (w *WebSocketTransport) Receive() iter.Seq[[]byte] {
	return frameSeq(w.frames)
}

// Close performs the closing handshake. Calls after the first wait for it to finish.
func (w *WebSocketTransport) Close() error {
	if !w.markClosed() {
		<-w.closeDone
		return nil
	}
	defer close(w.closeDone)

	if !w.isOpened() {
		w.cancel()
		close(w.frames)
		return nil
	}

	err := w.conn.Close(websocket.StatusNormalClosure, "")
	w.cancel()
	<-w.readClosed

	if err != nil {
		w.logger.Debug("failed to close websocket cleanly", slog.String("err", err.Error()))
	}
	return nil
}

func (w *WebSocketTransport) readFrames() {
	defer close(w.readClosed)
	defer close(w.frames)

	for {
		data, err := w.read()
		if err != nil {
			w.setErr(err)
			return
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}
		select {
		case w.frames <- data:
		case <-w.done:
			return
		}
	}
}

// read waits for one message. With an idle timeout configured, a quiet connection is
// reported as KindConnectionTimeout.
func (w *WebSocketTransport) read() ([]byte, error) {
	ctx := w.ctx
	if w.cfg.IdleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(w.ctx, w.cfg.IdleTimeout)
		defer cancel()
	}

	start := time.Now()
	_, data, err := w.conn.Read(ctx)
	if err == nil {
		return data, nil
	}

	switch {
	case w.isClosed():
		return nil, newError(KindConnectionLost, "receive", errTransportClosed)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, newError(KindConnectionTimeout, "receive",
			fmt.Errorf("no message for %s", time.Since(start).Round(time.Millisecond)))
	}

	switch status := websocket.CloseStatus(err); status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil, newError(KindConnectionLost, "receive", fmt.Errorf("server closed connection: %w", err))
	case -1:
		return nil, newError(KindConnectionLost, "receive", err)
	default:
		return nil, newError(KindConnectionLost, "receive", fmt.Errorf("server closed connection with status %d: %w", status, err))
	}
}
