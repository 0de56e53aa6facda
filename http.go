package mcpconn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// HTTPTransport exchanges frames with a server over HTTP. Every outbound frame is a POST to
// the configured URL; the response body carries zero or more inbound frames either as a
// JSON document or as a text/event-stream. The Mcp-Session-Id header issued by the server
// is echoed on every later request.
//
// Each POST is an independent request, so concurrent Send calls cannot interleave bytes
// and are not queued behind each other.
type HTTPTransport struct {
	*lifecycle

	cfg      ServerConfig
	logger   *slog.Logger
	client   *http.Client
	endpoint *url.URL

	sessionMu sync.Mutex
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc

	frames       chan []byte
	framesMu     sync.RWMutex
	framesClosed bool
	framesOnce   sync.Once
	framesDone   chan struct{}
	streams      sync.WaitGroup

	closeDone chan struct{}
}

const (
	headerSessionID = "Mcp-Session-Id"
	closeTimeout    = 2 * time.Second
)

// NewHTTPTransport creates an unopened HTTP transport. A nil client means
// http.DefaultClient.
func NewHTTPTransport(cfg ServerConfig, client *http.Client, logger *slog.Logger) (*HTTPTransport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, &Error{Kind: KindInvalidConfig, Server: cfg.Name, Op: "new transport", Err: err}
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPTransport{
		lifecycle:  newLifecycle(),
		cfg:        cfg,
		logger:     logger.With(slog.String("transport", string(TransportHTTP))),
		client:     client,
		endpoint:   u,
		ctx:        ctx,
		cancel:     cancel,
		frames:     make(chan []byte),
		framesDone: make(chan struct{}),
		closeDone:  make(chan struct{}),
	}, nil
}

// Open marks the transport usable. HTTP has no persistent channel, so connection failures
// surface from the first Send, which is the initialize request.
func (h *HTTPTransport) Open(ctx context.Context) error {
	done, err := h.beginOpen()
	if err != nil {
		return err
	}
	defer done()

	if err := ctx.Err(); err != nil {
		return classifyDialError("open", err)
	}
	if !h.markOpened() {
		return newError(KindCancelled, "open", errTransportClosed)
	}
	return nil
}

// Send POSTs frame and queues any frames carried by the response.
func (h *HTTPTransport) Send(ctx context.Context, frame []byte) error {
	if !h.acceptingFrames() {
		return newError(KindConnectionLost, "send", errTransportClosed)
	}

	// The request outlives ctx when the server answers with a stream, so it is bound to
	// the transport and only tied to ctx until the response headers arrive.
	reqCtx, reqCancel := context.WithCancel(h.ctx)
	stop := context.AfterFunc(ctx, reqCancel)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, h.endpoint.String(), bytes.NewReader(frame))
	if err != nil {
		stop()
		reqCancel()
		return newError(KindInvalidConfig, "send", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	h.setHeaders(req)

	resp, err := h.client.Do(req)
	detached := stop()
	if err != nil {
		reqCancel()
		if !detached {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return classifyDialError("send", err)
	}

	if id := resp.Header.Get(headerSessionID); id != "" {
		h.sessionMu.Lock()
		h.sessionID = id
		h.sessionMu.Unlock()
	}

	if err := h.checkStatus(resp); err != nil {
		resp.Body.Close()
		reqCancel()
		return err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case resp.StatusCode == http.StatusAccepted, resp.StatusCode == http.StatusNoContent:
		resp.Body.Close()
		reqCancel()
		return nil
	case mediaType == "text/event-stream":
		h.framesMu.RLock()
		if h.framesClosed {
			h.framesMu.RUnlock()
			resp.Body.Close()
			reqCancel()
			return newError(KindConnectionLost, "send", errTransportClosed)
		}
		h.streams.Add(1)
		h.framesMu.RUnlock()

		go h.readStream(resp.Body, reqCancel)
		return nil
	default:
		defer reqCancel()
		defer resp.Body.Close()
		return h.readJSON(resp.Body)
	}
}

// Receive yields frames carried by POST responses.
func (h *HTTPTransport) Receive() iter.Seq[[]byte] {
	return frameSeq(h.frames)
}

// CheckHealth queries the health endpoint. Any non-2xx status or connection failure is
// reported as an error.
func (h *HTTPTransport) CheckHealth(ctx context.Context) error {
	path := h.cfg.healthPath()
	if path == "" {
		return nil
	}
	target := h.endpoint.ResolveReference(&url.URL{Path: path})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return newError(KindInvalidConfig, "health", err)
	}
	h.setHeaders(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return classifyDialError("health", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newError(KindConnectionLost, "health", fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}
	return nil
}

// SessionID returns the Mcp-Session-Id issued by the server, if any.
func (h *HTTPTransport) SessionID() string {
	h.sessionMu.Lock()
	defer h.sessionMu.Unlock()
	return h.sessionID
}

// Close ends the server-side session with a best-effort DELETE and stops every response
// stream.
func (h *HTTPTransport) Close() error {
	if !h.markClosed() {
		<-h.closeDone
		return nil
	}
	defer close(h.closeDone)

	if id := h.SessionID(); id != "" {
		h.deleteSession(id)
	}

	h.cancel()
	h.closeFrames()
	<-h.framesDone
	return nil
}

func (h *HTTPTransport) deleteSession(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.endpoint.String(), nil)
	if err != nil {
		return
	}
	h.setHeaders(req)
	req.Header.Set(headerSessionID, id)

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Debug("failed to delete server session", slog.String("err", err.Error()))
		return
	}
	resp.Body.Close()
}

func (h *HTTPTransport) setHeaders(req *http.Request) {
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}
	if id := h.SessionID(); id != "" {
		req.Header.Set(headerSessionID, id)
	}
}

func (h *HTTPTransport) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return newError(KindUnauthorized, "send", fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound && h.SessionID() != "":
		// The server no longer knows our session; this connection is over.
		err := newError(KindConnectionLost, "send", errors.New("server session expired"))
		h.terminate(err)
		return err
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return newError(KindConnectionRefused, "send", fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (h *HTTPTransport) readJSON(body io.Reader) error {
	limit := h.cfg.MaxMessageSize
	if limit <= 0 {
		limit = defaultMaxMessageSize
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return classifyDialError("receive", err)
	}
	if int64(len(data)) > limit {
		return newError(KindMalformedFrame, "receive", fmt.Errorf("response exceeds %d bytes", limit))
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}

	if data[0] != '[' {
		h.enqueue(data)
		return nil
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		// Let the correspondence report it as malformed.
		h.enqueue(data)
		return nil
	}
	for _, frame := range batch {
		if !h.enqueue(frame) {
			break
		}
	}
	return nil
}

func (h *HTTPTransport) readStream(body io.ReadCloser, cancel context.CancelFunc) {
	defer h.streams.Done()
	defer cancel()
	defer body.Close()

	config := &sse.ReadConfig{MaxEventSize: int(h.cfg.MaxMessageSize)}
	if config.MaxEventSize <= 0 {
		config.MaxEventSize = defaultMaxMessageSize
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) && !h.isClosed() {
				h.logger.Warn("failed to read event stream", slog.String("err", err.Error()))
			}
			return
		}

		switch ev.Type {
		case "", "message":
			if !h.enqueue([]byte(ev.Data)) {
				return
			}
		default:
			h.logger.Debug("unhandled event type", slog.String("type", ev.Type))
		}
	}
}

func (h *HTTPTransport) acceptingFrames() bool {
	h.framesMu.RLock()
	defer h.framesMu.RUnlock()
	return !h.framesClosed && h.isOpened()
}

func (h *HTTPTransport) enqueue(frame []byte) bool {
	h.framesMu.RLock()
	defer h.framesMu.RUnlock()
	if h.framesClosed {
		return false
	}
	select {
	case h.frames <- frame:
		return true
	case <-h.done:
		return false
	case <-h.ctx.Done():
		return false
	}
}

// terminate ends the Receive sequence with err without a local Close.
func (h *HTTPTransport) terminate(err error) {
	h.setErr(err)
	h.cancel()
	h.closeFrames()
}

func (h *HTTPTransport) closeFrames() {
	h.framesOnce.Do(func() {
		h.framesMu.Lock()
		h.framesClosed = true
		h.framesMu.Unlock()

		go func() {
			h.streams.Wait()
			close(h.frames)
			close(h.framesDone)
		}()
	})
}
