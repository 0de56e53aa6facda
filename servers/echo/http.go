package echo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MegaGrindStone/go-mcpconn"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

const (
	headerSessionID = "Mcp-Session-Id"
	maxBodySize     = 4 << 20
)

var errNoStream = errors.New("server-initiated messages need HTTPStreaming")

// ServeHTTP implements streamable HTTP: every POST carries one client frame, a request is
// answered in the response body and GET /health reports liveness. Sessions are keyed by the
// Mcp-Session-Id header issued in the initialize response.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		s.serveHealth(w)
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.servePost(w, r)
	case http.MethodDelete:
		s.sessionsMu.Lock()
		delete(s.sessions, r.Header.Get(headerSessionID))
		s.sessionsMu.Unlock()
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveHealth(w http.ResponseWriter) {
	if s.opts.Unhealthy {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) servePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var msg mcpconn.JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, mcpconn.JSONRPCMessage{
			JSONRPC: mcpconn.JSONRPCVersion,
			Error:   &mcpconn.JSONRPCError{Code: mcpconn.JSONRPCParseErrorCode, Message: "Parse error"},
		})
		return
	}

	var p *peer
	if msg.Method == mcpconn.MethodInitialize {
		id := uuid.NewString()
		p = s.newPeer()
		s.sessionsMu.Lock()
		s.sessions[id] = p
		s.sessionsMu.Unlock()
		w.Header().Set(headerSessionID, id)
	} else {
		id := r.Header.Get(headerSessionID)
		s.sessionsMu.Lock()
		p = s.sessions[id]
		s.sessionsMu.Unlock()
		if p == nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
	}

	switch {
	case msg.Method != "" && !msg.ID.IsZero():
		if s.opts.HTTPStreaming {
			s.stream(w, r, p, msg)
			return
		}
		noStream := func(context.Context, mcpconn.JSONRPCMessage) error { return errNoStream }
		writeJSON(w, http.StatusOK, p.handleRequest(r.Context(), msg, noStream))
	case msg.Method != "":
		p.handleNotification(msg)
		if msg.Method == mcpconn.MethodNotificationsInitialized && s.opts.ExitAfterHandshake {
			s.sessionsMu.Lock()
			delete(s.sessions, r.Header.Get(headerSessionID))
			s.sessionsMu.Unlock()
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		p.resolve(msg)
		w.WriteHeader(http.StatusAccepted)
	}
}

// stream answers a request with a text/event-stream carrying any server-initiated
// messages followed by the response.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, p *peer, msg mcpconn.JSONRPCMessage) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var mu sync.Mutex
	send := func(_ context.Context, m mcpconn.JSONRPCMessage) error {
		bs, err := json.Marshal(m)
		if err != nil {
			return err
		}
		ev := &sse.Message{Type: sse.Type("message")}
		ev.AppendData(string(bs))

		mu.Lock()
		defer mu.Unlock()
		if err := sess.Send(ev); err != nil {
			return err
		}
		return sess.Flush()
	}

	resp := p.handleRequest(r.Context(), msg, send)
	if err := send(r.Context(), resp); err != nil {
		s.logger.Warn("failed to send response", slog.String("err", err.Error()))
	}
}

// WebSocketHandler serves one MCP connection per WebSocket, one frame per text message.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"mcp"}})
		if err != nil {
			s.logger.Warn("failed to accept websocket", slog.String("err", err.Error()))
			return
		}
		defer conn.CloseNow()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		p := s.newPeer()
		send := func(ctx context.Context, m mcpconn.JSONRPCMessage) error {
			bs, err := json.Marshal(m)
			if err != nil {
				return err
			}
			return conn.Write(ctx, websocket.MessageText, bs)
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			p.receive(ctx, data, send)

			if s.opts.ExitAfterHandshake && p.isInitialized() {
				_ = conn.Close(websocket.StatusGoingAway, "bye")
				return
			}
		}
	})
}

func (p *peer) isInitialized() bool {
	select {
	case <-p.initialized:
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
