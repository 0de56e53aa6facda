// Package echo is a small MCP server used to exercise the mcpconn client. It speaks over
// newline-delimited stdio, WebSocket and streamable HTTP, and offers a handful of tools that
// echo, stall, ask the client for sampling or fail on demand.
package echo

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/go-mcpconn"
)

// Options configures a Server.
type Options struct {
	// ProtocolVersion is answered in the initialize result. Empty means
	// mcpconn.LatestProtocolVersion.
	ProtocolVersion string
	// Instructions are sent in the initialize result.
	Instructions string
	// ExitAfterHandshake ends the connection as soon as the client sends
	// notifications/initialized.
	ExitAfterHandshake bool
	// HTTPStreaming answers HTTP requests with a text/event-stream instead of a JSON body.
	// Sampling over HTTP needs it.
	HTTPStreaming bool
	// Unhealthy makes the HTTP health endpoint answer 503.
	Unhealthy bool
	// SamplingTimeout bounds the wait for the client's answer to a sampling or elicitation
	// request. Zero means 10s.
	SamplingTimeout time.Duration
	Logger          *slog.Logger
}

// Server is the echo MCP server. One Server can serve any number of connections.
type Server struct {
	opts   Options
	logger *slog.Logger

	sessionsMu sync.Mutex
	sessions   map[string]*peer
}

// sender writes one frame to the client.
type sender func(ctx context.Context, msg mcpconn.JSONRPCMessage) error

// peer is the server side of one client connection.
type peer struct {
	srv    *Server
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan mcpconn.JSONRPCMessage

	initialized     chan struct{}
	initializedOnce sync.Once
}

var toolList = []mcpconn.Tool{
	{
		Name:        "echo",
		Description: "Echoes back the input",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
	},
	{
		Name:        "slow",
		Description: "Echoes back the input after ms milliseconds",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"},"ms":{"type":"number"}}}`),
	},
	{
		Name:        "sample",
		Description: "Asks the client to sample a completion for prompt",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"prompt":{"type":"string"}}}`),
	},
	{
		Name:        "confirm",
		Description: "Asks the client to confirm text with the user",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
	},
	{
		Name:        "announce",
		Description: "Sends a tool list changed notification",
	},
	{
		Name:        "fail",
		Description: "Always fails",
	},
}

type toolArgs struct {
	Text   string `json:"text"`
	Ms     int    `json:"ms"`
	Prompt string `json:"prompt"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	Capabilities    struct {
		Tools *mcpconn.ToolsCapability `json:"tools,omitempty"`
	} `json:"capabilities"`
	ServerInfo   mcpconn.Info `json:"serverInfo"`
	Instructions string       `json:"instructions,omitempty"`
}

// NewServer creates a server.
func NewServer(opts Options) *Server {
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = mcpconn.LatestProtocolVersion
	}
	if opts.SamplingTimeout <= 0 {
		opts.SamplingTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*peer),
	}
}

func (s *Server) newPeer() *peer {
	return &peer{
		srv:         s,
		pending:     make(map[string]chan mcpconn.JSONRPCMessage),
		initialized: make(chan struct{}),
	}
}

// Serve speaks newline-delimited JSON-RPC over r and w until r ends, ctx is cancelled or,
// with ExitAfterHandshake, the handshake completes.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := s.newPeer()
	initialized := p.initialized

	var writeMu sync.Mutex
	send := func(_ context.Context, msg mcpconn.JSONRPCMessage) error {
		bs, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = w.Write(append(bs, '\n'))
		return err
	}

	lines := make(chan []byte)
	readErrs := make(chan error, 1)
	go func() {
		defer close(lines)
		reader := bufio.NewReader(r)
		for {
			line, err := reader.ReadBytes('\n')
			if line = bytes.TrimSpace(line); len(line) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErrs <- err
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-initialized:
			if s.opts.ExitAfterHandshake {
				return nil
			}
			initialized = nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErrs:
					return err
				default:
					return nil
				}
			}
			p.receive(ctx, line, send)
		}
	}
}

// receive handles one inbound frame. Requests are answered asynchronously through send.
func (p *peer) receive(ctx context.Context, frame []byte, send sender) {
	var msg mcpconn.JSONRPCMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		p.srv.logger.Warn("invalid frame", slog.String("err", err.Error()))
		_ = send(ctx, mcpconn.JSONRPCMessage{
			JSONRPC: mcpconn.JSONRPCVersion,
			Error:   &mcpconn.JSONRPCError{Code: mcpconn.JSONRPCParseErrorCode, Message: "Parse error"},
		})
		return
	}

	switch {
	case msg.Method != "" && !msg.ID.IsZero():
		go func() {
			resp := p.handleRequest(ctx, msg, send)
			if err := send(ctx, resp); err != nil {
				p.srv.logger.Warn("failed to send response", slog.String("err", err.Error()))
			}
		}()
	case msg.Method != "":
		p.handleNotification(msg)
	default:
		p.resolve(msg)
	}
}

func (p *peer) handleNotification(msg mcpconn.JSONRPCMessage) {
	if msg.Method == mcpconn.MethodNotificationsInitialized {
		p.initializedOnce.Do(func() { close(p.initialized) })
	}
}

func (p *peer) resolve(msg mcpconn.JSONRPCMessage) {
	p.mu.Lock()
	ch, ok := p.pending[msg.ID.Key()]
	delete(p.pending, msg.ID.Key())
	p.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (p *peer) handleRequest(ctx context.Context, msg mcpconn.JSONRPCMessage, send sender) mcpconn.JSONRPCMessage {
	result, rpcErr := p.dispatch(ctx, msg, send)
	resp := mcpconn.JSONRPCMessage{JSONRPC: mcpconn.JSONRPCVersion, ID: msg.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	bs, err := json.Marshal(result)
	if err != nil {
		resp.Error = &mcpconn.JSONRPCError{Code: mcpconn.JSONRPCInternalErrorCode, Message: err.Error()}
		return resp
	}
	resp.Result = bs
	return resp
}

func (p *peer) dispatch(ctx context.Context, msg mcpconn.JSONRPCMessage, send sender) (any, *mcpconn.JSONRPCError) {
	switch msg.Method {
	case mcpconn.MethodInitialize:
		var res initializeResult
		res.ProtocolVersion = p.srv.opts.ProtocolVersion
		res.Capabilities.Tools = &mcpconn.ToolsCapability{ListChanged: true}
		res.ServerInfo = mcpconn.Info{Name: "echo", Version: "1.0"}
		res.Instructions = p.srv.opts.Instructions
		return res, nil
	case mcpconn.MethodPing:
		return struct{}{}, nil
	case mcpconn.MethodToolsList:
		return mcpconn.ListToolsResult{Tools: toolList}, nil
	case mcpconn.MethodToolsCall:
		var params mcpconn.CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, &mcpconn.JSONRPCError{Code: mcpconn.JSONRPCInvalidParamsCode, Message: err.Error()}
		}
		return p.callTool(ctx, params, send)
	default:
		return nil, &mcpconn.JSONRPCError{
			Code:    mcpconn.JSONRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method %q not found", msg.Method),
		}
	}
}

func (p *peer) callTool(ctx context.Context, params mcpconn.CallToolParams, send sender) (any, *mcpconn.JSONRPCError) {
	var args toolArgs
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return nil, &mcpconn.JSONRPCError{Code: mcpconn.JSONRPCInvalidParamsCode, Message: err.Error()}
		}
	}

	switch params.Name {
	case "echo":
		return textResult(args.Text, false), nil
	case "slow":
		select {
		case <-time.After(time.Duration(args.Ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, &mcpconn.JSONRPCError{Code: mcpconn.JSONRPCInternalErrorCode, Message: "cancelled"}
		}
		return textResult(args.Text, false), nil
	case "sample":
		text, err := p.sample(ctx, args.Prompt, send)
		if err != nil {
			return textResult(fmt.Sprintf("sampling failed: %v", err), true), nil
		}
		return textResult(text, false), nil
	case "confirm":
		text, err := p.confirm(ctx, args.Text, send)
		if err != nil {
			return textResult(fmt.Sprintf("elicitation failed: %v", err), true), nil
		}
		return textResult(text, false), nil
	case "announce":
		err := send(ctx, mcpconn.JSONRPCMessage{
			JSONRPC: mcpconn.JSONRPCVersion,
			Method:  mcpconn.MethodNotificationsToolsListChanged,
		})
		if err != nil {
			return textResult(err.Error(), true), nil
		}
		return textResult("announced", false), nil
	case "fail":
		return textResult("tool failed", true), nil
	default:
		return nil, &mcpconn.JSONRPCError{
			Code:    mcpconn.JSONRPCInvalidParamsCode,
			Message: fmt.Sprintf("tool %q not found", params.Name),
		}
	}
}

// sample asks the client for a completion and returns its text.
func (p *peer) sample(ctx context.Context, prompt string, send sender) (string, error) {
	raw, err := p.ask(ctx, "sample", mcpconn.MethodSamplingCreateMessage, mcpconn.SamplingParams{
		Messages: []mcpconn.SamplingMessage{{
			Role:    mcpconn.RoleUser,
			Content: mcpconn.SamplingContent{Type: mcpconn.ContentTypeText, Text: prompt},
		}},
		MaxTokens: 100,
	}, send)
	if err != nil {
		return "", err
	}
	var result mcpconn.SamplingResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", err
	}
	return result.Content.Text, nil
}

// confirm asks the client's user to confirm text. It returns the action, followed by the
// submitted answer when the user accepted.
func (p *peer) confirm(ctx context.Context, text string, send sender) (string, error) {
	raw, err := p.ask(ctx, "confirm", mcpconn.MethodElicitationCreate, mcpconn.ElicitationParams{
		Message:         "Confirm " + text,
		RequestedSchema: json.RawMessage(`{"type":"object","properties":{"answer":{"type":"string"}}}`),
	}, send)
	if err != nil {
		return "", err
	}
	var result mcpconn.ElicitationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", err
	}
	if answer, ok := result.Content["answer"].(string); ok {
		return string(result.Action) + " " + answer, nil
	}
	return string(result.Action), nil
}

// ask sends a request to the client and waits for its result.
func (p *peer) ask(ctx context.Context, prefix, method string, params any, send sender) (json.RawMessage, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	// String ids exercise the client's handling of both id forms.
	id := mcpconn.RequestID(strconv.Quote(prefix + "-" + strconv.FormatUint(p.nextID.Add(1), 10)))
	results := make(chan mcpconn.JSONRPCMessage, 1)
	p.mu.Lock()
	p.pending[id.Key()] = results
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id.Key())
		p.mu.Unlock()
	}()

	err = send(ctx, mcpconn.JSONRPCMessage{
		JSONRPC: mcpconn.JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(p.srv.opts.SamplingTimeout)
	defer timer.Stop()

	var resp mcpconn.JSONRPCMessage
	select {
	case resp = <-results:
	case <-timer.C:
		return nil, fmt.Errorf("%s timed out", method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func textResult(text string, isError bool) mcpconn.CallToolResult {
	return mcpconn.CallToolResult{
		Content: []mcpconn.Content{{Type: mcpconn.ContentTypeText, Text: text}},
		IsError: isError,
	}
}
