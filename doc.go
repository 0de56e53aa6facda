// Package mcpconn is the connection core of a Model Context Protocol (MCP) client. It keeps
// long-lived sessions to any number of configured MCP servers and exposes them to the rest of
// an application as named, ready-to-use handles.
//
// A server is reached through one of three transports: a subprocess speaking newline-delimited
// JSON over stdio, streamable HTTP, or a WebSocket. On top of the transport a Correspondence
// matches JSON-RPC requests to responses and dispatches server-initiated requests, and a
// Session runs the initialize handshake and tracks the connection state:
//
//	disconnected -> connecting -> handshaking -> ready <-> degraded -> ... -> closed | failed
//
// A Manager owns the sessions of one client and connects them in parallel, so one broken
// server never blocks the others. A Supervisor health-checks every session and reconnects
// failing ones with exponential backoff until RetryPolicy.MaxAttempts is exhausted, at which
// point the server is marked failed.
//
// Servers may ask the client for an LLM completion through sampling/createMessage. Register a
// SamplingHandler with WithSamplingHandler to answer them; without one they are refused with a
// JSON-RPC error.
// Requests for user input through elicitation/create work the same way with
// WithElicitationHandler.
//
// Errors are typed: every failure is an *Error whose ErrorKind decides whether it is retried.
// Use errors.Is with the Err* sentinels, or IsFatal and IsRetryable.
//
//	cfg, err := mcpconn.LoadConfig("servers.yaml")
//	if err != nil {
//		return err
//	}
//	m := mcpconn.NewManager(mcpconn.WithLogger(logger))
//	res := m.CreateAllSessions(ctx, cfg.ServerList())
//	for name, err := range res.Errors {
//		logger.Warn("server unavailable", "server", name, "err", err)
//	}
//	go mcpconn.NewSupervisor(m, mcpconn.WithSupervisorConfig(cfg.Supervisor)).Run(ctx)
//	defer m.CloseAllSessions()
package mcpconn
