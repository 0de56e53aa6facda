package mcpconn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

// RequestID holds a JSON-RPC request identifier exactly as it appeared on the wire, either a
// JSON number or a JSON string. Keeping the raw token lets replies to server-initiated requests
// echo the same representation the peer used, while Key normalises both forms for lookups.
type RequestID string

// JSONRPCMessage is one frame on the wire. Which fields are set tells the kind apart: a
// request has ID and Method, a notification has Method only, and a response has ID with
// Result or Error.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the error member of a response. Calls that receive one return it as is,
// so callers can inspect Code with errors.As.
type JSONRPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// ListPromptsParams is the prompts/list request. An empty Cursor asks for the first page.
type ListPromptsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListPromptResult is one page of prompts/list.
type ListPromptResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptParams is the prompts/get request.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult is the rendered prompt.
type GetPromptResult struct {
	Messages    []PromptMessage `json:"messages"`
	Description string          `json:"description,omitempty"`
}

// ListResourcesParams is the resources/list request. An empty Cursor asks for the first page.
type ListResourcesParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListResourcesResult is one page of resources/list.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams is the resources/read request.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult holds the contents read from one resource.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ListToolsParams is the tools/list request. An empty Cursor asks for the first page.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult is one page of tools/list.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams is the tools/call request. Arguments must be a JSON object.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is what a tool returned. A tool that ran but failed sets IsError and
// describes the failure in Content; that is not a Go error.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// ServerCapabilities is what a server advertises in its initialize result. A nil member
// means the feature is not offered.
type ServerCapabilities struct {
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

// ClientCapabilities is what the client advertises in its initialize request.
type ClientCapabilities struct {
	Roots       *RootsCapability       `json:"roots,omitempty"`
	Sampling    *SamplingCapability    `json:"sampling,omitempty"`
	Elicitation *ElicitationCapability `json:"elicitation,omitempty"`
}

type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability is offered by servers with tools. ListChanged means the server sends
// notifications/tools/list_changed.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type LoggingCapability struct{}

type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability is advertised only when a sampling handler is registered.
type SamplingCapability struct{}

// ElicitationCapability is advertised only when an elicitation handler is registered.
type ElicitationCapability struct{}

// Info names one side of a connection.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Role is the speaker of a prompt or sampling message.
type Role string

// Content is one content block. Which fields are set depends on Type: Text for text,
// Data and MimeType for image and audio, Resource for an embedded resource.
type Content struct {
	Type     ContentType       `json:"type"`
	Text     string            `json:"text,omitempty"`
	Data     string            `json:"data,omitempty"`
	MimeType string            `json:"mimeType,omitempty"`
	Resource *ResourceContents `json:"resource,omitempty"`
}

type ContentType string

// ResourceContents carries either Text or a base64 Blob.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Tool is one entry of a server's tool list. InputSchema is the JSON Schema of the
// arguments object, kept raw.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type notificationsCancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeResource ContentType = "resource"
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// LatestProtocolVersion is the protocol version offered in every initialize request.
	LatestProtocolVersion = "2025-06-18"

	// MethodInitialize is the mandatory first request on every connection.
	MethodInitialize = "initialize"
	// MethodPing is the liveness probe that either side may send.
	MethodPing = "ping"

	MethodPromptsList   = "prompts/list"
	MethodPromptsGet    = "prompts/get"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"

	// MethodSamplingCreateMessage is the server-to-client request handled by SamplingBridge.
	MethodSamplingCreateMessage = "sampling/createMessage"
	// MethodElicitationCreate is the server-to-client request handled by ElicitationBridge.
	MethodElicitationCreate = "elicitation/create"

	// MethodNotificationsInitialized is sent by the client once the initialize result is accepted.
	MethodNotificationsInitialized = "notifications/initialized"
	// MethodNotificationsCancelled tells the peer that a request was abandoned.
	MethodNotificationsCancelled = "notifications/cancelled"
	// MethodNotificationsToolsListChanged is sent by servers when their tool list changes.
	MethodNotificationsToolsListChanged = "notifications/tools/list_changed"

	// JSONRPCParseErrorCode is returned when a frame is not valid JSON.
	JSONRPCParseErrorCode = -32700
	// JSONRPCInvalidRequestCode is returned for frames that are not valid requests.
	JSONRPCInvalidRequestCode = -32600
	// JSONRPCMethodNotFoundCode is returned for methods the receiver does not implement.
	JSONRPCMethodNotFoundCode = -32601
	// JSONRPCInvalidParamsCode is returned when params fail to decode.
	JSONRPCInvalidParamsCode = -32602
	// JSONRPCInternalErrorCode is returned when a handler fails.
	JSONRPCInternalErrorCode = -32603

	userCancelledReason = "User requested cancellation"
	timeoutReason       = "Request timed out"
)

// supportedProtocolVersions lists every version accepted in an initialize result.
var supportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2025-03-26",
	"2024-11-05",
}

// NewRequestID returns the numeric identifier n.
func NewRequestID(n uint64) RequestID {
	return RequestID(strconv.FormatUint(n, 10))
}

// Key returns the identifier with string quoting removed, so that 7 and "7" compare equal.
func (id RequestID) Key() string {
	s := string(id)
	if len(s) >= 2 && s[0] == '"' {
		var unquoted string
		if err := json.Unmarshal([]byte(s), &unquoted); err == nil {
			return unquoted
		}
	}
	return s
}

// IsZero reports whether the identifier is absent.
func (id RequestID) IsZero() bool {
	return id == ""
}

func (id RequestID) String() string {
	return id.Key()
}

// UnmarshalJSON implements json.Unmarshaler, keeping the raw number or string token.
// A JSON null is treated as an absent identifier.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid request id %s: %w", data, err)
		}
	}

	*id = RequestID(data)
	return nil
}

// MarshalJSON implements json.Marshaler, writing the identifier back in its original form.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

func (j JSONRPCError) Error() string {
	if len(j.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s %v", j.Code, j.Message, j.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", j.Code, j.Message)
}

func supportedProtocolVersion(v string) bool {
	return slices.Contains(supportedProtocolVersions, v)
}
