// Package protocol holds the line-delimited JSON-RPC 2.0 wire types and the
// bus subjects shared by server, client and NATS transport.
package protocol

import (
	"encoding/json"
	"time"
)

const (
	Version         = "2.0"
	ProtocolVersion = "2024-05-30"
)

// JSON-RPC error codes.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -32000
)

const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"
	MethodPing       = "ping"
	MethodShutdown   = "shutdown"
)

// Request is one inbound line. ID is absent for notifications.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is one outbound line.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// ServerInfo identifies the server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

type Capabilities struct {
	Tools ToolCapabilities `json:"tools"`
}

type ToolCapabilities struct {
	List bool `json:"list"`
	Call bool `json:"call"`
}

// Tool describes one callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// CallParams is the params object of tools/call.
type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Content is one item of a tool result.
type Content struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
	Text string `json:"text,omitempty"`
}

// ToolResult wraps tool output as a single json content item.
type ToolResult struct {
	Content []Content `json:"content"`
}

// NewToolResult wraps data for a tools/call response.
func NewToolResult(data any) ToolResult {
	return ToolResult{Content: []Content{{Type: "json", Data: data}}}
}

// PlaybackEvent is published on the bus after every state-changing tool call.
type PlaybackEvent struct {
	Tool      string    `json:"tool"`
	State     any       `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Subject suffixes appended to the configured prefix.
const (
	SubjectRPC           = "rpc"
	SubjectPlaybackState = "playback.state"
)

// Subject joins prefix and suffix with a dot.
func Subject(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}
