package mcpproto

import "encoding/json"

// ContentKind discriminates the Content tagged union (Design Notes §9:
// ad-hoc JSON shapes in the source become exhaustive tagged variants here).
type ContentKind string

const (
	ContentText ContentKind = "text"
	ContentJSON ContentKind = "json"
)

// Content is one block of a tool call result. Exactly one of Text/JSONValue
// is meaningful, selected by Kind; MarshalJSON/UnmarshalJSON keep the wire
// shape flat ({"type":"text","text":"..."} or {"type":"json","json":...})
// instead of exposing the Go-side union fields.
type Content struct {
	Kind     ContentKind
	Text     string
	JSONValue any
}

type wireContent struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
}

func (c Content) MarshalJSON() ([]byte, error) {
	w := wireContent{Type: string(c.Kind)}
	switch c.Kind {
	case ContentText:
		w.Text = c.Text
	case ContentJSON:
		b, err := json.Marshal(c.JSONValue)
		if err != nil {
			return nil, err
		}
		w.JSON = b
	}
	return json.Marshal(w)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var w wireContent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Kind = ContentKind(w.Type)
	c.Text = w.Text
	if len(w.JSON) > 0 {
		var v any
		if err := json.Unmarshal(w.JSON, &v); err != nil {
			return err
		}
		c.JSONValue = v
	}
	return nil
}

// TextContent builds a single-block text Content value.
func TextContent(text string) Content { return Content{Kind: ContentText, Text: text} }

// JSONContent builds a single-block structured Content value.
func JSONContent(v any) Content { return Content{Kind: ContentJSON, JSONValue: v} }

// CallToolResult is the result of a tools/call request (spec §4.7).
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// TextResult builds a successful CallToolResult from a plain string.
func TextResult(text string) *CallToolResult {
	return &CallToolResult{Content: []Content{TextContent(text)}}
}

// JSONResult builds a successful CallToolResult from a JSON-able value.
func JSONResult(v any) *CallToolResult {
	return &CallToolResult{Content: []Content{JSONContent(v)}}
}

// ErrorResult builds a CallToolResult carrying a structured tool-level
// error (never a JSON-RPC protocol error -- see spec §4.7/§7).
func ErrorResult(kind, message string, details map[string]any) *CallToolResult {
	payload := map[string]any{
		"kind":    kind,
		"message": message,
	}
	if details != nil {
		payload["details"] = details
	}
	return &CallToolResult{
		Content: []Content{JSONContent(payload)},
		IsError: true,
	}
}

// ToolSummary is the {name, description, input_schema} shape returned by
// tools/list, in registration order (spec §4.3).
type ToolSummary struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ServerInfo identifies this server in the initialize response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the params object of an initialize request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// ClientInfo identifies the connecting MCP client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the result object of a successful initialize call.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// CallToolParams is the params object of a tools/call request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}
