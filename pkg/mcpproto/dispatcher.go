package mcpproto

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scoutflo/homelab-mcp-server/pkg/version"
)

// ErrValidation is returned by ToolInvoker.Dispatch when arguments fail
// schema validation; the Dispatcher turns it into a -32602 InvalidParams
// protocol error without ever calling the handler (spec §4.3).
type ErrValidation struct{ Reason string }

func (e *ErrValidation) Error() string { return e.Reason }

// ErrUnknownTool is returned by ToolInvoker.Dispatch when name does not
// match any registered tool.
type ErrUnknownTool struct{ Name string }

func (e *ErrUnknownTool) Error() string { return fmt.Sprintf("unknown tool %q", e.Name) }

// NotifyFunc pushes a notification to the same logical channel the
// request arrived on. Transports provide an implementation; stdio writes
// a line, WebSocket writes a frame, HTTP writes an SSE event (or drops it
// if the client asked for a single JSON response).
type NotifyFunc func(*Notification)

// ToolInvoker is implemented by pkg/registry.Registry. Keeping it as an
// interface here (rather than importing the registry package) keeps
// mcpproto transport-and-protocol-only, with no dependency on the tool
// catalog's shape.
type ToolInvoker interface {
	ListTools() []ToolSummary
	Dispatch(ctx context.Context, name string, rawArgs json.RawMessage, notify NotifyFunc) (*CallToolResult, error)
}

// Dispatcher is the single dispatch(message) -> message function shared by
// every transport (Design Notes §9). It owns no transport-specific state.
type Dispatcher struct {
	tools    ToolInvoker
	sessions *SessionManager
	info     ServerInfo
}

func NewDispatcher(tools ToolInvoker, sessions *SessionManager, info ServerInfo) *Dispatcher {
	return &Dispatcher{tools: tools, sessions: sessions, info: info}
}

// Handle decodes one raw JSON-RPC message, dispatches it, and returns the
// encoded response plus whether a response should be sent at all (false
// for notifications). session may be nil only when the caller has already
// confirmed the transport is stateless and will synthesize one per call;
// Handle itself never creates sessions implicitly on the initialize path
// (that remains the transport's job, since only it knows the session
// identity scheme: a WS connection, an HTTP header, or "the" stdio
// session).
func (d *Dispatcher) Handle(ctx context.Context, session *Session, raw []byte, notify NotifyFunc) ([]byte, bool) {
	var msg RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		resp := NewErrorResponse(nil, NewError(CodeParseError, "parse error: "+err.Error(), nil))
		b, _ := json.Marshal(resp)
		return b, true
	}
	if msg.JSONRPC != "2.0" || msg.Method == "" {
		resp := NewErrorResponse(idOrNil(msg.ID), NewError(CodeInvalidRequest, "invalid request", nil))
		b, _ := json.Marshal(resp)
		return b, true
	}

	result, rpcErr := d.route(ctx, session, msg, notify)

	if msg.IsNotification() {
		// Notifications never produce a response, even on error, per the
		// JSON-RPC 2.0 spec.
		return nil, false
	}

	var resp *Response
	if rpcErr != nil {
		resp = NewErrorResponse(idOrNil(msg.ID), rpcErr)
	} else {
		resp = NewResultResponse(idOrNil(msg.ID), result)
	}
	b, _ := json.Marshal(resp)
	return b, true
}

func idOrNil(id *json.RawMessage) json.RawMessage {
	if id == nil {
		return nil
	}
	return *id
}

func (d *Dispatcher) route(ctx context.Context, session *Session, msg RawMessage, notify NotifyFunc) (any, *RPCError) {
	switch msg.Method {
	case "initialize":
		return d.handleInitialize(session, msg.Params)
	case "initialized":
		if session != nil {
			// already marked initialized by handleInitialize; this is the
			// client's acknowledgement notification, nothing to do.
		}
		return nil, nil
	case "ping":
		return map[string]any{}, nil
	case "shutdown":
		if session != nil {
			session.MarkTerminated()
		}
		return map[string]any{}, nil
	case "tools/list":
		if err := d.requireInitialized(session); err != nil {
			return nil, err
		}
		return map[string]any{"tools": d.tools.ListTools()}, nil
	case "tools/call":
		if err := d.requireInitialized(session); err != nil {
			return nil, err
		}
		return d.handleCallTool(ctx, msg.Params, notify)
	default:
		return nil, NewError(CodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method), nil)
	}
}

func (d *Dispatcher) requireInitialized(session *Session) *RPCError {
	if session == nil {
		return NewError(CodeInvalidRequest, "no active session", nil)
	}
	if session.Stateless {
		return nil
	}
	if session.State() != StateInitialized {
		return NewError(CodeInvalidRequest, "session not initialized", nil)
	}
	return nil
}

func (d *Dispatcher) handleInitialize(session *Session, params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(CodeInvalidParams, "invalid initialize params: "+err.Error(), nil)
		}
	}
	if session == nil {
		return nil, NewError(CodeInvalidRequest, "no active session", nil)
	}
	session.MarkInitialized(p.ProtocolVersion, p.ClientInfo, p.Capabilities)

	return InitializeResult{
		ProtocolVersion: version.ProtocolVersion,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		ServerInfo: d.info,
	}, nil
}

func (d *Dispatcher) handleCallTool(ctx context.Context, params json.RawMessage, notify NotifyFunc) (any, *RPCError) {
	var p CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewError(CodeInvalidParams, "invalid tools/call params: "+err.Error(), nil)
	}
	result, err := d.tools.Dispatch(ctx, p.Name, p.Arguments, notify)
	if err != nil {
		var valErr *ErrValidation
		if ve, ok := err.(*ErrValidation); ok {
			valErr = ve
			return nil, NewError(CodeInvalidParams, valErr.Reason, nil)
		}
		if ut, ok := err.(*ErrUnknownTool); ok {
			return nil, NewError(CodeInvalidParams, ut.Error(), nil)
		}
		return nil, NewError(CodeInternalError, "internal error: "+err.Error(), nil)
	}
	return result, nil
}
