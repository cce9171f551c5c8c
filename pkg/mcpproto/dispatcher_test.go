package mcpproto_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
)

type fakeTools struct {
	dispatchErr error
}

func (fakeTools) ListTools() []mcpproto.ToolSummary {
	return []mcpproto.ToolSummary{{Name: "echo"}}
}

func (f fakeTools) Dispatch(ctx context.Context, name string, rawArgs json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
	if f.dispatchErr != nil {
		return nil, f.dispatchErr
	}
	if name != "echo" {
		return nil, &mcpproto.ErrUnknownTool{Name: name}
	}
	return mcpproto.TextResult("echoed"), nil
}

func newDispatcher(tools mcpproto.ToolInvoker) *mcpproto.Dispatcher {
	return mcpproto.NewDispatcher(tools, mcpproto.NewSessionManager(), mcpproto.ServerInfo{Name: "test", Version: "0"})
}

func decodeResponse(t *testing.T, raw []byte) struct {
	Result json.RawMessage   `json:"result"`
	Error  *mcpproto.RPCError `json:"error"`
} {
	t.Helper()
	var resp struct {
		Result json.RawMessage    `json:"result"`
		Error  *mcpproto.RPCError `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestHandle_MalformedJSONReturnsParseError(t *testing.T) {
	d := newDispatcher(fakeTools{})
	session := mcpproto.NewSession()
	raw, hasResp := d.Handle(context.Background(), session, []byte("not json"), nil)
	if !hasResp {
		t.Fatalf("expected a response")
	}
	resp := decodeResponse(t, raw)
	if resp.Error == nil || resp.Error.Code != mcpproto.CodeParseError {
		t.Fatalf("expected CodeParseError, got %+v", resp.Error)
	}
}

func TestHandle_MissingMethodIsInvalidRequest(t *testing.T) {
	d := newDispatcher(fakeTools{})
	session := mcpproto.NewSession()
	raw, hasResp := d.Handle(context.Background(), session, []byte(`{"jsonrpc":"2.0","id":1}`), nil)
	if !hasResp {
		t.Fatalf("expected a response")
	}
	resp := decodeResponse(t, raw)
	if resp.Error == nil || resp.Error.Code != mcpproto.CodeInvalidRequest {
		t.Fatalf("expected CodeInvalidRequest, got %+v", resp.Error)
	}
}

func TestHandle_NotificationProducesNoResponse(t *testing.T) {
	d := newDispatcher(fakeTools{})
	session := mcpproto.NewSession()
	_, hasResp := d.Handle(context.Background(), session, []byte(`{"jsonrpc":"2.0","method":"initialized"}`), nil)
	if hasResp {
		t.Fatalf("expected no response for a notification")
	}
}

func TestHandle_ToolsCallBeforeInitializeIsRejected(t *testing.T) {
	d := newDispatcher(fakeTools{})
	session := mcpproto.NewSession()
	raw, hasResp := d.Handle(context.Background(), session, []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{}}}`), nil)
	if !hasResp {
		t.Fatalf("expected a response")
	}
	resp := decodeResponse(t, raw)
	if resp.Error == nil || resp.Error.Code != mcpproto.CodeInvalidRequest {
		t.Fatalf("expected CodeInvalidRequest before initialize, got %+v", resp.Error)
	}
}

func TestHandle_InitializeThenToolsCallSucceeds(t *testing.T) {
	d := newDispatcher(fakeTools{})
	session := mcpproto.NewSession()

	raw, hasResp := d.Handle(context.Background(), session, []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`), nil)
	if !hasResp {
		t.Fatalf("expected an initialize response")
	}
	if resp := decodeResponse(t, raw); resp.Error != nil {
		t.Fatalf("unexpected initialize error: %+v", resp.Error)
	}
	if session.State() != mcpproto.StateInitialized {
		t.Fatalf("expected session to become initialized, got %s", session.State())
	}

	raw, hasResp = d.Handle(context.Background(), session, []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{}}}`), nil)
	if !hasResp {
		t.Fatalf("expected a tools/call response")
	}
	resp := decodeResponse(t, raw)
	if resp.Error != nil {
		t.Fatalf("unexpected tools/call error: %+v", resp.Error)
	}
	var result mcpproto.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.IsError {
		t.Errorf("expected a successful tool result")
	}
}

func TestHandle_UnknownToolIsInvalidParams(t *testing.T) {
	d := newDispatcher(fakeTools{})
	session := mcpproto.NewStatelessSession()

	raw, _ := d.Handle(context.Background(), session, []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope","arguments":{}}}`), nil)
	resp := decodeResponse(t, raw)
	if resp.Error == nil || resp.Error.Code != mcpproto.CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams, got %+v", resp.Error)
	}
}

func TestHandle_ValidationErrorIsInvalidParams(t *testing.T) {
	d := newDispatcher(fakeTools{dispatchErr: &mcpproto.ErrValidation{Reason: "bad args"}})
	session := mcpproto.NewStatelessSession()

	raw, _ := d.Handle(context.Background(), session, []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{}}}`), nil)
	resp := decodeResponse(t, raw)
	if resp.Error == nil || resp.Error.Code != mcpproto.CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams, got %+v", resp.Error)
	}
}

func TestHandle_HandlerErrorIsInternalError(t *testing.T) {
	d := newDispatcher(fakeTools{dispatchErr: context.DeadlineExceeded})
	session := mcpproto.NewStatelessSession()

	raw, _ := d.Handle(context.Background(), session, []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{}}}`), nil)
	resp := decodeResponse(t, raw)
	if resp.Error == nil || resp.Error.Code != mcpproto.CodeInternalError {
		t.Fatalf("expected CodeInternalError, got %+v", resp.Error)
	}
}

func TestHandle_StatelessSessionBypassesInitializeRequirement(t *testing.T) {
	d := newDispatcher(fakeTools{})
	session := mcpproto.NewStatelessSession()

	raw, hasResp := d.Handle(context.Background(), session, []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`), nil)
	if !hasResp {
		t.Fatalf("expected a response")
	}
	resp := decodeResponse(t, raw)
	if resp.Error != nil {
		t.Fatalf("unexpected error for stateless tools/list: %+v", resp.Error)
	}
}

func TestHandle_ShutdownTerminatesSession(t *testing.T) {
	d := newDispatcher(fakeTools{})
	session := mcpproto.NewSession()
	session.MarkInitialized("2025-03-26", mcpproto.ClientInfo{}, nil)

	_, hasResp := d.Handle(context.Background(), session, []byte(`{"jsonrpc":"2.0","id":1,"method":"shutdown"}`), nil)
	if !hasResp {
		t.Fatalf("expected a shutdown response")
	}
	if session.State() != mcpproto.StateTerminated {
		t.Fatalf("expected session to be terminated, got %s", session.State())
	}
}

func TestHandle_UnknownMethodIsMethodNotFound(t *testing.T) {
	d := newDispatcher(fakeTools{})
	session := mcpproto.NewStatelessSession()

	raw, _ := d.Handle(context.Background(), session, []byte(`{"jsonrpc":"2.0","id":1,"method":"nonexistent"}`), nil)
	resp := decodeResponse(t, raw)
	if resp.Error == nil || resp.Error.Code != mcpproto.CodeMethodNotFound {
		t.Fatalf("expected CodeMethodNotFound, got %+v", resp.Error)
	}
}
