package ws_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
	"github.com/scoutflo/homelab-mcp-server/pkg/transport/ws"
)

type fakeTools struct{}

func (fakeTools) ListTools() []mcpproto.ToolSummary {
	return []mcpproto.ToolSummary{{Name: "echo"}}
}

func (fakeTools) Dispatch(ctx context.Context, name string, rawArgs json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
	if name != "echo" {
		return nil, &mcpproto.ErrUnknownTool{Name: name}
	}
	return mcpproto.TextResult("echoed"), nil
}

func newTestDispatcher() *mcpproto.Dispatcher {
	return mcpproto.NewDispatcher(fakeTools{}, mcpproto.NewSessionManager(), mcpproto.ServerInfo{Name: "test", Version: "0"})
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandler_InitializeThenCallTool(t *testing.T) {
	srv := httptest.NewServer(ws.Handler(newTestDispatcher()))
	defer srv.Close()
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)); err != nil {
		t.Fatalf("write initialize: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read initialize response: %v", err)
	}
	var initResp struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"result"`
	}
	if err := json.Unmarshal(msg, &initResp); err != nil {
		t.Fatalf("decode initialize response: %v", err)
	}
	if initResp.Result.ProtocolVersion == "" {
		t.Errorf("expected a protocol version in the initialize response")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)); err != nil {
		t.Fatalf("write tools/call: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read tools/call response: %v", err)
	}
	var callResp struct {
		Result mcpproto.CallToolResult `json:"result"`
	}
	if err := json.Unmarshal(msg, &callResp); err != nil {
		t.Fatalf("decode tools/call response: %v", err)
	}
	if callResp.Result.IsError {
		t.Errorf("expected a successful tool call result")
	}
}

func TestHandler_BinaryFrameIsRejected(t *testing.T) {
	srv := httptest.NewServer(ws.Handler(newTestDispatcher()))
	defer srv.Close()
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write binary frame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read rejection response: %v", err)
	}
	var errResp struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &errResp); err != nil {
		t.Fatalf("decode rejection response: %v", err)
	}
	if errResp.Error.Code != mcpproto.CodeInvalidRequest {
		t.Errorf("expected CodeInvalidRequest, got %d", errResp.Error.Code)
	}
}

func TestHandler_CallToolBeforeInitializeIsRejected(t *testing.T) {
	srv := httptest.NewServer(ws.Handler(newTestDispatcher()))
	defer srv.Close()
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)); err != nil {
		t.Fatalf("write tools/list: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var errResp struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &errResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if errResp.Error == nil {
		t.Fatalf("expected an error response before initialize")
	}
}
