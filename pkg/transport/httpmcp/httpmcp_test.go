package httpmcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
	"github.com/scoutflo/homelab-mcp-server/pkg/transport/httpmcp"
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

func newTestServer(stateless bool) (*httpmcp.Server, *httptest.Server) {
	d := mcpproto.NewDispatcher(fakeTools{}, mcpproto.NewSessionManager(), mcpproto.ServerInfo{Name: "test", Version: "0"})
	s := httpmcp.New(d, mcpproto.NewSessionManager(), stateless)
	return s, httptest.NewServer(s.Mux())
}

func post(t *testing.T, url, body, sessionID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestHealth_NotReadyUntilMarked(t *testing.T) {
	s, srv := newTestServer(true)
	defer srv.Close()

	resp := post(t, srv.URL+"/health", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before MarkReady, got %d", resp.StatusCode)
	}

	s.MarkReady()
	resp2, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after MarkReady, got %d", resp2.StatusCode)
	}
}

func TestStatelessMode_SynthesizesSessionPerRequest(t *testing.T) {
	_, srv := newTestServer(true)
	defer srv.Close()

	resp := post(t, srv.URL+"/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var decoded struct {
		Result struct {
			Tools []mcpproto.ToolSummary `json:"tools"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(decoded.Result.Tools) != 1 || decoded.Result.Tools[0].Name != "echo" {
		t.Errorf("unexpected tools list: %+v", decoded.Result.Tools)
	}
}

func TestSessionMode_MissingHeaderOnNonInitializeIsRejected(t *testing.T) {
	_, srv := newTestServer(false)
	defer srv.Close()

	resp := post(t, srv.URL+"/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing session header, got %d", resp.StatusCode)
	}
}

func TestSessionMode_InitializeMintsSessionHeaderForReuse(t *testing.T) {
	_, srv := newTestServer(false)
	defer srv.Close()

	resp := post(t, srv.URL+"/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	sessionID := resp.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		t.Fatalf("expected a minted Mcp-Session-Id header")
	}

	resp2 := post(t, srv.URL+"/mcp", `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{}}}`, sessionID)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on reuse, got %d", resp2.StatusCode)
	}
	var callResp struct {
		Result mcpproto.CallToolResult `json:"result"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&callResp); err != nil {
		t.Fatalf("decode tools/call response: %v", err)
	}
	if callResp.Result.IsError {
		t.Errorf("expected a successful tool call result")
	}
}

func TestSessionMode_UnknownSessionIDIsRejected(t *testing.T) {
	_, srv := newTestServer(false)
	defer srv.Close()

	resp := post(t, srv.URL+"/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, "does-not-exist")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown session id, got %d", resp.StatusCode)
	}
}
