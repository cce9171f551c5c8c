package stdio_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
	"github.com/scoutflo/homelab-mcp-server/pkg/transport/stdio"
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

func TestServe_InitializeThenCallTool(t *testing.T) {
	d := mcpproto.NewDispatcher(fakeTools{}, mcpproto.NewSessionManager(), mcpproto.ServerInfo{Name: "test", Version: "0"})

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{}}}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := stdio.Serve(context.Background(), d, strings.NewReader(input), &out); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}

	lines := splitNonEmpty(out.String())
	if len(lines) != 2 {
		t.Fatalf("expected 2 response lines, got %d: %q", len(lines), out.String())
	}

	var initResp struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &initResp); err != nil {
		t.Fatalf("decode initialize response: %v", err)
	}
	if initResp.Result.ProtocolVersion == "" {
		t.Errorf("expected a protocol version in the initialize response")
	}

	var callResp struct {
		Result mcpproto.CallToolResult `json:"result"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &callResp); err != nil {
		t.Fatalf("decode tools/call response: %v", err)
	}
	if callResp.Result.IsError {
		t.Errorf("expected a successful tool call result")
	}
}

func TestServe_MalformedLineIsSkippedNotFatal(t *testing.T) {
	d := mcpproto.NewDispatcher(fakeTools{}, mcpproto.NewSessionManager(), mcpproto.ServerInfo{Name: "test", Version: "0"})

	input := "not json\n" + `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"
	var out bytes.Buffer
	if err := stdio.Serve(context.Background(), d, strings.NewReader(input), &out); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}

	lines := splitNonEmpty(out.String())
	if len(lines) != 2 {
		t.Fatalf("expected a parse-error response plus a ping response, got %d: %q", len(lines), out.String())
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			out = append(out, line)
		}
	}
	return out
}
