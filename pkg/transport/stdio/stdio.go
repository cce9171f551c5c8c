// Package stdio is the line-delimited JSON stdin/stdout transport
// (spec §4.8). It is the teacher's ServeStdio entry point, rebuilt
// over the shared mcpproto.Dispatcher instead of a vendored framework.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"k8s.io/klog/v2"

	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
)

// Serve reads newline-delimited JSON-RPC messages from r and writes
// responses to w, one message per line. A malformed line is answered
// with a JSON-RPC parse-error response and reading continues with the
// next line. Diagnostics go through klog, which writes to stderr, so
// they never mix into the protocol stream. Serve returns nil on EOF.
func Serve(ctx context.Context, d *mcpproto.Dispatcher, r io.Reader, w io.Writer) error {
	session := mcpproto.NewSession()

	var writeMu sync.Mutex
	writeLine := func(b []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		w.Write(b)
		w.Write([]byte("\n"))
	}

	notify := func(n *mcpproto.Notification) {
		b, err := json.Marshal(n)
		if err != nil {
			klog.Errorf("stdio: marshal notification: %v", err)
			return
		}
		writeLine(b)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lineCopy := append([]byte(nil), line...)

		resp, hasResp := d.Handle(ctx, session, lineCopy, notify)
		if hasResp {
			writeLine(resp)
		}
		if session.State() == mcpproto.StateTerminated {
			return nil
		}
	}
	return scanner.Err()
}
