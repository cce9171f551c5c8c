// Package ws is the WebSocket transport (spec §4.8): one MCP session per
// connection, one JSON-RPC message per text frame, binary frames
// rejected outright.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades the HTTP request to a WebSocket connection and serves
// one MCP session for its lifetime.
func Handler(d *mcpproto.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			klog.Errorf("ws: upgrade failed: %v", err)
			return
		}
		serveConn(r.Context(), d, conn)
	}
}

func serveConn(ctx context.Context, d *mcpproto.Dispatcher, conn *websocket.Conn) {
	defer conn.Close()
	session := mcpproto.NewSession()

	var writeMu sync.Mutex
	writeJSON := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(v); err != nil {
			klog.V(1).Infof("ws: write failed: %v", err)
		}
	}

	notify := func(n *mcpproto.Notification) { writeJSON(n) }

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				klog.V(1).Infof("ws: connection closed: %v", err)
			}
			return
		}
		if msgType == websocket.BinaryMessage {
			writeMu.Lock()
			conn.WriteJSON(mcpproto.NewErrorResponse(nil, mcpproto.NewError(mcpproto.CodeInvalidRequest, "binary frames are not accepted", nil)))
			writeMu.Unlock()
			continue
		}
		if msgType != websocket.TextMessage {
			continue
		}

		resp, hasResp := d.Handle(ctx, session, data, notify)
		if hasResp {
			writeMu.Lock()
			conn.WriteMessage(websocket.TextMessage, resp)
			writeMu.Unlock()
		}
		if session.State() == mcpproto.StateTerminated {
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), time.Now().Add(time.Second))
			return
		}
	}
}
