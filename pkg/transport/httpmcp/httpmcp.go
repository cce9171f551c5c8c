// Package httpmcp is the streamable HTTP transport (spec §4.8):
// POST /mcp/v1/messages (aliased at /mcp and /messages), session
// identity via the Mcp-Session-Id header, an optional stateless mode,
// and a /health readiness endpoint (503 until MarkReady is called).
package httpmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
)

const sessionHeader = "Mcp-Session-Id"

// Server adapts mcpproto.Dispatcher to net/http, owning the session
// table for non-stateless mode.
type Server struct {
	dispatcher *mcpproto.Dispatcher
	sessions   *mcpproto.SessionManager
	stateless  bool

	mu    sync.Mutex
	ready bool
}

func New(d *mcpproto.Dispatcher, sessions *mcpproto.SessionManager, stateless bool) *Server {
	return &Server{dispatcher: d, sessions: sessions, stateless: stateless}
}

// MarkReady flips the /health endpoint to report the core as
// initialized; called once server bootstrap finishes wiring tools.
func (s *Server) MarkReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = true
}

// Mux builds the handler tree: the three message endpoint aliases and
// /health.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp/v1/messages", s.handleMessages)
	mux.HandleFunc("/mcp", s.handleMessages)
	mux.HandleFunc("/messages", s.handleMessages)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"status": "starting"})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readLimited(w, r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, mcpproto.NewError(mcpproto.CodeParseError, "could not read request body: "+err.Error(), nil))
		return
	}

	session, statusErr := s.resolveSession(r, body)
	if statusErr != nil {
		writeJSONError(w, http.StatusBadRequest, statusErr)
		return
	}

	flusher, canStream := w.(http.Flusher)
	useSSE := canStream && acceptsEventStream(r) && session != nil && !session.Stateless

	if useSSE {
		s.serveSSE(r.Context(), w, flusher, session, body)
		return
	}

	resp, hasResp := s.dispatcher.Handle(r.Context(), session, body, func(*mcpproto.Notification) {
		// Non-streaming responses drop progress notifications; the client
		// asked for a single JSON response and gets the final result only.
	})

	w.Header().Set("Content-Type", "application/json")
	if session != nil && !session.Stateless {
		w.Header().Set(sessionHeader, session.ID)
	}
	if !hasResp {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func (s *Server) serveSSE(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, session *mcpproto.Session, body []byte) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(sessionHeader, session.ID)
	w.WriteHeader(http.StatusOK)

	var writeMu sync.Mutex
	writeEvent := func(event string, data []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	notify := func(n *mcpproto.Notification) {
		b, err := json.Marshal(n)
		if err != nil {
			klog.Errorf("httpmcp: marshal notification: %v", err)
			return
		}
		writeEvent("message", b)
	}

	resp, hasResp := s.dispatcher.Handle(ctx, session, body, notify)
	if hasResp {
		writeEvent("message", resp)
	}
}

// resolveSession implements the Mcp-Session-Id / stateless semantics of
// spec §4.8: stateless mode synthesizes a fresh initialized session per
// request and ignores the header entirely. In session mode a missing
// header is a hard 400 InvalidRequest, with one necessary exception:
// the very first "initialize" call has no session yet to reference, so
// it is the one request allowed to arrive without the header and have
// the server mint a session (returned via the same response header).
func (s *Server) resolveSession(r *http.Request, body []byte) (*mcpproto.Session, *mcpproto.RPCError) {
	if s.stateless {
		return mcpproto.NewStatelessSession(), nil
	}

	id := r.Header.Get(sessionHeader)
	if id == "" {
		if isInitializeCall(body) {
			return s.sessions.Create(), nil
		}
		return nil, mcpproto.NewError(mcpproto.CodeInvalidRequest, "missing Mcp-Session-Id header", nil)
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, mcpproto.NewError(mcpproto.CodeInvalidRequest, "unknown or expired Mcp-Session-Id", nil)
	}
	return sess, nil
}

func isInitializeCall(body []byte) bool {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Method == "initialize"
}

func acceptsEventStream(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		if strings.TrimSpace(part) == "text/event-stream" {
			return true
		}
	}
	return false
}

func readLimited(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, 8<<20))
}

func writeJSONError(w http.ResponseWriter, status int, rpcErr *mcpproto.RPCError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := mcpproto.NewErrorResponse(nil, rpcErr)
	json.NewEncoder(w).Encode(resp)
}
