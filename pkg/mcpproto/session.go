package mcpproto

import (
	"sync"

	"github.com/google/uuid"
)

// SessionState is one of the three states a session moves through
// (spec §3: uninitialized -> initialized -> terminated).
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateInitialized
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session is a transport-scoped MCP session. HTTP stateless mode
// synthesizes one per request rather than persisting it in the manager.
type Session struct {
	mu              sync.Mutex
	ID              string
	ProtocolVersion string
	ClientInfo      ClientInfo
	Capabilities    map[string]any
	state           SessionState
	Stateless       bool
}

// NewSession allocates a fresh uninitialized session with a random ID,
// mirroring the teacher's use of google/uuid for session identity in
// pkg/mcp/mcp.go's CreateSession.
func NewSession() *Session {
	return &Session{ID: uuid.NewString(), state: StateUninitialized}
}

// NewStatelessSession returns an already-initialized, one-shot session
// used by the HTTP transport when stateless mode is active.
func NewStatelessSession() *Session {
	return &Session{ID: uuid.NewString(), state: StateInitialized, Stateless: true}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) MarkInitialized(protocolVersion string, info ClientInfo, caps map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProtocolVersion = protocolVersion
	s.ClientInfo = info
	s.Capabilities = caps
	s.state = StateInitialized
}

func (s *Session) MarkTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateTerminated
}

// SessionManager owns the set of live sessions, analogous to the teacher's
// sync.Map of sessions in pkg/mcp/mcp.go, generalized to hold our own
// Session type instead of a vendored framework's ClientSession.
type SessionManager struct {
	sessions sync.Map // sessionID -> *Session
}

func NewSessionManager() *SessionManager {
	return &SessionManager{}
}

func (m *SessionManager) Create() *Session {
	s := NewSession()
	m.sessions.Store(s.ID, s)
	return s
}

func (m *SessionManager) Get(id string) (*Session, bool) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

func (m *SessionManager) Destroy(id string) {
	m.sessions.Delete(id)
}

func (m *SessionManager) Count() int {
	n := 0
	m.sessions.Range(func(_, _ any) bool { n++; return true })
	return n
}
