// Package session owns live research sessions: one reducer state per
// session, at most one in-flight backend stream, and fan-out of canonical
// events to attached websocket clients.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dialectiq/research-gateway/internal/events"
	"github.com/dialectiq/research-gateway/internal/logger"
	"github.com/dialectiq/research-gateway/internal/metrics"
	"github.com/dialectiq/research-gateway/internal/stream"
	"github.com/dialectiq/research-gateway/internal/thread"
)

// Session is one live research conversation. All fields behind mu.
type Session struct {
	ID string

	mu          sync.RWMutex
	state       thread.State
	clientConns map[string]*websocket.Conn

	// cancel stops the in-flight stream; generation identifies it. A pump
	// goroutine from an older generation must not dispatch anything: its
	// stream was superseded, and a canceled stream's failure never becomes
	// the session error.
	cancel     context.CancelFunc
	generation int
}

// Manager tracks live sessions by session ID, with thread-ID aliases once
// the backend assigns one.
type Manager struct {
	log      *logger.Logger
	consumer *stream.Consumer

	mu       sync.RWMutex
	sessions map[string]*Session
	byThread map[string]string // thread ID -> session ID
}

// NewManager creates a session manager streaming through consumer.
func NewManager(consumer *stream.Consumer, log *logger.Logger) *Manager {
	return &Manager{
		log:      log.WithComponent("session"),
		consumer: consumer,
		sessions: make(map[string]*Session),
		byThread: make(map[string]string),
	}
}

// StartResearch begins a fresh session for query and returns it. The stream
// runs until the backend closes it or a newer submission cancels it.
func (m *Manager) StartResearch(query string) *Session {
	session := &Session{
		ID:          uuid.NewString(),
		state:       thread.NewState(),
		clientConns: make(map[string]*websocket.Conn),
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()
	metrics.ActiveSessions.Inc()

	m.dispatch(session, thread.StartResearch(query))
	m.startStream(session, stream.Request{Query: query})
	return session
}

// SubmitClarification records the user's answer and re-invokes the stream
// with the original query plus the response. Any prior stream is canceled
// first.
func (m *Manager) SubmitClarification(sessionID, response string) bool {
	session, ok := m.Get(sessionID)
	if !ok {
		return false
	}

	session.mu.RLock()
	query, hasQuery := session.state.FirstQuery()
	threadID := session.state.ThreadID
	session.mu.RUnlock()
	if !hasQuery {
		return false
	}

	m.dispatch(session, thread.SubmitClarification(response))
	m.startStream(session, stream.Request{
		Query:                 query,
		ThreadID:              threadID,
		ClarificationResponse: response,
	})
	return true
}

// StartFollowup asks a follow-up question on a completed session.
func (m *Manager) StartFollowup(sessionID, query string) bool {
	session, ok := m.Get(sessionID)
	if !ok {
		return false
	}

	session.mu.RLock()
	threadID := session.state.ThreadID
	session.mu.RUnlock()

	m.dispatch(session, thread.StartFollowup(query))
	m.startStream(session, stream.Request{Query: query, ThreadID: threadID})
	return true
}

// Reset cancels any in-flight stream and discards the session state.
func (m *Manager) Reset(sessionID string) {
	session, ok := m.Get(sessionID)
	if !ok {
		return
	}

	session.mu.Lock()
	if session.cancel != nil {
		session.cancel()
		session.cancel = nil
	}
	session.generation++
	oldThread := session.state.ThreadID
	session.state = thread.NewState()
	session.mu.Unlock()

	if oldThread != "" {
		m.mu.Lock()
		delete(m.byThread, oldThread)
		m.mu.Unlock()
	}
}

// Remove tears a session down entirely, closing attached clients.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	if exists {
		delete(m.sessions, sessionID)
		for threadID, id := range m.byThread {
			if id == sessionID {
				delete(m.byThread, threadID)
			}
		}
	}
	m.mu.Unlock()
	if !exists {
		return
	}
	metrics.ActiveSessions.Dec()

	session.mu.Lock()
	if session.cancel != nil {
		session.cancel()
		session.cancel = nil
	}
	for clientID, conn := range session.clientConns {
		_ = conn.Close()
		m.log.Debug("client connection closed during cleanup",
			slog.String("session_id", sessionID),
			slog.String("client_id", clientID))
	}
	clients := len(session.clientConns)
	session.clientConns = make(map[string]*websocket.Conn)
	session.mu.Unlock()

	metrics.AttachedClients.Sub(float64(clients))
	m.log.Info("session removed",
		slog.String("session_id", sessionID),
		slog.Int("closed_clients", clients))
}

// Get looks a session up by its ID.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	return session, ok
}

// GetByThread looks a session up by its backend thread ID.
func (m *Manager) GetByThread(threadID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessionID, ok := m.byThread[threadID]
	if !ok {
		return nil, false
	}
	session, ok := m.sessions[sessionID]
	return session, ok
}

// Snapshot returns the session's current reducer state.
func (s *Session) Snapshot() thread.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// AttachClient adds a websocket client, replaying the event log so a late
// joiner sees the full session, then receives live events as they arrive.
// Returns the client ID used for detach.
func (m *Manager) AttachClient(session *Session, conn *websocket.Conn) string {
	clientID := uuid.NewString()

	session.mu.Lock()
	for _, event := range session.state.Events {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			session.mu.Unlock()
			m.log.Warn("replay write failed, client not attached",
				slog.String("session_id", session.ID),
				slog.String("client_id", clientID),
				slog.String("error", err.Error()))
			return ""
		}
	}
	session.clientConns[clientID] = conn
	total := len(session.clientConns)
	session.mu.Unlock()

	metrics.AttachedClients.Inc()
	m.log.Info("client connection added",
		slog.String("session_id", session.ID),
		slog.String("client_id", clientID),
		slog.Int("total_clients", total))
	return clientID
}

// DetachClient removes a websocket client from the session.
func (m *Manager) DetachClient(session *Session, clientID string) {
	session.mu.Lock()
	_, present := session.clientConns[clientID]
	delete(session.clientConns, clientID)
	remaining := len(session.clientConns)
	session.mu.Unlock()

	if present {
		metrics.AttachedClients.Dec()
		m.log.Info("client connection removed",
			slog.String("session_id", session.ID),
			slog.String("client_id", clientID),
			slog.Int("remaining_clients", remaining))
	}
}

// startStream cancels any in-flight stream for the session and pumps a new
// one. The generation guard makes the cancel airtight: events a superseded
// stream delivers after the swap are discarded, so an aborted stream can
// never poison the session with its failure.
func (m *Manager) startStream(session *Session, req stream.Request) {
	ctx, cancel := context.WithCancel(context.Background())

	session.mu.Lock()
	if session.cancel != nil {
		session.cancel()
	}
	session.cancel = cancel
	session.generation++
	generation := session.generation
	session.mu.Unlock()

	go m.pump(ctx, session, generation, req)
}

func (m *Manager) pump(ctx context.Context, session *Session, generation int, req stream.Request) {
	es := m.consumer.Stream(ctx, req)
	defer es.Close()

	for {
		event, ok := es.Next()
		if !ok {
			return
		}
		if !m.deliver(session, generation, event) {
			return
		}
	}
}

// deliver dispatches one event and broadcasts it. Returns false when the
// pump's generation is stale and it should stop.
func (m *Manager) deliver(session *Session, generation int, event events.Event) bool {
	action, ok := thread.ActionForEvent(event)

	session.mu.Lock()
	if session.generation != generation {
		session.mu.Unlock()
		return false
	}
	if ok {
		session.state = thread.Reduce(session.state, action)
	}
	conns := make([]*websocket.Conn, 0, len(session.clientConns))
	for _, conn := range session.clientConns {
		conns = append(conns, conn)
	}
	session.mu.Unlock()

	if event.Type == events.TypeThread && event.Thread.ThreadID != "" {
		m.mu.Lock()
		m.byThread[event.Thread.ThreadID] = session.ID
		m.mu.Unlock()
	}

	if len(conns) > 0 {
		payload, err := json.Marshal(event)
		if err == nil {
			for _, conn := range conns {
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					m.log.Error("failed to broadcast to client",
						slog.String("session_id", session.ID),
						slog.String("error", err.Error()))
				}
			}
		}
	}
	return true
}

func (m *Manager) dispatch(session *Session, action thread.Action) {
	session.mu.Lock()
	session.state = thread.Reduce(session.state, action)
	session.mu.Unlock()
}
