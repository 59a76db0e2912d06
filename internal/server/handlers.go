package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dialectiq/research-gateway/internal/backend"
	"github.com/dialectiq/research-gateway/internal/logger"
	"github.com/dialectiq/research-gateway/internal/session"
	"github.com/dialectiq/research-gateway/internal/stream"
	"github.com/dialectiq/research-gateway/internal/timeline"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced at the HTTP layer
	},
}

// BackendFactory builds a REST client carrying the given bearer token. The
// gateway forwards the caller's token when present and falls back to its
// own service token.
type BackendFactory func(token string) *backend.Client

// Handler bundles the gateway's request handlers.
type Handler struct {
	log        *logger.Logger
	sessions   *session.Manager
	consumer   *stream.Consumer
	backendFor BackendFactory
	builder    *timeline.Builder
	pageSize   int
	heartbeat  time.Duration
}

// NewHandler wires the gateway handlers.
func NewHandler(sessions *session.Manager, consumer *stream.Consumer, backendFor BackendFactory, builder *timeline.Builder, pageSize int, heartbeat time.Duration, log *logger.Logger) *Handler {
	return &Handler{
		log:        log.WithComponent("server"),
		sessions:   sessions,
		consumer:   consumer,
		backendFor: backendFor,
		builder:    builder,
		pageSize:   pageSize,
		heartbeat:  heartbeat,
	}
}

type researchRequest struct {
	Query                 string `json:"query"`
	ThreadID              string `json:"thread_id,omitempty"`
	ClarificationResponse string `json:"clarification_response,omitempty"`
}

// Research consumes the backend stream and re-emits canonical events as SSE
// frames. Every frame the client sees has already been normalized; the
// upstream wire shapes never reach it.
func (h *Handler) Research(c *gin.Context) {
	var req researchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	log := h.log.WithContext(c.Request.Context())

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		log.Error("response writer doesn't support flushing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	es := h.consumer.Stream(c.Request.Context(), stream.Request{
		Query:                 req.Query,
		ThreadID:              req.ThreadID,
		ClarificationResponse: req.ClarificationResponse,
	})
	defer es.Close()

	// Next blocks, so a goroutine feeds the select loop and lets heartbeats
	// go out while the backend is quiet.
	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			event, ok := es.Next()
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				log.Error("failed to marshal event", slog.String("error", err.Error()))
				continue
			}
			select {
			case frames <- payload:
			case <-c.Request.Context().Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-frames:
			if !ok {
				log.Debug("research stream finished")
				return
			}
			if _, err := c.Writer.WriteString("data: " + string(payload) + "\n\n"); err != nil {
				log.Error("failed to write frame to client", slog.String("error", err.Error()))
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := c.Writer.WriteString(": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-c.Request.Context().Done():
			log.Debug("client disconnected")
			return
		}
	}
}

// StartSession begins a background research session clients attach to over
// websocket. Responds immediately with the session ID.
func (h *Handler) StartSession(c *gin.Context) {
	var req researchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	s := h.sessions.StartResearch(req.Query)
	c.JSON(http.StatusAccepted, gin.H{"session_id": s.ID})
}

// SessionState returns the session's reducer snapshot and its live grouped
// timeline projection.
func (h *Handler) SessionState(c *gin.Context) {
	s, ok := h.lookupSession(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	state := s.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"session_id": s.ID,
		"status":     state.Status,
		"thread_id":  state.ThreadID,
		"query_id":   state.QueryID,
		"error":      state.Error,
		"timeline":   timeline.ProjectLive(state.Events),
	})
}

// clientMessage is what an attached websocket client may send.
type clientMessage struct {
	Type     string `json:"type"`
	Response string `json:"response,omitempty"`
	Query    string `json:"query,omitempty"`
}

// AttachWS upgrades to a websocket, replays the session's event log, and
// relays client messages (clarification answers, follow-up questions) into
// the session.
func (h *Handler) AttachWS(c *gin.Context) {
	log := h.log.WithContext(c.Request.Context())

	s, ok := h.lookupSession(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("failed to upgrade connection to websocket", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	clientID := h.sessions.AttachClient(s, conn)
	if clientID == "" {
		return
	}
	defer h.sessions.DetachClient(s, clientID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket closed unexpectedly", slog.String("error", err.Error()))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug("ignoring malformed client message", slog.String("error", err.Error()))
			continue
		}

		switch msg.Type {
		case "clarification_response":
			h.sessions.SubmitClarification(s.ID, msg.Response)
		case "followup":
			h.sessions.StartFollowup(s.ID, msg.Query)
		case "reset":
			h.sessions.Reset(s.ID)
		default:
			log.Debug("ignoring unknown client message type", slog.String("type", msg.Type))
		}
	}
}

// GetChat fetches the persisted thread and returns it with the rebuilt
// grouped timeline.
func (h *Handler) GetChat(c *gin.Context) {
	client := h.backendFor(bearerToken(c))

	chat, err := client.FetchChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.backendError(c, "fetch chat", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"query":    chat.Query,
		"report":   chat.Report,
		"timeline": h.builder.Build(*chat),
	})
}

// ListChats pages the caller's threads.
func (h *Handler) ListChats(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(h.pageSize)))
	if err != nil || limit <= 0 {
		limit = h.pageSize
	}

	client := h.backendFor(bearerToken(c))
	threads, err := client.ListThreads(c.Request.Context(), offset, limit)
	if err != nil {
		h.backendError(c, "list threads", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

// DeleteChat removes a persisted thread.
func (h *Handler) DeleteChat(c *gin.Context) {
	client := h.backendFor(bearerToken(c))
	if err := client.DeleteThread(c.Request.Context(), c.Param("id")); err != nil {
		h.backendError(c, "delete thread", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login passes credentials through to the backend.
func (h *Handler) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.backendFor("").Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.backendError(c, "login", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Register creates a backend account.
func (h *Handler) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.backendFor("").Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.backendError(c, "register", err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// CheckUsername reports username availability.
func (h *Handler) CheckUsername(c *gin.Context) {
	username := c.Query("username")
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username parameter is required"})
		return
	}

	available, err := h.backendFor("").CheckUsername(c.Request.Context(), username)
	if err != nil {
		h.backendError(c, "check username", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": available})
}

// Me returns the account behind the caller's token.
func (h *Handler) Me(c *gin.Context) {
	user, err := h.backendFor(bearerToken(c)).Me(c.Request.Context())
	if err != nil {
		h.backendError(c, "fetch current user", err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// Health is the liveness endpoint.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// lookupSession resolves an identifier that may be either a gateway session
// ID or a backend thread ID.
func (h *Handler) lookupSession(id string) (*session.Session, bool) {
	if s, ok := h.sessions.Get(id); ok {
		return s, true
	}
	return h.sessions.GetByThread(id)
}

// backendError maps a backend failure onto the gateway response, passing a
// backend status through when one exists.
func (h *Handler) backendError(c *gin.Context, op string, err error) {
	h.log.WithContext(c.Request.Context()).Error("backend request failed",
		slog.String("op", op),
		slog.String("error", err.Error()))

	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		c.JSON(apiErr.StatusCode, gin.H{"error": apiErr.Body})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": "backend unavailable"})
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
