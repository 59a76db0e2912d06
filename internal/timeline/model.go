// Package timeline reconstructs the chronological, grouped view of a
// research thread.
//
// Two producers feed the same GroupedEvent vocabulary: the offline builder
// reconstructs it from a persisted thread after a reload, and the live
// projection derives it from the state machine's event log during a
// streaming session. Rendering code is agnostic to which path produced it.
package timeline

import (
	"time"

	"github.com/dialectiq/research-gateway/internal/events"
)

// Message roles as stored by the backend.
const (
	RoleUser               = "user"
	RoleAgent              = "agent"
	RoleSubQueries         = "sub_queries"
	RoleDraft              = "draft"
	RoleSupervisorDecision = "supervisor_decision"
	RoleFollowup           = "followup"
)

// User-message content subtypes.
const (
	userContentQuery                 = "query"
	userContentClarificationResponse = "clarification_response"
)

// Message is one persisted heterogeneous thread record. Content is opaque:
// its shape depends on the role and, for agent rows, on which backend
// release wrote it (flat fields, or nested one level under "data").
type Message struct {
	ID        string         `json:"id"`
	QueryID   string         `json:"query_id"`
	Role      string         `json:"role"`
	Content   map[string]any `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

// Query is the thread's originating query record.
type Query struct {
	QueryText   string    `json:"query_text"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
	ThreadID    string    `json:"thread_id"`
	IsCompleted bool      `json:"is_completed"`
}

// ChatThread is the persisted aggregate fetched per view. It is never
// mutated in place; a fresh fetch replaces it wholesale.
type ChatThread struct {
	Query    Query              `json:"query"`
	Report   *events.ReportData `json:"report"`
	Messages []Message          `json:"messages"`
}
