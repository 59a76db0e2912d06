// Package events defines the canonical vocabulary of research events.
//
// Every consumer-facing part of the gateway speaks this vocabulary: the wire
// normalizer produces it, the thread state machine reduces over it, and the
// timeline builder reconstructs it from persisted messages. The wire format
// (flat vs nested, singular vs plural fields, renamed citation keys) never
// leaks past the normalizer.
package events

import "encoding/json"

// Type discriminates the event union.
type Type string

const (
	TypeThread             Type = "thread"
	TypeProgress           Type = "progress"
	TypeClarification      Type = "clarification"
	TypeUserQuery          Type = "user_query"
	TypeUserResponse       Type = "user_response"
	TypeSubQueries         Type = "sub_queries"
	TypeDraft              Type = "draft"
	TypeSupervisorDecision Type = "supervisor_decision"
	TypeReport             Type = "report"
	TypeFollowupAnswer     Type = "followup_answer"
	TypeError              Type = "error"
	TypeDone               Type = "done"
)

// Agent names are an open set: the backend grows new agents between releases
// and unknown names must pass through as opaque strings. Known values get
// constants so the timeline builder can classify without typos.
const (
	AgentClarification    = "clarification"
	AgentLeftResearch     = "left_research"
	AgentRightResearch    = "right_research"
	AgentAcademicResearch = "academic_research"
	AgentSynthesis        = "synthesis"
	AgentQualityCheck     = "quality_check"
	AgentSupervisor       = "supervisor"
	AgentSubResearch      = "sub_research"
	AgentClassification   = "classification"
	AgentFollowup         = "followup"
)

// Agent statuses, also open.
const (
	StatusStarting  = "starting"
	StatusSearching = "searching"
	StatusAnalyzing = "analyzing"
	StatusComplete  = "complete"
	StatusError     = "error"
)

// ErrorCode identifies a wire-level or backend failure class.
type ErrorCode string

const (
	CodeInvalidQuery   ErrorCode = "INVALID_QUERY"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
	CodeTimeout        ErrorCode = "TIMEOUT"
	CodeResearchFailed ErrorCode = "RESEARCH_FAILED"
	CodeInternalError  ErrorCode = "INTERNAL_ERROR"
)

// IdeologicalLean classifies a citation's source.
type IdeologicalLean string

const (
	LeanLeft    IdeologicalLean = "left"
	LeanRight   IdeologicalLean = "right"
	LeanNeutral IdeologicalLean = "neutral"
)

// Sub-query angles within a research cycle.
const (
	AngleLeft  = "left"
	AngleRight = "right"
	AngleBoth  = "both"
)

// Supervisor decisions.
const (
	DecisionContinue   = "continue"
	DecisionSynthesize = "synthesize"
)

// Event is the canonical tagged union. Exactly one payload pointer matching
// Type is non-nil.
type Event struct {
	Type               Type                    `json:"type"`
	Thread             *ThreadData             `json:"-"`
	Progress           *ProgressData           `json:"-"`
	Clarification      *ClarificationData      `json:"-"`
	UserQuery          *UserQueryData          `json:"-"`
	UserResponse       *UserResponseData       `json:"-"`
	SubQueries         *SubQueriesData         `json:"-"`
	Draft              *DraftData              `json:"-"`
	SupervisorDecision *SupervisorDecisionData `json:"-"`
	Report             *ReportData             `json:"-"`
	FollowupAnswer     *FollowupAnswerData     `json:"-"`
	Error              *ErrorData              `json:"-"`
	Done               *DoneData               `json:"-"`
}

// ThreadData establishes the identifiers a session persists under.
type ThreadData struct {
	ThreadID string `json:"thread_id"`
	QueryID  string `json:"query_id"`
}

// ToolCall records a single tool invocation reported by an agent.
type ToolCall struct {
	Tool          string         `json:"tool"`
	Input         map[string]any `json:"input,omitempty"`
	OutputPreview string         `json:"output_preview,omitempty"`
}

// ProgressData is one agent status update.
type ProgressData struct {
	Agent           string         `json:"agent"`
	Status          string         `json:"status"`
	Message         string         `json:"message"`
	ToolCalls       []ToolCall     `json:"tool_calls,omitempty"`
	SourcesSearched []string       `json:"sources_searched,omitempty"`
	ResultsCount    *int           `json:"results_count,omitempty"`
	Timestamp       string         `json:"timestamp,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
}

// ClarificationData asks the user to refine the query before research runs.
type ClarificationData struct {
	ThreadID     string   `json:"thread_id"`
	RefinedQuery string   `json:"refined_query"`
	Questions    []string `json:"questions,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

// UserQueryData is synthesized locally when the user submits a query or a
// follow-up question. It never arrives on the wire.
type UserQueryData struct {
	Query     string `json:"query"`
	Timestamp string `json:"timestamp"`
}

// UserResponseData is synthesized locally when the user answers a
// clarification. It never arrives on the live wire, but it is a first-class
// timeline event in the persisted path.
type UserResponseData struct {
	Response  string `json:"response"`
	Timestamp string `json:"timestamp"`
}

// SubQuery is one planned angle-specific query within a research cycle.
type SubQuery struct {
	ID    string `json:"id"`
	Angle string `json:"angle"`
	Query string `json:"query"`
}

// SubQueriesData announces the sub-queries planned for a cycle.
type SubQueriesData struct {
	Cycle      int        `json:"cycle"`
	SubQueries []SubQuery `json:"sub_queries"`
}

// DraftData is an intermediate per-sub-query finding.
type DraftData struct {
	Angle        string   `json:"angle"`
	SubQuery     string   `json:"sub_query"`
	Summary      string   `json:"summary"`
	SourcesCount int      `json:"sources_count"`
	KeyFindings  []string `json:"key_findings,omitempty"`
}

// SupervisorDecisionData is a control-flow checkpoint: keep gathering drafts
// or move to synthesis.
type SupervisorDecisionData struct {
	Decision           string `json:"decision"`
	Cycle              int    `json:"cycle"`
	Reasoning          string `json:"reasoning"`
	DraftsCollected    int    `json:"drafts_collected"`
	NewSubQueriesCount *int   `json:"new_sub_queries_count,omitempty"`
}

// EvidenceItem backs a claim with a sourced statement.
type EvidenceItem struct {
	Claim      string  `json:"claim"`
	Source     string  `json:"source"`
	URL        string  `json:"url"`
	Confidence float64 `json:"confidence"`
}

// ClaimData is one of the two opposing stances in a report.
type ClaimData struct {
	Stance   string         `json:"stance"`
	Title    string         `json:"title"`
	Evidence []EvidenceItem `json:"evidence,omitempty"`
}

// Disagreement records a point where the stances diverge and why.
type Disagreement struct {
	Topic         string `json:"topic"`
	LeftPosition  string `json:"left_position"`
	RightPosition string `json:"right_position"`
	Reason        string `json:"reason"`
}

// Citation is a normalized source reference. Upstream field names vary
// release to release; the normalizer maps them all here.
type Citation struct {
	ID              string          `json:"id"`
	SourceName      string          `json:"source_name"`
	Title           string          `json:"title"`
	URL             string          `json:"url"`
	PublishedDate   string          `json:"published_date,omitempty"`
	IdeologicalLean IdeologicalLean `json:"ideological_lean"`
	Snippet         string          `json:"snippet"`
}

// ReportMetadata summarizes the run that produced a report.
type ReportMetadata struct {
	SourcesSearched  int     `json:"sources_searched"`
	TotalResults     int     `json:"total_results"`
	CitationScore    float64 `json:"citation_score"`
	ProcessingTimeMS int     `json:"processing_time_ms"`
}

// ReportData is the final comparative report. It is terminal for the primary
// research phase, but follow-up answers may still arrive afterwards.
type ReportData struct {
	ThreadID      string          `json:"thread_id"`
	Summary       string          `json:"summary"`
	ClaimA        ClaimData       `json:"claim_a"`
	ClaimB        ClaimData       `json:"claim_b"`
	Agreements    []string        `json:"agreements,omitempty"`
	Disagreements []Disagreement  `json:"disagreements,omitempty"`
	Uncertainties []string        `json:"uncertainties,omitempty"`
	Citations     []Citation      `json:"citations,omitempty"`
	Metadata      *ReportMetadata `json:"metadata,omitempty"`
}

// FollowupAnswerData answers a follow-up question on a completed thread.
type FollowupAnswerData struct {
	Answer    string   `json:"answer"`
	Citations []string `json:"citations,omitempty"`
}

// ErrorData is a structured failure, either received from the backend or
// synthesized by the stream consumer for connection-level faults.
type ErrorData struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Details     string    `json:"details,omitempty"`
	Recoverable bool      `json:"recoverable"`
	ThreadID    string    `json:"thread_id,omitempty"`
}

// DoneData terminates a stream, surfacing the ids one more time.
type DoneData struct {
	ThreadID string `json:"thread_id"`
	QueryID  string `json:"query_id"`
	Success  bool   `json:"success"`
}

// payload returns the active payload for serialization.
func (e Event) payload() any {
	switch e.Type {
	case TypeThread:
		return e.Thread
	case TypeProgress:
		return e.Progress
	case TypeClarification:
		return e.Clarification
	case TypeUserQuery:
		return e.UserQuery
	case TypeUserResponse:
		return e.UserResponse
	case TypeSubQueries:
		return e.SubQueries
	case TypeDraft:
		return e.Draft
	case TypeSupervisorDecision:
		return e.SupervisorDecision
	case TypeReport:
		return e.Report
	case TypeFollowupAnswer:
		return e.FollowupAnswer
	case TypeError:
		return e.Error
	case TypeDone:
		return e.Done
	}
	return nil
}

// MarshalJSON emits the canonical `{"type": ..., "data": {...}}` frame the
// gateway re-broadcasts to its own clients.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type Type `json:"type"`
		Data any  `json:"data"`
	}{Type: e.Type, Data: e.payload()})
}
