package timeline

import (
	"time"

	"github.com/dialectiq/research-gateway/internal/events"
)

// Progress group titles. This is the complete vocabulary: a group's title is
// chosen solely by its position (before or after a clarification, or inside
// a follow-up), never free-form. Callers may override the title for the
// follow-up case only.
const (
	TitleInitial   = "Research Progress Log"
	TitleContinued = "Continued Research Progress"
	TitleFollowup  = "Follow-up Progress"
)

// GroupedEventType discriminates the render-ready union.
type GroupedEventType string

const (
	GroupedUserQuery          GroupedEventType = "user_query"
	GroupedProgressGroup      GroupedEventType = "progress_group"
	GroupedClarification      GroupedEventType = "clarification"
	GroupedUserResponse       GroupedEventType = "user_response"
	GroupedSubQueries         GroupedEventType = "sub_queries"
	GroupedDraft              GroupedEventType = "draft"
	GroupedSupervisorDecision GroupedEventType = "supervisor_decision"
	GroupedReport             GroupedEventType = "report"
	GroupedFollowup           GroupedEventType = "followup"
)

// ProgressEntry is one agent update inside a progress group.
type ProgressEntry struct {
	Progress  events.ProgressData `json:"progress"`
	Timestamp time.Time           `json:"timestamp"`
}

// GroupedEvent is one render-ready timeline item. Exactly the fields for its
// Type are populated.
type GroupedEvent struct {
	Type      GroupedEventType `json:"type"`
	Timestamp time.Time        `json:"timestamp,omitzero"`

	// user_query and user_response
	Text string `json:"text,omitempty"`

	// progress_group
	Title              string          `json:"title,omitempty"`
	Entries            []ProgressEntry `json:"entries,omitempty"`
	AfterClarification bool            `json:"after_clarification,omitempty"`

	// clarification
	RefinedQuery string   `json:"refined_query,omitempty"`
	Questions    []string `json:"questions,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`

	// standalone typed items
	SubQueries         *events.SubQueriesData         `json:"sub_queries,omitempty"`
	Draft              *events.DraftData              `json:"draft,omitempty"`
	SupervisorDecision *events.SupervisorDecisionData `json:"supervisor_decision,omitempty"`
	Report             *events.ReportData             `json:"report,omitempty"`
	Followup           *events.FollowupAnswerData     `json:"followup,omitempty"`
}

// grouper accumulates consecutive progress entries and flushes them as one
// titled group. Both the offline builder and the live projection run their
// items through it, so the two paths cannot disagree on grouping rules.
type grouper struct {
	out     []GroupedEvent
	pending []ProgressEntry

	afterClarification bool
	inFollowup         bool
	followupTitle      string
}

// add buffers one progress entry for the current group.
func (g *grouper) add(entry ProgressEntry) {
	g.pending = append(g.pending, entry)
}

// flush emits the pending group, if any. An empty group is never emitted.
func (g *grouper) flush() {
	if len(g.pending) == 0 {
		return
	}
	g.out = append(g.out, GroupedEvent{
		Type:               GroupedProgressGroup,
		Title:              g.title(),
		Entries:            g.pending,
		AfterClarification: g.afterClarification,
		Timestamp:          g.pending[0].Timestamp,
	})
	g.pending = nil
}

// title picks from the fixed vocabulary by position.
func (g *grouper) title() string {
	if g.inFollowup {
		if g.followupTitle != "" {
			return g.followupTitle
		}
		return TitleFollowup
	}
	if g.afterClarification {
		return TitleContinued
	}
	return TitleInitial
}

// emit flushes pending progress and appends a standalone item.
func (g *grouper) emit(event GroupedEvent) {
	g.flush()
	g.out = append(g.out, event)
}

// markClarified flags subsequent groups as post-clarification. Display only;
// the grouping semantics do not change.
func (g *grouper) markClarified() {
	g.afterClarification = true
}

// enterFollowup switches subsequent groups to the follow-up title. The
// override is the one caller-controlled title in the vocabulary.
func (g *grouper) enterFollowup(titleOverride string) {
	g.inFollowup = true
	g.followupTitle = titleOverride
}
