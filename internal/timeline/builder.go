package timeline

import (
	"log/slog"
	"sort"
	"time"

	"github.com/dialectiq/research-gateway/internal/events"
	"github.com/dialectiq/research-gateway/internal/logger"
	"github.com/dialectiq/research-gateway/internal/metrics"
	"github.com/dialectiq/research-gateway/internal/wire"
)

// clarificationPlaceholder stands in when a clarification round happened but
// the completion message carrying the refined query was lost or malformed.
const clarificationPlaceholder = "Clarification was requested"

// Agents excluded from ordinary progress grouping. Classification chatter is
// never shown; followup-tagged updates are re-attached to their follow-up
// question in a later pass.
var hiddenAgents = map[string]bool{
	events.AgentClassification: true,
	events.AgentFollowup:       true,
}

// Builder reconstructs the grouped timeline from a persisted thread. Build
// is deterministic: the same unmodified ChatThread always yields
// structurally identical output.
type Builder struct {
	log *logger.Logger

	// FollowupTitle overrides the title of follow-up progress groups. Empty
	// means the default vocabulary title. This is the only title a caller
	// may influence.
	FollowupTitle string
}

// NewBuilder creates a timeline builder reporting dropped records to log.
func NewBuilder(log *logger.Logger) *Builder {
	return &Builder{log: log.WithComponent("timeline")}
}

type itemKind int

const (
	itemProgress itemKind = iota
	itemClarificationComplete
	itemClarificationResponse
	itemSubQueries
	itemDraft
	itemSupervisorDecision
)

// item is a typed projection of one persisted message, pre-sort.
type item struct {
	kind itemKind
	ts   time.Time

	progress           *events.ProgressData
	refinedQuery       string
	response           string
	subQueries         *events.SubQueriesData
	draft              *events.DraftData
	supervisorDecision *events.SupervisorDecisionData
}

// followupRecord is a follow-up question or answer, merged and sorted
// together to delimit the half-open progress windows between them.
type followupRecord struct {
	ts       time.Time
	question string
	answer   *events.FollowupAnswerData
}

type followupProgress struct {
	ts       time.Time
	progress *events.ProgressData
}

// Build reconstructs the render-ready grouped event list for a persisted
// thread. A thread with zero messages still yields the initial query item
// and, if present, the report.
func (b *Builder) Build(chat ChatThread) []GroupedEvent {
	main, followups, followupUpdates := b.project(chat)

	sort.SliceStable(main, func(i, j int) bool {
		return main[i].ts.Before(main[j].ts)
	})

	g := &grouper{}
	g.out = append(g.out, GroupedEvent{
		Type:      GroupedUserQuery,
		Text:      chat.Query.QueryText,
		Timestamp: chat.Query.CreatedAt,
	})

	// The refined query from the most recent clarification completion; the
	// clarification item emitted at the response is built from it.
	var refined string
	var refinedTS time.Time

	for _, it := range main {
		switch it.kind {
		case itemProgress:
			g.add(ProgressEntry{Progress: *it.progress, Timestamp: it.ts})

		case itemClarificationComplete:
			// Part of the running group, and remembered so the response can
			// surface the refined query.
			g.add(ProgressEntry{Progress: *it.progress, Timestamp: it.ts})
			refined = it.refinedQuery
			refinedTS = it.ts

		case itemClarificationResponse:
			question := refined
			questionTS := refinedTS
			if question == "" {
				question = clarificationPlaceholder
				questionTS = it.ts
			}
			g.emit(GroupedEvent{
				Type:         GroupedClarification,
				RefinedQuery: question,
				Timestamp:    questionTS,
			})
			g.emit(GroupedEvent{
				Type:      GroupedUserResponse,
				Text:      it.response,
				Timestamp: it.ts,
			})
			g.markClarified()

		case itemSubQueries:
			g.emit(GroupedEvent{Type: GroupedSubQueries, SubQueries: it.subQueries, Timestamp: it.ts})

		case itemDraft:
			g.emit(GroupedEvent{Type: GroupedDraft, Draft: it.draft, Timestamp: it.ts})

		case itemSupervisorDecision:
			g.emit(GroupedEvent{Type: GroupedSupervisorDecision, SupervisorDecision: it.supervisorDecision, Timestamp: it.ts})
		}
	}
	g.flush()

	if chat.Report != nil {
		g.out = append(g.out, GroupedEvent{Type: GroupedReport, Report: chat.Report})
	}

	b.appendFollowups(g, followups, followupUpdates)
	return g.out
}

// project types every persisted message. Returns the main timeline items,
// the merged follow-up question/answer records (storage order), and the
// followup-tagged agent updates (storage order).
func (b *Builder) project(chat ChatThread) ([]item, []followupRecord, []followupProgress) {
	var main []item
	var followups []followupRecord
	var updates []followupProgress

	for _, msg := range chat.Messages {
		switch msg.Role {
		case RoleAgent:
			progress := wire.ProgressFromFields(wire.NestedData(msg.Content), msg.Content)
			if progress == nil {
				b.dropMessage(msg, "unusable_agent_content")
				continue
			}
			if progress.Agent == events.AgentFollowup {
				updates = append(updates, followupProgress{ts: msg.CreatedAt, progress: progress})
				continue
			}
			if hiddenAgents[progress.Agent] {
				continue
			}
			if refined := clarificationRefinedQuery(progress); refined != "" {
				main = append(main, item{
					kind:         itemClarificationComplete,
					ts:           msg.CreatedAt,
					progress:     progress,
					refinedQuery: refined,
				})
				continue
			}
			main = append(main, item{kind: itemProgress, ts: msg.CreatedAt, progress: progress})

		case RoleUser:
			subtype, _ := msg.Content["type"].(string)
			switch subtype {
			case userContentClarificationResponse:
				response, _ := msg.Content["response"].(string)
				main = append(main, item{kind: itemClarificationResponse, ts: msg.CreatedAt, response: response})
			case userContentQuery:
				text, _ := msg.Content["query"].(string)
				if text != "" && text != chat.Query.QueryText {
					followups = append(followups, followupRecord{ts: msg.CreatedAt, question: text})
				}
			}

		case RoleSubQueries:
			subQueries := wire.SubQueriesFromFields(wire.NestedData(msg.Content), msg.Content)
			if subQueries == nil {
				b.dropMessage(msg, "unusable_sub_queries_content")
				continue
			}
			main = append(main, item{kind: itemSubQueries, ts: msg.CreatedAt, subQueries: subQueries})

		case RoleDraft:
			draft := wire.DraftFromFields(wire.NestedData(msg.Content), msg.Content)
			if draft == nil {
				b.dropMessage(msg, "unusable_draft_content")
				continue
			}
			main = append(main, item{kind: itemDraft, ts: msg.CreatedAt, draft: draft})

		case RoleSupervisorDecision:
			decision := wire.SupervisorDecisionFromFields(wire.NestedData(msg.Content), msg.Content)
			if decision == nil {
				b.dropMessage(msg, "unusable_supervisor_content")
				continue
			}
			main = append(main, item{kind: itemSupervisorDecision, ts: msg.CreatedAt, supervisorDecision: decision})

		case RoleFollowup:
			answer := wire.FollowupAnswerFromFields(wire.NestedData(msg.Content), msg.Content)
			if answer == nil {
				b.dropMessage(msg, "unusable_followup_content")
				continue
			}
			followups = append(followups, followupRecord{ts: msg.CreatedAt, answer: answer})

		default:
			b.dropMessage(msg, "unknown_role")
		}
	}

	return main, followups, updates
}

// appendFollowups interleaves follow-up questions, their progress windows,
// and answers after the report. Progress windows are half-open: a
// followup-tagged update at exactly the next record's timestamp belongs to
// the next record's window, and the last window extends to infinity.
func (b *Builder) appendFollowups(g *grouper, followups []followupRecord, updates []followupProgress) {
	if len(followups) == 0 {
		return
	}

	sort.SliceStable(followups, func(i, j int) bool {
		return followups[i].ts.Before(followups[j].ts)
	})
	sort.SliceStable(updates, func(i, j int) bool {
		return updates[i].ts.Before(updates[j].ts)
	})

	g.enterFollowup(b.FollowupTitle)

	for i, record := range followups {
		if record.answer != nil {
			g.emit(GroupedEvent{Type: GroupedFollowup, Followup: record.answer, Timestamp: record.ts})
			continue
		}

		g.emit(GroupedEvent{Type: GroupedUserQuery, Text: record.question, Timestamp: record.ts})

		hasNext := i+1 < len(followups)
		for _, update := range updates {
			if update.ts.Before(record.ts) {
				continue
			}
			if hasNext && !update.ts.Before(followups[i+1].ts) {
				continue
			}
			g.add(ProgressEntry{Progress: *update.progress, Timestamp: update.ts})
		}
	}
	g.flush()
}

// clarificationRefinedQuery returns the refined query when the update is the
// clarification agent's completion carrying one, else "".
func clarificationRefinedQuery(progress *events.ProgressData) string {
	if progress.Agent != events.AgentClarification || progress.Status != events.StatusComplete {
		return ""
	}
	if progress.Details == nil {
		return ""
	}
	refined, _ := progress.Details["refined_query"].(string)
	return refined
}

func (b *Builder) dropMessage(msg Message, reason string) {
	metrics.PayloadsDropped.WithLabelValues(reason).Inc()
	b.log.Debug("dropped persisted message",
		slog.String("reason", reason),
		slog.String("message_id", msg.ID),
		slog.String("role", msg.Role))
}
