package timeline

import (
	"time"

	"github.com/dialectiq/research-gateway/internal/events"
)

// ProjectLive derives the grouped view from a live session's event log. The
// log is already ordered by arrival, so unlike the offline builder there is
// no sort and no windowing: a user query after the first one simply switches
// grouping into follow-up mode.
func ProjectLive(log []events.Event) []GroupedEvent {
	return ProjectLiveTitled(log, "")
}

// ProjectLiveTitled is ProjectLive with an overridden follow-up group title.
func ProjectLiveTitled(log []events.Event, followupTitle string) []GroupedEvent {
	g := &grouper{}
	seenQuery := false

	for _, event := range log {
		switch event.Type {
		case events.TypeUserQuery:
			if seenQuery {
				g.enterFollowup(followupTitle)
			}
			seenQuery = true
			g.emit(GroupedEvent{
				Type:      GroupedUserQuery,
				Text:      event.UserQuery.Query,
				Timestamp: parseStamp(event.UserQuery.Timestamp),
			})

		case events.TypeProgress:
			if event.Progress.Agent == events.AgentClassification {
				continue
			}
			g.add(ProgressEntry{
				Progress:  *event.Progress,
				Timestamp: parseStamp(event.Progress.Timestamp),
			})

		case events.TypeClarification:
			g.emit(GroupedEvent{
				Type:         GroupedClarification,
				RefinedQuery: event.Clarification.RefinedQuery,
				Questions:    event.Clarification.Questions,
				Suggestions:  event.Clarification.Suggestions,
			})

		case events.TypeUserResponse:
			g.emit(GroupedEvent{
				Type:      GroupedUserResponse,
				Text:      event.UserResponse.Response,
				Timestamp: parseStamp(event.UserResponse.Timestamp),
			})
			g.markClarified()

		case events.TypeSubQueries:
			g.emit(GroupedEvent{Type: GroupedSubQueries, SubQueries: event.SubQueries})

		case events.TypeDraft:
			g.emit(GroupedEvent{Type: GroupedDraft, Draft: event.Draft})

		case events.TypeSupervisorDecision:
			g.emit(GroupedEvent{Type: GroupedSupervisorDecision, SupervisorDecision: event.SupervisorDecision})

		case events.TypeReport:
			g.emit(GroupedEvent{Type: GroupedReport, Report: event.Report})

		case events.TypeFollowupAnswer:
			g.emit(GroupedEvent{Type: GroupedFollowup, Followup: event.FollowupAnswer})
		}
	}

	g.flush()
	return g.out
}

// parseStamp converts an RFC3339 wire timestamp, tolerating absence. Group
// ordering comes from log position, so a zero time is acceptable here.
func parseStamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}
