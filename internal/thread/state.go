// Package thread holds the live research session state machine.
//
// A session is reduced from a sequence of dispatched actions into a
// {status, events, error, ids} snapshot. The reducer is a pure function
// over immutable state: the event log is append-only within a session and
// only a reset clears it.
package thread

import (
	"time"

	"github.com/dialectiq/research-gateway/internal/events"
)

// Status is the session phase.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusResearching Status = "researching"
	StatusClarifying  Status = "clarifying"
	StatusFollowup    Status = "followup"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
)

// State is the reducer aggregate. All mutation flows through Reduce; callers
// never write fields directly.
type State struct {
	Status   Status
	ThreadID string
	QueryID  string
	Events   []events.Event
	Error    *events.ErrorData
}

// NewState returns the empty idle state.
func NewState() State {
	return State{Status: StatusIdle}
}

// ActionType discriminates dispatched actions.
type ActionType string

const (
	ActionStartResearch        ActionType = "START_RESEARCH"
	ActionStartFollowup        ActionType = "START_FOLLOWUP"
	ActionSetThread            ActionType = "SET_THREAD"
	ActionAddProgress          ActionType = "ADD_PROGRESS"
	ActionAddSubQueries        ActionType = "ADD_SUB_QUERIES"
	ActionAddDraft             ActionType = "ADD_DRAFT"
	ActionAddSupervisorDecision ActionType = "ADD_SUPERVISOR_DECISION"
	ActionSetClarification     ActionType = "SET_CLARIFICATION"
	ActionSubmitClarification  ActionType = "SUBMIT_CLARIFICATION"
	ActionSetReport            ActionType = "SET_REPORT"
	ActionSetFollowupAnswer    ActionType = "SET_FOLLOWUP_ANSWER"
	ActionSetError             ActionType = "SET_ERROR"
	ActionReset                ActionType = "RESET"
)

// Action is one dispatched state transition.
type Action struct {
	Type ActionType

	Query    string
	Response string
	ThreadID string
	QueryID  string

	Progress           *events.ProgressData
	SubQueries         *events.SubQueriesData
	Draft              *events.DraftData
	SupervisorDecision *events.SupervisorDecisionData
	Clarification      *events.ClarificationData
	Report             *events.ReportData
	FollowupAnswer     *events.FollowupAnswerData
	Error              *events.ErrorData

	// Timestamp stamps synthetic user events; zero means now.
	Timestamp time.Time
}

// StartResearch begins a fresh session for query.
func StartResearch(query string) Action {
	return Action{Type: ActionStartResearch, Query: query}
}

// StartFollowup appends a follow-up question to a completed session.
func StartFollowup(query string) Action {
	return Action{Type: ActionStartFollowup, Query: query}
}

// SetThread records the identifiers the backend assigned.
func SetThread(threadID, queryID string) Action {
	return Action{Type: ActionSetThread, ThreadID: threadID, QueryID: queryID}
}

// AddProgress appends one agent progress update.
func AddProgress(data *events.ProgressData) Action {
	return Action{Type: ActionAddProgress, Progress: data}
}

// AddSubQueries appends a planned-sub-queries checkpoint. Like progress, it
// does not change the session status.
func AddSubQueries(data *events.SubQueriesData) Action {
	return Action{Type: ActionAddSubQueries, SubQueries: data}
}

// AddDraft appends an intermediate draft finding.
func AddDraft(data *events.DraftData) Action {
	return Action{Type: ActionAddDraft, Draft: data}
}

// AddSupervisorDecision appends a supervisor checkpoint.
func AddSupervisorDecision(data *events.SupervisorDecisionData) Action {
	return Action{Type: ActionAddSupervisorDecision, SupervisorDecision: data}
}

// SetClarification pauses the session for a clarification round-trip.
func SetClarification(data *events.ClarificationData) Action {
	return Action{Type: ActionSetClarification, Clarification: data}
}

// SubmitClarification records the user's answer and resumes research. The
// caller must re-invoke the stream with the original query plus this
// response; the reducer does not itself re-fetch.
func SubmitClarification(response string) Action {
	return Action{Type: ActionSubmitClarification, Response: response}
}

// SetReport completes the primary research phase.
func SetReport(data *events.ReportData) Action {
	return Action{Type: ActionSetReport, Report: data}
}

// SetFollowupAnswer completes a follow-up round.
func SetFollowupAnswer(data *events.FollowupAnswerData) Action {
	return Action{Type: ActionSetFollowupAnswer, FollowupAnswer: data}
}

// SetError moves the session into the terminal error state. Prior events are
// retained for display; only a reset recovers.
func SetError(data *events.ErrorData) Action {
	return Action{Type: ActionSetError, Error: data}
}

// Reset discards the session.
func Reset() Action {
	return Action{Type: ActionReset}
}

// Reduce applies one action and returns the next state. The input state is
// never modified; the event log is shared structurally but append-only.
func Reduce(state State, action Action) State {
	switch action.Type {
	case ActionStartResearch:
		state.Status = StatusResearching
		state.Error = nil
		state.Events = []events.Event{userQueryEvent(action)}
		return state

	case ActionStartFollowup:
		state.Status = StatusFollowup
		state.Error = nil
		state.Events = appendEvent(state.Events, userQueryEvent(action))
		return state

	case ActionSetThread:
		state.ThreadID = action.ThreadID
		state.QueryID = action.QueryID
		return state

	case ActionAddProgress:
		if action.Progress == nil {
			return state
		}
		state.Events = appendEvent(state.Events, events.Event{
			Type:     events.TypeProgress,
			Progress: action.Progress,
		})
		return state

	case ActionAddSubQueries:
		if action.SubQueries == nil {
			return state
		}
		state.Events = appendEvent(state.Events, events.Event{
			Type:       events.TypeSubQueries,
			SubQueries: action.SubQueries,
		})
		return state

	case ActionAddDraft:
		if action.Draft == nil {
			return state
		}
		state.Events = appendEvent(state.Events, events.Event{
			Type:  events.TypeDraft,
			Draft: action.Draft,
		})
		return state

	case ActionAddSupervisorDecision:
		if action.SupervisorDecision == nil {
			return state
		}
		state.Events = appendEvent(state.Events, events.Event{
			Type:               events.TypeSupervisorDecision,
			SupervisorDecision: action.SupervisorDecision,
		})
		return state

	case ActionSetClarification:
		if action.Clarification == nil {
			return state
		}
		state.Status = StatusClarifying
		state.Events = appendEvent(state.Events, events.Event{
			Type:          events.TypeClarification,
			Clarification: action.Clarification,
		})
		return state

	case ActionSubmitClarification:
		state.Status = StatusResearching
		state.Events = appendEvent(state.Events, events.Event{
			Type: events.TypeUserResponse,
			UserResponse: &events.UserResponseData{
				Response:  action.Response,
				Timestamp: stamp(action),
			},
		})
		return state

	case ActionSetReport:
		if action.Report == nil {
			return state
		}
		state.Status = StatusComplete
		state.Events = appendEvent(state.Events, events.Event{
			Type:   events.TypeReport,
			Report: action.Report,
		})
		return state

	case ActionSetFollowupAnswer:
		if action.FollowupAnswer == nil {
			return state
		}
		state.Status = StatusComplete
		state.Events = appendEvent(state.Events, events.Event{
			Type:           events.TypeFollowupAnswer,
			FollowupAnswer: action.FollowupAnswer,
		})
		return state

	case ActionSetError:
		state.Status = StatusError
		state.Error = action.Error
		return state

	case ActionReset:
		return NewState()
	}

	return state
}

// appendEvent appends without aliasing the caller's backing array, so a
// retained old snapshot can never observe the new event.
func appendEvent(log []events.Event, event events.Event) []events.Event {
	return append(log[:len(log):len(log)], event)
}

func userQueryEvent(action Action) events.Event {
	return events.Event{
		Type: events.TypeUserQuery,
		UserQuery: &events.UserQueryData{
			Query:     action.Query,
			Timestamp: stamp(action),
		},
	}
}

func stamp(action Action) string {
	ts := action.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return ts.Format(time.RFC3339)
}

// ActionForEvent maps a canonical wire event to its dispatch action. The
// second return is false for event types the live path never dispatches
// (synthetic user events originate locally, not from the wire).
func ActionForEvent(event events.Event) (Action, bool) {
	switch event.Type {
	case events.TypeThread:
		return SetThread(event.Thread.ThreadID, event.Thread.QueryID), true
	case events.TypeProgress:
		return AddProgress(event.Progress), true
	case events.TypeSubQueries:
		return AddSubQueries(event.SubQueries), true
	case events.TypeDraft:
		return AddDraft(event.Draft), true
	case events.TypeSupervisorDecision:
		return AddSupervisorDecision(event.SupervisorDecision), true
	case events.TypeClarification:
		return SetClarification(event.Clarification), true
	case events.TypeReport:
		return SetReport(event.Report), true
	case events.TypeFollowupAnswer:
		return SetFollowupAnswer(event.FollowupAnswer), true
	case events.TypeError:
		return SetError(event.Error), true
	case events.TypeDone:
		return SetThread(event.Done.ThreadID, event.Done.QueryID), true
	}
	return Action{}, false
}

// FirstQuery returns the session's original query, if one was dispatched.
// Needed when resubmitting after a clarification: the stream is re-invoked
// with the original query plus the user's answer.
func (s State) FirstQuery() (string, bool) {
	for _, event := range s.Events {
		if event.Type == events.TypeUserQuery {
			return event.UserQuery.Query, true
		}
	}
	return "", false
}

// LatestClarification returns the most recent clarification request.
// Multiple rounds are representable; the last one is the live prompt.
func (s State) LatestClarification() *events.ClarificationData {
	for i := len(s.Events) - 1; i >= 0; i-- {
		if s.Events[i].Type == events.TypeClarification {
			return s.Events[i].Clarification
		}
	}
	return nil
}

// Report returns the session's report, if research has completed.
func (s State) Report() *events.ReportData {
	for _, event := range s.Events {
		if event.Type == events.TypeReport {
			return event.Report
		}
	}
	return nil
}
