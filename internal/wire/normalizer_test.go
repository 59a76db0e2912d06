package wire

import (
	"encoding/json"
	"log/slog"
	"reflect"
	"testing"

	"github.com/dialectiq/research-gateway/internal/events"
	"github.com/dialectiq/research-gateway/internal/logger"
)

func testNormalizer() *Normalizer {
	return NewNormalizer(logger.New(logger.Config{Level: slog.LevelError}))
}

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("failed to decode fixture: %v", err)
	}
	return m
}

func TestNormalizeProgressShapeInvariance(t *testing.T) {
	n := testNormalizer()

	flat := decode(t, `{
		"type": "progress",
		"agent": "left_research",
		"status": "searching",
		"message": "searching sources",
		"sources_searched": ["a.com", "b.com"],
		"results_count": 12,
		"timestamp": "2026-01-02T10:00:00Z",
		"tool_calls": [{"tool": "web_search", "input": {"q": "x"}, "output_preview": "..."}]
	}`)
	nested := decode(t, `{
		"type": "progress",
		"data": {
			"agent": "left_research",
			"status": "searching",
			"message": "searching sources",
			"sources_searched": ["a.com", "b.com"],
			"results_count": 12,
			"timestamp": "2026-01-02T10:00:00Z",
			"tool_calls": [{"tool": "web_search", "input": {"q": "x"}, "output_preview": "..."}]
		}
	}`)

	flatEvent := n.Normalize(flat)
	nestedEvent := n.Normalize(nested)
	if flatEvent == nil || nestedEvent == nil {
		t.Fatalf("expected both shapes to normalize, got %v and %v", flatEvent, nestedEvent)
	}
	if flatEvent.Type != events.TypeProgress {
		t.Fatalf("expected progress, got %s", flatEvent.Type)
	}
	if !reflect.DeepEqual(flatEvent.Progress, nestedEvent.Progress) {
		t.Errorf("flat and nested progress differ:\nflat:   %+v\nnested: %+v", flatEvent.Progress, nestedEvent.Progress)
	}
	if flatEvent.Progress.ResultsCount == nil || *flatEvent.Progress.ResultsCount != 12 {
		t.Errorf("expected results_count 12, got %v", flatEvent.Progress.ResultsCount)
	}
}

func TestNormalizeNestedFieldWinsOverRoot(t *testing.T) {
	n := testNormalizer()

	event := n.Normalize(decode(t, `{
		"type": "progress",
		"message": "stale root message",
		"data": {"agent": "synthesis", "status": "analyzing", "message": "nested message"}
	}`))
	if event == nil {
		t.Fatal("expected event")
	}
	if event.Progress.Message != "nested message" {
		t.Errorf("expected nested field to win, got %q", event.Progress.Message)
	}
}

func TestNormalizeSingularToolCall(t *testing.T) {
	n := testNormalizer()

	object := n.Normalize(decode(t, `{
		"type": "progress",
		"agent": "sub_research", "status": "searching", "message": "m",
		"tool_call": {"tool": "web_search"}
	}`))
	list := n.Normalize(decode(t, `{
		"type": "progress",
		"agent": "sub_research", "status": "searching", "message": "m",
		"tool_call": [{"tool": "web_search"}, {"tool": "fetch_page"}]
	}`))

	if object == nil || len(object.Progress.ToolCalls) != 1 {
		t.Fatalf("singular object: expected 1 tool call, got %+v", object)
	}
	if list == nil || len(list.Progress.ToolCalls) != 2 {
		t.Fatalf("singular list: expected 2 tool calls, got %+v", list)
	}
	if list.Progress.ToolCalls[1].Tool != "fetch_page" {
		t.Errorf("expected fetch_page, got %q", list.Progress.ToolCalls[1].Tool)
	}
}

func TestNormalizeCitationRemap(t *testing.T) {
	n := testNormalizer()

	event := n.Normalize(decode(t, `{
		"type": "report",
		"data": {
			"thread_id": "t1",
			"summary": "summary",
			"claim_a": {"stance": "left", "title": "A"},
			"claim_b": {"stance": "right", "title": "B"},
			"citations": [
				{"id": "c1", "source": "Old Times", "perspective": "left", "claim": "old snippet"},
				{"id": "c2", "source_name": "New Post", "ideological_lean": "right", "snippet": "new snippet"},
				{"id": "c3", "source_name": "Wire Service", "title": "T"}
			]
		}
	}`))
	if event == nil || event.Type != events.TypeReport {
		t.Fatalf("expected report event, got %+v", event)
	}

	citations := event.Report.Citations
	if len(citations) != 3 {
		t.Fatalf("expected 3 citations, got %d", len(citations))
	}

	if citations[0].SourceName != "Old Times" || citations[0].Snippet != "old snippet" || citations[0].IdeologicalLean != events.LeanLeft {
		t.Errorf("legacy field names not remapped: %+v", citations[0])
	}
	if citations[1].SourceName != "New Post" || citations[1].Snippet != "new snippet" || citations[1].IdeologicalLean != events.LeanRight {
		t.Errorf("current field names mishandled: %+v", citations[1])
	}
	if citations[2].IdeologicalLean != events.LeanNeutral {
		t.Errorf("expected neutral default lean, got %q", citations[2].IdeologicalLean)
	}
}

func TestNormalizeUntaggedProgressFallback(t *testing.T) {
	n := testNormalizer()

	flat := n.Normalize(decode(t, `{"agent": "supervisor", "status": "analyzing", "message": "deciding"}`))
	if flat == nil || flat.Type != events.TypeProgress {
		t.Fatalf("expected untagged flat payload to normalize as progress, got %+v", flat)
	}

	nested := n.Normalize(decode(t, `{"data": {"agent": "supervisor", "status": "analyzing", "message": "deciding"}}`))
	if nested == nil || nested.Type != events.TypeProgress {
		t.Fatalf("expected untagged nested payload to normalize as progress, got %+v", nested)
	}

	if got := n.Normalize(decode(t, `{"foo": "bar"}`)); got != nil {
		t.Errorf("expected unrecognized untagged payload to drop, got %+v", got)
	}
}

func TestNormalizeClarificationAlias(t *testing.T) {
	n := testNormalizer()

	for _, tag := range []string{"clarification", "clarification_needed"} {
		event := n.Normalize(map[string]any{
			"type": tag,
			"data": map[string]any{
				"thread_id":     "t1",
				"refined_query": "what exactly?",
				"questions":     []any{"q1", "q2"},
			},
		})
		if event == nil || event.Type != events.TypeClarification {
			t.Fatalf("tag %q: expected clarification event, got %+v", tag, event)
		}
		if event.Clarification.RefinedQuery != "what exactly?" {
			t.Errorf("tag %q: wrong refined query %q", tag, event.Clarification.RefinedQuery)
		}
		if len(event.Clarification.Questions) != 2 {
			t.Errorf("tag %q: expected 2 questions, got %d", tag, len(event.Clarification.Questions))
		}
	}
}

func TestNormalizeDropsMissingRequiredFields(t *testing.T) {
	n := testNormalizer()

	tests := []struct {
		name string
		raw  string
	}{
		{"nil payload", ""},
		{"unknown type", `{"type": "telemetry"}`},
		{"thread without id", `{"type": "thread", "query_id": "q1"}`},
		{"progress without message", `{"type": "progress", "agent": "synthesis", "status": "analyzing"}`},
		{"clarification without refined query", `{"type": "clarification", "data": {"thread_id": "t1"}}`},
		{"report without summary", `{"type": "report", "data": {"thread_id": "t1"}}`},
		{"error without code", `{"type": "error", "message": "boom"}`},
		{"done without thread id", `{"type": "done", "success": true}`},
		{"followup without answer", `{"type": "followup_answer", "data": {"citations": ["a"]}}`},
		{"sub_queries empty", `{"type": "sub_queries", "data": {"cycle": 1, "sub_queries": []}}`},
		{"draft without angle", `{"type": "draft", "data": {"summary": "s"}}`},
		{"supervisor without decision", `{"type": "supervisor_decision", "data": {"cycle": 2}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw map[string]any
			if tt.raw != "" {
				raw = decode(t, tt.raw)
			}
			if got := n.Normalize(raw); got != nil {
				t.Errorf("expected drop, got %+v", got)
			}
		})
	}
}

func TestNormalizeStructuredEvents(t *testing.T) {
	n := testNormalizer()

	sq := n.Normalize(decode(t, `{
		"type": "sub_queries",
		"data": {"cycle": 2, "sub_queries": [
			{"id": "s1", "angle": "left", "query": "q-left"},
			{"id": "s2", "angle": "right", "query": "q-right"}
		]}
	}`))
	if sq == nil || sq.Type != events.TypeSubQueries {
		t.Fatalf("expected sub_queries event, got %+v", sq)
	}
	if sq.SubQueries.Cycle != 2 || len(sq.SubQueries.SubQueries) != 2 {
		t.Errorf("sub_queries payload mismatch: %+v", sq.SubQueries)
	}

	decision := n.Normalize(decode(t, `{
		"type": "supervisor_decision",
		"decision": "continue",
		"cycle": 1,
		"reasoning": "coverage gaps",
		"drafts_collected": 3,
		"new_sub_queries_count": 2
	}`))
	if decision == nil || decision.Type != events.TypeSupervisorDecision {
		t.Fatalf("expected supervisor_decision event, got %+v", decision)
	}
	sd := decision.SupervisorDecision
	if sd.Decision != events.DecisionContinue || sd.DraftsCollected != 3 {
		t.Errorf("supervisor_decision payload mismatch: %+v", sd)
	}
	if sd.NewSubQueriesCount == nil || *sd.NewSubQueriesCount != 2 {
		t.Errorf("expected new_sub_queries_count 2, got %v", sd.NewSubQueriesCount)
	}

	errEvent := n.Normalize(decode(t, `{
		"type": "error",
		"data": {"code": "RATE_LIMITED", "message": "quota exhausted", "recoverable": false}
	}`))
	if errEvent == nil || errEvent.Type != events.TypeError {
		t.Fatalf("expected error event, got %+v", errEvent)
	}
	if errEvent.Error.Code != events.CodeRateLimited || errEvent.Error.Recoverable {
		t.Errorf("error payload mismatch: %+v", errEvent.Error)
	}
}
