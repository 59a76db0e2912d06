package session

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dialectiq/research-gateway/internal/events"
	"github.com/dialectiq/research-gateway/internal/logger"
	"github.com/dialectiq/research-gateway/internal/stream"
	"github.com/dialectiq/research-gateway/internal/thread"
	"github.com/dialectiq/research-gateway/internal/wire"
)

func testManager(baseURL string) *Manager {
	log := logger.New(logger.Config{Level: slog.LevelError})
	consumer := stream.NewConsumer(baseURL, nil, wire.NewNormalizer(log), nil, log)
	return NewManager(consumer, log)
}

func writeFrame(w http.ResponseWriter, payload map[string]any) {
	encoded, _ := json.Marshal(payload)
	w.Write([]byte("data: " + string(encoded) + "\n\n"))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartResearchRunsToCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, map[string]any{"type": "thread", "thread_id": "t1", "query_id": "q1"})
		writeFrame(w, map[string]any{"type": "progress", "agent": "synthesis", "status": "analyzing", "message": "m"})
		writeFrame(w, map[string]any{"type": "report", "data": map[string]any{"thread_id": "t1", "summary": "done"}})
	}))
	defer srv.Close()

	m := testManager(srv.URL)
	s := m.StartResearch("q")
	defer m.Remove(s.ID)

	waitFor(t, func() bool {
		return s.Snapshot().Status == thread.StatusComplete
	}, "session never completed")

	state := s.Snapshot()
	if state.ThreadID != "t1" || state.QueryID != "q1" {
		t.Errorf("thread ids not recorded: %+v", state)
	}
	if report := state.Report(); report == nil || report.Summary != "done" {
		t.Errorf("report missing from state: %+v", report)
	}

	// The thread alias must resolve to the same session.
	if byThread, ok := m.GetByThread("t1"); !ok || byThread.ID != s.ID {
		t.Error("thread alias lookup failed")
	}
}

func TestNewSubmissionCancelsPriorStream(t *testing.T) {
	// The first stream hangs after its thread event; the follow-up stream
	// answers immediately. The canceled first stream must not leave any
	// error on the session.
	firstStarted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req stream.Request
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "text/event-stream")

		if req.Query == "slow" {
			writeFrame(w, map[string]any{"type": "thread", "thread_id": "t1", "query_id": "q1"})
			close(firstStarted)
			<-r.Context().Done()
			return
		}

		writeFrame(w, map[string]any{"type": "followup_answer", "answer": "quick answer"})
		writeFrame(w, map[string]any{"type": "done", "thread_id": "t1", "success": true})
	}))
	defer srv.Close()

	m := testManager(srv.URL)
	s := m.StartResearch("slow")
	defer m.Remove(s.ID)

	<-firstStarted
	waitFor(t, func() bool {
		return s.Snapshot().ThreadID == "t1"
	}, "first stream never delivered its thread event")

	if !m.StartFollowup(s.ID, "what else?") {
		t.Fatal("StartFollowup refused")
	}

	waitFor(t, func() bool {
		return s.Snapshot().Status == thread.StatusComplete
	}, "follow-up never completed")

	state := s.Snapshot()
	if state.Error != nil {
		t.Errorf("canceled stream leaked an error into the session: %+v", state.Error)
	}
	last := state.Events[len(state.Events)-1]
	if last.Type != events.TypeFollowupAnswer || last.FollowupAnswer.Answer != "quick answer" {
		t.Errorf("expected follow-up answer last, got %+v", last)
	}
}

func TestResetClearsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, map[string]any{"type": "thread", "thread_id": "t1", "query_id": "q1"})
		<-r.Context().Done()
	}))
	defer srv.Close()

	m := testManager(srv.URL)
	s := m.StartResearch("q")
	defer m.Remove(s.ID)

	waitFor(t, func() bool {
		return s.Snapshot().ThreadID == "t1"
	}, "stream never delivered its thread event")

	m.Reset(s.ID)

	state := s.Snapshot()
	if state.Status != thread.StatusIdle || len(state.Events) != 0 || state.ThreadID != "" {
		t.Errorf("reset did not return to zero: %+v", state)
	}
	if _, ok := m.GetByThread("t1"); ok {
		t.Error("thread alias must be cleared on reset")
	}
}

func TestSubmitClarificationResumesWithOriginalQuery(t *testing.T) {
	requests := make(chan stream.Request, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req stream.Request
		json.NewDecoder(r.Body).Decode(&req)
		requests <- req

		w.Header().Set("Content-Type", "text/event-stream")
		if req.ClarificationResponse == "" {
			writeFrame(w, map[string]any{"type": "thread", "thread_id": "t1"})
			writeFrame(w, map[string]any{
				"type": "clarification",
				"data": map[string]any{"thread_id": "t1", "refined_query": "which era?"},
			})
			return
		}
		writeFrame(w, map[string]any{"type": "report", "data": map[string]any{"summary": "s"}})
	}))
	defer srv.Close()

	m := testManager(srv.URL)
	s := m.StartResearch("history of jazz")
	defer m.Remove(s.ID)

	waitFor(t, func() bool {
		return s.Snapshot().Status == thread.StatusClarifying
	}, "session never reached clarifying")

	if !m.SubmitClarification(s.ID, "bebop era") {
		t.Fatal("SubmitClarification refused")
	}

	waitFor(t, func() bool {
		return s.Snapshot().Status == thread.StatusComplete
	}, "session never completed after clarification")

	<-requests // initial
	second := <-requests
	if second.Query != "history of jazz" {
		t.Errorf("resubmission must carry the original query, got %q", second.Query)
	}
	if second.ClarificationResponse != "bebop era" {
		t.Errorf("resubmission must carry the answer, got %q", second.ClarificationResponse)
	}
	if second.ThreadID != "t1" {
		t.Errorf("resubmission must carry the thread id, got %q", second.ThreadID)
	}
}
