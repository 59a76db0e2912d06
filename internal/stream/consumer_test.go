package stream

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dialectiq/research-gateway/internal/events"
	"github.com/dialectiq/research-gateway/internal/logger"
	"github.com/dialectiq/research-gateway/internal/wire"
)

func testConsumer(baseURL string) *Consumer {
	log := logger.New(logger.Config{Level: slog.LevelError})
	return NewConsumer(baseURL, nil, wire.NewNormalizer(log), nil, log)
}

func collect(t *testing.T, es *EventStream) []events.Event {
	t.Helper()
	defer es.Close()

	var out []events.Event
	for {
		event, ok := es.Next()
		if !ok {
			return out
		}
		out = append(out, event)
	}
}

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/research" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			w.Write([]byte(line + "\n"))
		}
	}))
}

func TestStreamDeliversNormalizedEvents(t *testing.T) {
	srv := sseServer(t,
		`data: {"type": "thread", "thread_id": "t1", "query_id": "q1"}`,
		``,
		`data: {"type": "progress", "data": {"agent": "left_research", "status": "searching", "message": "m1"}}`,
		``,
		`data: {"type": "done", "thread_id": "t1", "success": true}`,
		``,
	)
	defer srv.Close()

	got := collect(t, testConsumer(srv.URL).Stream(context.Background(), Request{Query: "q"}))
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(got), got)
	}
	if got[0].Type != events.TypeThread || got[0].Thread.ThreadID != "t1" {
		t.Errorf("unexpected first event: %+v", got[0])
	}
	if got[1].Type != events.TypeProgress || got[1].Progress.Agent != "left_research" {
		t.Errorf("unexpected second event: %+v", got[1])
	}
	if got[2].Type != events.TypeDone || !got[2].Done.Success {
		t.Errorf("unexpected third event: %+v", got[2])
	}
}

func TestStreamSkipsMalformedLines(t *testing.T) {
	srv := sseServer(t,
		`data: {"type": "thread", "thread_id": "t1"}`,
		`data: {not json at all`,
		`: comment line`,
		`data: `,
		`data: {"type": "progress", "agent": "synthesis", "status": "analyzing", "message": "m"}`,
	)
	defer srv.Close()

	got := collect(t, testConsumer(srv.URL).Stream(context.Background(), Request{Query: "q"}))
	if len(got) != 2 {
		t.Fatalf("expected malformed lines to be skipped, got %d events: %+v", len(got), got)
	}
	if got[0].Type != events.TypeThread || got[1].Type != events.TypeProgress {
		t.Errorf("unexpected event types: %s, %s", got[0].Type, got[1].Type)
	}
}

func TestStreamConnectFailure(t *testing.T) {
	// Nothing listens here.
	got := collect(t, testConsumer("http://127.0.0.1:1").Stream(context.Background(), Request{Query: "q"}))

	if len(got) != 1 {
		t.Fatalf("expected exactly one synthetic error event, got %d", len(got))
	}
	errData := got[0].Error
	if got[0].Type != events.TypeError || errData == nil {
		t.Fatalf("expected error event, got %+v", got[0])
	}
	if errData.Code != events.CodeInternalError {
		t.Errorf("expected INTERNAL_ERROR, got %s", errData.Code)
	}
	if !errData.Recoverable {
		t.Error("connect failure should be recoverable")
	}
}

func TestStreamServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal failure", http.StatusInternalServerError)
	}))
	defer srv.Close()

	got := collect(t, testConsumer(srv.URL).Stream(context.Background(), Request{Query: "q"}))
	if len(got) != 1 {
		t.Fatalf("expected exactly one error event, got %d", len(got))
	}
	if got[0].Error.Code != events.CodeResearchFailed {
		t.Errorf("expected RESEARCH_FAILED, got %s", got[0].Error.Code)
	}
	if !got[0].Error.Recoverable {
		t.Error("server error should be recoverable")
	}
}

func TestStreamQuotaForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "daily quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	got := collect(t, testConsumer(srv.URL).Stream(context.Background(), Request{Query: "q"}))
	if len(got) != 1 {
		t.Fatalf("expected exactly one error event, got %d", len(got))
	}
	if got[0].Error.Code != events.CodeRateLimited {
		t.Errorf("expected RATE_LIMITED, got %s", got[0].Error.Code)
	}
	if got[0].Error.Recoverable {
		t.Error("quota cutoff should not be recoverable")
	}
}

func TestStreamPlainForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	got := collect(t, testConsumer(srv.URL).Stream(context.Background(), Request{Query: "q"}))
	if len(got) != 1 || got[0].Error.Code != events.CodeResearchFailed {
		t.Fatalf("403 without quota wording should be RESEARCH_FAILED, got %+v", got)
	}
}

func TestStreamAbortIsSilent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := sseServer(t, `data: {"type": "thread", "thread_id": "t1"}`)
	defer srv.Close()

	got := collect(t, testConsumer(srv.URL).Stream(ctx, Request{Query: "q"}))
	if len(got) != 0 {
		t.Fatalf("aborted stream must end without events, got %+v", got)
	}
}

func TestStreamSendsAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer srv.Close()

	log := logger.New(logger.Config{Level: slog.LevelError})
	consumer := NewConsumer(srv.URL, nil, wire.NewNormalizer(log), func() string { return "secret" }, log)
	collect(t, consumer.Stream(context.Background(), Request{Query: "q"}))

	if gotAuth != "Bearer secret" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
}
