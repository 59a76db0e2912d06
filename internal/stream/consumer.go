// Package stream pulls canonical events out of a live research stream.
//
// The backend answers a research POST with a text/event-stream body. The
// consumer reads it incrementally, splits SSE framing, and hands each data
// payload to the wire normalizer, exposing the result as a lazy, pull-based
// event sequence. Connection-level failures become exactly one synthetic
// error event; per-line parse failures are dropped and never end the stream.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dialectiq/research-gateway/internal/events"
	"github.com/dialectiq/research-gateway/internal/logger"
	"github.com/dialectiq/research-gateway/internal/metrics"
	"github.com/dialectiq/research-gateway/internal/wire"
)

const dataPrefix = "data: "

// TokenProvider supplies the bearer token for authenticated requests.
// A nil provider or empty token means the request goes out unauthenticated.
type TokenProvider func() string

// Request is the research request body: a fresh query, or a continuation of
// an existing thread carrying its id and/or a clarification answer.
type Request struct {
	Query                 string `json:"query"`
	ThreadID              string `json:"thread_id,omitempty"`
	ClarificationResponse string `json:"clarification_response,omitempty"`
}

// Consumer opens research streams against the backend.
type Consumer struct {
	baseURL    string
	httpClient *http.Client
	normalizer *wire.Normalizer
	token      TokenProvider
	log        *logger.Logger
}

// NewConsumer creates a stream consumer. httpClient may be nil, in which
// case http.DefaultClient is used (no timeout: a stalled stream is the
// transport's problem, not ours).
func NewConsumer(baseURL string, httpClient *http.Client, normalizer *wire.Normalizer, token TokenProvider, log *logger.Logger) *Consumer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Consumer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		normalizer: normalizer,
		token:      token,
		log:        log.WithComponent("stream"),
	}
}

// Stream returns a cold event stream for the request. No network activity
// happens until the first Next call. The stream must be pulled from a single
// goroutine; Close releases the underlying connection.
func (c *Consumer) Stream(ctx context.Context, req Request) *EventStream {
	return &EventStream{
		ctx:      ctx,
		consumer: c,
		request:  req,
	}
}

// EventStream is a lazy sequence of canonical events. Next blocks on network
// reads and returns false once the stream has ended.
type EventStream struct {
	ctx      context.Context
	consumer *Consumer
	request  Request

	started bool
	done    bool
	body    io.ReadCloser
	scanner *bufio.Scanner

	// A connection-level failure is delivered as a single synthetic event
	// before the stream ends.
	pendingError *events.Event
}

// Next returns the next canonical event. The first call opens the
// connection. It returns false when the stream is exhausted.
func (s *EventStream) Next() (events.Event, bool) {
	if s.done {
		return events.Event{}, false
	}
	if !s.started {
		s.started = true
		s.open()
	}

	if s.pendingError != nil {
		event := *s.pendingError
		s.pendingError = nil
		s.done = true
		return event, true
	}
	if s.scanner == nil {
		s.done = true
		return events.Event{}, false
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimSpace(line[len(dataPrefix):])
		if payload == "" {
			continue
		}

		var raw map[string]any
		if err := json.Unmarshal([]byte(payload), &raw); err != nil {
			// One bad line does not end the stream.
			metrics.PayloadsDropped.WithLabelValues("malformed_json").Inc()
			s.consumer.log.Debug("dropped malformed SSE line",
				slog.String("error", err.Error()),
				slog.Int("length", len(payload)))
			continue
		}

		if event := s.consumer.normalizer.Normalize(raw); event != nil {
			return *event, true
		}
	}

	if err := s.scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		// Mid-stream transport failure: the sequence just ends. Events
		// already delivered stand; no terminal error is synthesized on top
		// of them.
		s.consumer.log.Warn("stream read failed", slog.String("error", err.Error()))
	}

	s.done = true
	s.Close()
	return events.Event{}, false
}

// Close releases the underlying connection. Safe to call more than once.
func (s *EventStream) Close() {
	if s.body != nil {
		s.body.Close()
		s.body = nil
	}
}

// open performs the streaming POST and prepares the line scanner, or stages
// a single synthetic error event on connection-level failure.
func (s *EventStream) open() {
	metrics.StreamsStarted.Inc()

	body, err := json.Marshal(s.request)
	if err != nil {
		s.failConnect(fmt.Sprintf("failed to encode request: %v", err))
		return
	}

	httpReq, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.consumer.baseURL+"/api/research", bytes.NewReader(body))
	if err != nil {
		s.failConnect(err.Error())
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if s.consumer.token != nil {
		if token := s.consumer.token(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := s.consumer.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// An aborted request is not an error; the caller cancelled on
			// purpose and the sequence simply ends.
			s.done = true
			return
		}
		s.failConnect(err.Error())
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.failStatus(resp)
		return
	}

	if resp.Body == nil {
		metrics.StreamFailures.WithLabelValues(string(events.CodeInternalError)).Inc()
		s.pendingError = &events.Event{
			Type: events.TypeError,
			Error: &events.ErrorData{
				Code:        events.CodeInternalError,
				Message:     "No response body from backend",
				Recoverable: false,
			},
		}
		return
	}

	s.body = resp.Body
	s.scanner = bufio.NewScanner(resp.Body)
	s.scanner.Buffer(make([]byte, 64*1024), 1024*1024) // 64KB initial, 1MB max.
}

// failConnect stages the single INTERNAL_ERROR event for a connection that
// could not be established.
func (s *EventStream) failConnect(details string) {
	metrics.StreamFailures.WithLabelValues(string(events.CodeInternalError)).Inc()
	s.consumer.log.Warn("failed to connect to research backend", slog.String("error", details))
	s.pendingError = &events.Event{
		Type: events.TypeError,
		Error: &events.ErrorData{
			Code:        events.CodeInternalError,
			Message:     "Cannot connect to research backend",
			Details:     details,
			Recoverable: true,
		},
	}
}

// failStatus stages the single error event for a non-2xx response. A 403
// whose body mentions quota or rate limiting is the backend's freemium
// cutoff: surfaced as RATE_LIMITED and not recoverable in this session.
func (s *EventStream) failStatus(resp *http.Response) {
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))

	code := events.CodeResearchFailed
	recoverable := true
	if resp.StatusCode == http.StatusForbidden {
		lower := strings.ToLower(string(snippet))
		if strings.Contains(lower, "quota") || strings.Contains(lower, "rate") {
			code = events.CodeRateLimited
			recoverable = false
		}
	}

	metrics.StreamFailures.WithLabelValues(string(code)).Inc()
	s.consumer.log.Warn("research backend returned error status",
		slog.Int("status", resp.StatusCode),
		slog.String("code", string(code)))

	s.pendingError = &events.Event{
		Type: events.TypeError,
		Error: &events.ErrorData{
			Code:        code,
			Message:     fmt.Sprintf("Backend returned error: %d", resp.StatusCode),
			Details:     strings.TrimSpace(string(snippet)),
			Recoverable: recoverable,
		},
	}
}
