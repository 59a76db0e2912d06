// Package wire converts raw server-sent payloads into canonical events.
//
// The backend's wire format has drifted across releases: payloads are tagged
// or untagged, fields live flat at the root or nested under "data", tool
// calls appear under a singular or plural key, and citation fields have been
// renamed twice. Supporting all of these shapes is a backward-compatibility
// contract, not legacy debt; the normalizer is the single place that knows
// about any of it.
package wire

import (
	"log/slog"

	"github.com/dialectiq/research-gateway/internal/events"
	"github.com/dialectiq/research-gateway/internal/logger"
	"github.com/dialectiq/research-gateway/internal/metrics"
)

// Type tags accepted on the wire. "clarification_needed" is the older alias
// still emitted by some backend releases.
const (
	tagThread              = "thread"
	tagProgress            = "progress"
	tagClarification       = "clarification"
	tagClarificationNeeded = "clarification_needed"
	tagReport              = "report"
	tagError               = "error"
	tagDone                = "done"
	tagFollowupAnswer      = "followup_answer"
	tagSubQueries          = "sub_queries"
	tagDraft               = "draft"
	tagSupervisorDecision  = "supervisor_decision"
)

// Normalizer maps raw payloads to canonical events. It never panics on
// malformed input; unusable payloads are dropped after a diagnostic log.
type Normalizer struct {
	log *logger.Logger
}

// NewNormalizer creates a normalizer reporting drops to the given logger.
func NewNormalizer(log *logger.Logger) *Normalizer {
	return &Normalizer{log: log.WithComponent("wire")}
}

// Normalize converts one raw payload into a canonical event, or nil to drop.
func (n *Normalizer) Normalize(raw map[string]any) *events.Event {
	if raw == nil {
		return n.drop("empty_payload", "")
	}

	tag, _ := raw["type"].(string)
	data := nested(raw)

	var event *events.Event
	switch tag {
	case tagThread:
		event = n.normalizeThread(data, raw)
	case tagProgress:
		event = n.normalizeProgress(data, raw)
	case tagClarification, tagClarificationNeeded:
		event = n.normalizeClarification(data, raw)
	case tagReport:
		event = n.normalizeReport(data, raw)
	case tagError:
		event = n.normalizeError(data, raw)
	case tagDone:
		event = n.normalizeDone(data, raw)
	case tagFollowupAnswer:
		event = n.normalizeFollowupAnswer(data, raw)
	case tagSubQueries:
		event = n.normalizeSubQueries(data, raw)
	case tagDraft:
		event = n.normalizeDraft(data, raw)
	case tagSupervisorDecision:
		event = n.normalizeSupervisorDecision(data, raw)
	case "":
		// Untagged payloads predate the type tag. If the shape matches a
		// progress update (flat or nested) it is treated as one; this
		// fallback is part of the contract, not an error path.
		event = n.normalizeProgress(data, raw)
		if event == nil {
			return n.drop("untagged_unrecognized", tag)
		}
	default:
		return n.drop("unknown_type", tag)
	}

	if event == nil {
		return n.drop("missing_required_fields", tag)
	}

	metrics.PayloadsNormalized.WithLabelValues(string(event.Type)).Inc()
	return event
}

// drop records a discarded payload and returns nil.
func (n *Normalizer) drop(reason, tag string) *events.Event {
	metrics.PayloadsDropped.WithLabelValues(reason).Inc()
	n.log.Debug("dropped wire payload",
		slog.String("reason", reason),
		slog.String("type", tag))
	return nil
}

func (n *Normalizer) normalizeThread(data, root map[string]any) *events.Event {
	threadID := pickString(data, root, "thread_id")
	if threadID == "" {
		return nil
	}
	return &events.Event{
		Type: events.TypeThread,
		Thread: &events.ThreadData{
			ThreadID: threadID,
			QueryID:  pickString(data, root, "query_id"),
		},
	}
}

func (n *Normalizer) normalizeProgress(data, root map[string]any) *events.Event {
	progress := ProgressFromFields(data, root)
	if progress == nil {
		return nil
	}
	return &events.Event{Type: events.TypeProgress, Progress: progress}
}

// ProgressFromFields resolves a progress payload from nested/root field maps.
// The timeline builder reuses this for persisted agent messages, whose
// content appears in the same two historical shapes as the live wire.
// Returns nil when agent, status, or message is missing.
func ProgressFromFields(data, root map[string]any) *events.ProgressData {
	agent := pickString(data, root, "agent")
	status := pickString(data, root, "status")
	message := pickString(data, root, "message")
	if agent == "" || status == "" || message == "" {
		return nil
	}

	progress := &events.ProgressData{
		Agent:           agent,
		Status:          status,
		Message:         message,
		ToolCalls:       normalizeToolCalls(data, root),
		SourcesSearched: pickStringSlice(data, root, "sources_searched"),
		Timestamp:       pickString(data, root, "timestamp"),
		Details:         pickMap(data, root, "details"),
	}
	if count, ok := pickInt(data, root, "results_count"); ok {
		progress.ResultsCount = &count
	}
	return progress
}

// normalizeToolCalls accepts the plural field, or the legacy singular field
// carrying either a single object or a list.
func normalizeToolCalls(data, root map[string]any) []events.ToolCall {
	raw := pickSlice(data, root, "tool_calls")
	if raw == nil {
		if v, ok := pickFirst(data, root, "tool_call"); ok {
			switch tc := v.(type) {
			case []any:
				raw = tc
			case map[string]any:
				raw = []any{tc}
			}
		}
	}
	if raw == nil {
		return nil
	}

	calls := make([]events.ToolCall, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		call := events.ToolCall{
			Tool:          stringOf(m, "tool"),
			OutputPreview: stringOf(m, "output_preview"),
		}
		if input, ok := m["input"].(map[string]any); ok {
			call.Input = input
		}
		calls = append(calls, call)
	}
	return calls
}

func (n *Normalizer) normalizeClarification(data, root map[string]any) *events.Event {
	refined := pickString(data, root, "refined_query")
	if refined == "" {
		return nil
	}
	return &events.Event{
		Type: events.TypeClarification,
		Clarification: &events.ClarificationData{
			ThreadID:     pickString(data, root, "thread_id"),
			RefinedQuery: refined,
			Questions:    pickStringSlice(data, root, "questions"),
			Suggestions:  pickStringSlice(data, root, "suggestions"),
		},
	}
}

func (n *Normalizer) normalizeReport(data, root map[string]any) *events.Event {
	summary := pickString(data, root, "summary")
	if summary == "" {
		return nil
	}

	report := &events.ReportData{
		ThreadID:      pickString(data, root, "thread_id"),
		Summary:       summary,
		ClaimA:        normalizeClaim(pickMap(data, root, "claim_a")),
		ClaimB:        normalizeClaim(pickMap(data, root, "claim_b")),
		Agreements:    pickStringSlice(data, root, "agreements"),
		Uncertainties: pickStringSlice(data, root, "uncertainties"),
	}

	for _, v := range pickSlice(data, root, "disagreements") {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		report.Disagreements = append(report.Disagreements, events.Disagreement{
			Topic:         stringOf(m, "topic"),
			LeftPosition:  stringOf(m, "left_position"),
			RightPosition: stringOf(m, "right_position"),
			Reason:        stringOf(m, "reason"),
		})
	}

	for _, v := range pickSlice(data, root, "citations") {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		report.Citations = append(report.Citations, normalizeCitation(m))
	}

	if meta := pickMap(data, root, "metadata"); meta != nil {
		report.Metadata = &events.ReportMetadata{
			SourcesSearched:  intOf(meta, "sources_searched"),
			TotalResults:     intOf(meta, "total_results"),
			CitationScore:    floatOf(meta, "citation_score"),
			ProcessingTimeMS: intOf(meta, "processing_time_ms"),
		}
	}

	return &events.Event{Type: events.TypeReport, Report: report}
}

func normalizeClaim(m map[string]any) events.ClaimData {
	if m == nil {
		return events.ClaimData{}
	}
	claim := events.ClaimData{
		Stance: stringOf(m, "stance"),
		Title:  stringOf(m, "title"),
	}
	if raw, ok := m["evidence"].([]any); ok {
		for _, v := range raw {
			em, ok := v.(map[string]any)
			if !ok {
				continue
			}
			claim.Evidence = append(claim.Evidence, events.EvidenceItem{
				Claim:      stringOf(em, "claim"),
				Source:     stringOf(em, "source"),
				URL:        stringOf(em, "url"),
				Confidence: floatOf(em, "confidence"),
			})
		}
	}
	return claim
}

// normalizeCitation remaps citation records field by field. Upstream renamed
// these keys across releases, so each canonical field resolves from an
// ordered list of historical names.
func normalizeCitation(m map[string]any) events.Citation {
	lean := stringOf(m, "ideological_lean", "perspective")
	if lean == "" {
		lean = string(events.LeanNeutral)
	}
	return events.Citation{
		ID:              stringOf(m, "id"),
		SourceName:      stringOf(m, "source_name", "source"),
		Title:           stringOf(m, "title"),
		URL:             stringOf(m, "url"),
		PublishedDate:   stringOf(m, "published_date"),
		IdeologicalLean: events.IdeologicalLean(lean),
		Snippet:         stringOf(m, "snippet", "claim"),
	}
}

func (n *Normalizer) normalizeError(data, root map[string]any) *events.Event {
	code := pickString(data, root, "code")
	message := pickString(data, root, "message")
	if code == "" || message == "" {
		return nil
	}
	return &events.Event{
		Type: events.TypeError,
		Error: &events.ErrorData{
			Code:        events.ErrorCode(code),
			Message:     message,
			Details:     pickString(data, root, "details"),
			Recoverable: pickBool(data, root, "recoverable"),
			ThreadID:    pickString(data, root, "thread_id"),
		},
	}
}

func (n *Normalizer) normalizeDone(data, root map[string]any) *events.Event {
	threadID := pickString(data, root, "thread_id")
	if threadID == "" {
		return nil
	}
	return &events.Event{
		Type: events.TypeDone,
		Done: &events.DoneData{
			ThreadID: threadID,
			QueryID:  pickString(data, root, "query_id"),
			Success:  pickBool(data, root, "success"),
		},
	}
}

func (n *Normalizer) normalizeFollowupAnswer(data, root map[string]any) *events.Event {
	followup := FollowupAnswerFromFields(data, root)
	if followup == nil {
		return nil
	}
	return &events.Event{Type: events.TypeFollowupAnswer, FollowupAnswer: followup}
}

// FollowupAnswerFromFields resolves a follow-up answer payload. Returns nil
// when the answer text is missing.
func FollowupAnswerFromFields(data, root map[string]any) *events.FollowupAnswerData {
	answer := pickString(data, root, "answer")
	if answer == "" {
		return nil
	}
	return &events.FollowupAnswerData{
		Answer:    answer,
		Citations: pickStringSlice(data, root, "citations"),
	}
}

func (n *Normalizer) normalizeSubQueries(data, root map[string]any) *events.Event {
	subQueries := SubQueriesFromFields(data, root)
	if subQueries == nil {
		return nil
	}
	return &events.Event{Type: events.TypeSubQueries, SubQueries: subQueries}
}

// SubQueriesFromFields resolves a planned sub-queries payload. Returns nil
// when no usable sub-query records are present.
func SubQueriesFromFields(data, root map[string]any) *events.SubQueriesData {
	raw := pickSlice(data, root, "sub_queries")
	if len(raw) == 0 {
		return nil
	}

	subQueries := make([]events.SubQuery, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		subQueries = append(subQueries, events.SubQuery{
			ID:    stringOf(m, "id"),
			Angle: stringOf(m, "angle"),
			Query: stringOf(m, "query"),
		})
	}
	if len(subQueries) == 0 {
		return nil
	}

	cycle, _ := pickInt(data, root, "cycle")
	return &events.SubQueriesData{Cycle: cycle, SubQueries: subQueries}
}

func (n *Normalizer) normalizeDraft(data, root map[string]any) *events.Event {
	draft := DraftFromFields(data, root)
	if draft == nil {
		return nil
	}
	return &events.Event{Type: events.TypeDraft, Draft: draft}
}

// DraftFromFields resolves a draft payload. Returns nil when the angle is
// missing.
func DraftFromFields(data, root map[string]any) *events.DraftData {
	angle := pickString(data, root, "angle")
	if angle == "" {
		return nil
	}
	sourcesCount, _ := pickInt(data, root, "sources_count")
	return &events.DraftData{
		Angle:        angle,
		SubQuery:     pickString(data, root, "sub_query"),
		Summary:      pickString(data, root, "summary"),
		SourcesCount: sourcesCount,
		KeyFindings:  pickStringSlice(data, root, "key_findings"),
	}
}

func (n *Normalizer) normalizeSupervisorDecision(data, root map[string]any) *events.Event {
	decision := SupervisorDecisionFromFields(data, root)
	if decision == nil {
		return nil
	}
	return &events.Event{Type: events.TypeSupervisorDecision, SupervisorDecision: decision}
}

// SupervisorDecisionFromFields resolves a supervisor decision payload.
// Returns nil when the decision is missing.
func SupervisorDecisionFromFields(data, root map[string]any) *events.SupervisorDecisionData {
	decision := pickString(data, root, "decision")
	if decision == "" {
		return nil
	}

	cycle, _ := pickInt(data, root, "cycle")
	draftsCollected, _ := pickInt(data, root, "drafts_collected")
	supervisorDecision := &events.SupervisorDecisionData{
		Decision:        decision,
		Cycle:           cycle,
		Reasoning:       pickString(data, root, "reasoning"),
		DraftsCollected: draftsCollected,
	}
	if count, ok := pickInt(data, root, "new_sub_queries_count"); ok {
		supervisorDecision.NewSubQueriesCount = &count
	}
	return supervisorDecision
}

// NestedData exposes the payload's "data" object for callers that resolve
// persisted message content with the same flat-or-nested rules as the wire.
func NestedData(raw map[string]any) map[string]any {
	return nested(raw)
}
