package routing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

// RouteTraceFileName is the per-state route trace log.
const RouteTraceFileName = "route-traces.jsonl"

// TraceRecord is one appended route resolution. Every resolution is traced,
// matched or not, so fallback routing stays auditable.
type TraceRecord struct {
	RecordType      string `json:"record_type"`
	TimestampUnixMS int64  `json:"timestamp_unix_ms"`
	EventKey        string `json:"event_key"`
	Transport       string `json:"transport"`
	ConversationID  string `json:"conversation_id"`
	ActorID         string `json:"actor_id"`
	BindingID       string `json:"binding_id"`
	BindingMatched  bool   `json:"binding_matched"`
	Phase           Phase  `json:"phase"`
	AccountID       string `json:"account_id"`
	CategoryHint    string `json:"category_hint,omitempty"`
	SessionKey      string `json:"session_key"`
}

// NewTraceRecord builds the trace payload for one resolved route.
func NewTraceRecord(event *contract.InboundEvent, decision Decision, nowUnixMS int64) TraceRecord {
	return TraceRecord{
		RecordType:      "route_trace_v1",
		TimestampUnixMS: nowUnixMS,
		EventKey:        event.Key(),
		Transport:       string(event.Transport),
		ConversationID:  strings.TrimSpace(event.ConversationID),
		ActorID:         strings.TrimSpace(event.ActorID),
		BindingID:       decision.BindingID,
		BindingMatched:  decision.Matched,
		Phase:           decision.Phase,
		AccountID:       decision.AccountID,
		CategoryHint:    decision.CategoryHint,
		SessionKey:      decision.SessionKey,
	}
}

// TraceWriter appends route traces to <state>/route-traces.jsonl.
type TraceWriter struct {
	path string
}

// NewTraceWriter creates a trace writer rooted at the state dir.
func NewTraceWriter(stateDir string) *TraceWriter {
	return &TraceWriter{path: filepath.Join(stateDir, RouteTraceFileName)}
}

// Path returns the trace file path.
func (w *TraceWriter) Path() string { return w.path }

// Append writes one trace record as a JSONL line.
func (w *TraceWriter) Append(record TraceRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal route trace: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create route trace dir: %w", err)
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open route trace %s: %w", w.path, err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append route trace %s: %w", w.path, err)
	}
	return nil
}
