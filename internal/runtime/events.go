package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// RuntimeEventsFileName is the per-cycle runtime event log.
const RuntimeEventsFileName = "runtime-events.jsonl"

// Cycle reason codes emitted into the runtime event log.
const (
	ReasonHealthyCycle          = "healthy_cycle"
	ReasonQueueBackpressure     = "queue_backpressure_applied"
	ReasonDuplicatesSkipped     = "duplicate_events_skipped"
	ReasonRetryAttempted        = "retry_attempted"
	ReasonTransientFailures     = "transient_failures_observed"
	ReasonEventProcessingFailed = "event_processing_failed"
	ReasonPairingPermissive     = "pairing_policy_permissive"
	ReasonPairingEnforced       = "pairing_policy_enforced"
	ReasonPairingDeniedEvents   = "pairing_policy_denied_events"
)

// CycleRecord is one appended runtime event log line, written exactly once
// per cycle.
type CycleRecord struct {
	RecordType      string      `json:"record_type"`
	TimestampUnixMS int64       `json:"timestamp_unix_ms"`
	Cycle           int64       `json:"cycle"`
	Discovered      int         `json:"discovered"`
	Processed       int         `json:"processed"`
	Completed       int         `json:"completed"`
	Failed          int         `json:"failed"`
	Duplicates      int         `json:"duplicates"`
	Deferred        int         `json:"deferred"`
	Retries         int         `json:"retries"`
	ReasonCodes     []string    `json:"reason_codes"`
	HealthReason    string      `json:"health_reason"`
	HealthState     HealthState `json:"health_state"`
	RolloutGate     RolloutGate `json:"rollout_gate"`
}

// cycleFlags collects the per-event observations that become cycle reason
// codes.
type cycleFlags struct {
	transientObserved bool
	pairingPermissive bool
	pairingEnforced   bool
	pairingDenied     bool
}

// cycleReasonCodes derives the canonical reason code list for one cycle. The
// health reason is the first entry.
func cycleReasonCodes(stats CycleStats, flags cycleFlags) []string {
	var codes []string
	if stats.Failed > 0 {
		codes = append(codes, ReasonEventProcessingFailed)
	} else {
		codes = append(codes, ReasonHealthyCycle)
	}
	if stats.Deferred > 0 {
		codes = append(codes, ReasonQueueBackpressure)
	}
	if stats.Duplicates > 0 {
		codes = append(codes, ReasonDuplicatesSkipped)
	}
	if stats.Retries > 0 {
		codes = append(codes, ReasonRetryAttempted)
	}
	if flags.transientObserved {
		codes = append(codes, ReasonTransientFailures)
	}
	if flags.pairingPermissive {
		codes = append(codes, ReasonPairingPermissive)
	}
	if flags.pairingEnforced {
		codes = append(codes, ReasonPairingEnforced)
	}
	if flags.pairingDenied {
		codes = append(codes, ReasonPairingDeniedEvents)
	}
	return codes
}

// EventLog appends cycle records to <state>/runtime-events.jsonl.
type EventLog struct {
	path string
}

// NewEventLog creates an event log rooted at the state dir.
func NewEventLog(stateDir string) *EventLog {
	return &EventLog{path: filepath.Join(stateDir, RuntimeEventsFileName)}
}

// Path returns the log file path.
func (l *EventLog) Path() string { return l.path }

// Append writes one cycle record as a JSONL line.
func (l *EventLog) Append(record CycleRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal cycle record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create runtime event dir: %w", err)
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open runtime event log %s: %w", l.path, err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append runtime event log %s: %w", l.path, err)
	}
	return nil
}
