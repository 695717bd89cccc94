package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
	"github.com/nextlevelbuilder/relaybot/internal/ingress"
	"github.com/nextlevelbuilder/relaybot/internal/outbound"
	"github.com/nextlevelbuilder/relaybot/internal/store"
)

type fakeStateStore struct {
	keys     []string
	snapshot []byte
}

func (f *fakeStateStore) LoadProcessedKeys(ctx context.Context) ([]string, error) {
	return slices.Clone(f.keys), nil
}

func (f *fakeStateStore) SaveProcessedKeys(ctx context.Context, keys []string) error {
	f.keys = slices.Clone(keys)
	return nil
}

func (f *fakeStateStore) SaveHealthSnapshot(ctx context.Context, snapshot any, updatedUnixMS int64) error {
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	f.snapshot = encoded
	return nil
}

func (f *fakeStateStore) LoadHealthSnapshot(ctx context.Context, out any) (bool, error) {
	if f.snapshot == nil {
		return false, nil
	}
	return true, json.Unmarshal(f.snapshot, out)
}

type testPipeline struct {
	processor *Processor
	inbox     *ingress.Inbox
	states    *fakeStateStore
	stateDir  string
	security  string
}

func newTestPipeline(t *testing.T, opts Options) *testPipeline {
	t.Helper()
	if opts.StateDir == "" {
		opts.StateDir = t.TempDir()
	}
	if opts.SecurityDir == "" {
		opts.SecurityDir = t.TempDir()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = outbound.RetryPolicy{MaxAttempts: 3}
	}

	inbox, err := ingress.NewInbox(t.TempDir())
	if err != nil {
		t.Fatalf("new inbox: %v", err)
	}
	dispatcher, err := outbound.NewDispatcher(outbound.Config{Mode: outbound.ModeDryRun, MaxChars: 1200}, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	states := &fakeStateStore{}
	processor, err := NewProcessor(context.Background(), opts, inbox, states, dispatcher)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return &testPipeline{
		processor: processor,
		inbox:     inbox,
		states:    states,
		stateDir:  opts.StateDir,
		security:  opts.SecurityDir,
	}
}

func (tp *testPipeline) appendTelegramMessage(t *testing.T, messageID int, text string) {
	t.Helper()
	payload := fmt.Sprintf(`{"update_id":%d,"message":{"message_id":%d,"date":1700000000,"text":%q,`+
		`"chat":{"id":100,"type":"private"},"from":{"id":7,"username":"amy"}}}`,
		messageID, messageID, text)
	env := ingress.WrapRawPayload(contract.TransportTelegram, "", 1700000000000, json.RawMessage(payload))
	if err := tp.inbox.Append(contract.TransportTelegram, env); err != nil {
		t.Fatalf("append inbox: %v", err)
	}
}

func TestCycleDeliversAndDeduplicates(t *testing.T) {
	tp := newTestPipeline(t, Options{})
	tp.appendTelegramMessage(t, 1, "hello there")
	tp.appendTelegramMessage(t, 1, "hello there")

	record, err := tp.processor.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if record.Discovered != 2 || record.Completed != 1 || record.Duplicates != 1 {
		t.Fatalf("record = %+v, want discovered 2 completed 1 duplicates 1", record)
	}
	if !slices.Contains(record.ReasonCodes, ReasonDuplicatesSkipped) {
		t.Errorf("reason codes = %v, want %s present", record.ReasonCodes, ReasonDuplicatesSkipped)
	}
	if record.HealthState != StateHealthy || record.RolloutGate != GatePass {
		t.Errorf("health = %s/%s, want Healthy/pass", record.HealthState, record.RolloutGate)
	}

	entries, err := tp.processor.ChannelStore().ReadLog(contract.TransportTelegram, "100")
	if err != nil {
		t.Fatalf("read channel log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("channel log entries = %d, want inbound plus outbound", len(entries))
	}
	if entries[1].Status != "delivered" {
		t.Errorf("outbound status = %q, want delivered", entries[1].Status)
	}

	// The consumed offset advanced; the next cycle sees nothing.
	again, err := tp.processor.Cycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if again.Discovered != 0 {
		t.Errorf("second cycle discovered = %d, want 0", again.Discovered)
	}
	if again.HealthReason != ReasonHealthyCycle {
		t.Errorf("health reason = %q, want %q", again.HealthReason, ReasonHealthyCycle)
	}
}

func TestCycleDeniedEventWritesNothing(t *testing.T) {
	tp := newTestPipeline(t, Options{})

	// An allowlist entry for another actor turns enforcement on for the
	// channel and leaves actor 7 denied.
	allowlist := `{"schema_version":1,"channels":{"telegram:100":["someone-else"]}}`
	if err := os.WriteFile(filepath.Join(tp.security, "allowlist.json"), []byte(allowlist), 0o600); err != nil {
		t.Fatalf("write allowlist: %v", err)
	}
	tp.appendTelegramMessage(t, 1, "let me in")

	record, err := tp.processor.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if record.Failed != 0 {
		t.Errorf("failed = %d, want 0 for a policy denial", record.Failed)
	}
	if !slices.Contains(record.ReasonCodes, ReasonPairingDeniedEvents) {
		t.Errorf("reason codes = %v, want %s present", record.ReasonCodes, ReasonPairingDeniedEvents)
	}

	// Denied events produce no channel-store writes and no delivery.
	entries, err := tp.processor.ChannelStore().ReadLog(contract.TransportTelegram, "100")
	if err != nil {
		t.Fatalf("read channel log: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("channel log entries = %d, want none for a denied event", len(entries))
	}

	// The denied event is remembered; a replay is a duplicate, not a retry.
	tp.appendTelegramMessage(t, 1, "let me in")
	again, err := tp.processor.Cycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if again.Duplicates != 1 {
		t.Errorf("duplicates = %d, want replayed denial deduplicated", again.Duplicates)
	}
}

func TestCycleQueueBackpressure(t *testing.T) {
	tp := newTestPipeline(t, Options{QueueLimit: 1})
	for i := 1; i <= 3; i++ {
		tp.appendTelegramMessage(t, i, fmt.Sprintf("message %d", i))
	}

	record, err := tp.processor.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if record.Discovered != 3 || record.Processed != 1 || record.Deferred != 2 {
		t.Fatalf("record = %+v, want discovered 3 processed 1 deferred 2", record)
	}
	if !slices.Contains(record.ReasonCodes, ReasonQueueBackpressure) {
		t.Errorf("reason codes = %v, want %s present", record.ReasonCodes, ReasonQueueBackpressure)
	}
	if record.HealthState != StateDegraded || record.RolloutGate != GateHold {
		t.Errorf("health = %s/%s, want Degraded/hold under backpressure", record.HealthState, record.RolloutGate)
	}

	// Deferred lines survive to the next cycles; nothing is lost.
	second, err := tp.processor.Cycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if second.Discovered != 2 || second.Processed != 1 || second.Deferred != 1 {
		t.Fatalf("second record = %+v, want discovered 2 processed 1 deferred 1", second)
	}
	third, err := tp.processor.Cycle(context.Background())
	if err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if third.Processed != 1 || third.Deferred != 0 {
		t.Fatalf("third record = %+v, want the last event drained", third)
	}
	if third.HealthState != StateHealthy {
		t.Errorf("health = %s, want Healthy once the queue drains", third.HealthState)
	}
}

func TestDeliverWithRetryExhaustsAttempts(t *testing.T) {
	tp := newTestPipeline(t, Options{Retry: outbound.RetryPolicy{MaxAttempts: 3}})

	event := &contract.InboundEvent{
		SchemaVersion:  contract.SchemaVersion,
		Transport:      contract.TransportTelegram,
		Kind:           contract.KindMessage,
		EventID:        "42",
		ConversationID: "100",
		ActorID:        "7",
		TimestampMS:    1700000000000,
		Text:           "flaky",
	}
	event.Metadata = map[string]json.RawMessage{
		"simulate_transient_failures": json.RawMessage("3"),
	}

	outcome := tp.processor.deliverWithRetry(context.Background(), event, "reply")
	if !outcome.failed {
		t.Fatal("three simulated failures against three attempts must fail")
	}
	if outcome.retries != 2 {
		t.Errorf("retries = %d, want 2 (attempts 2 and 3)", outcome.retries)
	}
	if !outcome.transient {
		t.Error("simulated failures must be flagged transient")
	}
	if outcome.reasonCode != outbound.ReasonTransportError {
		t.Errorf("reason = %q, want %q", outcome.reasonCode, outbound.ReasonTransportError)
	}
}

func TestDeliverWithRetryRecovers(t *testing.T) {
	tp := newTestPipeline(t, Options{Retry: outbound.RetryPolicy{MaxAttempts: 3}})

	event := &contract.InboundEvent{
		SchemaVersion:  contract.SchemaVersion,
		Transport:      contract.TransportTelegram,
		Kind:           contract.KindMessage,
		EventID:        "43",
		ConversationID: "100",
		ActorID:        "7",
		TimestampMS:    1700000000000,
		Text:           "flaky",
	}
	event.Metadata = map[string]json.RawMessage{
		"simulate_transient_failures": json.RawMessage("2"),
	}

	outcome := tp.processor.deliverWithRetry(context.Background(), event, "reply")
	if outcome.failed {
		t.Fatal("the third attempt should succeed")
	}
	if outcome.retries != 2 {
		t.Errorf("retries = %d, want 2", outcome.retries)
	}
	if outcome.result == nil || len(outcome.result.Receipts) != 1 {
		t.Errorf("result = %+v, want one dry-run receipt", outcome.result)
	}
}

func TestCycleTransientFailureEndsInDeliveryFailed(t *testing.T) {
	tp := newTestPipeline(t, Options{Retry: outbound.RetryPolicy{MaxAttempts: 2}})

	// The inbox path cannot carry the simulation hook, so drive processEvent
	// directly with the cycle's config snapshot.
	event := &contract.InboundEvent{
		SchemaVersion:  contract.SchemaVersion,
		Transport:      contract.TransportTelegram,
		Kind:           contract.KindMessage,
		EventID:        "44",
		ConversationID: "100",
		ActorID:        "7",
		TimestampMS:    1700000000000,
		Text:           "flaky",
	}
	event.Metadata = map[string]json.RawMessage{
		"simulate_transient_failures": json.RawMessage("5"),
	}

	gate, bindings := tp.processor.snapshotConfig()
	outcome := tp.processor.processEvent(context.Background(), gate, bindings, event)
	if !outcome.failed || outcome.retries != 1 {
		t.Fatalf("outcome = %+v, want failed with one retry", outcome)
	}

	entries, err := tp.processor.ChannelStore().ReadLog(contract.TransportTelegram, "100")
	if err != nil {
		t.Fatalf("read channel log: %v", err)
	}
	var outboundEntry *store.LogEntry
	for i := range entries {
		if entries[i].Direction == store.DirectionOutbound {
			outboundEntry = &entries[i]
		}
	}
	if outboundEntry == nil {
		t.Fatal("expected an outbound delivery_failed entry")
	}
	if outboundEntry.Status != "delivery_failed" || outboundEntry.ReasonCode != outbound.ReasonTransportError {
		t.Errorf("outbound entry = %+v, want delivery_failed transport error", outboundEntry)
	}

	// A failed delivery is terminal; the event does not reprocess.
	dup := tp.processor.processEvent(context.Background(), gate, bindings, event)
	if !dup.duplicate {
		t.Error("event with a terminal delivery failure must be deduplicated")
	}
}

func TestHealthSnapshotSurvivesRestart(t *testing.T) {
	tp := newTestPipeline(t, Options{})
	tp.appendTelegramMessage(t, 1, "hello")
	if _, err := tp.processor.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	dispatcher, err := outbound.NewDispatcher(outbound.Config{Mode: outbound.ModeDryRun, MaxChars: 1200}, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	restarted, err := NewProcessor(context.Background(),
		Options{StateDir: tp.stateDir, SecurityDir: tp.security},
		tp.inbox, tp.states, dispatcher)
	if err != nil {
		t.Fatalf("restart processor: %v", err)
	}
	if got := restarted.Snapshot(); got.LastCycleCompleted != 1 {
		t.Errorf("restored snapshot = %+v, want last cycle completed 1", got)
	}

	// Restored dedup keys keep replays out after a restart too.
	tp.appendTelegramMessage(t, 1, "hello")
	record, err := restarted.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle after restart: %v", err)
	}
	if record.Duplicates != 1 {
		t.Errorf("duplicates = %d, want restored keys to catch the replay", record.Duplicates)
	}
}
