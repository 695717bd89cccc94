// Package runtime drives the pipeline as a bounded per-cycle batch processor:
// discover inbox events, gate through dedup and policy, route, persist,
// respond, deliver with bounded retry, then fold the cycle into the health
// snapshot exactly once.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/relaybot/internal/command"
	"github.com/nextlevelbuilder/relaybot/internal/contract"
	"github.com/nextlevelbuilder/relaybot/internal/dedup"
	"github.com/nextlevelbuilder/relaybot/internal/ingress"
	"github.com/nextlevelbuilder/relaybot/internal/media"
	"github.com/nextlevelbuilder/relaybot/internal/outbound"
	"github.com/nextlevelbuilder/relaybot/internal/policy"
	"github.com/nextlevelbuilder/relaybot/internal/routing"
	"github.com/nextlevelbuilder/relaybot/internal/store"
	"github.com/nextlevelbuilder/relaybot/internal/telemetry"
)

var tracer = telemetry.Tracer("github.com/nextlevelbuilder/relaybot/internal/runtime")

// DefaultQueueLimit bounds how many events one cycle dequeues.
const DefaultQueueLimit = 64

// Options wires one processor instance.
type Options struct {
	StateDir    string
	SecurityDir string
	QueueLimit  int
	DedupCap    int
	Media       media.Config
	Retry       outbound.RetryPolicy
	// MediaProvider may be nil; the deterministic provider is used then.
	MediaProvider media.Provider
	// Reload gates config re-snapshots; nil reloads every cycle.
	Reload ReloadSignal
	Logger *slog.Logger
}

// ReloadSignal reports pending security config changes. The fsnotify watcher
// implements it; a nil signal means reload unconditionally.
type ReloadSignal interface {
	ConsumeDirty() bool
}

// Processor owns all per-cycle mutable state. It is a single writer; only
// the cycle loop mutates it.
type Processor struct {
	opts       Options
	inbox      *ingress.Inbox
	cache      *dedup.Cache
	states     StateStore
	channels   *store.ChannelStore
	traces     *routing.TraceWriter
	eventLog   *EventLog
	dispatcher *outbound.Dispatcher
	executor   *command.Executor
	provider   media.Provider
	log        *slog.Logger

	cycle    int64
	snapshot Snapshot

	cachedGate     *policy.Gate
	cachedBindings *routing.BindingsFile
}

// StateStore is the durable state surface the processor needs. The SQLite
// store satisfies it; tests inject a fake.
type StateStore interface {
	LoadProcessedKeys(ctx context.Context) ([]string, error)
	SaveProcessedKeys(ctx context.Context, keys []string) error
	SaveHealthSnapshot(ctx context.Context, snapshot any, updatedUnixMS int64) error
	LoadHealthSnapshot(ctx context.Context, out any) (bool, error)
}

// NewProcessor restores durable state and wires the pipeline stages.
func NewProcessor(ctx context.Context, opts Options, inbox *ingress.Inbox, states StateStore, dispatcher *outbound.Dispatcher) (*Processor, error) {
	if opts.QueueLimit < 1 {
		opts.QueueLimit = DefaultQueueLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	provider := opts.MediaProvider
	if provider == nil {
		provider = media.DeterministicProvider{}
	}

	cache := dedup.NewCache(opts.DedupCap)
	keys, err := states.LoadProcessedKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore processed keys: %w", err)
	}
	cache.Restore(keys)

	snapshot := NewSnapshot()
	if _, err := states.LoadHealthSnapshot(ctx, &snapshot); err != nil {
		return nil, fmt.Errorf("restore health snapshot: %w", err)
	}

	p := &Processor{
		opts:       opts,
		inbox:      inbox,
		cache:      cache,
		states:     states,
		channels:   store.NewChannelStore(opts.StateDir),
		traces:     routing.NewTraceWriter(opts.StateDir),
		eventLog:   NewEventLog(opts.StateDir),
		dispatcher: dispatcher,
		provider:   provider,
		log:        opts.Logger,
		snapshot:   snapshot,
	}
	p.executor = command.NewExecutor(p)
	return p, nil
}

// Snapshot returns a copy of the current health snapshot.
func (p *Processor) Snapshot() Snapshot { return p.snapshot }

// ChannelStore exposes the persistence layer for inspection commands.
func (p *Processor) ChannelStore() *store.ChannelStore { return p.channels }

// HealthReport renders the machine-readable status payload.
func (p *Processor) HealthReport(ctx context.Context) (json.RawMessage, error) {
	payload, err := json.Marshal(p.snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode health report: %w", err)
	}
	return payload, nil
}

// Cycle runs one full processing cycle and returns its runtime event record.
func (p *Processor) Cycle(ctx context.Context) (CycleRecord, error) {
	started := time.Now()
	p.cycle++

	ctx, span := tracer.Start(ctx, "runtime.cycle",
		trace.WithAttributes(attribute.Int64("cycle", p.cycle)))
	defer span.End()

	gate, bindings := p.snapshotConfig()

	batch, err := p.inbox.Discover()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inbox discovery failed")
		return CycleRecord{}, fmt.Errorf("discover inbox events: %w", err)
	}

	queued := batch.Events
	sort.SliceStable(queued, func(i, j int) bool {
		a, b := queued[i].Event, queued[j].Event
		if a.TimestampMS != b.TimestampMS {
			return a.TimestampMS < b.TimestampMS
		}
		return a.Key() < b.Key()
	})

	var deferred []ingress.QueuedEvent
	if len(queued) > p.opts.QueueLimit {
		deferred = queued[p.opts.QueueLimit:]
		queued = queued[:p.opts.QueueLimit]
	}

	stats := CycleStats{
		Discovered: len(batch.Events),
		Processed:  len(queued),
		Deferred:   len(deferred),
	}
	var flags cycleFlags

	for _, item := range queued {
		outcome := p.processEvent(ctx, gate, bindings, item.Event)
		stats.Retries += outcome.retries
		if outcome.transient {
			flags.transientObserved = true
		}
		switch {
		case outcome.duplicate:
			stats.Duplicates++
		case outcome.failed:
			stats.Failed++
		default:
			stats.Completed++
		}
		switch {
		case outcome.denied:
			flags.pairingDenied = true
		case outcome.enforced:
			flags.pairingEnforced = true
		case !outcome.duplicate:
			flags.pairingPermissive = true
		}
	}

	p.advanceOffsets(batch, deferred)

	if err := p.states.SaveProcessedKeys(ctx, p.cache.Keys()); err != nil {
		return CycleRecord{}, fmt.Errorf("persist processed keys: %w", err)
	}

	nowMS := time.Now().UnixMilli()
	p.snapshot.ApplyCycle(stats, nowMS, time.Since(started).Milliseconds())
	if err := p.states.SaveHealthSnapshot(ctx, p.snapshot, nowMS); err != nil {
		return CycleRecord{}, fmt.Errorf("persist health snapshot: %w", err)
	}

	codes := cycleReasonCodes(stats, flags)
	record := CycleRecord{
		RecordType:      "runtime_cycle_v1",
		TimestampUnixMS: nowMS,
		Cycle:           p.cycle,
		Discovered:      stats.Discovered,
		Processed:       stats.Processed,
		Completed:       stats.Completed,
		Failed:          stats.Failed,
		Duplicates:      stats.Duplicates,
		Deferred:        stats.Deferred,
		Retries:         stats.Retries,
		ReasonCodes:     codes,
		HealthReason:    codes[0],
		HealthState:     p.snapshot.HealthState,
		RolloutGate:     p.snapshot.RolloutGate,
	}
	if err := p.eventLog.Append(record); err != nil {
		span.RecordError(err)
		return CycleRecord{}, fmt.Errorf("append runtime event: %w", err)
	}

	span.SetAttributes(
		attribute.Int("discovered", stats.Discovered),
		attribute.Int("completed", stats.Completed),
		attribute.Int("failed", stats.Failed),
		attribute.Int("duplicates", stats.Duplicates),
		attribute.Int("deferred", stats.Deferred),
		attribute.String("health_state", string(p.snapshot.HealthState)),
	)

	p.log.Info("cycle complete",
		"cycle", p.cycle,
		"discovered", stats.Discovered,
		"completed", stats.Completed,
		"failed", stats.Failed,
		"duplicates", stats.Duplicates,
		"deferred", stats.Deferred,
		"health_state", p.snapshot.HealthState,
		"rollout_gate", p.snapshot.RolloutGate)
	return record, nil
}

// snapshotConfig loads policy and bindings at the cycle boundary. With a
// reload signal wired, a clean signal reuses the cached snapshot. A policy
// load failure yields a nil policy file, which the gate treats as deny-all.
func (p *Processor) snapshotConfig() (*policy.Gate, *routing.BindingsFile) {
	if p.cachedGate != nil && p.opts.Reload != nil && !p.opts.Reload.ConsumeDirty() {
		return p.cachedGate, p.cachedBindings
	}

	gate := &policy.Gate{
		Pairing: policy.FilePairingEvaluator{Config: policy.PairingConfigForSecurityDir(p.opts.SecurityDir)},
	}
	policyFile, err := policy.LoadChannelPolicyFile(policy.ChannelPolicyPath(p.opts.SecurityDir))
	if err != nil {
		p.log.Warn("channel policy load failed, failing closed", "error", err)
	} else {
		gate.PolicyFile = policyFile
	}

	bindings, err := routing.LoadBindingsFile(routing.BindingsPath(p.opts.SecurityDir))
	if err != nil {
		p.log.Warn("route bindings load failed, using defaults", "error", err)
		bindings = routing.DefaultBindingsFile()
	}
	p.cachedGate = gate
	p.cachedBindings = bindings
	return gate, bindings
}

// eventOutcome is the terminal classification of one dequeued event.
type eventOutcome struct {
	duplicate bool
	denied    bool
	enforced  bool
	failed    bool
	transient bool
	retries   int
}

func (p *Processor) processEvent(ctx context.Context, gate *policy.Gate, bindings *routing.BindingsFile, event *contract.InboundEvent) eventOutcome {
	key := event.Key()
	nowMS := time.Now().UnixMilli()

	if p.cache.IsDuplicate(key) {
		p.log.Debug("duplicate event skipped", "event_key", key)
		return eventOutcome{duplicate: true}
	}

	access := gate.Evaluate(event, nowMS)
	if !access.FinalDecision.Allow {
		p.log.Info("event denied",
			"event_key", key,
			"policy_channel", access.PolicyChannel,
			"reason_code", access.FinalDecision.ReasonCode)
		p.cache.MarkProcessed(key)
		return eventOutcome{denied: true}
	}

	route := routing.Resolve(bindings, event)
	if err := p.traces.Append(routing.NewTraceRecord(event, route, nowMS)); err != nil {
		p.log.Warn("route trace append failed", "event_key", key, "error", err)
	}

	mediaReport := media.ProcessWithProvider(event, p.opts.Media, p.provider)

	if err := p.channels.AppendInbound(event, route.SessionKey, string(route.Phase), nowMS); err != nil {
		p.log.Error("inbound persist failed", "event_key", key, "error", err)
		return eventOutcome{failed: true, enforced: access.PolicyEnforced}
	}

	responseText, err := p.renderReply(ctx, event, access)
	if err != nil {
		p.log.Error("command execution failed", "event_key", key, "error", err)
		return eventOutcome{failed: true, enforced: access.PolicyEnforced}
	}

	userContext := event.Text
	if promptContext := media.RenderPromptContext(mediaReport); promptContext != "" {
		userContext = userContext + "\n\n" + promptContext
	}
	if err := p.channels.AppendContext(event.Transport, event.ConversationID, "user", userContext, nowMS); err != nil {
		p.log.Error("user context persist failed", "event_key", key, "error", err)
		return eventOutcome{failed: true, enforced: access.PolicyEnforced}
	}

	delivery := p.deliverWithRetry(ctx, event, responseText)
	if err := p.persistDelivery(event, key, responseText, delivery); err != nil {
		p.log.Error("outbound persist failed", "event_key", key, "error", err)
		return eventOutcome{failed: true, enforced: access.PolicyEnforced, retries: delivery.retries, transient: delivery.transient}
	}

	// Delivery reached a terminal outcome either way; the event never
	// reprocesses.
	p.cache.MarkProcessed(key)
	return eventOutcome{
		denied:    false,
		enforced:  access.PolicyEnforced,
		failed:    delivery.failed,
		transient: delivery.transient,
		retries:   delivery.retries,
	}
}

func (p *Processor) renderReply(ctx context.Context, event *contract.InboundEvent, access policy.AccessDecision) (string, error) {
	result, err := p.executor.TryExecute(ctx, event, access)
	if err != nil {
		return "", err
	}
	if result != nil {
		p.log.Info("native command executed",
			"event_key", event.Key(),
			"command", result.Command,
			"reason_code", result.ReasonCode)
		return result.ReplyText, nil
	}
	return RenderResponse(event), nil
}

// deliveryOutcome is the terminal result of the bounded retry loop.
type deliveryOutcome struct {
	result     *outbound.Result
	failed     bool
	transient  bool
	retries    int
	reasonCode string
}

// deliverWithRetry drives the attempt state machine: each attempt ends in
// success, a retryable failure that schedules the next attempt, or a
// terminal failure. Attempts are strictly sequential.
func (p *Processor) deliverWithRetry(ctx context.Context, event *contract.InboundEvent, responseText string) deliveryOutcome {
	outcome := deliveryOutcome{}
	simulated := SimulatedTransientFailures(event)
	maxAttempts := p.opts.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var result *outbound.Result
		var err error
		if attempt <= simulated {
			outcome.transient = true
			err = &outbound.DeliveryError{
				ReasonCode: outbound.ReasonTransportError,
				Detail:     fmt.Sprintf("simulated transient failure %d of %d", attempt, simulated),
				Retryable:  true,
			}
		} else {
			result, err = p.dispatcher.Deliver(ctx, event, responseText)
		}
		if err == nil {
			outcome.result = result
			return outcome
		}

		var de *outbound.DeliveryError
		retryable := false
		outcome.reasonCode = outbound.ReasonTransportError
		if errors.As(err, &de) {
			retryable = de.Retryable
			outcome.reasonCode = de.ReasonCode
		}
		p.log.Warn("delivery attempt failed",
			"event_key", event.Key(),
			"attempt", attempt,
			"reason_code", outcome.reasonCode,
			"retryable", retryable)
		if !retryable || attempt == maxAttempts {
			outcome.failed = true
			return outcome
		}
		outcome.retries++
		if err := outbound.ApplyRetryDelay(ctx, p.opts.Retry, attempt, event.Key()); err != nil {
			outcome.failed = true
			return outcome
		}
	}
	outcome.failed = true
	return outcome
}

// persistDelivery appends the outbound record and, on success, the assistant
// context turn.
func (p *Processor) persistDelivery(event *contract.InboundEvent, key, responseText string, delivery deliveryOutcome) error {
	nowMS := time.Now().UnixMilli()
	if delivery.failed {
		payload, _ := json.Marshal(map[string]any{"reason_code": delivery.reasonCode, "retries": delivery.retries})
		return p.channels.AppendOutbound(event.Transport, event.ConversationID, key,
			"delivery_failed", delivery.reasonCode, payload, nowMS)
	}

	var payload json.RawMessage
	if delivery.result != nil {
		encoded, err := json.Marshal(delivery.result)
		if err != nil {
			return fmt.Errorf("marshal delivery result: %w", err)
		}
		payload = encoded
	}
	if err := p.channels.AppendOutbound(event.Transport, event.ConversationID, key,
		"delivered", "", payload, nowMS); err != nil {
		return err
	}
	return p.channels.AppendContext(event.Transport, event.ConversationID, "assistant", responseText, nowMS)
}

// advanceOffsets marks inbox lines consumed up to the last fully dequeued
// line per transport. Deferred lines stay visible for the next cycle.
func (p *Processor) advanceOffsets(batch *ingress.Batch, deferred []ingress.QueuedEvent) {
	minDeferred := make(map[contract.Transport]int)
	for _, item := range deferred {
		if current, ok := minDeferred[item.Transport]; !ok || item.LineNumber < current {
			minDeferred[item.Transport] = item.LineNumber
		}
	}
	for transport, lastLine := range batch.LastLine {
		through := lastLine
		if first, ok := minDeferred[transport]; ok {
			through = first - 1
		}
		p.inbox.MarkConsumedThrough(transport, through)
	}
}
