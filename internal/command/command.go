// Package command intercepts the native operator command surface before the
// responder path runs. Commands needing elevated scope check the actor's
// allowlist outcome and fail closed.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
	"github.com/nextlevelbuilder/relaybot/internal/policy"
)

// Prefix starts every native command.
const Prefix = "/relaybot"

// Result reason codes.
const (
	ReasonOK         = "command_ok"
	ReasonUnknown    = "command_unknown"
	ReasonRBACDenied = "command_rbac_denied"
)

// Result is the outcome of a recognized command. A nil result from
// TryExecute means the text is not a command and the responder path applies.
type Result struct {
	Command    string `json:"command"`
	ReasonCode string `json:"reason_code"`
	Allowed    bool   `json:"allowed"`
	ReplyText  string `json:"reply_text"`
}

// HealthReporter supplies the current health snapshot for the health and
// status commands.
type HealthReporter interface {
	HealthReport(ctx context.Context) (json.RawMessage, error)
}

// Executor resolves and runs native commands.
type Executor struct {
	health HealthReporter
}

// NewExecutor wires the command surface. health may be nil; health-backed
// commands then report the snapshot as unavailable.
func NewExecutor(health HealthReporter) *Executor {
	return &Executor{health: health}
}

// operatorScope reports whether the access decision grants elevated command
// scope. Only allowlist-backed allows qualify; a permissive-mode or
// pairing-only allow does not.
func operatorScope(access policy.AccessDecision) bool {
	if !access.FinalDecision.Allow {
		return false
	}
	switch access.PairingDecision.ReasonCode {
	case policy.ReasonAllowAllowlist, policy.ReasonAllowAllowlistAndPairing:
		return true
	}
	return false
}

// TryExecute runs the event's text as a native command when it carries the
// command prefix. Non-command text returns (nil, nil).
func (e *Executor) TryExecute(ctx context.Context, event *contract.InboundEvent, access policy.AccessDecision) (*Result, error) {
	fields := strings.Fields(strings.TrimSpace(event.Text))
	if len(fields) == 0 || !strings.EqualFold(fields[0], Prefix) {
		return nil, nil
	}
	sub := "help"
	if len(fields) > 1 {
		sub = strings.ToLower(fields[1])
	}

	switch sub {
	case "help":
		return &Result{Command: sub, ReasonCode: ReasonOK, Allowed: true, ReplyText: helpText()}, nil
	case "auth-status":
		return &Result{Command: sub, ReasonCode: ReasonOK, Allowed: true, ReplyText: authStatusText(access)}, nil
	case "status", "health":
		if !operatorScope(access) {
			return &Result{
				Command:    sub,
				ReasonCode: ReasonRBACDenied,
				ReplyText:  fmt.Sprintf("command %q requires operator scope (allowlist-backed access)", sub),
			}, nil
		}
		reply, err := e.healthText(ctx)
		if err != nil {
			return nil, fmt.Errorf("run %s command: %w", sub, err)
		}
		return &Result{Command: sub, ReasonCode: ReasonOK, Allowed: true, ReplyText: reply}, nil
	default:
		return &Result{
			Command:    sub,
			ReasonCode: ReasonUnknown,
			ReplyText:  fmt.Sprintf("unknown command %q\n%s", sub, helpText()),
		}, nil
	}
}

func (e *Executor) healthText(ctx context.Context) (string, error) {
	if e.health == nil {
		return "health snapshot unavailable", nil
	}
	report, err := e.health.HealthReport(ctx)
	if err != nil {
		return "", fmt.Errorf("collect health report: %w", err)
	}
	return string(report), nil
}

func authStatusText(access policy.AccessDecision) string {
	return fmt.Sprintf(
		"channel=%s policy=%s pairing=%s enforced=%t",
		access.PolicyChannel,
		access.FinalDecision.Status(),
		access.PairingDecision.ReasonCode,
		access.PolicyEnforced,
	)
}

func helpText() string {
	return strings.Join([]string{
		"relaybot commands:",
		"  /relaybot help         show this help",
		"  /relaybot auth-status  show your access decision",
		"  /relaybot status       show runtime health (operator scope)",
		"  /relaybot health       show runtime health (operator scope)",
	}, "\n")
}
