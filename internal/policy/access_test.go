package policy

import (
	"errors"
	"testing"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

type staticPairing struct {
	decision Decision
	err      error
}

func (s staticPairing) EvaluatePairing(channel, actorID string, nowUnixMS int64) (Decision, error) {
	return s.decision, s.err
}

func TestGateNilPolicyFileDeniesEverything(t *testing.T) {
	gate := &Gate{PolicyFile: nil}
	decision := gate.Evaluate(dmEvent(contract.TransportTelegram, "chat-1", "u1"), 0)

	if decision.FinalDecision.Allow {
		t.Fatal("nil policy file must deny")
	}
	if decision.FinalDecision.ReasonCode != ReasonDenyPolicyLoadError {
		t.Errorf("reason = %q, want %q", decision.FinalDecision.ReasonCode, ReasonDenyPolicyLoadError)
	}
	if !decision.PolicyEnforced {
		t.Error("load-error denial must count as enforced")
	}
}

func TestGateAllowFromAny(t *testing.T) {
	gate := &Gate{
		PolicyFile: &ChannelPolicyFile{
			SchemaVersion: ChannelPolicySchemaVersion,
			DefaultPolicy: ChannelPolicy{AllowFrom: AllowFromAny},
		},
		Pairing: staticPairing{decision: denyDecision(ReasonDenyActorNotPaired)},
	}
	decision := gate.Evaluate(dmEvent(contract.TransportTelegram, "chat-1", "u1"), 0)

	if !decision.FinalDecision.Allow {
		t.Fatalf("decision = %+v, want allow", decision.FinalDecision)
	}
	if decision.PairingChecked {
		t.Error("open channels must not consult pairing")
	}
	if decision.PolicyEnforced {
		t.Error("open channel without mention gate is not enforced")
	}
}

func TestGatePairingFlow(t *testing.T) {
	basePolicy := &ChannelPolicyFile{
		SchemaVersion: ChannelPolicySchemaVersion,
		DefaultPolicy: ChannelPolicy{AllowFrom: AllowFromAllowlistOrPaired},
	}

	tests := []struct {
		name         string
		allowFrom    AllowFrom
		pairing      staticPairing
		wantAllow    bool
		wantReason   string
		wantEnforced bool
	}{
		{
			name:         "unpaired actor denied",
			allowFrom:    AllowFromAllowlistOrPaired,
			pairing:      staticPairing{decision: denyDecision(ReasonDenyActorNotPaired)},
			wantAllow:    false,
			wantReason:   ReasonDenyActorNotPaired,
			wantEnforced: true,
		},
		{
			name:         "paired actor allowed",
			allowFrom:    AllowFromAllowlistOrPaired,
			pairing:      staticPairing{decision: allowDecision(ReasonAllowPairing)},
			wantAllow:    true,
			wantReason:   ReasonAllowPairing,
			wantEnforced: true,
		},
		{
			name:         "permissive pass-through is not enforcement",
			allowFrom:    AllowFromAllowlistOrPaired,
			pairing:      staticPairing{decision: allowDecision(ReasonAllowPermissiveMode)},
			wantAllow:    true,
			wantReason:   ReasonAllowPermissiveMode,
			wantEnforced: false,
		},
		{
			name:         "allowlist only rejects paired actors",
			allowFrom:    AllowFromAllowlistOnly,
			pairing:      staticPairing{decision: allowDecision(ReasonAllowPairing)},
			wantAllow:    false,
			wantReason:   ReasonDenyAllowlistOnly,
			wantEnforced: true,
		},
		{
			name:         "allowlist only accepts allowlisted actors",
			allowFrom:    AllowFromAllowlistOnly,
			pairing:      staticPairing{decision: allowDecision(ReasonAllowAllowlist)},
			wantAllow:    true,
			wantReason:   ReasonAllowAllowlist,
			wantEnforced: true,
		},
		{
			name:         "evaluator failure denies",
			allowFrom:    AllowFromAllowlistOrPaired,
			pairing:      staticPairing{err: errors.New("registry unreadable")},
			wantAllow:    false,
			wantReason:   ReasonDenyEvaluationError,
			wantEnforced: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := *basePolicy
			file.DefaultPolicy.AllowFrom = tt.allowFrom
			gate := &Gate{PolicyFile: &file, Pairing: tt.pairing}
			decision := gate.Evaluate(dmEvent(contract.TransportTelegram, "chat-1", "u1"), 0)

			if decision.FinalDecision.Allow != tt.wantAllow {
				t.Errorf("allow = %t, want %t", decision.FinalDecision.Allow, tt.wantAllow)
			}
			if decision.FinalDecision.ReasonCode != tt.wantReason {
				t.Errorf("reason = %q, want %q", decision.FinalDecision.ReasonCode, tt.wantReason)
			}
			if !decision.PairingChecked {
				t.Error("pairing step should run for gated channels")
			}
			if decision.PolicyEnforced != tt.wantEnforced {
				t.Errorf("enforced = %t, want %t", decision.PolicyEnforced, tt.wantEnforced)
			}
		})
	}
}

func TestGateChannelDenialSkipsPairing(t *testing.T) {
	gate := &Gate{
		PolicyFile: &ChannelPolicyFile{
			SchemaVersion: ChannelPolicySchemaVersion,
			DefaultPolicy: ChannelPolicy{DMPolicy: DMDeny},
		},
		Pairing: staticPairing{decision: allowDecision(ReasonAllowPairing)},
	}
	decision := gate.Evaluate(dmEvent(contract.TransportTelegram, "chat-1", "u1"), 0)

	if decision.FinalDecision.Allow {
		t.Fatal("dm deny must win before pairing")
	}
	if decision.PairingChecked {
		t.Error("denied channel policy must not consult pairing")
	}
	if decision.FinalDecision.ReasonCode != ReasonDenyDM {
		t.Errorf("reason = %q, want %q", decision.FinalDecision.ReasonCode, ReasonDenyDM)
	}
}
