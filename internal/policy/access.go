package policy

import (
	"log/slog"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

// AccessDecision is the full policy verdict for one event: the channel
// policy step, the pairing step when it ran, and the final gate result.
type AccessDecision struct {
	PolicyChannel   string            `json:"policy_channel"`
	ChannelPolicy   ChannelEvaluation `json:"channel_policy"`
	PairingDecision Decision          `json:"pairing"`
	FinalDecision   Decision          `json:"final"`
	PairingChecked  bool              `json:"pairing_checked"`
	// PolicyEnforced marks decisions where some rule actively constrained the
	// actor, as opposed to permissive pass-through.
	PolicyEnforced bool `json:"policy_enforced"`
}

// PairingEvaluator abstracts the pairing lookup so the runtime can inject a
// failing evaluator in tests.
type PairingEvaluator interface {
	EvaluatePairing(channel, actorID string, nowUnixMS int64) (Decision, error)
}

// FilePairingEvaluator evaluates pairing access against the on-disk registry
// and allowlist.
type FilePairingEvaluator struct {
	Config PairingConfig
}

func (f FilePairingEvaluator) EvaluatePairing(channel, actorID string, nowUnixMS int64) (Decision, error) {
	return EvaluatePairingAccess(f.Config, channel, actorID, nowUnixMS)
}

// Gate combines the channel policy file with a pairing evaluator. A nil
// policy file means the load failed and every event is denied.
type Gate struct {
	PolicyFile *ChannelPolicyFile
	Pairing    PairingEvaluator
}

// Evaluate runs the full access decision for one event.
func (g *Gate) Evaluate(event *contract.InboundEvent, nowUnixMS int64) AccessDecision {
	policyChannel := event.PolicyChannel()

	if g.PolicyFile == nil {
		eval := LoadErrorEvaluation(event)
		return AccessDecision{
			PolicyChannel:   policyChannel,
			ChannelPolicy:   eval,
			PairingDecision: eval.Decision,
			FinalDecision:   eval.Decision,
			PolicyEnforced:  true,
		}
	}

	eval := EvaluateChannelPolicy(g.PolicyFile, event)
	if !eval.Decision.Allow {
		return AccessDecision{
			PolicyChannel:   policyChannel,
			ChannelPolicy:   eval,
			PairingDecision: eval.Decision,
			FinalDecision:   eval.Decision,
			PolicyEnforced:  true,
		}
	}

	switch eval.Policy.AllowFrom {
	case AllowFromAny:
		return AccessDecision{
			PolicyChannel:   policyChannel,
			ChannelPolicy:   eval,
			PairingDecision: eval.Decision,
			FinalDecision:   eval.Decision,
			PolicyEnforced:  eval.Policy.RequireMention,
		}
	case AllowFromAllowlistOnly:
		pairing := g.evaluatePairing(event, policyChannel, nowUnixMS)
		final := pairing
		if pairing.Allow &&
			pairing.ReasonCode != ReasonAllowAllowlist &&
			pairing.ReasonCode != ReasonAllowAllowlistAndPairing {
			// Paired-only and permissive actors are not enough here.
			final = denyDecision(ReasonDenyAllowlistOnly)
		}
		return AccessDecision{
			PolicyChannel:   policyChannel,
			ChannelPolicy:   eval,
			PairingDecision: pairing,
			FinalDecision:   final,
			PairingChecked:  true,
			PolicyEnforced:  true,
		}
	default:
		pairing := g.evaluatePairing(event, policyChannel, nowUnixMS)
		return AccessDecision{
			PolicyChannel:   policyChannel,
			ChannelPolicy:   eval,
			PairingDecision: pairing,
			FinalDecision:   pairing,
			PairingChecked:  true,
			PolicyEnforced:  eval.Policy.RequireMention || pairingEnforced(pairing),
		}
	}
}

func (g *Gate) evaluatePairing(event *contract.InboundEvent, policyChannel string, nowUnixMS int64) Decision {
	if g.Pairing == nil {
		return allowDecision(ReasonAllowPermissiveMode)
	}
	decision, err := g.Pairing.EvaluatePairing(policyChannel, event.ActorID, nowUnixMS)
	if err != nil {
		slog.Warn("pairing evaluation failed",
			"transport", event.Transport,
			"event_id", event.EventID,
			"actor_id", event.ActorID,
			"policy_channel", policyChannel,
			"error", err)
		return denyDecision(ReasonDenyEvaluationError)
	}
	return decision
}

func pairingEnforced(decision Decision) bool {
	return decision.ReasonCode != ReasonAllowPermissiveMode
}
