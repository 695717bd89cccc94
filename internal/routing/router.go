package routing

import (
	"strings"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

// Decision is the resolved route for one event.
type Decision struct {
	BindingID    string `json:"binding_id"`
	Matched      bool   `json:"matched"`
	Phase        Phase  `json:"phase"`
	AccountID    string `json:"account_id"`
	CategoryHint string `json:"category_hint,omitempty"`
	SessionKey   string `json:"session_key"`
}

// Resolve matches the event against the bindings in declaration order; the
// first binding whose selectors all match wins. With no match the route
// falls back to the deterministic default for the event kind.
func Resolve(file *BindingsFile, event *contract.InboundEvent) Decision {
	accountID := ResolveAccountID(event)
	defaultPhase := defaultPhaseForKind(event.Kind)

	for i := range file.Bindings {
		binding := &file.Bindings[i]
		if !bindingMatches(binding, event, accountID) {
			continue
		}
		phase := binding.Phase
		if phase == "" {
			phase = defaultPhase
		}
		sessionKey := DefaultSessionKey(event)
		if binding.SessionKeyTemplate != "" {
			sessionKey = renderSessionKeyTemplate(binding.SessionKeyTemplate, event, accountID, phase, binding.CategoryHint)
		}
		return Decision{
			BindingID:    binding.BindingID,
			Matched:      true,
			Phase:        phase,
			AccountID:    accountID,
			CategoryHint: binding.CategoryHint,
			SessionKey:   sessionKey,
		}
	}

	return Decision{
		BindingID:  "default",
		Phase:      defaultPhase,
		AccountID:  accountID,
		SessionKey: DefaultSessionKey(event),
	}
}

func bindingMatches(binding *Binding, event *contract.InboundEvent, accountID string) bool {
	return selectorMatches(binding.Transport, string(event.Transport)) &&
		selectorMatches(binding.AccountID, accountID) &&
		selectorMatches(binding.ConversationID, strings.TrimSpace(event.ConversationID)) &&
		selectorMatches(binding.ActorID, strings.TrimSpace(event.ActorID))
}

func defaultPhaseForKind(kind contract.EventKind) Phase {
	switch kind {
	case contract.KindCommand:
		return PhasePlanner
	case contract.KindSystem:
		return PhaseReview
	default:
		return PhaseDelegatedStep
	}
}

// ResolveAccountID picks the bot account identity from event metadata. The
// first populated key wins; events with no account metadata route with an
// empty account id, which only the wildcard selector matches.
func ResolveAccountID(event *contract.InboundEvent) string {
	for _, key := range []string{
		"account_id",
		"telegram_bot_id",
		"discord_bot_id",
		"discord_application_id",
		"whatsapp_business_account_id",
		"whatsapp_phone_number_id",
	} {
		if value := strings.TrimSpace(event.MetaString(key)); value != "" {
			return value
		}
	}
	return ""
}

// DefaultSessionKey is the sanitized conversation id, or "default" when the
// conversation id sanitizes to nothing.
func DefaultSessionKey(event *contract.InboundEvent) string {
	if key := SanitizeSessionSegment(event.ConversationID); key != "" {
		return key
	}
	return "default"
}

func renderSessionKeyTemplate(template string, event *contract.InboundEvent, accountID string, phase Phase, category string) string {
	replacer := strings.NewReplacer(
		"{transport}", SanitizeSessionSegment(string(event.Transport)),
		"{account_id}", SanitizeSessionSegment(accountID),
		"{conversation_id}", SanitizeSessionSegment(event.ConversationID),
		"{actor_id}", SanitizeSessionSegment(event.ActorID),
		"{phase}", SanitizeSessionSegment(string(phase)),
		"{category}", SanitizeSessionSegment(category),
	)
	rendered := SanitizeSessionSegment(replacer.Replace(template))
	if rendered == "" {
		return DefaultSessionKey(event)
	}
	return rendered
}

// SanitizeSessionSegment keeps ASCII alphanumerics and "-_:.", replaces
// everything else with underscores, and trims leading/trailing underscores.
// Session keys become file path segments, so this bounds what they contain.
func SanitizeSessionSegment(raw string) string {
	var b strings.Builder
	for _, ch := range strings.TrimSpace(raw) {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9',
			ch == '-', ch == '_', ch == ':', ch == '.':
			b.WriteRune(ch)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
