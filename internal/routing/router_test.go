package routing

import (
	"testing"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

func routedEvent(kind contract.EventKind, conversation, actor string) *contract.InboundEvent {
	return &contract.InboundEvent{
		SchemaVersion:  contract.SchemaVersion,
		Transport:      contract.TransportTelegram,
		Kind:           kind,
		EventID:        "r1",
		ConversationID: conversation,
		ActorID:        actor,
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	file := &BindingsFile{
		SchemaVersion: RouteBindingsSchemaVersion,
		Bindings: []Binding{
			{BindingID: "broad", Transport: "telegram", Phase: PhaseReview},
			{BindingID: "narrow", Transport: "telegram", ConversationID: "chat-1", Phase: PhasePlanner},
		},
	}
	decision := Resolve(file, routedEvent(contract.KindMessage, "chat-1", "u1"))

	if decision.BindingID != "broad" {
		t.Errorf("binding = %q, want broad (declaration order wins)", decision.BindingID)
	}
	if decision.Phase != PhaseReview {
		t.Errorf("phase = %q, want %q", decision.Phase, PhaseReview)
	}
	if !decision.Matched {
		t.Error("decision should be marked matched")
	}
}

func TestResolveFallbackPhases(t *testing.T) {
	empty := DefaultBindingsFile()

	tests := []struct {
		name string
		kind contract.EventKind
		want Phase
	}{
		{name: "command routes to planner", kind: contract.KindCommand, want: PhasePlanner},
		{name: "system routes to review", kind: contract.KindSystem, want: PhaseReview},
		{name: "message routes to delegated step", kind: contract.KindMessage, want: PhaseDelegatedStep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := Resolve(empty, routedEvent(tt.kind, "chat-1", "u1"))
			if decision.Matched {
				t.Error("empty bindings must not match")
			}
			if decision.BindingID != "default" {
				t.Errorf("binding = %q, want default", decision.BindingID)
			}
			if decision.Phase != tt.want {
				t.Errorf("phase = %q, want %q", decision.Phase, tt.want)
			}
		})
	}
}

func TestResolveSessionKeyTemplate(t *testing.T) {
	file := &BindingsFile{
		SchemaVersion: RouteBindingsSchemaVersion,
		Bindings: []Binding{
			{
				BindingID:          "templated",
				Transport:          "telegram",
				Phase:              PhasePlanner,
				CategoryHint:       "ops",
				SessionKeyTemplate: "{transport}/{account_id}/{conversation_id}/{phase}/{category}",
			},
		},
	}
	event := routedEvent(contract.KindMessage, "chat 1", "u1")
	event.SetMetaString("account_id", "bot-7")

	decision := Resolve(file, event)
	want := "telegram_bot-7_chat_1_planner_ops"
	if decision.SessionKey != want {
		t.Errorf("session key = %q, want %q", decision.SessionKey, want)
	}

	// Same event resolves to the same key every time.
	if again := Resolve(file, event); again.SessionKey != decision.SessionKey {
		t.Errorf("session key changed across resolutions: %q vs %q", again.SessionKey, decision.SessionKey)
	}
}

func TestResolveAccountID(t *testing.T) {
	event := routedEvent(contract.KindMessage, "chat-1", "u1")
	event.SetMetaString("telegram_bot_id", "tg-9")
	event.SetMetaString("account_id", "explicit")

	if got := ResolveAccountID(event); got != "explicit" {
		t.Errorf("account id = %q, want explicit (account_id key wins)", got)
	}

	bare := routedEvent(contract.KindMessage, "chat-1", "u1")
	if got := ResolveAccountID(bare); got != "" {
		t.Errorf("account id = %q, want empty without metadata", got)
	}
}

func TestSanitizeSessionSegment(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "passthrough", in: "chat-100", want: "chat-100"},
		{name: "spaces replaced", in: "chat one", want: "chat_one"},
		{name: "path separators replaced", in: "../etc/passwd", want: ".._etc_passwd"},
		{name: "trim underscores", in: "  !!chat!!  ", want: "chat"},
		{name: "empty", in: "  ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeSessionSegment(tt.in); got != tt.want {
				t.Errorf("SanitizeSessionSegment(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDefaultSessionKeyFallback(t *testing.T) {
	event := routedEvent(contract.KindMessage, "???", "u1")
	if got := DefaultSessionKey(event); got != "default" {
		t.Errorf("session key = %q, want default", got)
	}
}
