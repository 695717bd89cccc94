package runtime

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

// RenderResponse produces the deterministic acknowledgment for events the
// command executor did not claim. A model-backed responder can replace this
// path without touching the pipeline.
func RenderResponse(event *contract.InboundEvent) string {
	text := strings.TrimSpace(event.Text)
	if event.Kind == contract.KindCommand || strings.HasPrefix(text, "/") {
		return fmt.Sprintf("command acknowledged: transport=%s event_id=%s conversation=%s",
			event.Transport, strings.TrimSpace(event.EventID), strings.TrimSpace(event.ConversationID))
	}
	return fmt.Sprintf("message processed: transport=%s event_id=%s text_chars=%d",
		event.Transport, strings.TrimSpace(event.EventID), len([]rune(text)))
}

// SimulatedTransientFailures reads the test hook metadata that forces the
// first n delivery attempts to fail with a retryable error.
func SimulatedTransientFailures(event *contract.InboundEvent) int {
	n := event.MetaInt("simulate_transient_failures")
	if n < 0 {
		return 0
	}
	return int(n)
}
