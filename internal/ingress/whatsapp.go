package ingress

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

// parseWhatsAppPayload normalizes a WhatsApp Cloud API change value. The
// conversation id is "<phone_number_id>:<sender>" so per-number DM threads
// stay distinct across business accounts.
func parseWhatsAppPayload(raw json.RawMessage) (*contract.InboundEvent, error) {
	var payload struct {
		Metadata *struct {
			PhoneNumberID *flexID `json:"phone_number_id"`
		} `json:"metadata"`
		Messages []struct {
			ID        *flexID `json:"id"`
			From      *flexID `json:"from"`
			Timestamp *flexID `json:"timestamp"`
			Text      *struct {
				Body string `json:"body"`
			} `json:"text"`
			Attachments json.RawMessage `json:"attachments"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, parseErr(ReasonInvalidPayload, "whatsapp payload must be a JSON object: %v", err)
	}
	if len(payload.Messages) == 0 {
		return nil, parseErr(ReasonMissingField, "payload.messages must include at least one message")
	}
	if payload.Metadata == nil || payload.Metadata.PhoneNumberID == nil || payload.Metadata.PhoneNumberID.String() == "" {
		return nil, parseErr(ReasonMissingField, "payload.metadata.phone_number_id is required")
	}
	message := payload.Messages[0]
	if message.ID == nil || message.ID.String() == "" {
		return nil, parseErr(ReasonMissingField, "payload.messages[0].id is required")
	}
	if message.From == nil || message.From.String() == "" {
		return nil, parseErr(ReasonMissingField, "payload.messages[0].from is required")
	}
	if message.Timestamp == nil || message.Timestamp.String() == "" {
		return nil, parseErr(ReasonInvalidTimestamp, "payload.messages[0].timestamp is required")
	}
	var timestampSecs int64
	if _, err := fmt.Sscanf(message.Timestamp.String(), "%d", &timestampSecs); err != nil || timestampSecs <= 0 {
		return nil, parseErr(ReasonInvalidTimestamp, "payload.messages[0].timestamp %q is not a unix timestamp", message.Timestamp.String())
	}

	attachments, err := parseAttachments(message.Attachments)
	if err != nil {
		return nil, err
	}

	text := ""
	if message.Text != nil {
		text = message.Text.Body
	}
	phoneNumberID := payload.Metadata.PhoneNumberID.String()
	actorID := message.From.String()

	event := &contract.InboundEvent{
		SchemaVersion:  contract.SchemaVersion,
		Transport:      contract.TransportWhatsApp,
		Kind:           detectEventKind(text),
		EventID:        message.ID.String(),
		ConversationID: fmt.Sprintf("%s:%s", phoneNumberID, actorID),
		ActorID:        actorID,
		TimestampMS:    timestampSecs * 1000,
		Text:           text,
		Attachments:    attachments,
	}
	event.SetMetaString("whatsapp_phone_number_id", phoneNumberID)
	return event, nil
}
