package ingress

import (
	"encoding/json"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

// parseTelegramPayload normalizes a Telegram Bot API update. The event id is
// the message_id when present, else the update_id; both are stable per bot.
func parseTelegramPayload(raw json.RawMessage) (*contract.InboundEvent, error) {
	var payload struct {
		UpdateID *flexID `json:"update_id"`
		Message  *struct {
			MessageID       *flexID `json:"message_id"`
			MessageThreadID *flexID `json:"message_thread_id"`
			Date            int64   `json:"date"`
			Text            string  `json:"text"`
			EditDate        int64   `json:"edit_date"`
			Chat            *struct {
				ID   *flexID `json:"id"`
				Type string  `json:"type"`
			} `json:"chat"`
			From *struct {
				ID        *flexID `json:"id"`
				Username  string  `json:"username"`
				FirstName string  `json:"first_name"`
			} `json:"from"`
			Attachments json.RawMessage `json:"attachments"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, parseErr(ReasonInvalidPayload, "telegram payload must be a JSON object: %v", err)
	}
	message := payload.Message
	if message == nil {
		return nil, parseErr(ReasonMissingField, "payload.message is required")
	}
	if message.Chat == nil || message.Chat.ID == nil || message.Chat.ID.String() == "" {
		return nil, parseErr(ReasonMissingField, "payload.message.chat.id is required")
	}
	if message.From == nil || message.From.ID == nil || message.From.ID.String() == "" {
		return nil, parseErr(ReasonMissingField, "payload.message.from.id is required")
	}

	eventID := ""
	if message.MessageID != nil {
		eventID = message.MessageID.String()
	}
	if eventID == "" && payload.UpdateID != nil {
		eventID = payload.UpdateID.String()
	}
	if eventID == "" {
		return nil, parseErr(ReasonMissingField, "payload.message.message_id or payload.update_id is required")
	}
	if message.Date <= 0 {
		return nil, parseErr(ReasonInvalidTimestamp, "payload.message.date is required")
	}

	attachments, err := parseAttachments(message.Attachments)
	if err != nil {
		return nil, err
	}

	kind := detectEventKind(message.Text)
	if message.EditDate > 0 && kind == contract.KindMessage {
		kind = contract.KindEdit
	}

	display := message.From.Username
	if display == "" {
		display = message.From.FirstName
	}

	event := &contract.InboundEvent{
		SchemaVersion:  contract.SchemaVersion,
		Transport:      contract.TransportTelegram,
		Kind:           kind,
		EventID:        eventID,
		ConversationID: message.Chat.ID.String(),
		ActorID:        message.From.ID.String(),
		ActorDisplay:   display,
		TimestampMS:    message.Date * 1000,
		Text:           message.Text,
		Attachments:    attachments,
	}
	if message.MessageThreadID != nil && message.MessageThreadID.String() != "" {
		event.ThreadID = message.MessageThreadID.String()
	}
	if payload.UpdateID != nil && payload.UpdateID.String() != "" {
		event.SetMetaString("telegram_update_id", payload.UpdateID.String())
	}
	if message.Chat.Type != "" {
		event.SetMetaString("chat_type", message.Chat.Type)
	}
	return event, nil
}
