package ingress

import (
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

// parseDiscordPayload normalizes a Discord message-create payload.
func parseDiscordPayload(raw json.RawMessage) (*contract.InboundEvent, error) {
	var payload struct {
		ID        *flexID `json:"id"`
		ChannelID *flexID `json:"channel_id"`
		GuildID   *flexID `json:"guild_id"`
		Content   string  `json:"content"`
		Timestamp string  `json:"timestamp"`
		EditedAt  string  `json:"edited_timestamp"`
		ThreadID  *flexID `json:"thread_id"`
		Thread    *struct {
			ID *flexID `json:"id"`
		} `json:"thread"`
		Author *struct {
			ID       *flexID `json:"id"`
			Username string  `json:"username"`
		} `json:"author"`
		Mentions    json.RawMessage `json:"mentions"`
		Attachments json.RawMessage `json:"attachments"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, parseErr(ReasonInvalidPayload, "discord payload must be a JSON object: %v", err)
	}
	if payload.ID == nil || payload.ID.String() == "" {
		return nil, parseErr(ReasonMissingField, "payload.id is required")
	}
	if payload.ChannelID == nil || payload.ChannelID.String() == "" {
		return nil, parseErr(ReasonMissingField, "payload.channel_id is required")
	}
	if payload.Author == nil || payload.Author.ID == nil || payload.Author.ID.String() == "" {
		return nil, parseErr(ReasonMissingField, "payload.author.id is required")
	}
	if payload.Timestamp == "" {
		return nil, parseErr(ReasonInvalidTimestamp, "payload.timestamp is required")
	}
	ts, err := time.Parse(time.RFC3339, payload.Timestamp)
	if err != nil {
		return nil, parseErr(ReasonInvalidTimestamp, "payload.timestamp %q is not valid RFC3339", payload.Timestamp)
	}

	attachments, attErr := parseAttachments(payload.Attachments)
	if attErr != nil {
		return nil, attErr
	}

	threadID := ""
	if payload.Thread != nil && payload.Thread.ID != nil {
		threadID = payload.Thread.ID.String()
	}
	if threadID == "" && payload.ThreadID != nil {
		threadID = payload.ThreadID.String()
	}

	kind := detectEventKind(payload.Content)
	if payload.EditedAt != "" && kind == contract.KindMessage {
		kind = contract.KindEdit
	}

	event := &contract.InboundEvent{
		SchemaVersion:  contract.SchemaVersion,
		Transport:      contract.TransportDiscord,
		Kind:           kind,
		EventID:        payload.ID.String(),
		ConversationID: payload.ChannelID.String(),
		ThreadID:       threadID,
		ActorID:        payload.Author.ID.String(),
		ActorDisplay:   payload.Author.Username,
		TimestampMS:    ts.UnixMilli(),
		Text:           payload.Content,
		Attachments:    attachments,
	}
	if payload.GuildID != nil && payload.GuildID.String() != "" {
		event.SetMetaString("guild_id", payload.GuildID.String())
	}
	if len(payload.Mentions) > 0 {
		if event.Metadata == nil {
			event.Metadata = make(map[string]json.RawMessage)
		}
		event.Metadata["mentions"] = payload.Mentions
	}
	return event, nil
}
