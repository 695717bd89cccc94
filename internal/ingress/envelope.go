// Package ingress normalizes raw provider payloads into canonical inbound
// events. Each transport has its own envelope parser; malformed lines are
// skipped with a diagnostic so one bad payload never aborts a batch.
package ingress

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

// EnvelopeSchemaVersion is the live inbound envelope schema version.
const EnvelopeSchemaVersion = 1

// Parse failure reason codes, recorded in skip diagnostics.
const (
	ReasonInvalidJSON          = "invalid_json"
	ReasonInvalidPayload       = "invalid_payload"
	ReasonMissingField         = "missing_field"
	ReasonInvalidTimestamp     = "invalid_timestamp"
	ReasonUnsupportedTransport = "unsupported_transport"
	ReasonSchemaVersion        = "unsupported_schema_version"
)

// Envelope is one line of a transport inbox NDJSON file: a raw provider
// payload plus the routing header the connectors wrote when they ingested it.
type Envelope struct {
	SchemaVersion  int             `json:"schema_version"`
	Transport      string          `json:"transport"`
	Provider       string          `json:"provider,omitempty"`
	ReceivedUnixMS int64           `json:"received_unix_ms,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// ParseError reports why one envelope was rejected. It carries a machine
// readable reason code for the skip diagnostic.
type ParseError struct {
	ReasonCode string
	Detail     string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ingress parse failed: reason_code=%s detail=%s", e.ReasonCode, e.Detail)
}

func parseErr(reason, format string, args ...any) *ParseError {
	return &ParseError{ReasonCode: reason, Detail: fmt.Sprintf(format, args...)}
}

// DefaultProviderLabel names the upstream provider for envelopes that the
// connectors build from raw transport payloads.
func DefaultProviderLabel(transport contract.Transport) string {
	switch transport {
	case contract.TransportTelegram:
		return "telegram-bot-api"
	case contract.TransportDiscord:
		return "discord-gateway"
	case contract.TransportWhatsApp:
		return "whatsapp-cloud-api"
	default:
		return "unknown"
	}
}

// WrapRawPayload builds an inbox envelope around a raw provider payload.
func WrapRawPayload(transport contract.Transport, provider string, receivedUnixMS int64, payload json.RawMessage) Envelope {
	if strings.TrimSpace(provider) == "" {
		provider = DefaultProviderLabel(transport)
	}
	return Envelope{
		SchemaVersion:  EnvelopeSchemaVersion,
		Transport:      string(transport),
		Provider:       provider,
		ReceivedUnixMS: receivedUnixMS,
		Payload:        payload,
	}
}

// Normalize parses one envelope into a canonical inbound event.
func Normalize(env *Envelope) (*contract.InboundEvent, error) {
	if env.SchemaVersion != 0 && env.SchemaVersion != EnvelopeSchemaVersion {
		return nil, parseErr(ReasonSchemaVersion, "envelope schema_version %d (expected %d)", env.SchemaVersion, EnvelopeSchemaVersion)
	}
	transport, err := contract.ParseTransport(env.Transport)
	if err != nil {
		return nil, parseErr(ReasonUnsupportedTransport, "%v", err)
	}
	if len(env.Payload) == 0 {
		return nil, parseErr(ReasonInvalidPayload, "envelope payload is empty")
	}

	var event *contract.InboundEvent
	switch transport {
	case contract.TransportTelegram:
		event, err = parseTelegramPayload(env.Payload)
	case contract.TransportDiscord:
		event, err = parseDiscordPayload(env.Payload)
	case contract.TransportWhatsApp:
		event, err = parseWhatsAppPayload(env.Payload)
	}
	if err != nil {
		return nil, err
	}

	provider := strings.TrimSpace(env.Provider)
	if provider == "" {
		provider = DefaultProviderLabel(transport)
	}
	event.SetMetaString("ingress_provider", provider)
	return event, nil
}

// NormalizeLine parses one NDJSON inbox line.
func NormalizeLine(line []byte) (*contract.InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, parseErr(ReasonInvalidJSON, "envelope is not valid JSON: %v", err)
	}
	return Normalize(&env)
}

// detectEventKind classifies text the way the route defaults expect:
// slash-prefixed text is a command, "system:"-prefixed text a system notice.
func detectEventKind(text string) contract.EventKind {
	trimmed := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(trimmed, "/"):
		return contract.KindCommand
	case strings.HasPrefix(strings.ToLower(trimmed), "system:"):
		return contract.KindSystem
	default:
		return contract.KindMessage
	}
}

func parseAttachments(raw json.RawMessage) ([]contract.Attachment, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rows []struct {
		AttachmentID string `json:"attachment_id"`
		URL          string `json:"url"`
		ContentType  string `json:"content_type"`
		FileName     string `json:"file_name"`
		SizeBytes    int64  `json:"size_bytes"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, parseErr(ReasonInvalidPayload, "attachments must be an array of objects: %v", err)
	}
	attachments := make([]contract.Attachment, 0, len(rows))
	for i, row := range rows {
		if strings.TrimSpace(row.AttachmentID) == "" {
			return nil, parseErr(ReasonMissingField, "attachments[%d].attachment_id is required", i)
		}
		if strings.TrimSpace(row.URL) == "" {
			return nil, parseErr(ReasonMissingField, "attachments[%d].url is required", i)
		}
		attachments = append(attachments, contract.Attachment{
			AttachmentID: strings.TrimSpace(row.AttachmentID),
			URL:          strings.TrimSpace(row.URL),
			ContentType:  strings.TrimSpace(row.ContentType),
			FileName:     strings.TrimSpace(row.FileName),
			SizeBytes:    row.SizeBytes,
		})
	}
	return attachments, nil
}

// flexID accepts JSON strings and integers for provider identifiers; Telegram
// sends numeric chat/user ids, Discord sends snowflake strings.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) String() string { return strings.TrimSpace(string(f)) }
