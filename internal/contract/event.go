// Package contract defines the canonical inbound event model shared by every
// pipeline stage. The ingress normalizer is the only component that builds
// these events from raw provider payloads; everything downstream (policy,
// routing, persistence, outbound) consumes them read-only, so transport
// specific branching never leaks past the normalization boundary.
package contract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SchemaVersion is the canonical inbound event schema version.
const SchemaVersion = 1

// Transport identifies one external chat provider integration.
type Transport string

const (
	TransportTelegram Transport = "telegram"
	TransportDiscord  Transport = "discord"
	TransportWhatsApp Transport = "whatsapp"
)

// ParseTransport normalizes a raw transport label.
func ParseTransport(raw string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "telegram":
		return TransportTelegram, nil
	case "discord":
		return TransportDiscord, nil
	case "whatsapp":
		return TransportWhatsApp, nil
	default:
		return "", fmt.Errorf("unsupported transport %q", raw)
	}
}

// Transports lists every supported transport in a stable order.
func Transports() []Transport {
	return []Transport{TransportTelegram, TransportDiscord, TransportWhatsApp}
}

// EventKind classifies an inbound event for routing defaults.
type EventKind string

const (
	KindMessage EventKind = "message"
	KindEdit    EventKind = "edit"
	KindCommand EventKind = "command"
	KindSystem  EventKind = "system"
)

// Attachment is one media item carried by an inbound event.
type Attachment struct {
	AttachmentID string `json:"attachment_id"`
	URL          string `json:"url"`
	ContentType  string `json:"content_type,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
}

// InboundEvent is the canonical representation of one inbound message.
// Events are immutable once built by the normalizer.
type InboundEvent struct {
	SchemaVersion  int                        `json:"schema_version"`
	Transport      Transport                  `json:"transport"`
	Kind           EventKind                  `json:"event_kind"`
	EventID        string                     `json:"event_id"`
	ConversationID string                     `json:"conversation_id"`
	ThreadID       string                     `json:"thread_id,omitempty"`
	ActorID        string                     `json:"actor_id"`
	ActorDisplay   string                     `json:"actor_display,omitempty"`
	TimestampMS    int64                      `json:"timestamp_ms"`
	Text           string                     `json:"text,omitempty"`
	Attachments    []Attachment               `json:"attachments,omitempty"`
	Metadata       map[string]json.RawMessage `json:"metadata,omitempty"`
}

// Key returns the dedup key "<transport>:<event_id>". The pair is opaque and
// stable per provider; it is the unique identity of the event.
func (e *InboundEvent) Key() string {
	return fmt.Sprintf("%s:%s", e.Transport, strings.TrimSpace(e.EventID))
}

// PolicyChannel returns the policy lookup key "<transport>:<conversation_id>".
func (e *InboundEvent) PolicyChannel() string {
	return fmt.Sprintf("%s:%s", e.Transport, strings.TrimSpace(e.ConversationID))
}

// MetaString reads a string metadata value, returning "" when absent or not a
// JSON string.
func (e *InboundEvent) MetaString(key string) string {
	raw, ok := e.Metadata[key]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}

// MetaBool reads a boolean metadata value, returning false when absent or not
// a JSON bool.
func (e *InboundEvent) MetaBool(key string) bool {
	raw, ok := e.Metadata[key]
	if !ok {
		return false
	}
	var value bool
	if err := json.Unmarshal(raw, &value); err != nil {
		return false
	}
	return value
}

// MetaInt reads an integer metadata value, returning 0 when absent or not a
// JSON number.
func (e *InboundEvent) MetaInt(key string) int64 {
	raw, ok := e.Metadata[key]
	if !ok {
		return 0
	}
	var value int64
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0
	}
	return value
}

// MetaLen reports the element count of an array metadata value.
func (e *InboundEvent) MetaLen(key string) int {
	raw, ok := e.Metadata[key]
	if !ok {
		return 0
	}
	var value []json.RawMessage
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0
	}
	return len(value)
}

// SetMetaString stores a string metadata value, allocating the map on first
// use. Only the normalizer mutates events, before they enter the pipeline.
func (e *InboundEvent) SetMetaString(key, value string) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]json.RawMessage)
	}
	encoded, _ := json.Marshal(value)
	e.Metadata[key] = encoded
}
