// Package store persists per-channel pipeline history. Each channel gets an
// append-only log.jsonl (inbound and outbound records) and context.jsonl
// (conversation turns) under <state>/channel-store/<transport>/<channel>/.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

// Log file names inside a channel directory.
const (
	LogFileName     = "log.jsonl"
	ContextFileName = "context.jsonl"
)

// Direction marks a log entry as inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// LogEntry is one line of a channel's log.jsonl. Outbound entries carry the
// delivery status and reason code; inbound entries carry the resolved route.
type LogEntry struct {
	TimestampUnixMS int64           `json:"timestamp_unix_ms"`
	Direction       Direction       `json:"direction"`
	EventKey        string          `json:"event_key"`
	Source          string          `json:"source,omitempty"`
	Status          string          `json:"status,omitempty"`
	ReasonCode      string          `json:"reason_code,omitempty"`
	SessionKey      string          `json:"session_key,omitempty"`
	Phase           string          `json:"phase,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// ContextEntry is one conversation turn in context.jsonl.
type ContextEntry struct {
	TimestampUnixMS int64  `json:"timestamp_unix_ms"`
	Role            string `json:"role"`
	Text            string `json:"text"`
}

// ChannelStore appends pipeline history per channel. Appends are serialized
// so concurrent cycle work never interleaves partial lines.
type ChannelStore struct {
	root string

	mu sync.Mutex
}

// NewChannelStore creates a store rooted at <stateDir>/channel-store.
func NewChannelStore(stateDir string) *ChannelStore {
	return &ChannelStore{root: filepath.Join(stateDir, "channel-store")}
}

// Root returns the channel-store root directory.
func (s *ChannelStore) Root() string { return s.root }

// ChannelDir returns the directory for one channel, creating the sanitized
// path segment from the conversation id.
func (s *ChannelStore) ChannelDir(transport contract.Transport, conversationID string) string {
	return filepath.Join(s.root, string(transport), sanitizePathSegment(conversationID))
}

// ChannelKey renders the persisted channel key "<transport>/<conversation>".
func ChannelKey(transport contract.Transport, conversationID string) string {
	return string(transport) + "/" + sanitizePathSegment(conversationID)
}

// AppendInbound logs a processed inbound event with its resolved route. The
// append is idempotent per event key: a replayed event that already has an
// inbound line is not rewritten.
func (s *ChannelStore) AppendInbound(event *contract.InboundEvent, sessionKey, phase string, nowUnixMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.ChannelDir(event.Transport, event.ConversationID)
	logged, err := hasLogEntry(filepath.Join(dir, LogFileName), DirectionInbound, event.Key())
	if err != nil {
		return err
	}
	if logged {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal inbound event %s: %w", event.Key(), err)
	}
	return appendLine(dir, LogFileName, LogEntry{
		TimestampUnixMS: nowUnixMS,
		Direction:       DirectionInbound,
		EventKey:        event.Key(),
		Source:          string(event.Transport),
		SessionKey:      sessionKey,
		Phase:           phase,
		Payload:         payload,
	})
}

// AppendOutbound logs a delivery outcome for an event.
func (s *ChannelStore) AppendOutbound(transport contract.Transport, conversationID, eventKey, status, reasonCode string, payload json.RawMessage, nowUnixMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.ChannelDir(transport, conversationID)
	logged, err := hasLogEntry(filepath.Join(dir, LogFileName), DirectionOutbound, eventKey)
	if err != nil {
		return err
	}
	if logged {
		return nil
	}
	return appendLine(dir, LogFileName, LogEntry{
		TimestampUnixMS: nowUnixMS,
		Direction:       DirectionOutbound,
		EventKey:        eventKey,
		Status:          status,
		ReasonCode:      reasonCode,
		Payload:         payload,
	})
}

// AppendContext logs one conversation turn.
func (s *ChannelStore) AppendContext(transport contract.Transport, conversationID, role, text string, nowUnixMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.ChannelDir(transport, conversationID)
	return appendLine(dir, ContextFileName, ContextEntry{
		TimestampUnixMS: nowUnixMS,
		Role:            role,
		Text:            text,
	})
}

// ReadLog returns all log entries for a channel in append order.
func (s *ChannelStore) ReadLog(transport contract.Transport, conversationID string) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.ChannelDir(transport, conversationID), LogFileName)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open channel log %s: %w", path, err)
	}
	defer file.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("parse channel log %s: %w", path, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan channel log %s: %w", path, err)
	}
	return entries, nil
}

// hasLogEntry reports whether a log line with the direction and event key
// already exists. Event keys with an empty value never match.
func hasLogEntry(path string, direction Direction, eventKey string) (bool, error) {
	if strings.TrimSpace(eventKey) == "" {
		return false, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("open channel log %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// A torn trailing line from a crash does not block new appends.
			continue
		}
		if entry.Direction == direction && entry.EventKey == eventKey {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("scan channel log %s: %w", path, err)
	}
	return false, nil
}

func appendLine(dir, name string, record any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create channel dir %s: %w", dir, err)
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal channel record: %w", err)
	}
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open channel file %s: %w", path, err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append channel file %s: %w", path, err)
	}
	return nil
}

// sanitizePathSegment bounds conversation ids to safe path characters.
func sanitizePathSegment(raw string) string {
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
	segment := strings.Trim(b.String(), "_")
	if segment == "" {
		return "default"
	}
	return segment
}
