package ingress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

func telegramEnvelope(messageID int, text string) Envelope {
	payload := fmt.Sprintf(`{"update_id":%d,"message":{"message_id":%d,"date":1700000000,"text":%q,`+
		`"chat":{"id":100,"type":"private"},"from":{"id":7}}}`, messageID, messageID, text)
	return WrapRawPayload(contract.TransportTelegram, "", 1700000000000, json.RawMessage(payload))
}

func TestInboxAppendAndDiscover(t *testing.T) {
	inbox, err := NewInbox(t.TempDir())
	if err != nil {
		t.Fatalf("new inbox: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := inbox.Append(contract.TransportTelegram, telegramEnvelope(i, "hello")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	batch, err := inbox.Discover()
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(batch.Events) != 3 {
		t.Fatalf("events = %d, want 3", len(batch.Events))
	}
	for i, item := range batch.Events {
		if item.LineNumber != i+1 {
			t.Errorf("event[%d] line = %d, want %d", i, item.LineNumber, i+1)
		}
		if item.Transport != contract.TransportTelegram {
			t.Errorf("event[%d] transport = %q, want telegram", i, item.Transport)
		}
	}
	if batch.LastLine[contract.TransportTelegram] != 3 {
		t.Errorf("last line = %d, want 3", batch.LastLine[contract.TransportTelegram])
	}
}

func TestInboxSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	inbox, err := NewInbox(dir)
	if err != nil {
		t.Fatalf("new inbox: %v", err)
	}
	if err := inbox.Append(contract.TransportTelegram, telegramEnvelope(1, "first")); err != nil {
		t.Fatalf("append: %v", err)
	}

	// A corrupt line in the middle must not block later lines.
	path := filepath.Join(dir, InboxFileName(contract.TransportTelegram))
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open inbox file: %v", err)
	}
	if _, err := file.WriteString("{broken\n"); err != nil {
		t.Fatalf("write corrupt line: %v", err)
	}
	file.Close()
	if err := inbox.Append(contract.TransportTelegram, telegramEnvelope(2, "second")); err != nil {
		t.Fatalf("append: %v", err)
	}

	batch, err := inbox.Discover()
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(batch.Events) != 2 {
		t.Fatalf("events = %d, want the valid lines around the corrupt one", len(batch.Events))
	}
	if len(batch.Skipped) != 1 {
		t.Fatalf("skipped = %d, want 1", len(batch.Skipped))
	}
	skip := batch.Skipped[0]
	if skip.LineNumber != 2 || skip.ReasonCode != ReasonInvalidJSON {
		t.Errorf("skip = %+v, want line 2 invalid_json", skip)
	}
}

func TestMarkConsumedThrough(t *testing.T) {
	inbox, err := NewInbox(t.TempDir())
	if err != nil {
		t.Fatalf("new inbox: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := inbox.Append(contract.TransportTelegram, telegramEnvelope(i, "hello")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	inbox.MarkConsumedThrough(contract.TransportTelegram, 2)
	batch, err := inbox.Discover()
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(batch.Events) != 1 || batch.Events[0].LineNumber != 3 {
		t.Fatalf("batch = %+v, want only line 3 past the offset", batch.Events)
	}

	// Offsets only move forward.
	inbox.MarkConsumedThrough(contract.TransportTelegram, 1)
	batch, err = inbox.Discover()
	if err != nil {
		t.Fatalf("discover after backward mark: %v", err)
	}
	if len(batch.Events) != 1 {
		t.Errorf("events = %d, want the offset unchanged by a lower mark", len(batch.Events))
	}

	inbox.MarkConsumedThrough(contract.TransportTelegram, 3)
	batch, err = inbox.Discover()
	if err != nil {
		t.Fatalf("discover after final mark: %v", err)
	}
	if len(batch.Events) != 0 {
		t.Errorf("events = %d, want fully drained", len(batch.Events))
	}
}

func TestInboxTransportsIsolated(t *testing.T) {
	inbox, err := NewInbox(t.TempDir())
	if err != nil {
		t.Fatalf("new inbox: %v", err)
	}
	if err := inbox.Append(contract.TransportTelegram, telegramEnvelope(1, "hi")); err != nil {
		t.Fatalf("append telegram: %v", err)
	}
	discordPayload := `{"id":"111","channel_id":"222","content":"hey","timestamp":"2023-11-14T22:13:20Z","author":{"id":"444"}}`
	env := WrapRawPayload(contract.TransportDiscord, "", 1700000000000, json.RawMessage(discordPayload))
	if err := inbox.Append(contract.TransportDiscord, env); err != nil {
		t.Fatalf("append discord: %v", err)
	}

	inbox.MarkConsumedThrough(contract.TransportTelegram, 1)
	batch, err := inbox.Discover()
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(batch.Events) != 1 || batch.Events[0].Transport != contract.TransportDiscord {
		t.Fatalf("batch = %+v, want only the discord event", batch.Events)
	}
}
