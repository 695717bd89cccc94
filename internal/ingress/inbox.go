package ingress

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

// InboxFileName returns the per-transport inbox file name.
func InboxFileName(transport contract.Transport) string {
	return fmt.Sprintf("%s-inbox.ndjson", transport)
}

// SkippedLine records one malformed inbox line that was passed over.
type SkippedLine struct {
	Transport  contract.Transport `json:"transport"`
	LineNumber int                `json:"line_number"`
	ReasonCode string             `json:"reason_code"`
	Detail     string             `json:"detail"`
}

// QueuedEvent pairs a normalized event with the inbox line it came from so
// the runtime can advance consumed offsets precisely.
type QueuedEvent struct {
	Event      *contract.InboundEvent
	Transport  contract.Transport
	LineNumber int
}

// Batch is the outcome of one inbox scan: the events discovered past the
// consumed offsets, diagnostics for every skipped line, and the last line
// number scanned per transport.
type Batch struct {
	Events   []QueuedEvent
	Skipped  []SkippedLine
	LastLine map[contract.Transport]int
}

// Inbox reads and appends per-transport NDJSON inbox files under dir.
// Connectors append envelopes; the runtime drains them through offsets so
// backpressure-deferred lines survive to the next cycle. Appends and offset
// updates are serialized with a mutex because connectors run concurrently
// with the cycle loop.
type Inbox struct {
	dir string

	mu       sync.Mutex
	consumed map[contract.Transport]int // line count already handed to the runtime
}

// NewInbox creates an inbox rooted at dir, creating it if needed.
func NewInbox(dir string) (*Inbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}
	return &Inbox{dir: dir, consumed: make(map[contract.Transport]int)}, nil
}

// Dir returns the inbox root directory.
func (in *Inbox) Dir() string { return in.dir }

// Append writes one envelope line to the transport's inbox file.
func (in *Inbox) Append(transport contract.Transport, env Envelope) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal inbox envelope: %w", err)
	}
	path := filepath.Join(in.dir, InboxFileName(transport))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open inbox %s: %w", path, err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append inbox %s: %w", path, err)
	}
	return nil
}

// Discover scans every transport inbox past its consumed offset and returns
// the normalized events in file order. Malformed lines are skipped with a
// diagnostic and counted as consumed so they are not re-read forever.
func (in *Inbox) Discover() (*Batch, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	batch := &Batch{LastLine: make(map[contract.Transport]int)}
	for _, transport := range contract.Transports() {
		path := filepath.Join(in.dir, InboxFileName(transport))
		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("open inbox %s: %w", path, err)
		}

		offset := in.consumed[transport]
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		lineNumber := 0
		for scanner.Scan() {
			lineNumber++
			if lineNumber <= offset {
				continue
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			event, parseFailure := NormalizeLine([]byte(line))
			if parseFailure != nil {
				skip := SkippedLine{
					Transport:  transport,
					LineNumber: lineNumber,
					ReasonCode: ReasonInvalidJSON,
					Detail:     parseFailure.Error(),
				}
				var pe *ParseError
				if asParseError(parseFailure, &pe) {
					skip.ReasonCode = pe.ReasonCode
					skip.Detail = pe.Detail
				}
				slog.Warn("inbox line skipped",
					"transport", transport,
					"line", lineNumber,
					"reason_code", skip.ReasonCode,
					"detail", skip.Detail)
				batch.Skipped = append(batch.Skipped, skip)
				continue
			}
			batch.Events = append(batch.Events, QueuedEvent{
				Event:      event,
				Transport:  transport,
				LineNumber: lineNumber,
			})
		}
		batch.LastLine[transport] = lineNumber
		closeErr := file.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scan inbox %s: %w", path, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("close inbox %s: %w", path, closeErr)
		}
	}
	return batch, nil
}

// MarkConsumedThrough advances a transport's offset to lineNumber. The
// runtime calls this up to the last line it fully dequeued; lines deferred by
// queue backpressure stay past the offset and are rediscovered next cycle.
// Re-discovered lines that were already processed are caught by the dedup
// gate, so over-scanning is safe while under-scanning is not.
func (in *Inbox) MarkConsumedThrough(transport contract.Transport, lineNumber int) {
	in.mu.Lock()
	if lineNumber > in.consumed[transport] {
		in.consumed[transport] = lineNumber
	}
	in.mu.Unlock()
}

func asParseError(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if ok {
		*target = pe
	}
	return ok
}
