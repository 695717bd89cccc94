// Package outbound delivers pipeline responses back to the transports. Three
// modes: channel-store (log only), dry-run (shape requests, synthesize
// receipts), provider (dispatch through the transport adapters). Failure
// classification into retryable vs terminal reason codes drives the runtime's
// retry loop.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
	"github.com/nextlevelbuilder/relaybot/internal/telemetry"
)

var tracer = telemetry.Tracer("github.com/nextlevelbuilder/relaybot/internal/outbound")

// Per-transport hard caps on a single message's character count.
const (
	TelegramSafeMaxChars = 4096
	DiscordSafeMaxChars  = 2000
	WhatsAppSafeMaxChars = 1024
)

// Delivery reason codes. Retryable codes may be retried by the runtime;
// terminal codes end the event immediately.
const (
	ReasonRateLimited         = "delivery_rate_limited"
	ReasonProviderUnavailable = "delivery_provider_unavailable"
	ReasonTransportError      = "delivery_transport_error"
	ReasonRequestRejected     = "delivery_request_rejected"
	ReasonUnknownHTTPFailure  = "delivery_unknown_http_failure"
	ReasonSenderUnavailable   = "delivery_sender_unavailable"
)

// MissingCredentialReason renders the terminal reason code for an absent
// transport credential.
func MissingCredentialReason(transport contract.Transport) string {
	return fmt.Sprintf("delivery_missing_%s_credential", transport)
}

// Mode selects how responses leave the pipeline.
type Mode string

const (
	ModeChannelStore Mode = "channel_store"
	ModeDryRun       Mode = "dry_run"
	ModeProvider     Mode = "provider"
)

// ParseMode validates a configured outbound mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_"))) {
	case ModeChannelStore:
		return ModeChannelStore, nil
	case ModeDryRun:
		return ModeDryRun, nil
	case ModeProvider:
		return ModeProvider, nil
	}
	return "", fmt.Errorf("unsupported outbound mode %q", raw)
}

// Config bounds outbound delivery.
type Config struct {
	Mode     Mode
	MaxChars int
	// SendsPerSecond throttles provider dispatch; 0 disables the limiter.
	SendsPerSecond float64
}

// DefaultConfig returns the outbound defaults.
func DefaultConfig() Config {
	return Config{Mode: ModeChannelStore, MaxChars: 1200}
}

// Receipt records the outcome of one chunk dispatch.
type Receipt struct {
	ReceiptID         string          `json:"receipt_id"`
	Transport         string          `json:"transport"`
	Mode              string          `json:"mode"`
	Status            string          `json:"status"`
	ChunkIndex        int             `json:"chunk_index"`
	ChunkCount        int             `json:"chunk_count"`
	Endpoint          string          `json:"endpoint"`
	RequestBody       json.RawMessage `json:"request_body"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
}

// Result is the outcome of a full delivery: one receipt per chunk.
type Result struct {
	Mode       string    `json:"mode"`
	ChunkCount int       `json:"chunk_count"`
	Receipts   []Receipt `json:"receipts"`
}

// DeliveryError is a classified delivery failure.
type DeliveryError struct {
	ReasonCode string
	Detail     string
	Retryable  bool
	ChunkIndex int
	ChunkCount int
	Endpoint   string
	HTTPStatus int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("reason_code=%s retryable=%t chunk=%d/%d endpoint=%s detail=%s",
		e.ReasonCode, e.Retryable, e.ChunkIndex, e.ChunkCount, e.Endpoint, e.Detail)
}

// request is one shaped chunk dispatch, used for dry-run receipts and
// channel-store audit payloads. Endpoints never embed credentials.
type request struct {
	transport  contract.Transport
	endpoint   string
	body       json.RawMessage
	chunkIndex int
	chunkCount int
}

// Dispatcher shapes and delivers outbound responses.
type Dispatcher struct {
	cfg     Config
	senders map[contract.Transport]Sender
	limiter *rate.Limiter
}

// NewDispatcher validates the config and wires the provider senders. The
// senders map may be nil outside provider mode.
func NewDispatcher(cfg Config, senders map[contract.Transport]Sender) (*Dispatcher, error) {
	if cfg.MaxChars < 1 {
		return nil, fmt.Errorf("outbound max chars must be greater than 0")
	}
	var limiter *rate.Limiter
	if cfg.Mode == ModeProvider && cfg.SendsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), 1)
	}
	return &Dispatcher{cfg: cfg, senders: senders, limiter: limiter}, nil
}

// Mode returns the configured outbound mode.
func (d *Dispatcher) Mode() Mode { return d.cfg.Mode }

// Deliver chunks the response and dispatches it per the configured mode.
// Channel-store mode returns an empty result; the caller logs the response
// itself. A *DeliveryError carries the classification for the retry loop.
func (d *Dispatcher) Deliver(ctx context.Context, event *contract.InboundEvent, responseText string) (*Result, error) {
	result := &Result{Mode: string(d.cfg.Mode)}
	if d.cfg.Mode == ModeChannelStore {
		return result, nil
	}

	ctx, span := tracer.Start(ctx, "outbound.deliver",
		trace.WithAttributes(
			attribute.String("transport", string(event.Transport)),
			attribute.String("mode", string(d.cfg.Mode)),
			attribute.String("event_key", event.Key()),
		))
	defer span.End()

	requests, err := d.buildRequests(event, responseText)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	for _, req := range requests {
		switch d.cfg.Mode {
		case ModeDryRun:
			result.Receipts = append(result.Receipts, Receipt{
				ReceiptID:   dryRunReceiptID(event.Key(), req.chunkIndex),
				Transport:   string(req.transport),
				Mode:        string(d.cfg.Mode),
				Status:      "dry_run",
				ChunkIndex:  req.chunkIndex,
				ChunkCount:  req.chunkCount,
				Endpoint:    req.endpoint,
				RequestBody: req.body,
			})
		case ModeProvider:
			receipt, err := d.sendChunk(ctx, event, req)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			result.Receipts = append(result.Receipts, *receipt)
		}
	}
	result.ChunkCount = len(result.Receipts)
	span.SetAttributes(attribute.Int("chunk_count", result.ChunkCount))
	return result, nil
}

func (d *Dispatcher) sendChunk(ctx context.Context, event *contract.InboundEvent, req request) (*Receipt, error) {
	sender, ok := d.senders[req.transport]
	if !ok || sender == nil {
		return nil, &DeliveryError{
			ReasonCode: ReasonSenderUnavailable,
			Detail:     fmt.Sprintf("no provider sender configured for transport %s", req.transport),
			ChunkIndex: req.chunkIndex,
			ChunkCount: req.chunkCount,
			Endpoint:   req.endpoint,
		}
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, &DeliveryError{
				ReasonCode: ReasonTransportError,
				Detail:     fmt.Sprintf("rate limiter wait aborted: %v", err),
				Retryable:  true,
				ChunkIndex: req.chunkIndex,
				ChunkCount: req.chunkCount,
				Endpoint:   req.endpoint,
			}
		}
	}

	providerMessageID, sendErr := sender.SendText(ctx, event, chunkTextFromBody(req))
	if sendErr != nil {
		var de *DeliveryError
		if errors.As(sendErr, &de) {
			de.ChunkIndex = req.chunkIndex
			de.ChunkCount = req.chunkCount
			if de.Endpoint == "" {
				de.Endpoint = req.endpoint
			}
			return nil, de
		}
		return nil, &DeliveryError{
			ReasonCode: ReasonTransportError,
			Detail:     sendErr.Error(),
			Retryable:  true,
			ChunkIndex: req.chunkIndex,
			ChunkCount: req.chunkCount,
			Endpoint:   req.endpoint,
		}
	}
	return &Receipt{
		ReceiptID:         uuid.NewString(),
		Transport:         string(req.transport),
		Mode:              string(d.cfg.Mode),
		Status:            "sent",
		ChunkIndex:        req.chunkIndex,
		ChunkCount:        req.chunkCount,
		Endpoint:          req.endpoint,
		RequestBody:       req.body,
		ProviderMessageID: providerMessageID,
	}, nil
}

func (d *Dispatcher) buildRequests(event *contract.InboundEvent, responseText string) ([]request, error) {
	trimmed := strings.TrimSpace(responseText)
	if trimmed == "" {
		return nil, nil
	}
	chunkMax := d.cfg.MaxChars
	if safe := safeMaxChars(event.Transport); chunkMax > safe {
		chunkMax = safe
	}
	if chunkMax < 1 {
		chunkMax = 1
	}
	chunks := ChunkText(trimmed, chunkMax)
	requests := make([]request, 0, len(chunks))
	for i, chunk := range chunks {
		req, err := d.buildRequestForChunk(event, chunk, i+1, len(chunks))
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, nil
}

func (d *Dispatcher) buildRequestForChunk(event *contract.InboundEvent, chunk string, chunkIndex, chunkCount int) (request, error) {
	conversation := strings.TrimSpace(event.ConversationID)
	switch event.Transport {
	case contract.TransportTelegram:
		body, _ := json.Marshal(map[string]any{
			"chat_id":                  conversation,
			"text":                     chunk,
			"disable_web_page_preview": true,
		})
		return request{
			transport:  event.Transport,
			endpoint:   "https://api.telegram.org/bot<token>/sendMessage",
			body:       body,
			chunkIndex: chunkIndex,
			chunkCount: chunkCount,
		}, nil
	case contract.TransportDiscord:
		body, _ := json.Marshal(map[string]any{"content": chunk})
		return request{
			transport:  event.Transport,
			endpoint:   fmt.Sprintf("https://discord.com/api/v10/channels/%s/messages", conversation),
			body:       body,
			chunkIndex: chunkIndex,
			chunkCount: chunkCount,
		}, nil
	case contract.TransportWhatsApp:
		recipient := whatsAppRecipient(event)
		if recipient == "" && d.cfg.Mode == ModeProvider {
			return request{}, &DeliveryError{
				ReasonCode: MissingCredentialReason(event.Transport),
				Detail:     "whatsapp outbound requires a non-empty actor_id recipient",
				ChunkIndex: chunkIndex,
				ChunkCount: chunkCount,
			}
		}
		if recipient == "" {
			recipient = "dry-run-recipient"
		}
		body, _ := json.Marshal(map[string]any{
			"messaging_product": "whatsapp",
			"to":                recipient,
			"type":              "text",
			"text":              map[string]string{"body": chunk},
		})
		return request{
			transport:  event.Transport,
			endpoint:   "bridge:whatsapp/messages",
			body:       body,
			chunkIndex: chunkIndex,
			chunkCount: chunkCount,
		}, nil
	default:
		return request{}, &DeliveryError{
			ReasonCode: ReasonRequestRejected,
			Detail:     fmt.Sprintf("unsupported outbound transport %q", event.Transport),
			ChunkIndex: chunkIndex,
			ChunkCount: chunkCount,
		}
	}
}

// receiptNamespace scopes deterministic dry-run receipt ids to this module.
var receiptNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("relaybot:outbound:receipt"))

// dryRunReceiptID derives a stable receipt id from the event key and chunk
// index so replayed dry runs produce identical receipts.
func dryRunReceiptID(eventKey string, chunkIndex int) string {
	return uuid.NewSHA1(receiptNamespace, []byte(fmt.Sprintf("%s:%d", eventKey, chunkIndex))).String()
}

// whatsAppRecipient strips the phone-number-id prefix the ingress folded
// into the actor id.
func whatsAppRecipient(event *contract.InboundEvent) string {
	actor := strings.TrimSpace(event.ActorID)
	if i := strings.LastIndexByte(actor, ':'); i >= 0 {
		actor = actor[i+1:]
	}
	return strings.TrimSpace(actor)
}

func chunkTextFromBody(req request) string {
	switch req.transport {
	case contract.TransportTelegram:
		var body struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(req.body, &body)
		return body.Text
	case contract.TransportDiscord:
		var body struct {
			Content string `json:"content"`
		}
		_ = json.Unmarshal(req.body, &body)
		return body.Content
	case contract.TransportWhatsApp:
		var body struct {
			Text struct {
				Body string `json:"body"`
			} `json:"text"`
		}
		_ = json.Unmarshal(req.body, &body)
		return body.Text.Body
	}
	return ""
}

func safeMaxChars(transport contract.Transport) int {
	switch transport {
	case contract.TransportTelegram:
		return TelegramSafeMaxChars
	case contract.TransportDiscord:
		return DiscordSafeMaxChars
	case contract.TransportWhatsApp:
		return WhatsAppSafeMaxChars
	default:
		return DiscordSafeMaxChars
	}
}

// ChunkText splits text into rune-bounded chunks of at most maxChars.
// Content is never dropped; the final partial chunk is kept.
func ChunkText(text string, maxChars int) []string {
	if text == "" || maxChars < 1 {
		return nil
	}
	var chunks []string
	current := make([]rune, 0, maxChars)
	for _, ch := range text {
		current = append(current, ch)
		if len(current) >= maxChars {
			chunks = append(chunks, string(current))
			current = current[:0]
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, string(current))
	}
	return chunks
}

// ClassifyHTTPStatus maps a provider HTTP status to a reason code and
// retryability: 429 and 5xx retry, other 4xx are terminal.
func ClassifyHTTPStatus(status int) (string, bool) {
	switch {
	case status == 429:
		return ReasonRateLimited, true
	case status >= 500 && status <= 599:
		return ReasonProviderUnavailable, true
	case status >= 400 && status <= 499:
		return ReasonRequestRejected, false
	default:
		return ReasonUnknownHTTPFailure, true
	}
}
