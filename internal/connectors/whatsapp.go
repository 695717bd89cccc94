package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
	"github.com/nextlevelbuilder/relaybot/internal/ingress"
)

// whatsAppMaxBodyBytes bounds webhook request bodies.
const whatsAppMaxBodyBytes = 1 << 20

// WhatsAppWebhookConfig wires the Cloud API webhook listener. Both secrets
// come from the environment; they are never serialized.
type WhatsAppWebhookConfig struct {
	VerifyToken string
	AppSecret   string
	// GlobalRatePerSecond throttles all webhook posts together; 0 disables.
	GlobalRatePerSecond float64
}

// WhatsAppWebhook handles Cloud API verification and message callbacks,
// appending one inbox envelope per change value.
type WhatsAppWebhook struct {
	cfg    WhatsAppWebhookConfig
	inbox  *ingress.Inbox
	perKey *WebhookRateLimiter
	global *rate.Limiter
	log    *slog.Logger
	bridge *WhatsAppBridge
}

// NewWhatsAppWebhook builds the webhook handler. bridge may be nil.
func NewWhatsAppWebhook(cfg WhatsAppWebhookConfig, inbox *ingress.Inbox, bridge *WhatsAppBridge, log *slog.Logger) *WhatsAppWebhook {
	if log == nil {
		log = slog.Default()
	}
	var global *rate.Limiter
	if cfg.GlobalRatePerSecond > 0 {
		global = rate.NewLimiter(rate.Limit(cfg.GlobalRatePerSecond), int(cfg.GlobalRatePerSecond)+1)
	}
	return &WhatsAppWebhook{
		cfg:    cfg,
		inbox:  inbox,
		perKey: NewWebhookRateLimiter(),
		global: global,
		log:    log,
		bridge: bridge,
	}
}

// Handler returns the webhook HTTP handler. The bridge endpoint, when
// enabled, is mounted at /bridge.
func (w *WhatsAppWebhook) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/whatsapp", w.handle)
	if w.bridge != nil {
		mux.HandleFunc("/bridge", w.bridge.handleUpgrade)
	}
	return mux
}

func (w *WhatsAppWebhook) handle(rw http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.handleVerify(rw, r)
	case http.MethodPost:
		w.handleCallback(rw, r)
	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleVerify answers the Cloud API subscription handshake.
func (w *WhatsAppWebhook) handleVerify(rw http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")
	if mode != "subscribe" || w.cfg.VerifyToken == "" || token != w.cfg.VerifyToken {
		w.log.Warn("whatsapp webhook verification rejected", "mode", mode)
		rw.WriteHeader(http.StatusForbidden)
		return
	}
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte(challenge))
}

func (w *WhatsAppWebhook) handleCallback(rw http.ResponseWriter, r *http.Request) {
	key := remoteKey(r)
	if !w.perKey.Allow(key) {
		rw.WriteHeader(http.StatusTooManyRequests)
		return
	}
	if w.global != nil && !w.global.Allow() {
		rw.WriteHeader(http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, whatsAppMaxBodyBytes))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	if !w.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
		w.log.Warn("whatsapp webhook signature rejected", "remote", key)
		rw.WriteHeader(http.StatusUnauthorized)
		return
	}

	appended, err := w.ingestCallback(body)
	if err != nil {
		w.log.Warn("whatsapp webhook payload rejected", "error", err)
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	w.log.Debug("whatsapp webhook accepted", "envelopes", appended)
	rw.WriteHeader(http.StatusOK)
}

// verifySignature checks the X-Hub-Signature-256 HMAC. A missing app secret
// fails closed.
func (w *WhatsAppWebhook) verifySignature(header string, body []byte) bool {
	if w.cfg.AppSecret == "" {
		return false
	}
	signature, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(w.cfg.AppSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// ingestCallback unwraps the Cloud API entry/changes envelope and appends one
// inbox line per change value carrying messages.
func (w *WhatsAppWebhook) ingestCallback(body []byte) (int, error) {
	var callback struct {
		Entry []struct {
			Changes []struct {
				Value json.RawMessage `json:"value"`
			} `json:"changes"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &callback); err != nil {
		return 0, fmt.Errorf("parse whatsapp callback: %w", err)
	}

	appended := 0
	nowMS := time.Now().UnixMilli()
	for _, entry := range callback.Entry {
		for _, change := range entry.Changes {
			if len(change.Value) == 0 {
				continue
			}
			env := ingress.WrapRawPayload(contract.TransportWhatsApp, "", nowMS, change.Value)
			if err := w.inbox.Append(contract.TransportWhatsApp, env); err != nil {
				return appended, err
			}
			appended++
		}
	}
	return appended, nil
}

func remoteKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WhatsAppBridge accepts one websocket connection from a local bridge
// process and exposes it to the outbound sender. A new connection replaces
// the previous one.
type WhatsAppBridge struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWhatsAppBridge creates an idle bridge endpoint.
func NewWhatsAppBridge(log *slog.Logger) *WhatsAppBridge {
	if log == nil {
		log = slog.Default()
	}
	return &WhatsAppBridge{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log: log,
	}
}

func (b *WhatsAppBridge) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		b.log.Warn("bridge upgrade failed", "error", err)
		return
	}
	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn = conn
	b.mu.Unlock()
	b.log.Info("bridge connected", "remote", r.RemoteAddr)
}

// Conn returns the active bridge connection, or nil when no bridge process
// is attached.
func (b *WhatsAppBridge) Conn() *websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

// Close drops the active bridge connection.
func (b *WhatsAppBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// Serve runs the webhook HTTP server until the context ends.
func (w *WhatsAppWebhook) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
