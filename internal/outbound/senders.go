package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
)

// Sender dispatches one text chunk on a transport in provider mode. It
// returns the provider-assigned message id when the provider reports one.
// Failures should be returned as *DeliveryError so the retry loop sees the
// classification; any other error is treated as a retryable transport error.
type Sender interface {
	SendText(ctx context.Context, event *contract.InboundEvent, text string) (string, error)
}

// TelegramSender delivers chunks through the Telegram Bot API.
type TelegramSender struct {
	bot *telego.Bot
}

// NewTelegramSender wraps an authorized bot client.
func NewTelegramSender(bot *telego.Bot) *TelegramSender {
	return &TelegramSender{bot: bot}
}

func (s *TelegramSender) SendText(ctx context.Context, event *contract.InboundEvent, text string) (string, error) {
	chatID, err := strconv.ParseInt(event.ConversationID, 10, 64)
	if err != nil {
		return "", &DeliveryError{
			ReasonCode: ReasonRequestRejected,
			Detail:     fmt.Sprintf("telegram conversation id %q is not a chat id", event.ConversationID),
		}
	}
	msg := tu.Message(tu.ID(chatID), text)
	msg.DisableNotification = false
	sent, err := s.bot.SendMessage(ctx, msg)
	if err != nil {
		var apiErr *telegoapi.Error
		if errors.As(err, &apiErr) {
			reason, retryable := ClassifyHTTPStatus(apiErr.ErrorCode)
			return "", &DeliveryError{
				ReasonCode: reason,
				Detail:     apiErr.Description,
				Retryable:  retryable,
				HTTPStatus: apiErr.ErrorCode,
			}
		}
		return "", &DeliveryError{
			ReasonCode: ReasonTransportError,
			Detail:     err.Error(),
			Retryable:  true,
		}
	}
	return strconv.Itoa(sent.MessageID), nil
}

// DiscordSender delivers chunks through an open Discord gateway session.
type DiscordSender struct {
	session *discordgo.Session
}

// NewDiscordSender wraps an open session.
func NewDiscordSender(session *discordgo.Session) *DiscordSender {
	return &DiscordSender{session: session}
}

func (s *DiscordSender) SendText(ctx context.Context, event *contract.InboundEvent, text string) (string, error) {
	sent, err := s.session.ChannelMessageSend(event.ConversationID, text, discordgo.WithContext(ctx))
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil {
			reason, retryable := ClassifyHTTPStatus(restErr.Response.StatusCode)
			return "", &DeliveryError{
				ReasonCode: reason,
				Detail:     string(restErr.ResponseBody),
				Retryable:  retryable,
				HTTPStatus: restErr.Response.StatusCode,
			}
		}
		return "", &DeliveryError{
			ReasonCode: ReasonTransportError,
			Detail:     err.Error(),
			Retryable:  true,
		}
	}
	return sent.ID, nil
}

// whatsAppFrame is the bridge wire shape for an outbound message.
type whatsAppFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	To        string `json:"to"`
	Content   string `json:"content"`
}

// WhatsAppSender delivers chunks over the websocket bridge. Writes are
// serialized; gorilla connections allow one concurrent writer.
type WhatsAppSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWhatsAppSender wraps an established bridge connection.
func NewWhatsAppSender(conn *websocket.Conn) *WhatsAppSender {
	return &WhatsAppSender{conn: conn}
}

func (s *WhatsAppSender) SendText(ctx context.Context, event *contract.InboundEvent, text string) (string, error) {
	recipient := whatsAppRecipient(event)
	if recipient == "" {
		return "", &DeliveryError{
			ReasonCode: MissingCredentialReason(event.Transport),
			Detail:     "whatsapp outbound requires a non-empty recipient",
		}
	}
	frame := whatsAppFrame{
		Type:      "message",
		MessageID: uuid.NewString(),
		To:        recipient,
		Content:   text,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return "", &DeliveryError{
			ReasonCode: ReasonRequestRejected,
			Detail:     fmt.Sprintf("encode bridge frame: %v", err),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return "", &DeliveryError{
			ReasonCode: ReasonTransportError,
			Detail:     fmt.Sprintf("bridge write: %v", err),
			Retryable:  true,
		}
	}
	return frame.MessageID, nil
}
