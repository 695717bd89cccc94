package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
	"github.com/nextlevelbuilder/relaybot/internal/ingress"
)

// telegramOffsetFileName persists the long-poll offset between runs.
const telegramOffsetFileName = "telegram-offset.json"

// telegramBatchLimit bounds one GetUpdates call.
const telegramBatchLimit = 100

// TelegramConnector pulls bot updates over the Bot API and appends message
// envelopes to the inbox.
type TelegramConnector struct {
	bot        *telego.Bot
	inbox      *ingress.Inbox
	offsetPath string
}

// NewTelegramConnector wires an authorized bot client. The update offset is
// persisted under stateDir so restarts never replay acknowledged updates.
func NewTelegramConnector(bot *telego.Bot, inbox *ingress.Inbox, stateDir string) *TelegramConnector {
	return &TelegramConnector{
		bot:        bot,
		inbox:      inbox,
		offsetPath: filepath.Join(stateDir, telegramOffsetFileName),
	}
}

func (c *TelegramConnector) Name() string { return "telegram" }

func (c *TelegramConnector) PollOnce(ctx context.Context) (int, error) {
	offset, err := c.loadOffset()
	if err != nil {
		return 0, err
	}
	updates, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset:         offset,
		Limit:          telegramBatchLimit,
		AllowedUpdates: []string{"message", "edited_message"},
	})
	if err != nil {
		return 0, fmt.Errorf("telegram get updates: %w", err)
	}

	appended := 0
	nextOffset := offset
	nowMS := time.Now().UnixMilli()
	for _, update := range updates {
		if update.UpdateID >= nextOffset {
			nextOffset = update.UpdateID + 1
		}
		message := update.Message
		if message == nil {
			message = update.EditedMessage
		}
		if message == nil {
			continue
		}
		payload, err := json.Marshal(update)
		if err != nil {
			return appended, fmt.Errorf("marshal telegram update %d: %w", update.UpdateID, err)
		}
		env := ingress.WrapRawPayload(contract.TransportTelegram, "", nowMS, payload)
		if err := c.inbox.Append(contract.TransportTelegram, env); err != nil {
			return appended, err
		}
		appended++
	}
	if nextOffset != offset {
		if err := c.saveOffset(nextOffset); err != nil {
			return appended, err
		}
	}
	return appended, nil
}

func (c *TelegramConnector) loadOffset() (int, error) {
	data, err := os.ReadFile(c.offsetPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read telegram offset: %w", err)
	}
	var stored struct {
		Offset int `json:"offset"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return 0, fmt.Errorf("parse telegram offset: %w", err)
	}
	return stored.Offset, nil
}

func (c *TelegramConnector) saveOffset(offset int) error {
	if err := os.MkdirAll(filepath.Dir(c.offsetPath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.Marshal(map[string]int{"offset": offset})
	if err != nil {
		return fmt.Errorf("marshal telegram offset: %w", err)
	}
	if err := os.WriteFile(c.offsetPath, data, 0o644); err != nil {
		return fmt.Errorf("write telegram offset: %w", err)
	}
	return nil
}
