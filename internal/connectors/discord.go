package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/relaybot/internal/contract"
	"github.com/nextlevelbuilder/relaybot/internal/ingress"
)

// discordCursorFileName persists the per-channel last-seen message ids.
const discordCursorFileName = "discord-cursors.json"

// discordBatchLimit bounds one ChannelMessages call per channel.
const discordBatchLimit = 100

// DiscordConnector polls configured channels over the REST API and appends
// message envelopes to the inbox. It skips the bot's own messages.
type DiscordConnector struct {
	session    *discordgo.Session
	channels   []string
	botUserID  string
	inbox      *ingress.Inbox
	cursorPath string
}

// NewDiscordConnector wires an open session polling the given channel ids.
func NewDiscordConnector(session *discordgo.Session, channelIDs []string, botUserID string, inbox *ingress.Inbox, stateDir string) *DiscordConnector {
	return &DiscordConnector{
		session:    session,
		channels:   channelIDs,
		botUserID:  botUserID,
		inbox:      inbox,
		cursorPath: filepath.Join(stateDir, discordCursorFileName),
	}
}

func (c *DiscordConnector) Name() string { return "discord" }

func (c *DiscordConnector) PollOnce(ctx context.Context) (int, error) {
	cursors, err := c.loadCursors()
	if err != nil {
		return 0, err
	}

	appended := 0
	nowMS := time.Now().UnixMilli()
	for _, channelID := range c.channels {
		after := cursors[channelID]
		messages, err := c.session.ChannelMessages(channelID, discordBatchLimit, "", after, "", discordgo.WithContext(ctx))
		if err != nil {
			return appended, fmt.Errorf("discord channel messages %s: %w", channelID, err)
		}
		// The API returns newest first; append oldest first so inbox order
		// follows message order.
		for i := len(messages) - 1; i >= 0; i-- {
			msg := messages[i]
			if msg.Author != nil && msg.Author.ID == c.botUserID {
				cursors[channelID] = maxSnowflake(cursors[channelID], msg.ID)
				continue
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				return appended, fmt.Errorf("marshal discord message %s: %w", msg.ID, err)
			}
			env := ingress.WrapRawPayload(contract.TransportDiscord, "", nowMS, payload)
			if err := c.inbox.Append(contract.TransportDiscord, env); err != nil {
				return appended, err
			}
			cursors[channelID] = maxSnowflake(cursors[channelID], msg.ID)
			appended++
		}
	}
	if err := c.saveCursors(cursors); err != nil {
		return appended, err
	}
	return appended, nil
}

// maxSnowflake picks the larger discord snowflake id. Snowflakes are
// numerically increasing; longer decimal strings are larger.
func maxSnowflake(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if len(a) != len(b) {
		if len(a) > len(b) {
			return a
		}
		return b
	}
	if a > b {
		return a
	}
	return b
}

func (c *DiscordConnector) loadCursors() (map[string]string, error) {
	data, err := os.ReadFile(c.cursorPath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("read discord cursors: %w", err)
	}
	cursors := make(map[string]string)
	if err := json.Unmarshal(data, &cursors); err != nil {
		return nil, fmt.Errorf("parse discord cursors: %w", err)
	}
	return cursors, nil
}

func (c *DiscordConnector) saveCursors(cursors map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(c.cursorPath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.Marshal(cursors)
	if err != nil {
		return fmt.Errorf("marshal discord cursors: %w", err)
	}
	if err := os.WriteFile(c.cursorPath, data, 0o644); err != nil {
		return fmt.Errorf("write discord cursors: %w", err)
	}
	return nil
}
