package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mymmrac/telego"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relaybot/internal/config"
	"github.com/nextlevelbuilder/relaybot/internal/connectors"
	"github.com/nextlevelbuilder/relaybot/internal/contract"
	"github.com/nextlevelbuilder/relaybot/internal/ingress"
	"github.com/nextlevelbuilder/relaybot/internal/media"
	"github.com/nextlevelbuilder/relaybot/internal/outbound"
	"github.com/nextlevelbuilder/relaybot/internal/runtime"
	"github.com/nextlevelbuilder/relaybot/internal/state"
	"github.com/nextlevelbuilder/relaybot/internal/telemetry"
)

func runCmd() *cobra.Command {
	var pollOnce bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the event pipeline",
		Long:  "Polls the enabled connectors, drains the inbox through the pipeline, and repeats every poll interval. With --poll-once, performs exactly one poll and one cycle.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), pollOnce)
		},
	}
	cmd.Flags().BoolVar(&pollOnce, "poll-once", false, "perform one connector poll and one cycle, then exit")
	return cmd
}

func runPipeline(parent context.Context, pollOnce bool) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	log := slog.Default()

	shutdownTracing, err := telemetry.Init(parent, "relaybot", Version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	states, err := state.Open(cfg.StateDir)
	if err != nil {
		return err
	}
	defer states.Close()

	inbox, err := ingress.NewInbox(cfg.InboxDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bridge *connectors.WhatsAppBridge
	if cfg.Channels.WhatsApp.Enabled && cfg.Channels.WhatsApp.BridgeEnabled {
		bridge = connectors.NewWhatsAppBridge(log)
		defer bridge.Close()
	}

	dispatcher, closeSenders, err := buildDispatcher(cfg, bridge)
	if err != nil {
		return err
	}
	defer closeSenders()

	var reload runtime.ReloadSignal
	watcher, err := connectors.NewSecurityWatcher(cfg.SecurityDir, log)
	if err != nil {
		log.Warn("security watcher unavailable, reloading config every cycle", "error", err)
	} else {
		defer watcher.Close()
		reload = watcher
	}

	processor, err := runtime.NewProcessor(ctx, runtime.Options{
		StateDir:    cfg.StateDir,
		SecurityDir: cfg.SecurityDir,
		QueueLimit:  cfg.QueueLimit,
		DedupCap:    cfg.DedupCapacity,
		Media: media.Config{
			Enabled:                cfg.Media.Enabled,
			MaxAttachmentsPerEvent: cfg.Media.MaxAttachmentsPerEvent,
			MaxSummaryChars:        cfg.Media.MaxSummaryChars,
		},
		Retry: outbound.RetryPolicy{
			MaxAttempts:  cfg.Outbound.RetryMaxAttempts,
			BaseDelayMS:  cfg.Outbound.RetryBaseDelayMS,
			JitterSpanMS: cfg.Outbound.RetryJitterMS,
		},
		Reload: reload,
		Logger: log,
	}, inbox, states, dispatcher)
	if err != nil {
		return err
	}

	manager, err := buildConnectors(cfg, inbox, log)
	if err != nil {
		return err
	}

	if cfg.Channels.WhatsApp.Enabled {
		webhook := connectors.NewWhatsAppWebhook(connectors.WhatsAppWebhookConfig{
			VerifyToken: cfg.Channels.WhatsApp.VerifyToken,
			AppSecret:   cfg.Channels.WhatsApp.AppSecret,
		}, inbox, bridge, log)
		go func() {
			if err := webhook.Serve(ctx, cfg.Channels.WhatsApp.WebhookAddr); err != nil && ctx.Err() == nil {
				log.Error("whatsapp webhook server stopped", "error", err)
			}
		}()
	}

	if pollOnce {
		if _, err := manager.PollAll(ctx); err != nil {
			log.Warn("poll finished with errors", "error", err)
		}
		_, err := processor.Cycle(ctx)
		return err
	}

	interval := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := manager.PollAll(ctx); err != nil {
			log.Warn("poll finished with errors", "error", err)
		}
		if _, err := processor.Cycle(ctx); err != nil {
			log.Error("cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// buildDispatcher wires the outbound mode. Provider mode opens transport
// clients for every enabled channel; the returned closer shuts them down.
func buildDispatcher(cfg *config.Config, bridge *connectors.WhatsAppBridge) (*outbound.Dispatcher, func(), error) {
	mode, err := outbound.ParseMode(cfg.Outbound.Mode)
	if err != nil {
		return nil, nil, err
	}
	outCfg := outbound.Config{
		Mode:           mode,
		MaxChars:       cfg.Outbound.MaxChars,
		SendsPerSecond: cfg.Outbound.SendsPerSecond,
	}
	if outCfg.MaxChars < 1 {
		outCfg.MaxChars = outbound.DefaultConfig().MaxChars
	}

	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if mode != outbound.ModeProvider {
		dispatcher, err := outbound.NewDispatcher(outCfg, nil)
		return dispatcher, closeAll, err
	}

	senders := make(map[contract.Transport]outbound.Sender)
	if cfg.Channels.Telegram.Enabled {
		bot, err := telego.NewBot(cfg.Channels.Telegram.Token)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("create telegram bot: %w", err)
		}
		senders[contract.TransportTelegram] = outbound.NewTelegramSender(bot)
	}
	if cfg.Channels.Discord.Enabled {
		session, err := discordgo.New("Bot " + cfg.Channels.Discord.Token)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("create discord session: %w", err)
		}
		senders[contract.TransportDiscord] = outbound.NewDiscordSender(session)
		closers = append(closers, func() { _ = session.Close() })
	}
	if bridge != nil {
		senders[contract.TransportWhatsApp] = bridgeSender{bridge: bridge}
	}

	dispatcher, err := outbound.NewDispatcher(outCfg, senders)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return dispatcher, closeAll, nil
}

// bridgeSender resolves the live bridge connection per send, since the
// bridge process may attach after startup.
type bridgeSender struct {
	bridge *connectors.WhatsAppBridge
}

func (s bridgeSender) SendText(ctx context.Context, event *contract.InboundEvent, text string) (string, error) {
	conn := s.bridge.Conn()
	if conn == nil {
		return "", &outbound.DeliveryError{
			ReasonCode: outbound.ReasonSenderUnavailable,
			Detail:     "whatsapp bridge is not connected",
			Retryable:  true,
		}
	}
	return outbound.NewWhatsAppSender(conn).SendText(ctx, event, text)
}

// buildConnectors wires the enabled polling connectors.
func buildConnectors(cfg *config.Config, inbox *ingress.Inbox, log *slog.Logger) (*connectors.Manager, error) {
	var list []connectors.Connector
	if cfg.Channels.Telegram.Enabled {
		bot, err := telego.NewBot(cfg.Channels.Telegram.Token)
		if err != nil {
			return nil, fmt.Errorf("create telegram bot: %w", err)
		}
		list = append(list, connectors.NewTelegramConnector(bot, inbox, cfg.StateDir))
	}
	if cfg.Channels.Discord.Enabled {
		session, err := discordgo.New("Bot " + cfg.Channels.Discord.Token)
		if err != nil {
			return nil, fmt.Errorf("create discord session: %w", err)
		}
		list = append(list, connectors.NewDiscordConnector(session,
			cfg.Channels.Discord.ChannelIDs, cfg.Channels.Discord.BotUserID, inbox, cfg.StateDir))
	}
	return connectors.NewManager(log, list...), nil
}
