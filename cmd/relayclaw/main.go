package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/relayclaw/relayclaw/pkg/agent"
	"github.com/relayclaw/relayclaw/pkg/bus"
	"github.com/relayclaw/relayclaw/pkg/channels"
	"github.com/relayclaw/relayclaw/pkg/config"
	"github.com/relayclaw/relayclaw/pkg/heartbeat"
	"github.com/relayclaw/relayclaw/pkg/history"
	"github.com/relayclaw/relayclaw/pkg/logger"
	"github.com/relayclaw/relayclaw/pkg/providers"
	"github.com/relayclaw/relayclaw/pkg/router"
	"github.com/relayclaw/relayclaw/pkg/session"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	console := flag.Bool("console", false, "attach an interactive console channel")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger.SetDebug(*debug)

	if err := run(*configPath, *console); err != nil {
		fmt.Fprintf(os.Stderr, "relayclaw: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".relayclaw", "config.json")
}

func run(configPath string, console bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}

	hist, err := history.Open(workspace)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer hist.Close()

	store := session.NewStore(cfg.SessionStorePath())
	invoker := agent.NewInvoker(provider, agent.NewContextBuilder(workspace), hist, cfg.Agents.Defaults)
	rt := router.NewRouter(store, invoker)

	msgBus := bus.NewMessageBus()
	loop := agent.NewBridgeLoop(msgBus, cfg, rt, store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	active, err := startChannels(ctx, cfg, msgBus, console)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return fmt.Errorf("no channels enabled; enable one in %s or pass -console", configPath)
	}
	defer func() {
		for _, ch := range active {
			if err := ch.Stop(context.Background()); err != nil {
				logger.WarnCF("main", "Channel stop failed", map[string]interface{}{
					"channel": ch.Name(),
					"error":   err.Error(),
				})
			}
		}
	}()

	if cfg.Heartbeat.Enabled {
		hb, err := heartbeat.NewService(workspace, cfg.Heartbeat.Schedule, true)
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		hb.SetDelivery(msgBus, cfg.Heartbeat.Channel, cfg.Heartbeat.ChatID)
		hb.SetOnHeartbeat(func(prompt string) (string, error) {
			res, err := invoker.Invoke(ctx, router.AgentRequest{
				Prompt:     prompt,
				SessionKey: session.MainSessionKey,
			})
			if err != nil {
				return "", err
			}
			if len(res.Payloads) == 0 {
				return heartbeat.HeartbeatOK, nil
			}
			return res.Payloads[0].Text, nil
		})
		if err := hb.Start(); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		defer hb.Stop()
	}

	go dispatchOutbound(ctx, msgBus, active)

	logger.InfoCF("main", "relayclaw started", map[string]interface{}{
		"channels": len(active),
		"model":    cfg.Agents.Defaults.Model,
	})

	err = loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func startChannels(ctx context.Context, cfg *config.Config, msgBus *bus.MessageBus, console bool) ([]channels.Channel, error) {
	var active []channels.Channel

	if cfg.Channels.WhatsApp.Enabled {
		ch, err := channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, msgBus)
		if err != nil {
			return nil, fmt.Errorf("whatsapp: %w", err)
		}
		if err := ch.Start(ctx); err != nil {
			return nil, fmt.Errorf("whatsapp: %w", err)
		}
		active = append(active, ch)
	}

	if cfg.Channels.Telegram.Enabled {
		ch, err := channels.NewTelegramChannel(cfg.Channels.Telegram, msgBus)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		if err := ch.Start(ctx); err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		active = append(active, ch)
	}

	if cfg.Channels.Discord.Enabled {
		ch, err := channels.NewDiscordChannel(cfg.Channels.Discord, msgBus)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		if err := ch.Start(ctx); err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		active = append(active, ch)
	}

	if console {
		ch := channels.NewConsoleChannel(msgBus)
		if err := ch.Start(ctx); err != nil {
			return nil, fmt.Errorf("console: %w", err)
		}
		active = append(active, ch)
	}

	return active, nil
}

// dispatchOutbound fans replies out to the channel they belong to.
func dispatchOutbound(ctx context.Context, msgBus *bus.MessageBus, active []channels.Channel) {
	byName := make(map[string]channels.Channel, len(active))
	for _, ch := range active {
		byName[ch.Name()] = ch
	}

	for {
		msg, ok := msgBus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		ch, found := byName[msg.Channel]
		if !found {
			logger.WarnCF("main", "Outbound message for unknown channel", map[string]interface{}{
				"channel": msg.Channel,
			})
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			logger.ErrorCF("main", "Outbound send failed", map[string]interface{}{
				"channel": msg.Channel,
				"error":   err.Error(),
			})
		}
	}
}
