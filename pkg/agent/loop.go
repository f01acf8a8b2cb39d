package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relayclaw/relayclaw/pkg/bus"
	"github.com/relayclaw/relayclaw/pkg/config"
	"github.com/relayclaw/relayclaw/pkg/logger"
	"github.com/relayclaw/relayclaw/pkg/router"
	"github.com/relayclaw/relayclaw/pkg/session"
)

// BridgeLoop connects the message bus to the router: it normalizes
// inbound bus messages, dispatches them, applies the send policy to
// agent replies, and publishes the surviving reply parts outbound.
type BridgeLoop struct {
	bus     *bus.MessageBus
	cfg     *config.Config
	rt      *router.Router
	store   *session.Store
	started time.Time
	handled int64
}

func NewBridgeLoop(b *bus.MessageBus, cfg *config.Config, rt *router.Router, store *session.Store) *BridgeLoop {
	loop := &BridgeLoop{
		bus:     b,
		cfg:     cfg,
		rt:      rt,
		store:   store,
		started: time.Now(),
	}
	rt.SetStatusSource(loop)
	return loop
}

// Run consumes inbound messages until ctx is cancelled.
func (l *BridgeLoop) Run(ctx context.Context) error {
	logger.InfoC("bridge", "Bridge loop started")
	for {
		msg, ok := l.bus.ConsumeInbound(ctx)
		if !ok {
			logger.InfoC("bridge", "Bridge loop stopped")
			return ctx.Err()
		}
		if err := l.handle(ctx, msg); err != nil {
			logger.ErrorCF("bridge", "Message handling failed", map[string]interface{}{
				"channel": msg.Channel,
				"error":   err.Error(),
			})
		}
	}
}

func (l *BridgeLoop) handle(ctx context.Context, msg bus.InboundMessage) error {
	incoming := &router.IncomingMessage{
		Body:              msg.Content,
		From:              msg.ChatID,
		To:                msg.Recipient,
		Provider:          msg.Channel,
		ChatType:          msg.ChatType,
		SenderE164:        msg.SenderE164,
		SenderID:          msg.SenderID,
		GroupSubject:      msg.GroupSubject,
		GroupMembers:      msg.GroupMembers,
		CommandAuthorized: msg.CommandAuthorized,
	}
	chCfg := router.ChannelConfig{
		AllowFrom: l.cfg.GetChannelAllowFrom(msg.Channel),
		Groups:    l.cfg.GetChannelGroups(msg.Channel),
	}

	replies, err := l.rt.HandleMessage(ctx, incoming, chCfg)
	if err != nil {
		return fmt.Errorf("route message: %w", err)
	}
	l.handled++

	if replies == nil || len(replies.Parts) == 0 {
		return nil
	}

	// Command replies always go out; only agent replies obey the
	// send policy, otherwise /send on could never reach the user.
	if replies.Delegated && l.store.SendPolicy(session.MainSessionKey) == session.SendDeny {
		logger.DebugCF("bridge", "Reply suppressed by send policy", map[string]interface{}{
			"channel": msg.Channel,
			"chat":    msg.ChatID,
		})
		return nil
	}

	for _, part := range replies.Parts {
		if strings.TrimSpace(part.Text) == "" {
			continue
		}
		l.bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: part.Text,
		})
	}
	return nil
}

// Status implements router.StatusSource.
func (l *BridgeLoop) Status(msg *router.IncomingMessage) string {
	key := router.SessionKeyFor(msg)
	uptime := time.Since(l.started).Round(time.Second)
	return fmt.Sprintf(
		"Session: %s\nSend policy: %s\nModel: %s\nUptime: %s\nMessages handled: %d",
		key,
		l.store.SendPolicy(session.MainSessionKey),
		l.cfg.Agents.Defaults.Model,
		uptime,
		l.handled,
	)
}
