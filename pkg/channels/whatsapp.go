package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relayclaw/relayclaw/pkg/bus"
	"github.com/relayclaw/relayclaw/pkg/config"
	"github.com/relayclaw/relayclaw/pkg/logger"
)

const maxReconnectBackoff = 30 * time.Second

// bridgeFrame is one JSON message exchanged with the WhatsApp bridge.
// The bridge owns the WhatsApp protocol; this side only speaks frames.
type bridgeFrame struct {
	Type         string   `json:"type"`
	From         string   `json:"from,omitempty"`
	To           string   `json:"to,omitempty"`
	Chat         string   `json:"chat,omitempty"`
	Content      string   `json:"content,omitempty"`
	SenderE164   string   `json:"sender_e164,omitempty"`
	SenderName   string   `json:"sender_name,omitempty"`
	GroupSubject string   `json:"group_subject,omitempty"`
	GroupMembers []string `json:"group_members,omitempty"`
	ID           string   `json:"id,omitempty"`
}

// WhatsAppChannel connects to a WhatsApp bridge over WebSocket.
type WhatsAppChannel struct {
	*BaseChannel
	config config.WhatsAppConfig
	conn   *websocket.Conn
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewWhatsAppChannel(cfg config.WhatsAppConfig, msgBus *bus.MessageBus) (*WhatsAppChannel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &WhatsAppChannel{
		BaseChannel: NewBaseChannel("whatsapp", msgBus, cfg.AllowFrom),
		config:      cfg,
	}, nil
}

func (c *WhatsAppChannel) Start(ctx context.Context) error {
	logger.InfoCF("whatsapp", "Starting channel", map[string]interface{}{
		"bridge_url": c.config.BridgeURL,
	})

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		// The listen loop keeps retrying; a bridge that is still
		// booting should not take the whole process down.
		logger.WarnCF("whatsapp", "Initial bridge connection failed, will retry", map[string]interface{}{
			"error": err.Error(),
		})
	}

	go c.listenLoop()
	c.setRunning(true)
	return nil
}

func (c *WhatsAppChannel) Stop(_ context.Context) error {
	logger.InfoC("whatsapp", "Stopping channel")

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.setRunning(false)
	return nil
}

func (c *WhatsAppChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}

	data, err := json.Marshal(bridgeFrame{
		Type:    "message",
		To:      msg.ChatID,
		Content: msg.Content,
	})
	if err != nil {
		return fmt.Errorf("marshal whatsapp frame: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp frame: %w", err)
	}
	return nil
}

func (c *WhatsAppChannel) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	logger.InfoCF("whatsapp", "Bridge connected", map[string]interface{}{
		"url": c.config.BridgeURL,
	})
	return nil
}

// listenLoop reads bridge frames, reconnecting with backoff on error.
func (c *WhatsAppChannel) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.connect(); err != nil {
				logger.WarnCF("whatsapp", "Bridge reconnect failed", map[string]interface{}{
					"error":   err.Error(),
					"backoff": backoff.String(),
				})
				backoff *= 2
				if backoff > maxReconnectBackoff {
					backoff = maxReconnectBackoff
				}
				continue
			}
			backoff = time.Second
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			logger.WarnCF("whatsapp", "Bridge read error, reconnecting", map[string]interface{}{
				"error": err.Error(),
			})
			c.mu.Lock()
			if c.conn != nil {
				c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			continue
		}

		var frame bridgeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.WarnCF("whatsapp", "Invalid bridge frame", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if frame.Type == "message" {
			c.handleFrame(frame)
		}
	}
}

func (c *WhatsAppChannel) handleFrame(frame bridgeFrame) {
	if frame.From == "" {
		return
	}

	chatID := frame.Chat
	if chatID == "" {
		chatID = frame.From
	}

	// Group chats carry the "@g.us" server suffix.
	chatType := "direct"
	if strings.HasSuffix(chatID, "@g.us") {
		chatType = "group"
	}

	content := frame.Content
	if content == "" {
		content = "[empty message]"
	}

	senderID := frame.From
	if frame.SenderE164 != "" {
		senderID = frame.SenderE164
	}

	logger.DebugCF("whatsapp", "Message received", map[string]interface{}{
		"sender":  senderID,
		"chat":    chatID,
		"preview": Truncate(content, 50),
	})

	metadata := map[string]string{}
	if frame.ID != "" {
		metadata["message_id"] = frame.ID
	}
	if frame.SenderName != "" {
		metadata["sender_name"] = frame.SenderName
	}

	c.Publish(bus.InboundMessage{
		SenderID:     senderID,
		SenderE164:   frame.SenderE164,
		ChatID:       chatID,
		ChatType:     chatType,
		Content:      content,
		GroupSubject: frame.GroupSubject,
		GroupMembers: frame.GroupMembers,
		Metadata:     metadata,
	})
}
