package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/relayclaw/relayclaw/pkg/bus"
	"github.com/relayclaw/relayclaw/pkg/config"
	"github.com/relayclaw/relayclaw/pkg/logger"
)

// discordMaxMessageLen is Discord's hard limit per message.
const discordMaxMessageLen = 2000

// DiscordChannel connects to Discord through the gateway.
type DiscordChannel struct {
	*BaseChannel
	session   *discordgo.Session
	config    config.DiscordConfig
	botUserID string
}

func NewDiscordChannel(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:     session,
		config:      cfg,
	}, nil
}

func (c *DiscordChannel) Start(_ context.Context) error {
	logger.InfoC("discord", "Starting bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.setRunning(true)

	logger.InfoCF("discord", "Bot connected", map[string]interface{}{
		"username": user.Username,
		"id":       user.ID,
	})
	return nil
}

func (c *DiscordChannel) Stop(_ context.Context) error {
	logger.InfoC("discord", "Stopping bot")
	c.setRunning(false)
	return c.session.Close()
}

func (c *DiscordChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}
	return c.sendChunked(msg.ChatID, msg.Content)
}

// sendChunked splits content over Discord's per-message length limit,
// preferring to break at a newline.
func (c *DiscordChannel) sendChunked(channelID, content string) error {
	for len(content) > 0 {
		chunk := content
		if len(chunk) > discordMaxMessageLen {
			cutAt := discordMaxMessageLen
			if idx := strings.LastIndexByte(content[:discordMaxMessageLen], '\n'); idx > discordMaxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func (c *DiscordChannel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	chatType := "group"
	if isDM {
		chatType = "direct"
	}

	// Guild messages need an explicit @mention; DMs are always for us.
	content := m.Content
	if !isDM {
		if !mentionsUser(m, c.botUserID) {
			return
		}
		content = strings.TrimSpace(stripMention(content, c.botUserID))
	}
	if content == "" {
		content = "[empty message]"
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID = fmt.Sprintf("%s|%s", m.Author.ID, m.Author.Username)
	}

	logger.DebugCF("discord", "Message received", map[string]interface{}{
		"sender":  senderID,
		"channel": m.ChannelID,
		"preview": Truncate(content, 50),
	})

	c.Publish(bus.InboundMessage{
		SenderID: senderID,
		ChatID:   m.ChannelID,
		ChatType: chatType,
		Content:  content,
		Metadata: map[string]string{
			"message_id": m.ID,
			"guild_id":   m.GuildID,
			"username":   m.Author.Username,
		},
	})
}

func mentionsUser(m *discordgo.MessageCreate, userID string) bool {
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

// stripMention removes both mention forms (<@id> and <@!id>).
func stripMention(content, userID string) string {
	content = strings.ReplaceAll(content, "<@"+userID+">", "")
	return strings.ReplaceAll(content, "<@!"+userID+">", "")
}
