package channels

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/relayclaw/relayclaw/pkg/bus"
	"github.com/relayclaw/relayclaw/pkg/config"
	"github.com/relayclaw/relayclaw/pkg/logger"
)

// TelegramChannel runs a Telegram bot in long-polling mode.
type TelegramChannel struct {
	*BaseChannel
	bot           *telego.Bot
	config        config.TelegramConfig
	cancelPolling context.CancelFunc
	botUsername   string
	botID         int64
}

func NewTelegramChannel(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*TelegramChannel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
	}, nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	logger.InfoC("telegram", "Starting bot (polling mode)")

	botInfo, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("failed to get bot info: %w", err)
	}
	c.botUsername = botInfo.Username
	c.botID = botInfo.ID
	logger.InfoCF("telegram", "Bot connected", map[string]interface{}{
		"username": botInfo.Username,
	})

	pollCtx, cancel := context.WithCancel(ctx)
	c.cancelPolling = cancel

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{Timeout: 30})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	c.setRunning(true)
	go func() {
		for update := range updates {
			if update.Message != nil {
				c.handleUpdate(update)
			}
		}
		logger.InfoC("telegram", "Updates channel closed")
	}()

	return nil
}

func (c *TelegramChannel) Stop(_ context.Context) error {
	logger.InfoC("telegram", "Stopping bot")
	c.setRunning(false)
	if c.cancelPolling != nil {
		c.cancelPolling()
		c.cancelPolling = nil
	}
	return nil
}

// sendWithRetry retries a Telegram API call on rate limit errors.
func (c *TelegramChannel) sendWithRetry(fn func() error) error {
	const maxAttempts = 3
	for i := 0; i <= maxAttempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		var tgErr *telegoapi.Error
		if errors.As(err, &tgErr) && tgErr.Parameters != nil && tgErr.Parameters.RetryAfter > 0 {
			wait := time.Duration(tgErr.Parameters.RetryAfter) * time.Second
			logger.WarnCF("telegram", "Rate limited, retrying", map[string]interface{}{
				"wait":    wait.String(),
				"attempt": i + 1,
			})
			time.Sleep(wait)
			continue
		}
		return err
	}
	return fmt.Errorf("telegram rate limit: max retries exceeded")
}

func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	params := &telego.SendMessageParams{
		ChatID:    tu.ID(chatID),
		Text:      renderTelegramHTML(msg.Content),
		ParseMode: telego.ModeHTML,
	}
	sendErr := c.sendWithRetry(func() error {
		_, e := c.bot.SendMessage(ctx, params)
		return e
	})
	if sendErr == nil {
		return nil
	}

	// Malformed markup gets rejected by the API; the text still has to
	// reach the user.
	logger.WarnCF("telegram", "HTML send failed, falling back to plain text", map[string]interface{}{
		"error": sendErr.Error(),
	})
	plain := &telego.SendMessageParams{
		ChatID: tu.ID(chatID),
		Text:   msg.Content,
	}
	return c.sendWithRetry(func() error {
		_, e := c.bot.SendMessage(ctx, plain)
		return e
	})
}

func (c *TelegramChannel) handleUpdate(update telego.Update) {
	message := update.Message
	user := message.From
	if user == nil {
		return
	}

	senderID := fmt.Sprintf("%d", user.ID)
	if user.Username != "" {
		senderID = fmt.Sprintf("%d|%s", user.ID, user.Username)
	}
	chatID := fmt.Sprintf("%d", message.Chat.ID)

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}
	if content == "" {
		content = "[empty message]"
	}

	isGroup := message.Chat.Type != "private"
	chatType := "direct"
	if isGroup {
		chatType = "group"

		// In groups the bot only wakes up when mentioned or replied to;
		// everything else is other people's conversation.
		if !c.addressedToBot(message) {
			return
		}
		content = strings.TrimSpace(strings.ReplaceAll(content, "@"+c.botUsername, ""))
		if content == "" {
			content = "[empty message]"
		}
	}

	logger.DebugCF("telegram", "Message received", map[string]interface{}{
		"sender":  senderID,
		"chat":    chatID,
		"preview": Truncate(content, 50),
	})

	c.Publish(bus.InboundMessage{
		SenderID:     senderID,
		ChatID:       chatID,
		ChatType:     chatType,
		Content:      content,
		GroupSubject: message.Chat.Title,
		Metadata: map[string]string{
			"message_id": fmt.Sprintf("%d", message.MessageID),
			"user_id":    fmt.Sprintf("%d", user.ID),
			"username":   user.Username,
		},
	})
}

// addressedToBot reports whether a group message mentions the bot or
// replies to one of its messages.
func (c *TelegramChannel) addressedToBot(message *telego.Message) bool {
	for _, e := range message.Entities {
		if e.Type == "mention" {
			name := entityText(message.Text, e.Offset+1, e.Length-1)
			if strings.EqualFold(name, c.botUsername) {
				return true
			}
		}
	}
	return message.ReplyToMessage != nil &&
		message.ReplyToMessage.From != nil &&
		message.ReplyToMessage.From.ID == c.botID
}

// renderTelegramHTML converts common markdown formatting to Telegram's
// HTML dialect. Code spans are lifted out first so their contents are
// never treated as formatting.
func renderTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	var blocks, spans []string
	text = codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		blocks = append(blocks, codeBlockRe.FindStringSubmatch(m)[1])
		return fmt.Sprintf("\x00B%d\x00", len(blocks)-1)
	})
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		spans = append(spans, inlineCodeRe.FindStringSubmatch(m)[1])
		return fmt.Sprintf("\x00S%d\x00", len(spans)-1)
	})

	text = headingRe.ReplaceAllString(text, "$1")
	text = escapeHTML(text)
	text = linkRe.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = boldRe.ReplaceAllString(text, "<b>$1</b>")
	text = italicRe.ReplaceAllString(text, "<i>$1</i>")
	text = strikeRe.ReplaceAllString(text, "<s>$1</s>")
	text = bulletRe.ReplaceAllString(text, "• ")

	for i, code := range spans {
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00S%d\x00", i),
			"<code>"+escapeHTML(code)+"</code>")
	}
	for i, code := range blocks {
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00B%d\x00", i),
			"<pre><code>"+escapeHTML(code)+"</code></pre>")
	}
	return text
}

var (
	codeBlockRe  = regexp.MustCompile("```[\\w]*\\n?([\\s\\S]*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`]+)`")
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`(?:^|\b)_([^_]+)_(?:\b|$)`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	bulletRe     = regexp.MustCompile(`(?m)^[-*]\s+`)
)

func escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	return strings.ReplaceAll(text, ">", "&gt;")
}

// entityText extracts a message entity's text by UTF-16 offsets, which
// is how the Bot API counts positions.
func entityText(text string, offset, length int) string {
	if offset < 0 || length <= 0 {
		return ""
	}
	units := utf16.Encode([]rune(text))
	if offset+length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[offset : offset+length]))
}
