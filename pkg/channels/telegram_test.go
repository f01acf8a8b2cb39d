package channels

import (
	"testing"

	"github.com/mymmrac/telego"

	"github.com/relayclaw/relayclaw/pkg/bus"
	"github.com/relayclaw/relayclaw/pkg/config"
)

func newTelegramForTest(t *testing.T, b *bus.MessageBus) *TelegramChannel {
	t.Helper()
	// telego validates the token shape only; no network happens here.
	c, err := NewTelegramChannel(config.TelegramConfig{
		Token:     "123456:test-token-AAAAAAAAAAAAAAAAAAAAAAAA",
		AllowFrom: []string{"111|alice"},
	}, b)
	if err != nil {
		t.Fatalf("NewTelegramChannel: %v", err)
	}
	c.botUsername = "relayclaw_bot"
	c.botID = 999
	return c
}

func TestEntityText(t *testing.T) {
	tests := []struct {
		name           string
		text           string
		offset, length int
		want           string
	}{
		{"ascii", "hey @relayclaw_bot hi", 5, 13, "relayclaw_bot"},
		{"out of range", "short", 3, 10, ""},
		{"negative offset", "text", -1, 2, ""},
		{"after emoji", "\U0001F600 @bot", 4, 3, "bot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entityText(tt.text, tt.offset, tt.length); got != tt.want {
				t.Errorf("entityText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAddressedToBot(t *testing.T) {
	c := newTelegramForTest(t, bus.NewMessageBus())

	t.Run("mention", func(t *testing.T) {
		msg := &telego.Message{
			Text: "hey @relayclaw_bot hello",
			Entities: []telego.MessageEntity{
				{Type: "mention", Offset: 4, Length: 14},
			},
		}
		if !c.addressedToBot(msg) {
			t.Error("mention should address the bot")
		}
	})

	t.Run("other mention", func(t *testing.T) {
		msg := &telego.Message{
			Text: "hey @someone_else hello",
			Entities: []telego.MessageEntity{
				{Type: "mention", Offset: 4, Length: 13},
			},
		}
		if c.addressedToBot(msg) {
			t.Error("mentioning someone else should not address the bot")
		}
	})

	t.Run("reply to bot", func(t *testing.T) {
		msg := &telego.Message{
			Text: "sounds good",
			ReplyToMessage: &telego.Message{
				From: &telego.User{ID: 999},
			},
		}
		if !c.addressedToBot(msg) {
			t.Error("replying to the bot should address it")
		}
	})

	t.Run("plain group chatter", func(t *testing.T) {
		msg := &telego.Message{Text: "lunch anyone?"}
		if c.addressedToBot(msg) {
			t.Error("plain message should not address the bot")
		}
	})
}

func TestTelegramHandleUpdate(t *testing.T) {
	t.Run("direct message published", func(t *testing.T) {
		b := bus.NewMessageBus()
		c := newTelegramForTest(t, b)
		c.handleUpdate(telego.Update{Message: &telego.Message{
			Text: "hello",
			From: &telego.User{ID: 111, Username: "alice"},
			Chat: telego.Chat{ID: 111, Type: "private"},
		}})

		msg := mustConsume(t, b)
		if msg.Channel != "telegram" || msg.ChatType != "direct" {
			t.Errorf("msg = %+v", msg)
		}
		if msg.SenderID != "111|alice" {
			t.Errorf("SenderID = %q", msg.SenderID)
		}
		if !msg.CommandAuthorized {
			t.Error("listed sender should be trusted")
		}
	})

	t.Run("unaddressed group message ignored", func(t *testing.T) {
		b := bus.NewMessageBus()
		c := newTelegramForTest(t, b)
		c.handleUpdate(telego.Update{Message: &telego.Message{
			Text: "just chatting",
			From: &telego.User{ID: 222, Username: "bob"},
			Chat: telego.Chat{ID: -100, Type: "supergroup", Title: "Office"},
		}})
		if n := b.InboundLen(); n != 0 {
			t.Errorf("inbound len = %d, want 0", n)
		}
	})

	t.Run("group mention stripped and published", func(t *testing.T) {
		b := bus.NewMessageBus()
		c := newTelegramForTest(t, b)
		c.handleUpdate(telego.Update{Message: &telego.Message{
			Text: "@relayclaw_bot what's the plan",
			From: &telego.User{ID: 111, Username: "alice"},
			Chat: telego.Chat{ID: -100, Type: "supergroup", Title: "Office"},
			Entities: []telego.MessageEntity{
				{Type: "mention", Offset: 0, Length: 14},
			},
		}})

		msg := mustConsume(t, b)
		if msg.ChatType != "group" {
			t.Errorf("ChatType = %q", msg.ChatType)
		}
		if msg.Content != "what's the plan" {
			t.Errorf("Content = %q", msg.Content)
		}
		if msg.GroupSubject != "Office" {
			t.Errorf("GroupSubject = %q", msg.GroupSubject)
		}
	})
}

func TestRenderTelegramHTML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"plain", "hello world", "hello world"},
		{"bold", "**important**", "<b>important</b>"},
		{"italic", "_quietly_", "<i>quietly</i>"},
		{"strikethrough", "~~wrong~~", "<s>wrong</s>"},
		{"heading stripped", "# Title\nbody", "Title\nbody"},
		{"bullet", "- first\n- second", "• first\n• second"},
		{"link", "[docs](https://example.com)", `<a href="https://example.com">docs</a>`},
		{"escapes html", "a < b & c > d", "a &lt; b &amp; c &gt; d"},
		{"inline code kept literal", "use `a < b` here", "use <code>a &lt; b</code> here"},
		{"code block kept literal", "```\nif a < b {\n}\n```", "<pre><code>if a < b {\n}\n</code></pre>"},
		{"formatting inside code untouched", "`**not bold**`", "<code>**not bold**</code>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderTelegramHTML(tt.input); got != tt.want {
				t.Errorf("renderTelegramHTML(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
