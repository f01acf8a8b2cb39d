package channels

import (
	"context"
	"fmt"
	"io"

	"github.com/chzyer/readline"

	"github.com/relayclaw/relayclaw/pkg/bus"
)

// consoleChatID is the single chat a terminal session represents.
const consoleChatID = "console"

// ConsoleChannel is an interactive terminal transport, mainly for
// local development. The operator at the keyboard is trusted.
type ConsoleChannel struct {
	*BaseChannel
	rl     *readline.Instance
	cancel context.CancelFunc
}

func NewConsoleChannel(msgBus *bus.MessageBus) *ConsoleChannel {
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel("console", msgBus, nil),
	}
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	c.rl = rl

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setRunning(true)

	go c.readLoop(runCtx)
	return nil
}

func (c *ConsoleChannel) Stop(_ context.Context) error {
	c.setRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	if c.rl != nil {
		return c.rl.Close()
	}
	return nil
}

func (c *ConsoleChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if c.rl != nil {
		fmt.Fprintf(c.rl.Stdout(), "%s\n", msg.Content)
		return nil
	}
	fmt.Println(msg.Content)
	return nil
}

func (c *ConsoleChannel) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF || err != nil {
			return
		}
		if line == "" {
			continue
		}

		c.Publish(bus.InboundMessage{
			SenderID: consoleChatID,
			ChatID:   consoleChatID,
			ChatType: "direct",
			Content:  line,
			// The local operator owns the process; no allow list applies.
			CommandAuthorized: true,
		})
	}
}
