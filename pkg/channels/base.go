package channels

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/relayclaw/relayclaw/pkg/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// BaseChannel carries the state every transport shares: identity,
// running flag, the bus it publishes into, and the allow list it uses
// to compute the command-trust signal. Transports never drop messages
// themselves; the router decides what unauthorized senders may do.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	running   atomic.Bool
	allowList []string
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}

// IsTrusted reports whether a sender matches a concrete allow-list
// entry. A wildcard or empty list never grants trust: it opens the
// channel for conversation, not for privileged commands.
func (c *BaseChannel) IsTrusted(senderID string) bool {
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		bare := strings.TrimPrefix(strings.TrimSpace(allowed), "@")
		if bare == "" || bare == "*" {
			continue
		}

		allowedID := bare
		allowedUser := ""
		if idx := strings.Index(bare, "|"); idx > 0 {
			allowedID = bare[:idx]
			allowedUser = bare[idx+1:]
		}

		// Either side may use the "id|username" compound form; legacy
		// Telegram allow-list entries rely on it.
		if senderID == bare ||
			idPart == bare ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == bare || userPart == allowedID || userPart == allowedUser)) {
			return true
		}
	}

	return false
}

// Publish normalizes one transport event onto the bus. The session key
// and trust signal are filled in here so every transport reports them
// the same way.
func (c *BaseChannel) Publish(msg bus.InboundMessage) {
	msg.Channel = c.name
	msg.SessionKey = fmt.Sprintf("%s:%s", c.name, msg.ChatID)
	if !msg.CommandAuthorized {
		msg.CommandAuthorized = c.IsTrusted(msg.SenderID)
	}
	c.bus.PublishInbound(msg)
}

// Truncate shortens s to at most n runes for log previews.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
