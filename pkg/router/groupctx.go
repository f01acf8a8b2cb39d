package router

import (
	"fmt"
	"strings"

	"github.com/relayclaw/relayclaw/pkg/config"
	"github.com/relayclaw/relayclaw/pkg/session"
)

// Activation modes as rendered into the agent's contextual prompt.
const (
	ActivationAlwaysOn        = "always-on"
	ActivationMentionRequired = "mention-required"
)

// GroupActivationMode resolves the effective activation mode for a
// group chat. A session-level override set via /activation wins;
// otherwise the group runs always-on only when mentions are not
// explicitly required and the channel admits everyone.
func GroupActivationMode(msg *IncomingMessage, cfg ChannelConfig, override string) string {
	if override == "mention" {
		return ActivationMentionRequired
	}

	gc := lookupGroup(cfg, msg.From)
	if gc != nil && gc.RequireMention != nil && *gc.RequireMention {
		return ActivationMentionRequired
	}
	for _, allowed := range cfg.AllowFrom {
		if strings.TrimSpace(allowed) == "*" {
			return ActivationAlwaysOn
		}
	}
	return ActivationMentionRequired
}

// lookupGroup finds the group settings for a chat id, falling back to
// the "*" entry.
func lookupGroup(cfg ChannelConfig, chatID string) *config.GroupConfig {
	if cfg.Groups == nil {
		return nil
	}
	if gc, ok := cfg.Groups[chatID]; ok {
		return &gc
	}
	if gc, ok := cfg.Groups["*"]; ok {
		return &gc
	}
	return nil
}

// BuildGroupContext renders the advisory system-prompt fragment for a
// group message headed to the agent. Direct chats get no fragment.
// The fragment describes the chat, never the sender's privileges:
// authorization decisions are made before this point and must not be
// influenced here.
func BuildGroupContext(msg *IncomingMessage, cfg ChannelConfig, sess *session.Session) string {
	if !msg.IsGroup() {
		return ""
	}

	override := ""
	if sess != nil {
		override = sess.Activation
	}
	mode := GroupActivationMode(msg, cfg, override)

	var b strings.Builder
	b.WriteString("You are replying inside a group chat.\n")
	fmt.Fprintf(&b, "Activation: %s", mode)
	if mode == ActivationAlwaysOn {
		b.WriteString(" (you see every message in this group).\n")
	} else {
		b.WriteString(" (you only see messages that mention you).\n")
	}
	if msg.GroupSubject != "" {
		fmt.Fprintf(&b, "Group subject: %s\n", msg.GroupSubject)
	}
	if len(msg.GroupMembers) > 0 {
		members := make([]string, 0, len(msg.GroupMembers))
		for _, m := range msg.GroupMembers {
			m = strings.TrimSpace(m)
			if m != "" {
				members = append(members, m)
			}
		}
		if len(members) > 0 {
			fmt.Fprintf(&b, "Members: %s\n", strings.Join(members, ", "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
