package router

import "strings"

// NormalizeAddress reduces a channel address to a comparable form:
// lowercase, with any server suffix (everything from the first "@")
// removed. "15551234567@s.whatsapp.net" and "15551234567" compare equal.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(strings.ToLower(addr))
	if i := strings.Index(addr, "@"); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

// SenderIdentity picks the address used for allow-list matching. In
// groups the chat id identifies the group, not the person, so the
// per-sender address carried by the channel is used instead.
func SenderIdentity(msg *IncomingMessage) string {
	if msg.IsGroup() {
		if msg.SenderE164 != "" {
			return NormalizeAddress(msg.SenderE164)
		}
		if msg.SenderID != "" {
			return NormalizeAddress(msg.SenderID)
		}
	}
	return NormalizeAddress(msg.From)
}

// Authorized reports whether the sender may use restricted commands.
// Channel-level trust (CommandAuthorized) is honored first; otherwise
// the sender must match the channel allow list, where "*" admits
// everyone.
func Authorized(msg *IncomingMessage, cfg ChannelConfig) bool {
	if msg.CommandAuthorized {
		return true
	}
	id := SenderIdentity(msg)
	for _, allowed := range cfg.AllowFrom {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" {
			return true
		}
		if NormalizeAddress(allowed) == id {
			return true
		}
	}
	return false
}

// Owner returns the normalized owner address for a channel: the first
// non-wildcard allow-list entry. Empty when the list holds no concrete
// address.
func Owner(cfg ChannelConfig) string {
	for _, allowed := range cfg.AllowFrom {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" || allowed == "*" {
			continue
		}
		return NormalizeAddress(allowed)
	}
	return ""
}

// IsOwner reports whether the sender is the channel owner. A channel
// with no concrete allow-list entry has no owner, so nobody matches.
func IsOwner(msg *IncomingMessage, cfg ChannelConfig) bool {
	owner := Owner(cfg)
	if owner == "" {
		return false
	}
	return SenderIdentity(msg) == owner
}
