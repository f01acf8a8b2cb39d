package router

import "github.com/relayclaw/relayclaw/pkg/config"

// ChatType values for IncomingMessage. An empty ChatType means direct.
const (
	ChatDirect = "direct"
	ChatGroup  = "group"
)

// IncomingMessage is the normalized inbound request the router consumes.
// For group chats From is the group's own address and SenderE164/SenderID
// identify the human sender. CommandAuthorized is an upstream trust
// decision (e.g. the platform admin channel) computed by the transport.
type IncomingMessage struct {
	Body              string
	From              string
	To                string
	Provider          string
	ChatType          string
	SenderE164        string
	SenderID          string
	GroupSubject      string
	GroupMembers      []string
	CommandAuthorized bool
}

// IsGroup reports whether the message came from a group chat.
func (m IncomingMessage) IsGroup() bool {
	return m.ChatType == ChatGroup
}

// ChannelConfig is the per-provider policy snapshot the dispatcher
// evaluates against. AllowFrom is ordered: the first non-wildcard entry
// is the channel owner.
type ChannelConfig struct {
	AllowFrom []string
	Groups    map[string]config.GroupConfig
}

// Reply is a single reply part.
type Reply struct {
	Text string
}

// ReplySet is an ordered sequence of reply parts. A nil *ReplySet means
// the message is silently dropped. The first part's text is the primary
// rendered reply. Delegated marks replies produced by the agent rather
// than a command handler; the send policy applies only to those.
type ReplySet struct {
	Parts     []Reply
	Delegated bool
}

// SingleReply wraps one text into a ReplySet.
func SingleReply(text string) *ReplySet {
	return &ReplySet{Parts: []Reply{{Text: text}}}
}

// PrimaryText returns the first part's text, or "".
func (r *ReplySet) PrimaryText() string {
	if r == nil || len(r.Parts) == 0 {
		return ""
	}
	return r.Parts[0].Text
}
