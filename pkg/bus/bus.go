package bus

import "context"

const defaultQueueSize = 64

// InboundMessage is a channel-normalized inbound chat message.
// ChatType is "direct" unless the channel reports a group chat.
type InboundMessage struct {
	Channel           string            `json:"channel"`
	SenderID          string            `json:"sender_id"`
	SenderE164        string            `json:"sender_e164,omitempty"`
	ChatID            string            `json:"chat_id"`
	ChatType          string            `json:"chat_type,omitempty"`
	Content           string            `json:"content"`
	Recipient         string            `json:"recipient,omitempty"`
	GroupSubject      string            `json:"group_subject,omitempty"`
	GroupMembers      []string          `json:"group_members,omitempty"`
	CommandAuthorized bool              `json:"command_authorized,omitempty"`
	SessionKey        string            `json:"session_key"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MessageBus decouples channels from the router loop with buffered queues.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultQueueSize),
		outbound: make(chan OutboundMessage, defaultQueueSize),
	}
}

func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// ConsumeOutbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}

// InboundLen reports the number of queued inbound messages.
func (b *MessageBus) InboundLen() int { return len(b.inbound) }

// OutboundLen reports the number of queued outbound messages.
func (b *MessageBus) OutboundLen() int { return len(b.outbound) }
