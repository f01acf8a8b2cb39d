package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/relayclaw/relayclaw/pkg/logger"
	"github.com/relayclaw/relayclaw/pkg/session"
)

// StatusSource supplies the runtime status text for /status. The
// router falls back to a session summary when none is configured.
type StatusSource interface {
	Status(msg *IncomingMessage) string
}

// SessionResetter is implemented by agents that keep per-session state
// of their own. The router calls it on /reset and /new before seeding
// the fresh conversation.
type SessionResetter interface {
	ResetSession(ctx context.Context, sessionKey string) error
}

// Router executes commands against session state and channel policy,
// and delegates everything else to the agent. One HandleMessage call
// is a self-contained request/response; the session store is the only
// shared state it touches.
type Router struct {
	store  *session.Store
	agent  AgentInvoker
	status StatusSource
}

func NewRouter(store *session.Store, agent AgentInvoker) *Router {
	return &Router{store: store, agent: agent}
}

// SetStatusSource installs the runtime status provider.
func (r *Router) SetStatusSource(s StatusSource) {
	r.status = s
}

// SessionKeyFor returns the store key a message resolves to: direct
// chats share the main session, group chats get a per-chat key.
func SessionKeyFor(msg *IncomingMessage) string {
	if msg.IsGroup() {
		return session.DeriveSessionKey(msg.Provider, msg.From)
	}
	return session.MainSessionKey
}

// HandleMessage classifies and dispatches one inbound message. A nil
// ReplySet with nil error means the message was deliberately dropped;
// unauthorized restricted commands get no reply at all so outsiders
// cannot probe which commands exist.
func (r *Router) HandleMessage(ctx context.Context, msg *IncomingMessage, cfg ChannelConfig) (*ReplySet, error) {
	cls := Classify(msg.Body)
	authorized := Authorized(msg, cfg)
	owner := IsOwner(msg, cfg)

	if cls.Kind == KindTopLevel {
		return r.dispatch(ctx, msg, cfg, cls, authorized, owner)
	}

	// Inline commands and plain conversation both delegate. Authorized
	// senders get the command token stripped from the prompt;
	// everyone else's text goes through untouched.
	prompt := msg.Body
	if cls.Kind == KindInline && authorized {
		prompt = cls.StrippedBody
	}
	return r.delegateMessage(ctx, msg, cfg, prompt)
}

func (r *Router) dispatch(ctx context.Context, msg *IncomingMessage, cfg ChannelConfig, cls Classification, authorized, owner bool) (*ReplySet, error) {
	switch cls.Command {
	case "reset", "new":
		if !authorized || !owner {
			return r.drop(msg, cls.Command)
		}
		return r.handleReset(ctx, msg, cfg)

	case "help":
		return SingleReply(helpText), nil

	case "commands":
		return SingleReply(commandsText), nil

	case "whoami":
		return r.handleWhoami(msg, authorized, owner)

	case "status":
		if !authorized {
			return r.drop(msg, cls.Command)
		}
		return r.handleStatus(msg)

	case "send":
		if !authorized || !owner {
			return r.drop(msg, cls.Command)
		}
		return r.handleSend(msg, cls.Args)

	case "activation":
		if !authorized {
			return r.drop(msg, cls.Command)
		}
		return r.handleActivation(msg, cls.Args)
	}

	// Classify never emits a top-level kind outside the command set.
	return nil, fmt.Errorf("unhandled command %q", cls.Command)
}

// drop implements the silent-drop policy for restricted commands.
// Logged for the operator, invisible to the sender.
func (r *Router) drop(msg *IncomingMessage, command string) (*ReplySet, error) {
	logger.WarnCF("router", "Dropped unauthorized command", map[string]interface{}{
		"command": command,
		"from":    msg.From,
		"channel": msg.Provider,
	})
	return nil, nil
}

func (r *Router) handleReset(ctx context.Context, msg *IncomingMessage, cfg ChannelConfig) (*ReplySet, error) {
	key := SessionKeyFor(msg)
	if err := r.store.Delete(key); err != nil {
		return nil, fmt.Errorf("reset session %s: %w", key, err)
	}
	if resetter, ok := r.agent.(SessionResetter); ok {
		if err := resetter.ResetSession(ctx, key); err != nil {
			return nil, fmt.Errorf("reset session %s: %w", key, err)
		}
	}
	logger.InfoCF("router", "Session reset", map[string]interface{}{"session": key})
	return r.delegateMessage(ctx, msg, cfg, GreetingSeed)
}

func (r *Router) handleWhoami(msg *IncomingMessage, authorized, owner bool) (*ReplySet, error) {
	role := "guest"
	switch {
	case owner:
		role = "owner"
	case authorized:
		role = "authorized"
	}
	text := fmt.Sprintf("You are %s (%s, %s chat)", SenderIdentity(msg), role, msg.ChatType)
	if msg.ChatType == "" {
		text = fmt.Sprintf("You are %s (%s, direct chat)", SenderIdentity(msg), role)
	}
	return SingleReply(text), nil
}

func (r *Router) handleStatus(msg *IncomingMessage) (*ReplySet, error) {
	if r.status != nil {
		return SingleReply(r.status.Status(msg)), nil
	}
	key := SessionKeyFor(msg)
	policy := r.store.SendPolicy(key)
	return SingleReply(fmt.Sprintf("Session: %s\nSend policy: %s", key, policy)), nil
}

func (r *Router) handleSend(msg *IncomingMessage, args []string) (*ReplySet, error) {
	if len(args) != 1 {
		return SingleReply("Usage: /send on|off"), nil
	}
	var policy string
	switch strings.ToLower(args[0]) {
	case "on":
		policy = session.SendAllow
	case "off":
		policy = session.SendDeny
	default:
		return SingleReply(fmt.Sprintf("Unknown send policy %q. Usage: /send on|off", args[0])), nil
	}
	err := r.store.Update(session.MainSessionKey, func(s *session.Session) {
		s.SendPolicy = policy
	})
	if err != nil {
		return nil, fmt.Errorf("persist send policy: %w", err)
	}
	logger.InfoCF("router", "Send policy updated", map[string]interface{}{"policy": policy})
	return SingleReply(fmt.Sprintf("Send policy set to %s", strings.ToLower(args[0]))), nil
}

func (r *Router) handleActivation(msg *IncomingMessage, args []string) (*ReplySet, error) {
	if !msg.IsGroup() {
		return SingleReply("/activation only applies to group chats"), nil
	}
	if len(args) != 1 {
		return SingleReply("Usage: /activation mention|always"), nil
	}
	mode := strings.ToLower(args[0])
	if mode != "mention" && mode != "always" {
		return SingleReply(fmt.Sprintf("Unknown activation mode %q. Usage: /activation mention|always", args[0])), nil
	}

	key := SessionKeyFor(msg)
	err := r.store.Update(key, func(s *session.Session) {
		if mode == "always" {
			s.Activation = ""
			return
		}
		s.Activation = mode
	})
	if err != nil {
		return nil, fmt.Errorf("persist activation mode: %w", err)
	}
	logger.InfoCF("router", "Group activation updated", map[string]interface{}{
		"session": key,
		"mode":    mode,
	})
	return SingleReply(fmt.Sprintf("⚙️ Group activation set to %s.", mode)), nil
}

// delegateMessage enriches group messages with advisory context and
// hands the prompt to the agent.
func (r *Router) delegateMessage(ctx context.Context, msg *IncomingMessage, cfg ChannelConfig, prompt string) (*ReplySet, error) {
	key := SessionKeyFor(msg)
	extra := ""
	if msg.IsGroup() {
		sess, ok, err := r.store.Get(key)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", key, err)
		}
		if ok {
			extra = BuildGroupContext(msg, cfg, &sess)
		} else {
			extra = BuildGroupContext(msg, cfg, nil)
		}
	}
	return delegate(ctx, r.agent, AgentRequest{
		Prompt:            prompt,
		ExtraSystemPrompt: extra,
		SessionKey:        key,
	})
}

const helpText = `🤖 Help

Session
  /reset, /new — start a fresh conversation
  /status — show session status

Settings
  /send on|off — control outbound delivery
  /activation mention|always — group activation mode

More: /commands for full list`

const commandsText = `Commands:
  /reset — clear the session and start over
  /new — same as /reset
  /help — short help
  /commands — this list
  /whoami — show how the bot sees you
  /status — session and runtime status
  /send on|off — enable or disable outbound delivery
  /activation mention|always — set group activation mode`
