package router

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relayclaw/relayclaw/pkg/session"
)

func newTestRouter(t *testing.T) (*Router, *stubAgent, *session.Store) {
	t.Helper()
	store := session.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	agent := &stubAgent{}
	return NewRouter(store, agent), agent, store
}

func ownerCfg() ChannelConfig {
	return ChannelConfig{AllowFrom: []string{"15551234567", "16660000000"}}
}

func directFrom(from, body string) *IncomingMessage {
	return &IncomingMessage{Body: body, From: from, Provider: "whatsapp", ChatType: ChatDirect}
}

func TestRestrictedCommandsSilentlyDropped(t *testing.T) {
	cfg := ownerCfg()
	bodies := []string{"/reset", "/status", "/send off", "/new"}

	for _, body := range bodies {
		t.Run(body+" from stranger", func(t *testing.T) {
			r, agent, _ := newTestRouter(t)
			rs, err := r.HandleMessage(context.Background(), directFrom("19998887777", body), cfg)
			if err != nil {
				t.Fatalf("HandleMessage: %v", err)
			}
			if rs != nil {
				t.Errorf("expected silent drop, got %+v", rs)
			}
			if len(agent.calls) != 0 {
				t.Errorf("agent invoked %d times, want 0", len(agent.calls))
			}
		})
	}

	// commandAuthorized grants general trust but not ownership: owner-only
	// commands from a trusted non-owner still drop.
	for _, body := range []string{"/reset", "/send off", "/new"} {
		t.Run(body+" trusted non-owner", func(t *testing.T) {
			r, agent, _ := newTestRouter(t)
			msg := directFrom("19998887777", body)
			msg.CommandAuthorized = true
			rs, err := r.HandleMessage(context.Background(), msg, cfg)
			if err != nil {
				t.Fatalf("HandleMessage: %v", err)
			}
			if rs != nil {
				t.Errorf("expected silent drop, got %+v", rs)
			}
			if len(agent.calls) != 0 {
				t.Errorf("agent invoked %d times, want 0", len(agent.calls))
			}
		})
	}
}

func TestInlineCommandsBypassRestriction(t *testing.T) {
	cfg := ownerCfg()

	t.Run("unauthorized inline status reaches agent with token visible", func(t *testing.T) {
		r, agent, _ := newTestRouter(t)
		body := "hey can you run /status for me"
		rs, err := r.HandleMessage(context.Background(), directFrom("19998887777", body), cfg)
		if err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
		if rs == nil {
			t.Fatal("inline command should delegate, not drop")
		}
		if len(agent.calls) != 1 {
			t.Fatalf("agent invoked %d times, want 1", len(agent.calls))
		}
		if agent.calls[0].Prompt != body {
			t.Errorf("prompt = %q, want raw body %q", agent.calls[0].Prompt, body)
		}
	})

	t.Run("unauthorized inline help keeps token", func(t *testing.T) {
		r, agent, _ := newTestRouter(t)
		body := "I forgot everything /help please"
		if _, err := r.HandleMessage(context.Background(), directFrom("19998887777", body), cfg); err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
		if !strings.Contains(agent.calls[0].Prompt, "/help") {
			t.Errorf("prompt %q should keep the /help token", agent.calls[0].Prompt)
		}
	})

	t.Run("authorized inline command is stripped", func(t *testing.T) {
		r, agent, _ := newTestRouter(t)
		body := "hey can you run /status for me"
		if _, err := r.HandleMessage(context.Background(), directFrom("15551234567", body), cfg); err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
		want := "hey can you run for me"
		if agent.calls[0].Prompt != want {
			t.Errorf("prompt = %q, want stripped %q", agent.calls[0].Prompt, want)
		}
	})
}

func TestActivationCommand(t *testing.T) {
	cfg := ownerCfg()
	group := &IncomingMessage{
		Body:       "/activation mention",
		From:       "group-1@g.us",
		Provider:   "whatsapp",
		ChatType:   ChatGroup,
		SenderE164: "15551234567",
	}

	t.Run("authorized group sender gets exact confirmation", func(t *testing.T) {
		r, agent, store := newTestRouter(t)
		rs, err := r.HandleMessage(context.Background(), group, cfg)
		if err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
		if rs == nil {
			t.Fatal("expected a reply")
		}
		if got := rs.PrimaryText(); got != "⚙️ Group activation set to mention." {
			t.Errorf("reply = %q", got)
		}
		if len(agent.calls) != 0 {
			t.Errorf("agent invoked %d times, want 0", len(agent.calls))
		}
		key := session.DeriveSessionKey("whatsapp", "group-1@g.us")
		if got := store.Activation(key); got != "mention" {
			t.Errorf("stored activation = %q, want mention", got)
		}
	})

	t.Run("always clears the override", func(t *testing.T) {
		r, _, store := newTestRouter(t)
		if _, err := r.HandleMessage(context.Background(), group, cfg); err != nil {
			t.Fatal(err)
		}
		back := *group
		back.Body = "/activation always"
		if _, err := r.HandleMessage(context.Background(), &back, cfg); err != nil {
			t.Fatal(err)
		}
		key := session.DeriveSessionKey("whatsapp", "group-1@g.us")
		if got := store.Activation(key); got != "" {
			t.Errorf("override should be cleared, got %q", got)
		}
	})

	t.Run("direct chat gets corrective reply", func(t *testing.T) {
		r, _, _ := newTestRouter(t)
		rs, err := r.HandleMessage(context.Background(), directFrom("15551234567", "/activation mention"), cfg)
		if err != nil {
			t.Fatal(err)
		}
		if rs == nil || !strings.Contains(rs.PrimaryText(), "group") {
			t.Errorf("expected corrective reply, got %+v", rs)
		}
	})

	t.Run("unauthorized group sender dropped", func(t *testing.T) {
		r, agent, _ := newTestRouter(t)
		stranger := *group
		stranger.SenderE164 = "19998887777"
		rs, err := r.HandleMessage(context.Background(), &stranger, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if rs != nil {
			t.Errorf("expected silent drop, got %+v", rs)
		}
		if len(agent.calls) != 0 {
			t.Error("agent should not be invoked")
		}
	})
}

func TestResetSeedsGreeting(t *testing.T) {
	cfg := ownerCfg()
	for _, body := range []string{"/reset", "/new"} {
		t.Run(body, func(t *testing.T) {
			r, agent, _ := newTestRouter(t)
			rs, err := r.HandleMessage(context.Background(), directFrom("15551234567", body), cfg)
			if err != nil {
				t.Fatalf("HandleMessage: %v", err)
			}
			if rs == nil {
				t.Fatal("expected the agent's greeting reply")
			}
			if len(agent.calls) != 1 {
				t.Fatalf("agent invoked %d times, want exactly 1", len(agent.calls))
			}
			if agent.calls[0].Prompt != GreetingSeed {
				t.Errorf("prompt = %q, want greeting seed", agent.calls[0].Prompt)
			}
		})
	}
}

// resetterAgent wraps stubAgent with per-session reset tracking.
type resetterAgent struct {
	stubAgent
	resets []string
}

func (a *resetterAgent) ResetSession(_ context.Context, key string) error {
	a.resets = append(a.resets, key)
	return nil
}

func TestResetClearsSessionState(t *testing.T) {
	cfg := ownerCfg()
	store := session.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	agent := &resetterAgent{}
	r := NewRouter(store, agent)

	if err := store.Update(session.MainSessionKey, func(s *session.Session) {
		s.SendPolicy = session.SendDeny
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.HandleMessage(context.Background(), directFrom("15551234567", "/reset"), cfg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	if _, ok, _ := store.Get(session.MainSessionKey); ok {
		t.Error("session entry should be deleted on reset")
	}
	if len(agent.resets) != 1 || agent.resets[0] != session.MainSessionKey {
		t.Errorf("agent resets = %v, want [main]", agent.resets)
	}
}

func TestHelpCommand(t *testing.T) {
	r, agent, _ := newTestRouter(t)
	rs, err := r.HandleMessage(context.Background(), directFrom("15551234567", "/help"), ownerCfg())
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if rs == nil {
		t.Fatal("expected a reply")
	}
	text := rs.PrimaryText()
	for _, want := range []string{"Help", "Session", "More: /commands for full list"} {
		if !strings.Contains(text, want) {
			t.Errorf("help text missing %q:\n%s", want, text)
		}
	}
	if rs.Delegated {
		t.Error("command replies should not be marked delegated")
	}
	if len(agent.calls) != 0 {
		t.Errorf("agent invoked %d times, want 0", len(agent.calls))
	}
}

func TestCommandsListOpen(t *testing.T) {
	r, agent, _ := newTestRouter(t)
	// /commands is open: even strangers may read the list.
	rs, err := r.HandleMessage(context.Background(), directFrom("19998887777", "/commands"), ownerCfg())
	if err != nil {
		t.Fatal(err)
	}
	if rs == nil {
		t.Fatal("expected a reply")
	}
	for _, cmd := range []string{"/reset", "/help", "/whoami", "/status", "/send", "/activation"} {
		if !strings.Contains(rs.PrimaryText(), cmd) {
			t.Errorf("commands list missing %s", cmd)
		}
	}
	if len(agent.calls) != 0 {
		t.Error("agent should not be invoked")
	}
}

func TestWhoami(t *testing.T) {
	cfg := ownerCfg()
	r, _, _ := newTestRouter(t)

	rs, err := r.HandleMessage(context.Background(), directFrom("15551234567", "/whoami"), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rs.PrimaryText(), "owner") {
		t.Errorf("owner whoami = %q", rs.PrimaryText())
	}

	rs, err = r.HandleMessage(context.Background(), directFrom("16660000000", "/whoami"), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rs.PrimaryText(), "authorized") {
		t.Errorf("authorized whoami = %q", rs.PrimaryText())
	}

	rs, err = r.HandleMessage(context.Background(), directFrom("19998887777", "/whoami"), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rs.PrimaryText(), "guest") {
		t.Errorf("guest whoami = %q", rs.PrimaryText())
	}
}

func TestSendPolicyCommand(t *testing.T) {
	cfg := ownerCfg()

	t.Run("off persists deny under main key", func(t *testing.T) {
		r, agent, store := newTestRouter(t)
		rs, err := r.HandleMessage(context.Background(), directFrom("15551234567", "/send off"), cfg)
		if err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
		if rs == nil || !strings.Contains(rs.PrimaryText(), "Send policy set to off") {
			t.Errorf("reply = %+v", rs)
		}
		if len(agent.calls) != 0 {
			t.Error("agent should not be invoked")
		}

		raw, err := os.ReadFile(store.Path())
		if err != nil {
			t.Fatalf("read store file: %v", err)
		}
		var all map[string]map[string]interface{}
		if err := json.Unmarshal(raw, &all); err != nil {
			t.Fatalf("store file not a JSON object: %v", err)
		}
		if got := all[session.MainSessionKey]["sendPolicy"]; got != "deny" {
			t.Errorf("persisted sendPolicy = %v, want deny", got)
		}
	})

	t.Run("on maps to allow", func(t *testing.T) {
		r, _, store := newTestRouter(t)
		rs, err := r.HandleMessage(context.Background(), directFrom("15551234567", "/send on"), cfg)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(rs.PrimaryText(), "Send policy set to on") {
			t.Errorf("reply = %q", rs.PrimaryText())
		}
		if got := store.SendPolicy(session.MainSessionKey); got != session.SendAllow {
			t.Errorf("SendPolicy = %q, want allow", got)
		}
	})

	t.Run("invalid argument gets corrective reply without mutation", func(t *testing.T) {
		r, _, store := newTestRouter(t)
		rs, err := r.HandleMessage(context.Background(), directFrom("15551234567", "/send maybe"), cfg)
		if err != nil {
			t.Fatal(err)
		}
		if rs == nil || !strings.Contains(rs.PrimaryText(), "Usage: /send on|off") {
			t.Errorf("reply = %+v", rs)
		}
		if _, ok, _ := store.Get(session.MainSessionKey); ok {
			t.Error("invalid argument must not write the store")
		}
	})

	t.Run("authorized non-owner dropped", func(t *testing.T) {
		r, _, _ := newTestRouter(t)
		rs, err := r.HandleMessage(context.Background(), directFrom("16660000000", "/send off"), cfg)
		if err != nil {
			t.Fatal(err)
		}
		if rs != nil {
			t.Errorf("non-owner /send should drop, got %+v", rs)
		}
	})
}

func TestStatusCommand(t *testing.T) {
	cfg := ownerCfg()

	t.Run("authorized gets session summary", func(t *testing.T) {
		r, agent, _ := newTestRouter(t)
		rs, err := r.HandleMessage(context.Background(), directFrom("15551234567", "/status"), cfg)
		if err != nil {
			t.Fatal(err)
		}
		if rs == nil || !strings.Contains(rs.PrimaryText(), "Send policy") {
			t.Errorf("reply = %+v", rs)
		}
		if len(agent.calls) != 0 {
			t.Error("agent should not be invoked")
		}
	})

	t.Run("status source overrides summary", func(t *testing.T) {
		r, _, _ := newTestRouter(t)
		r.SetStatusSource(statusFunc(func(*IncomingMessage) string { return "all systems go" }))
		rs, err := r.HandleMessage(context.Background(), directFrom("15551234567", "/status"), cfg)
		if err != nil {
			t.Fatal(err)
		}
		if rs.PrimaryText() != "all systems go" {
			t.Errorf("reply = %q", rs.PrimaryText())
		}
	})

	t.Run("commandAuthorized suffices for status", func(t *testing.T) {
		r, _, _ := newTestRouter(t)
		msg := directFrom("19998887777", "/status")
		msg.CommandAuthorized = true
		rs, err := r.HandleMessage(context.Background(), msg, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if rs == nil {
			t.Error("trusted sender should get a status reply")
		}
	})
}

type statusFunc func(*IncomingMessage) string

func (f statusFunc) Status(msg *IncomingMessage) string { return f(msg) }

func TestPlainConversationDelegates(t *testing.T) {
	cfg := ownerCfg()
	r, agent, _ := newTestRouter(t)
	body := "what's the weather like tomorrow"
	rs, err := r.HandleMessage(context.Background(), directFrom("19998887777", body), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if rs == nil {
		t.Fatal("conversation should delegate and reply")
	}
	if agent.calls[0].Prompt != body {
		t.Errorf("prompt = %q, want %q", agent.calls[0].Prompt, body)
	}
	if agent.calls[0].SessionKey != session.MainSessionKey {
		t.Errorf("session key = %q, want main", agent.calls[0].SessionKey)
	}
}

func TestGroupDelegationCarriesContext(t *testing.T) {
	cfg := ChannelConfig{AllowFrom: []string{"*"}}
	r, agent, _ := newTestRouter(t)
	msg := &IncomingMessage{
		Body:         "anyone know a good lunch spot",
		From:         "group-1@g.us",
		Provider:     "whatsapp",
		ChatType:     ChatGroup,
		SenderE164:   "15551234567",
		GroupSubject: "Office chat",
	}
	if _, err := r.HandleMessage(context.Background(), msg, cfg); err != nil {
		t.Fatal(err)
	}
	call := agent.calls[0]
	if !strings.Contains(call.ExtraSystemPrompt, "group chat") {
		t.Errorf("extra prompt missing group marker: %q", call.ExtraSystemPrompt)
	}
	if !strings.Contains(call.ExtraSystemPrompt, "Office chat") {
		t.Errorf("extra prompt missing subject: %q", call.ExtraSystemPrompt)
	}
	want := session.DeriveSessionKey("whatsapp", "group-1@g.us")
	if call.SessionKey != want {
		t.Errorf("session key = %q, want %q", call.SessionKey, want)
	}
}

func TestAgentFailureSurfaces(t *testing.T) {
	cfg := ownerCfg()
	store := session.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	sentinel := errors.New("provider unreachable")
	r := NewRouter(store, &stubAgent{err: sentinel})

	_, err := r.HandleMessage(context.Background(), directFrom("15551234567", "hello"), cfg)
	if err == nil {
		t.Fatal("agent failure must propagate")
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("error %v should wrap %v", err, sentinel)
	}
}
