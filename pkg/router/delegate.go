package router

import (
	"context"
	"fmt"
)

// GreetingSeed is the prompt sent to the agent when a session is reset
// so the agent opens the fresh conversation itself.
const GreetingSeed = "Greet the user briefly and let them know you are ready for a fresh conversation."

// AgentRequest is one delegation to the agent.
type AgentRequest struct {
	Prompt            string
	ExtraSystemPrompt string
	SessionKey        string
}

// AgentMeta describes one completed invocation.
type AgentMeta struct {
	DurationMs int64
	AgentMeta  map[string]interface{}
}

// AgentResult is what the agent hands back: an ordered payload
// sequence plus invocation metadata.
type AgentResult struct {
	Payloads []AgentPayload
	Meta     AgentMeta
}

// AgentPayload is one reply part produced by the agent.
type AgentPayload struct {
	Text string
}

// AgentInvoker is the agent the router delegates to. Implementations
// own their own timeouts and cancellation through ctx.
type AgentInvoker interface {
	Invoke(ctx context.Context, req AgentRequest) (*AgentResult, error)
}

// delegate invokes the agent and maps its payload sequence onto the
// reply representation. Invocation failures propagate; they are the
// caller's to render, not a silent drop.
func delegate(ctx context.Context, agent AgentInvoker, req AgentRequest) (*ReplySet, error) {
	res, err := agent.Invoke(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent invocation: %w", err)
	}
	if res == nil || len(res.Payloads) == 0 {
		return nil, nil
	}
	parts := make([]Reply, 0, len(res.Payloads))
	for _, p := range res.Payloads {
		parts = append(parts, Reply{Text: p.Text})
	}
	return &ReplySet{Parts: parts, Delegated: true}, nil
}
