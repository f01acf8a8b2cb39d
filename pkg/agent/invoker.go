package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/relayclaw/relayclaw/pkg/config"
	"github.com/relayclaw/relayclaw/pkg/history"
	"github.com/relayclaw/relayclaw/pkg/logger"
	"github.com/relayclaw/relayclaw/pkg/providers"
	"github.com/relayclaw/relayclaw/pkg/router"
)

// historyWindow is how many transcript turns are replayed per call.
const historyWindow = 40

// Invoker turns router delegations into LLM calls: it replays the
// session transcript, attaches the contextual prompt, and records both
// sides of the exchange.
type Invoker struct {
	provider providers.LLMProvider
	builder  *ContextBuilder
	history  *history.Store
	defaults config.AgentDefaults
}

func NewInvoker(provider providers.LLMProvider, builder *ContextBuilder, hist *history.Store, defaults config.AgentDefaults) *Invoker {
	return &Invoker{
		provider: provider,
		builder:  builder,
		history:  hist,
		defaults: defaults,
	}
}

// Invoke implements router.AgentInvoker.
func (inv *Invoker) Invoke(ctx context.Context, req router.AgentRequest) (*router.AgentResult, error) {
	messages := []providers.Message{
		{Role: "system", Content: inv.builder.BuildSystemPrompt(req.ExtraSystemPrompt)},
	}

	if inv.history != nil {
		past, err := inv.history.Recent(req.SessionKey, historyWindow)
		if err != nil {
			logger.WarnCF("agent", "Transcript replay failed", map[string]interface{}{
				"session": req.SessionKey,
				"error":   err.Error(),
			})
		}
		for _, e := range past {
			messages = append(messages, providers.Message{Role: e.Role, Content: e.Content})
		}
	}

	messages = append(messages, providers.Message{Role: "user", Content: req.Prompt})

	options := map[string]interface{}{}
	if inv.defaults.MaxTokens > 0 {
		options["max_tokens"] = inv.defaults.MaxTokens
	}
	if inv.defaults.Temperature > 0 {
		options["temperature"] = inv.defaults.Temperature
	}

	start := time.Now()
	resp, err := inv.provider.Chat(ctx, messages, nil, inv.defaults.Model, options)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	elapsed := time.Since(start)

	if inv.history != nil {
		if err := inv.history.Append(history.Entry{
			SessionKey: req.SessionKey, Role: "user", Content: req.Prompt,
		}); err != nil {
			logger.WarnCF("agent", "Transcript append failed", map[string]interface{}{"error": err.Error()})
		}
		if resp.Content != "" {
			if err := inv.history.Append(history.Entry{
				SessionKey: req.SessionKey, Role: "assistant", Content: resp.Content,
			}); err != nil {
				logger.WarnCF("agent", "Transcript append failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	meta := map[string]interface{}{"model": inv.defaults.Model}
	if resp.Usage != nil {
		meta["total_tokens"] = resp.Usage.TotalTokens
	}

	result := &router.AgentResult{
		Meta: router.AgentMeta{
			DurationMs: elapsed.Milliseconds(),
			AgentMeta:  meta,
		},
	}
	if resp.Content != "" {
		result.Payloads = []router.AgentPayload{{Text: resp.Content}}
	}
	return result, nil
}

// ResetSession implements router.SessionResetter: a fresh conversation
// starts from an empty transcript.
func (inv *Invoker) ResetSession(_ context.Context, sessionKey string) error {
	if inv.history == nil {
		return nil
	}
	if err := inv.history.Clear(sessionKey); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}
	logger.InfoCF("agent", "Transcript cleared", map[string]interface{}{"session": sessionKey})
	return nil
}
