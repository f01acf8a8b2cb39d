package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// ContextBuilder assembles the system prompt: identity, runtime facts,
// workspace bootstrap files, plus any per-message context supplied by
// the caller.
type ContextBuilder struct {
	workspace string
}

func NewContextBuilder(workspace string) *ContextBuilder {
	return &ContextBuilder{workspace: workspace}
}

func (cb *ContextBuilder) identity() string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	workspacePath, _ := filepath.Abs(cb.workspace)
	rt := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	return fmt.Sprintf(`# relayclaw

You are relayclaw, a helpful assistant reachable over messaging channels.

## Current Time
%s

## Runtime
%s

## Workspace
Your workspace is at: %s

## Important Rules

1. **Be concise** - Replies are rendered in chat apps; keep them short and skimmable.
2. **Be helpful and accurate** - Say what you did, not what you might do.`,
		now, rt, workspacePath)
}

// BuildSystemPrompt joins the identity, any bootstrap files found in
// the workspace, and the caller's extra context with "---" separators.
func (cb *ContextBuilder) BuildSystemPrompt(extraContext string) string {
	parts := []string{cb.identity()}

	if bootstrap := cb.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}
	if extraContext != "" {
		parts = append(parts, extraContext)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

func (cb *ContextBuilder) loadBootstrapFiles() string {
	bootstrapFiles := []string{
		"AGENTS.md",
		"USER.md",
		"IDENTITY.md",
	}

	var result string
	for _, filename := range bootstrapFiles {
		filePath := filepath.Join(cb.workspace, filename)
		if data, err := os.ReadFile(filePath); err == nil {
			result += fmt.Sprintf("## %s\n\n%s\n\n", filename, string(data))
		}
	}

	return result
}
