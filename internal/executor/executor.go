// Package executor provides the adapters behind cognitive nodes: plain
// function executors, LLM-backed executors with token and cost accounting,
// and the built-in system executors the kernel registers itself.
package executor

import (
	"context"
	"fmt"

	"reverie/internal/types"
)

// Func adapts an ordinary function to the Executor interface.
type Func func(ctx context.Context, ec types.ExecContext) (*types.NodeResult, error)

// Execute implements types.Executor.
func (f Func) Execute(ctx context.Context, ec types.ExecContext) (*types.NodeResult, error) {
	return f(ctx, ec)
}

// LLM runs one model call per dispatch. The prompt is built from the state
// snapshot; the response is turned into a NodeResult by the parse hook. Token
// and dollar accounting from the client flows into the result so the budget
// settles at actuals.
type LLM struct {
	Client types.LLMClient

	// System is the optional system prompt.
	System string

	// BuildPrompt renders the user prompt from the snapshot.
	BuildPrompt func(state types.GlobalState) (string, error)

	// Parse turns the raw response into a result. Nil keeps the text as
	// Output with no state delta.
	Parse func(text string, state types.GlobalState) (*types.NodeResult, error)
}

// Execute implements types.Executor.
func (l *LLM) Execute(ctx context.Context, ec types.ExecContext) (*types.NodeResult, error) {
	if l.Client == nil {
		return nil, fmt.Errorf("llm executor: no client configured")
	}
	prompt, err := l.BuildPrompt(ec.State)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	var resp *types.LLMResponse
	if l.System != "" {
		resp, err = l.Client.CompleteWithSystem(ctx, l.System, prompt)
	} else {
		resp, err = l.Client.Complete(ctx, prompt)
	}
	if err != nil {
		// The call may have been billed before failing; surface that so
		// the release path can apply the minimum charge.
		return nil, fmt.Errorf("llm call: %w", err)
	}
	ec.Log("llm call: %d tokens, $%.4f", resp.TotalTokens(), resp.CostUSD)

	var result *types.NodeResult
	if l.Parse != nil {
		result, err = l.Parse(resp.Text, ec.State)
		if err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
	} else {
		result = &types.NodeResult{Output: resp.Text}
	}
	if result == nil {
		result = &types.NodeResult{}
	}
	result.TokensUsed += resp.TotalTokens()
	result.DollarsUsed += resp.CostUSD
	return result, nil
}
