package agent

import (
	"context"
	"fmt"

	"dhan-agent-bot/config"
	"dhan-agent-bot/internal/ai/llm"
)

// Planner produces the next tool call as raw text, given the run's
// conversation so far
type Planner interface {
	Plan(ctx context.Context, messages []Message) (string, error)
}

// LLMPlanner backs the Planner interface with a chat-completion provider
type LLMPlanner struct {
	client *llm.Client
}

// NewLLMPlanner builds a planner from AI configuration
func NewLLMPlanner(cfg config.AIConfig) (*LLMPlanner, error) {
	provider := llm.Provider(cfg.Provider)
	var apiKey string
	switch provider {
	case llm.ProviderClaude:
		apiKey = cfg.ClaudeAPIKey
	case llm.ProviderOpenAI:
		apiKey = cfg.OpenAIAPIKey
	case llm.ProviderDeepSeek:
		apiKey = cfg.DeepSeekAPIKey
	default:
		return nil, fmt.Errorf("unsupported planner provider %q", cfg.Provider)
	}
	client := llm.NewClient(&llm.ClientConfig{
		Provider:    provider,
		APIKey:      apiKey,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
	})
	if !client.IsConfigured() {
		return nil, fmt.Errorf("planner provider %q has no API key configured", cfg.Provider)
	}
	return &LLMPlanner{client: client}, nil
}

// Provider reports which chat-completion provider backs this planner
func (p *LLMPlanner) Provider() llm.Provider {
	return p.client.GetProvider()
}

// Plan sends the history and returns the provider's raw reply
func (p *LLMPlanner) Plan(ctx context.Context, messages []Message) (string, error) {
	history := make([]llm.Message, len(messages))
	for i, m := range messages {
		history[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return p.client.Complete(ctx, systemPrompt, history)
}
