// Package provider resolves a requested provider/model/credential
// combination into a usable chat-completion client. Anthropic and
// DeepSeek are reached through their OpenAI-compatible endpoints.
package provider

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1/"
	deepseekBaseURL  = "https://api.deepseek.com"

	fallbackAnthropicModel = "claude-3-5-sonnet-20240620"
)

// Keyring supplies default API keys per provider name.
type Keyring interface {
	DefaultKeyFor(provider string) string
}

// Client is a resolved model handle.
type Client struct {
	api      openai.Client
	Provider string
	Model    string
}

// Describe identifies the provider/model pair for logs and history.
func (c *Client) Describe() string {
	return fmt.Sprintf("%s/%s", c.Provider, c.Model)
}

// Complete sends one system+user exchange and returns the assistant text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", c.Provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s completion: empty response", c.Provider)
	}
	return resp.Choices[0].Message.Content, nil
}

// Resolver builds clients from task-level provider selections.
type Resolver struct {
	keys Keyring
}

// NewResolver creates a resolver backed by the configured default keys.
func NewResolver(keys Keyring) *Resolver {
	return &Resolver{keys: keys}
}

// Resolve picks the effective credential and endpoint. Mirrors the
// server's historical key-format guards: an sk-ant key always routes to
// Anthropic regardless of the requested provider.
func (r *Resolver) Resolve(providerName, model, apiKey string, useDefaultKey bool) (*Client, error) {
	effectiveKey := apiKey
	if useDefaultKey {
		effectiveKey = r.keys.DefaultKeyFor(providerName)
		if effectiveKey == "" {
			// No default for the requested provider; fall back to
			// Anthropic when possible.
			if anthropicKey := r.keys.DefaultKeyFor("anthropic"); anthropicKey != "" && providerName != "openai" {
				log.Printf("No default key for %s. Falling back to Anthropic.", providerName)
				providerName = "anthropic"
				model = fallbackAnthropicModel
				effectiveKey = anthropicKey
			} else {
				return nil, fmt.Errorf("no default API key available for %s", providerName)
			}
		}
	}
	if effectiveKey == "" {
		return nil, fmt.Errorf("no API key provided for %s", providerName)
	}

	if strings.HasPrefix(effectiveKey, "sk-ant") && providerName != "anthropic" {
		log.Printf("API key format is for Anthropic but provider is %s. Switching to Anthropic.", providerName)
		providerName = "anthropic"
		model = fallbackAnthropicModel
	}

	opts := []option.RequestOption{option.WithAPIKey(effectiveKey)}
	switch providerName {
	case "anthropic":
		opts = append(opts, option.WithBaseURL(anthropicBaseURL))
	case "deepseek":
		opts = append(opts, option.WithBaseURL(deepseekBaseURL))
	case "openai":
		// default endpoint
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerName)
	}

	log.Printf("Using LLM: %s / %s", providerName, model)
	return &Client{
		api:      openai.NewClient(opts...),
		Provider: providerName,
		Model:    model,
	}, nil
}

// TestResult reports a connectivity probe outcome.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// TestConnection resolves the provider and issues a minimal completion to
// verify the credential works.
func (r *Resolver) TestConnection(ctx context.Context, providerName, model, apiKey string, useDefaultKey bool) TestResult {
	client, err := r.Resolve(providerName, model, apiKey, useDefaultKey)
	if err != nil {
		return TestResult{Success: false, Message: fmt.Sprintf("Connection error: %v", err)}
	}
	if _, err := client.Complete(ctx, "You are a connectivity check.", "Reply with OK."); err != nil {
		return TestResult{Success: false, Message: fmt.Sprintf("Connection error: %v", err)}
	}
	return TestResult{Success: true, Message: fmt.Sprintf("Connected to %s", client.Describe())}
}
