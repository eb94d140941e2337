package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKeyring map[string]string

func (k fakeKeyring) DefaultKeyFor(provider string) string { return k[provider] }

func TestResolveWithExplicitKey(t *testing.T) {
	r := NewResolver(fakeKeyring{})

	client, err := r.Resolve("openai", "gpt-4o", "sk-explicit", false)
	require.NoError(t, err)
	assert.Equal(t, "openai", client.Provider)
	assert.Equal(t, "gpt-4o", client.Model)
}

func TestResolveUsesDefaultKey(t *testing.T) {
	r := NewResolver(fakeKeyring{"deepseek": "ds-key"})

	client, err := r.Resolve("deepseek", "deepseek-chat", "", true)
	require.NoError(t, err)
	assert.Equal(t, "deepseek", client.Provider)
}

func TestResolveFallsBackToAnthropic(t *testing.T) {
	r := NewResolver(fakeKeyring{"anthropic": "sk-ant-default"})

	client, err := r.Resolve("deepseek", "deepseek-chat", "", true)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", client.Provider)
	assert.Equal(t, fallbackAnthropicModel, client.Model)
}

func TestResolveNoKeyAvailable(t *testing.T) {
	r := NewResolver(fakeKeyring{})

	_, err := r.Resolve("openai", "gpt-4o", "", true)
	assert.Error(t, err)

	_, err = r.Resolve("anthropic", "claude-3-5-sonnet-20240620", "", false)
	assert.Error(t, err)
}

func TestResolveAnthropicKeyFormatGuard(t *testing.T) {
	r := NewResolver(fakeKeyring{})

	// An sk-ant key routes to Anthropic no matter what was requested.
	client, err := r.Resolve("openai", "gpt-4o", "sk-ant-something", false)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", client.Provider)
	assert.Equal(t, fallbackAnthropicModel, client.Model)
}

func TestResolveUnsupportedProvider(t *testing.T) {
	r := NewResolver(fakeKeyring{})

	_, err := r.Resolve("mistral", "mistral-large", "key", false)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported provider")
}
