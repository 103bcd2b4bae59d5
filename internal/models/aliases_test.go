package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAliasMapResolve(t *testing.T) {
	m := NewAliasMap()
	require.NoError(t, m.LoadJSON(`{
		"anthropic": [
			{"source":"claude-sonnet-4-5","target_model":"gemini-3-pro-preview","target_provider":"gemini_antigravity"}
		],
		"openai_chat": [
			{"source":"gpt-4o","target_model":"gemini-2.5-pro"}
		]
	}`))

	model, provider, matched := m.Resolve(AliasGroupAnthropic, "claude-sonnet-4-5")
	assert.True(t, matched)
	assert.Equal(t, "gemini-3-pro-preview", model)
	assert.Equal(t, ProviderGeminiAntigravity, provider)

	// 大小写不敏感
	model, _, matched = m.Resolve(AliasGroupAnthropic, "Claude-Sonnet-4-5")
	assert.True(t, matched)
	assert.Equal(t, "gemini-3-pro-preview", model)

	model, provider, matched = m.Resolve(AliasGroupOpenAIChat, "gpt-4o")
	assert.True(t, matched)
	assert.Equal(t, "gemini-2.5-pro", model)
	assert.Equal(t, Provider(""), provider)

	// 组之间互不影响
	_, _, matched = m.Resolve(AliasGroupOpenAIChat, "claude-sonnet-4-5")
	assert.False(t, matched)

	model, _, matched = m.Resolve(AliasGroupAnthropic, "unmapped")
	assert.False(t, matched)
	assert.Equal(t, "unmapped", model)
}

func TestAliasMapInvalidProviderIgnored(t *testing.T) {
	m := NewAliasMap()
	require.NoError(t, m.LoadJSON(`{"anthropic":[{"source":"x","target_model":"y","target_provider":"openai"}]}`))

	model, provider, matched := m.Resolve(AliasGroupAnthropic, "x")
	assert.True(t, matched)
	assert.Equal(t, "y", model)
	assert.Equal(t, Provider(""), provider) // 非 Gemini 系 provider 被忽略
}

func TestAliasMapReload(t *testing.T) {
	m := NewAliasMap()
	require.NoError(t, m.LoadJSON(`{"anthropic":[{"source":"a","target_model":"b"}]}`))
	_, _, matched := m.Resolve(AliasGroupAnthropic, "a")
	assert.True(t, matched)

	require.NoError(t, m.LoadJSON(""))
	_, _, matched = m.Resolve(AliasGroupAnthropic, "a")
	assert.False(t, matched)

	assert.Error(t, m.LoadJSON("{not json"))
}
