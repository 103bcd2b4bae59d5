package translator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"airelay-go/internal/constants"
	"airelay-go/internal/models"
)

func testOptions(model string) *Options {
	return NewOptions(models.ParseFeatures(model))
}

func TestOpenAIToGeminiSimpleRequest(t *testing.T) {
	input := `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"Hello"}]}`

	out, err := OpenAIToGeminiRequest("gemini-2.5-pro", []byte(input), false, testOptions("gemini-2.5-pro"))
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	contents := parsed.Get("contents").Array()
	require.Len(t, contents, 1)
	assert.Equal(t, "user", contents[0].Get("role").String())
	assert.Equal(t, "Hello", contents[0].Get("parts.0.text").String())
	assert.Equal(t, int64(constants.DefaultTopK), parsed.Get("generationConfig.topK").Int())
	assert.Len(t, parsed.Get("safetySettings").Array(), len(harmCategories))
}

func TestOpenAIToGeminiSystemAccumulation(t *testing.T) {
	input := `{"messages":[
		{"role":"system","content":"first"},
		{"role":"system","content":"second"},
		{"role":"user","content":"hi"},
		{"role":"system","content":"late system"}
	]}`

	out, err := OpenAIToGeminiRequest("gemini-2.5-pro", []byte(input), false, testOptions("gemini-2.5-pro"))
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	assert.Equal(t, "first\n\nsecond", parsed.Get("systemInstruction.parts.0.text").String())

	contents := parsed.Get("contents").Array()
	require.Len(t, contents, 2)
	assert.Equal(t, "hi", contents[0].Get("parts.0.text").String())
	// the trailing system message is demoted to a user turn
	assert.Equal(t, "user", contents[1].Get("role").String())
	assert.Equal(t, "late system", contents[1].Get("parts.0.text").String())
}

func TestOpenAIToGeminiToolRoleResolvesName(t *testing.T) {
	input := `{"messages":[
		{"role":"user","content":"weather please"},
		{"role":"assistant","tool_calls":[{"id":"call_abc","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Paris\"}"}}]},
		{"role":"tool","tool_call_id":"call_abc","content":"{\"temp\":21}"}
	]}`

	out, err := OpenAIToGeminiRequest("gemini-2.5-pro", []byte(input), false, testOptions("gemini-2.5-pro"))
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	contents := parsed.Get("contents").Array()
	require.Len(t, contents, 3)

	assert.Equal(t, "model", contents[1].Get("role").String())
	assert.Equal(t, "get_weather", contents[1].Get("parts.0.functionCall.name").String())
	assert.Equal(t, "Paris", contents[1].Get("parts.0.functionCall.args.city").String())

	// tool role becomes a user functionResponse named after the matching call
	assert.Equal(t, "user", contents[2].Get("role").String())
	assert.Equal(t, "get_weather", contents[2].Get("parts.0.functionResponse.name").String())
	assert.Equal(t, int64(21), contents[2].Get("parts.0.functionResponse.response.temp").Int())
}

func TestOpenAIToGeminiUnparseableToolArgsFail(t *testing.T) {
	input := `{"messages":[
		{"role":"assistant","tool_calls":[{"type":"function","function":{"name":"f","arguments":"not json"}}]}
	]}`

	_, err := OpenAIToGeminiRequest("gemini-2.5-pro", []byte(input), false, testOptions("gemini-2.5-pro"))
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)
}

func TestOpenAIToGeminiEmptyContentsFallback(t *testing.T) {
	input := `{"messages":[{"role":"system","content":"only system"}]}`

	out, err := OpenAIToGeminiRequest("gemini-2.5-pro", []byte(input), false, testOptions("gemini-2.5-pro"))
	require.NoError(t, err)

	contents := gjson.GetBytes(out, "contents").Array()
	require.Len(t, contents, 1)
	assert.Equal(t, emptyContentsFallback, contents[0].Get("parts.0.text").String())
}

func TestOpenAIToGeminiImageParts(t *testing.T) {
	input := `{"messages":[{"role":"user","content":[
		{"type":"text","text":"see this"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA"}},
		{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}
	]}]}`

	out, err := OpenAIToGeminiRequest("gemini-2.5-pro", []byte(input), false, testOptions("gemini-2.5-pro"))
	require.NoError(t, err)

	parts := gjson.GetBytes(out, "contents.0.parts").Array()
	// http image URL is dropped
	require.Len(t, parts, 2)
	assert.Equal(t, "see this", parts[0].Get("text").String())
	assert.Equal(t, "image/png", parts[1].Get("inlineData.mimeType").String())
	assert.Equal(t, "AAAA", parts[1].Get("inlineData.data").String())
}

func TestThinkingSuffixConfig(t *testing.T) {
	cases := []struct {
		model           string
		wantBudget      int64
		wantThoughts    bool
		thoughtsPresent bool
	}{
		{"gemini-2.5-pro-nothinking", int64(constants.NoThinkingBudget), true, true},
		{"gemini-2.5-flash-nothinking", int64(constants.NoThinkingBudget), false, false},
		{"gemini-2.5-flash-maxthinking", int64(constants.MaxThinkingBudgetFlash), true, true},
		{"gemini-2.5-pro-maxthinking", int64(constants.MaxThinkingBudgetPro), true, true},
	}
	for _, tc := range cases {
		t.Run(tc.model, func(t *testing.T) {
			input := `{"messages":[{"role":"user","content":"hi"}]}`
			out, err := OpenAIToGeminiRequest(tc.model, []byte(input), false, testOptions(tc.model))
			require.NoError(t, err)

			cfg := gjson.GetBytes(out, "generationConfig.thinkingConfig")
			require.True(t, cfg.Exists())
			assert.Equal(t, tc.wantBudget, cfg.Get("thinkingBudget").Int())
			if tc.thoughtsPresent {
				assert.Equal(t, tc.wantThoughts, cfg.Get("includeThoughts").Bool())
			} else {
				assert.False(t, cfg.Get("includeThoughts").Exists())
			}
		})
	}
}

func TestSearchSuffixInjectsTool(t *testing.T) {
	input := `{"messages":[{"role":"user","content":"hi"}]}`
	out, err := OpenAIToGeminiRequest("gemini-2.5-flash-search", []byte(input), false, testOptions("gemini-2.5-flash-search"))
	require.NoError(t, err)

	tools := gjson.GetBytes(out, "tools").Array()
	require.NotEmpty(t, tools)
	assert.True(t, tools[len(tools)-1].Get("googleSearch").Exists())
}

func TestMaxTokensClamp(t *testing.T) {
	input := `{"messages":[{"role":"user","content":"hi"}],"max_tokens":1000000}`
	out, err := OpenAIToGeminiRequest("gemini-2.5-pro", []byte(input), false, testOptions("gemini-2.5-pro"))
	require.NoError(t, err)
	assert.Equal(t, int64(constants.MaxOutputTokens), gjson.GetBytes(out, "generationConfig.maxOutputTokens").Int())
}

func TestGeminiToOpenAIResponse(t *testing.T) {
	body := `{"response":{"candidates":[{"content":{"parts":[{"text":"Hello there"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":3,"totalTokenCount":8}}}`

	out, err := GeminiToOpenAIResponse(context.Background(), "gemini-2.5-pro", []byte(body), testOptions("gemini-2.5-pro"))
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	assert.Equal(t, "chat.completion", parsed.Get("object").String())
	assert.Equal(t, "Hello there", parsed.Get("choices.0.message.content").String())
	assert.Equal(t, "stop", parsed.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(5), parsed.Get("usage.prompt_tokens").Int())
	assert.Equal(t, int64(3), parsed.Get("usage.completion_tokens").Int())
	assert.Equal(t, int64(8), parsed.Get("usage.total_tokens").Int())
}

func TestGeminiToOpenAIToolCallDenormalised(t *testing.T) {
	opts := testOptions("gemini-2.5-pro")
	wire := opts.Mapper.Normalise("my fn!")

	body := `{"candidates":[{"content":{"parts":[{"functionCall":{"name":"` + wire + `","args":{"x":1}}}]},"finishReason":"STOP"}]}`
	out, err := GeminiToOpenAIResponse(context.Background(), "gemini-2.5-pro", []byte(body), opts)
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	tc := parsed.Get("choices.0.message.tool_calls.0")
	assert.Equal(t, "my fn!", tc.Get("function.name").String())
	assert.Regexp(t, `^call_[0-9a-f]{24}$`, tc.Get("id").String())
	assert.Equal(t, "tool_calls", parsed.Get("choices.0.finish_reason").String())

	var args map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(tc.Get("function.arguments").String()), &args))
	assert.Equal(t, float64(1), args["x"])
}

func TestOpenAIRoundTripPreservesText(t *testing.T) {
	input := `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"What is 2+2?"}],"seed":42}`
	opts := testOptions("gemini-2.5-pro")

	payload, err := OpenAIToGeminiRequest("gemini-2.5-pro", []byte(input), false, opts)
	require.NoError(t, err)
	assert.Equal(t, "What is 2+2?", gjson.GetBytes(payload, "contents.0.parts.0.text").String())
	assert.Equal(t, int64(42), gjson.GetBytes(payload, "generationConfig.seed").Int())

	upstream := `{"candidates":[{"content":{"parts":[{"text":"2+2 equals 4."}]},"finishReason":"STOP"}]}`
	out, err := GeminiToOpenAIResponse(context.Background(), "gemini-2.5-pro", []byte(upstream), opts)
	require.NoError(t, err)
	assert.Equal(t, "2+2 equals 4.", gjson.GetBytes(out, "choices.0.message.content").String())
}

func TestAliasResolutionWithProviderPin(t *testing.T) {
	aliases := models.NewAliasMap()
	require.NoError(t, aliases.LoadJSON(`{"anthropic":[{"source":"claude-sonnet-4-5","target_model":"claude-sonnet-4-5","target_provider":"gemini_antigravity"}]}`))

	features := models.ParseFeatures("claude-sonnet-4-5")
	model, provider, matched := aliases.Resolve(models.AliasGroupAnthropic, features.Base)
	require.True(t, matched)
	assert.Equal(t, "claude-sonnet-4-5", model)
	assert.Equal(t, models.ProviderGeminiAntigravity, provider)
	assert.Equal(t, models.ThinkingDefault, features.Thinking)
}

func TestClaudeToGeminiBlocks(t *testing.T) {
	input := `{"model":"claude-sonnet-4-5","system":"be brief","messages":[
		{"role":"user","content":[{"type":"text","text":"hi"}]},
		{"role":"assistant","content":[
			{"type":"thinking","thinking":"pondering","signature":"sig1"},
			{"type":"text","text":"calling tool"},
			{"type":"tool_use","id":"toolu_1","name":"lookup","input":{"q":"x","drop":null}}
		]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"found it"}]}
	]}`

	out, err := ClaudeToGeminiRequest("claude-sonnet-4-5", []byte(input), false, testOptions("claude-sonnet-4-5"))
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	assert.Equal(t, "be brief", parsed.Get("systemInstruction.parts.0.text").String())

	contents := parsed.Get("contents").Array()
	// one part per content after flattening
	for _, c := range contents {
		assert.Len(t, c.Get("parts").Array(), 1)
	}
	require.Len(t, contents, 5)

	assert.Equal(t, "pondering", contents[1].Get("parts.0.text").String())
	assert.True(t, contents[1].Get("parts.0.thought").Bool())
	assert.Equal(t, "sig1", contents[1].Get("parts.0.thoughtSignature").String())

	// null stripped from tool input
	assert.False(t, contents[3].Get("parts.0.functionCall.args.drop").Exists())

	// functionResponse follows its functionCall
	assert.True(t, contents[3].Get("parts.0.functionCall").Exists())
	assert.True(t, contents[4].Get("parts.0.functionResponse").Exists())
	assert.Equal(t, "toolu_1", contents[4].Get("parts.0.functionResponse.id").String())
	assert.Equal(t, "found it", contents[4].Get("parts.0.functionResponse.response.output").String())
}

func TestClaudeThinkingWithoutSignatureDropped(t *testing.T) {
	input := `{"messages":[{"role":"assistant","content":[{"type":"thinking","thinking":"no sig"},{"type":"text","text":"visible"}]}]}`

	out, err := ClaudeToGeminiRequest("claude-sonnet-4-5", []byte(input), false, testOptions("claude-sonnet-4-5"))
	require.NoError(t, err)

	contents := gjson.GetBytes(out, "contents").Array()
	require.Len(t, contents, 1)
	assert.Equal(t, "visible", contents[0].Get("parts.0.text").String())
}

func TestReorderFunctionResponses(t *testing.T) {
	input := `{"messages":[
		{"role":"assistant","content":[
			{"type":"tool_use","id":"a","name":"f1","input":{}},
			{"type":"tool_use","id":"b","name":"f2","input":{}}
		]},
		{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"b","content":"rb"},
			{"type":"tool_result","tool_use_id":"a","content":"ra"}
		]}
	]}`

	out, err := ClaudeToGeminiRequest("claude-sonnet-4-5", []byte(input), false, testOptions("claude-sonnet-4-5"))
	require.NoError(t, err)

	contents := gjson.GetBytes(out, "contents").Array()
	require.Len(t, contents, 4)
	assert.Equal(t, "a", contents[0].Get("parts.0.functionCall.id").String())
	assert.Equal(t, "a", contents[1].Get("parts.0.functionResponse.id").String())
	assert.Equal(t, "b", contents[2].Get("parts.0.functionCall.id").String())
	assert.Equal(t, "b", contents[3].Get("parts.0.functionResponse.id").String())
}

func TestEstimateClaudeInputTokens(t *testing.T) {
	input := `{"system":"abcd","messages":[{"role":"user","content":[{"type":"text","text":"abcdefgh"},{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAAA"}}]}]}`
	// 12 chars → 3 tokens, plus one image
	assert.Equal(t, 3+tokensPerImage, EstimateClaudeInputTokens([]byte(input)))

	assert.Equal(t, 1, EstimateClaudeInputTokens([]byte(`{"messages":[]}`)))
}

func TestGeminiPassthroughShaping(t *testing.T) {
	input := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}],"generationConfig":{"maxOutputTokens":9999999}}`
	out, err := GeminiPassthroughRequest("gemini-2.5-pro", []byte(input), false, testOptions("gemini-2.5-pro"))
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	assert.Equal(t, int64(constants.MaxOutputTokens), parsed.Get("generationConfig.maxOutputTokens").Int())
	assert.Equal(t, int64(constants.DefaultTopK), parsed.Get("generationConfig.topK").Int())
	assert.NotEmpty(t, parsed.Get("safetySettings").Array())
	assert.Equal(t, "hi", parsed.Get("contents.0.parts.0.text").String())
}
