package translator

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"airelay-go/internal/models"
)

// parseClaudeEvents splits an Anthropic SSE stream into (event, data) pairs.
func parseClaudeEvents(t *testing.T, r io.Reader) []struct {
	Event string
	Data  gjson.Result
} {
	t.Helper()
	raw, err := io.ReadAll(r)
	require.NoError(t, err)

	var events []struct {
		Event string
		Data  gjson.Result
	}
	for _, block := range strings.Split(string(raw), "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var ev, data string
		for _, line := range strings.Split(block, "\n") {
			if strings.HasPrefix(line, "event: ") {
				ev = strings.TrimPrefix(line, "event: ")
			}
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		events = append(events, struct {
			Event string
			Data  gjson.Result
		}{ev, gjson.Parse(data)})
	}
	return events
}

func claudeStream(t *testing.T, chunks []string, opts *Options) []struct {
	Event string
	Data  gjson.Result
} {
	t.Helper()
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString("data: ")
		sb.WriteString(c)
		sb.WriteString("\n\n")
	}
	out, err := GeminiToClaudeStream(context.Background(), "claude-sonnet-4-5", strings.NewReader(sb.String()), opts)
	require.NoError(t, err)
	return parseClaudeEvents(t, out)
}

func TestClaudeStreamTextOnlySequence(t *testing.T) {
	opts := testOptions("claude-sonnet-4-5")
	opts.EstimatedInputTokens = 7

	events := claudeStream(t, []string{
		`{"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":" world"}]}}]}`,
		`{"candidates":[{"content":{"parts":[]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":2}}`,
	}, opts)

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Event)
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, kinds)

	assert.Equal(t, int64(7), events[0].Data.Get("message.usage.input_tokens").Int())
	assert.Equal(t, "text", events[1].Data.Get("content_block.type").String())
	assert.Equal(t, "Hello", events[2].Data.Get("delta.text").String())
	assert.Equal(t, " world", events[3].Data.Get("delta.text").String())

	final := events[len(events)-2]
	assert.Equal(t, "end_turn", final.Data.Get("delta.stop_reason").String())
	// real upstream usage replaces the estimate
	assert.Equal(t, int64(9), final.Data.Get("usage.input_tokens").Int())
	assert.Equal(t, int64(2), final.Data.Get("usage.output_tokens").Int())
}

func TestClaudeStreamThinkingTransition(t *testing.T) {
	opts := testOptions("claude-sonnet-4-5")

	events := claudeStream(t, []string{
		`{"candidates":[{"content":{"parts":[{"text":"pondering","thought":true,"thoughtSignature":"sig1"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"answer"}]},"finishReason":"STOP"}]}`,
	}, opts)

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Event)
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // thinking
		"content_block_delta", // thinking_delta
		"content_block_delta", // signature_delta
		"content_block_stop",
		"content_block_start", // text
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, kinds)

	assert.Equal(t, "thinking", events[1].Data.Get("content_block.type").String())
	assert.Equal(t, "thinking_delta", events[2].Data.Get("delta.type").String())
	assert.Equal(t, "pondering", events[2].Data.Get("delta.thinking").String())
	assert.Equal(t, "signature_delta", events[3].Data.Get("delta.type").String())
	assert.Equal(t, "sig1", events[3].Data.Get("delta.signature").String())

	// block indexes are monotonic
	assert.Equal(t, int64(0), events[1].Data.Get("index").Int())
	assert.Equal(t, int64(5), events[5].Data.Get("index").Int())
}

func TestClaudeStreamToolUse(t *testing.T) {
	opts := testOptions("claude-sonnet-4-5")
	wire := opts.Mapper.Normalise("my fn!")

	events := claudeStream(t, []string{
		`{"candidates":[{"content":{"parts":[{"text":"using a tool"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"` + wire + `","args":{"q":"x"}}}]},"finishReason":"STOP"}]}`,
	}, opts)

	var toolStart, toolDelta gjson.Result
	for _, ev := range events {
		if ev.Event == "content_block_start" && ev.Data.Get("content_block.type").String() == "tool_use" {
			toolStart = ev.Data
		}
		if ev.Event == "content_block_delta" && ev.Data.Get("delta.type").String() == "input_json_delta" {
			toolDelta = ev.Data
		}
	}
	require.True(t, toolStart.Exists())
	assert.Equal(t, "my fn!", toolStart.Get("content_block.name").String())
	assert.Regexp(t, `^toolu_[0-9a-f]{16}$`, toolStart.Get("content_block.id").String())
	assert.Equal(t, `{"q":"x"}`, toolDelta.Get("delta.partial_json").String())

	final := events[len(events)-2]
	assert.Equal(t, "message_delta", final.Event)
	assert.Equal(t, "tool_use", final.Data.Get("delta.stop_reason").String())
}

func TestClaudeStreamMaxTokens(t *testing.T) {
	events := claudeStream(t, []string{
		`{"candidates":[{"content":{"parts":[{"text":"cut "}]},"finishReason":"MAX_TOKENS"}]}`,
	}, testOptions("claude-sonnet-4-5"))

	final := events[len(events)-2]
	assert.Equal(t, "max_tokens", final.Data.Get("delta.stop_reason").String())
}

func TestClaudeStreamEmptyUpstream(t *testing.T) {
	events := claudeStream(t, nil, testOptions("claude-sonnet-4-5"))

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Event)
	}
	assert.Equal(t, []string{"message_start", "message_delta", "message_stop"}, kinds)
	// estimate floor is 1
	assert.Equal(t, int64(1), events[0].Data.Get("message.usage.input_tokens").Int())
}

func TestClaudeNonStreamResponse(t *testing.T) {
	opts := testOptions("claude-sonnet-4-5")
	body := `{"response":{"candidates":[{"content":{"parts":[{"text":"hi","thought":true,"thoughtSignature":"s"},{"text":"visible"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6}}}`

	out, err := GeminiToClaudeResponse(context.Background(), "claude-sonnet-4-5", []byte(body), opts)
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	assert.Equal(t, "message", parsed.Get("type").String())
	content := parsed.Get("content").Array()
	require.Len(t, content, 2)
	assert.Equal(t, "thinking", content[0].Get("type").String())
	assert.Equal(t, "s", content[0].Get("signature").String())
	assert.Equal(t, "visible", content[1].Get("text").String())
	assert.Equal(t, "end_turn", parsed.Get("stop_reason").String())
	assert.Equal(t, int64(4), parsed.Get("usage.input_tokens").Int())
}

func TestClaudeNonStreamHidesThoughtsWhenDisabled(t *testing.T) {
	opts := NewOptions(models.ParseFeatures("claude-sonnet-4-5"))
	opts.ReturnThoughts = false
	body := `{"candidates":[{"content":{"parts":[{"text":"secret","thought":true},{"text":"visible"}]},"finishReason":"STOP"}]}`

	out, err := GeminiToClaudeResponse(context.Background(), "claude-sonnet-4-5", []byte(body), opts)
	require.NoError(t, err)
	content := gjson.GetBytes(out, "content").Array()
	require.Len(t, content, 1)
	assert.Equal(t, "visible", content[0].Get("text").String())
}
