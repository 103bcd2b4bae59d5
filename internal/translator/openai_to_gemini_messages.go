package translator

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// translateOpenAIMessages maps the OpenAI messages array into Gemini contents
// plus a single joined system instruction. System messages count only while
// they still lead the conversation; once a non-system role appears, later
// system messages are demoted to user turns.
func translateOpenAIMessages(rawJSON []byte, mapper *ToolNameMapper) ([]interface{}, string, error) {
	messages := gjson.GetBytes(rawJSON, "messages").Array()

	var contents []interface{}
	var systemParts []string
	leading := true

	for _, msg := range messages {
		role := msg.Get("role").String()
		content := msg.Get("content")

		if role != "system" {
			leading = false
		}

		switch role {
		case "system":
			if leading {
				systemParts = append(systemParts, flattenTextContent(content))
				continue
			}
			role = "user"
			fallthrough

		case "user":
			contents = append(contents, map[string]interface{}{
				"role":  "user",
				"parts": convertUserParts(content),
			})

		case "assistant":
			parts, err := convertAssistantParts(msg, mapper)
			if err != nil {
				return nil, "", err
			}
			if len(parts) > 0 {
				contents = append(contents, map[string]interface{}{
					"role":  "model",
					"parts": parts,
				})
			}

		case "tool":
			contents = append(contents, map[string]interface{}{
				"role":  "user",
				"parts": []interface{}{convertToolMessage(msg, messages, mapper)},
			})
		}
	}

	return contents, strings.Join(systemParts, "\n\n"), nil
}

func flattenTextContent(content gjson.Result) string {
	if content.IsArray() {
		var sb strings.Builder
		for _, part := range content.Array() {
			if part.Get("type").String() == "text" {
				sb.WriteString(part.Get("text").String())
			}
		}
		return sb.String()
	}
	return content.String()
}

func convertUserParts(content gjson.Result) []interface{} {
	if !content.IsArray() {
		return []interface{}{map[string]interface{}{"text": content.String()}}
	}
	var parts []interface{}
	for _, part := range content.Array() {
		if p := convertContentPart(part); p != nil {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		parts = []interface{}{map[string]interface{}{"text": ""}}
	}
	return parts
}

// convertContentPart converts one OpenAI content part. Image URLs that are
// not base64 data URIs are dropped.
func convertContentPart(part gjson.Result) interface{} {
	switch part.Get("type").String() {
	case "text":
		return map[string]interface{}{"text": part.Get("text").String()}

	case "image_url":
		imageURL := part.Get("image_url.url").String()
		if !strings.HasPrefix(imageURL, "data:") {
			return nil
		}
		split := strings.SplitN(imageURL, ",", 2)
		if len(split) != 2 {
			return nil
		}
		return map[string]interface{}{
			"inlineData": map[string]interface{}{
				"mimeType": detectImageMIME(split[0]),
				"data":     split[1],
			},
		}
	}
	return nil
}

// convertAssistantParts maps assistant text and tool_calls to model parts.
// A message whose every tool call carries unparseable arguments, with no text
// to fall back on, can never be accepted upstream.
func convertAssistantParts(msg gjson.Result, mapper *ToolNameMapper) ([]interface{}, error) {
	content := msg.Get("content")
	var parts []interface{}

	if text := flattenTextContent(content); text != "" {
		parts = append(parts, map[string]interface{}{"text": text})
	}

	toolCalls := msg.Get("tool_calls")
	if !toolCalls.Exists() || !toolCalls.IsArray() {
		return parts, nil
	}

	total, failed := 0, 0
	for _, tc := range toolCalls.Array() {
		if tc.Get("type").Exists() && tc.Get("type").String() != "function" {
			continue
		}
		total++
		var argsObj interface{}
		if err := json.Unmarshal([]byte(tc.Get("function.arguments").String()), &argsObj); err != nil {
			failed++
			continue
		}
		parts = append(parts, map[string]interface{}{
			"functionCall": map[string]interface{}{
				"name": mapper.Normalise(tc.Get("function.name").String()),
				"args": argsObj,
			},
		})
	}

	if total > 0 && failed == total && len(parts) == 0 {
		return nil, invalidRequestf("tool call arguments are not valid JSON")
	}
	return parts, nil
}

// convertToolMessage builds the functionResponse part for a tool-role
// message. The function name comes from message.name or, when absent, from
// the assistant message that issued the matching tool_call_id.
func convertToolMessage(msg gjson.Result, all []gjson.Result, mapper *ToolNameMapper) interface{} {
	name := msg.Get("name").String()
	toolCallID := msg.Get("tool_call_id").String()
	if name == "" && toolCallID != "" {
		name = findToolCallName(all, toolCallID)
	}

	contentStr := msg.Get("content").String()
	var responseContent interface{}
	if err := json.Unmarshal([]byte(contentStr), &responseContent); err != nil {
		responseContent = map[string]interface{}{"result": contentStr}
	}

	fn := map[string]interface{}{
		"name":     mapper.Normalise(name),
		"response": responseContent,
	}
	if toolCallID != "" {
		fn["id"] = toolCallID
	}
	return map[string]interface{}{"functionResponse": fn}
}

func findToolCallName(messages []gjson.Result, toolCallID string) string {
	for _, msg := range messages {
		if msg.Get("role").String() != "assistant" {
			continue
		}
		for _, tc := range msg.Get("tool_calls").Array() {
			if tc.Get("id").String() == toolCallID {
				return tc.Get("function.name").String()
			}
		}
	}
	return ""
}

func detectImageMIME(prefix string) string {
	switch {
	case strings.Contains(prefix, "image/png"):
		return "image/png"
	case strings.Contains(prefix, "image/webp"):
		return "image/webp"
	case strings.Contains(prefix, "image/gif"):
		return "image/gif"
	case strings.Contains(prefix, "image/heic"):
		return "image/heic"
	case strings.Contains(prefix, "image/heif"):
		return "image/heif"
	default:
		return "image/jpeg"
	}
}
