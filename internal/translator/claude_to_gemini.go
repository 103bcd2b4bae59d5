package translator

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"airelay-go/internal/constants"
)

func init() {
	Register(FormatClaude, FormatGemini, TranslatorConfig{
		RequestTransform: ClaudeToGeminiRequest,
	})
}

// ClaudeToGeminiRequest converts an Anthropic messages request into the
// internal Gemini payload.
func ClaudeToGeminiRequest(model string, rawJSON []byte, stream bool, opts *Options) ([]byte, error) {
	out := `{"contents":[]}`

	genConfig := buildClaudeGenerationConfig(rawJSON)
	genConfigJSON, _ := json.Marshal(genConfig)
	out, _ = sjson.SetRaw(out, "generationConfig", string(genConfigJSON))

	contents := translateClaudeMessages(rawJSON, mapperOf(opts))
	contents = reorderFunctionResponses(contents)
	contentsJSON, _ := json.Marshal(contents)
	out, _ = sjson.SetRaw(out, "contents", string(contentsJSON))

	if systemText := collectClaudeSystem(rawJSON); systemText != "" {
		sysJSON, _ := json.Marshal(map[string]interface{}{
			"role":  "user",
			"parts": []interface{}{map[string]interface{}{"text": systemText}},
		})
		out, _ = sjson.SetRaw(out, "systemInstruction", string(sysJSON))
	}

	out = applyClaudeTools(out, rawJSON, mapperOf(opts))
	out = applyFeatureConfig(out, opts)
	out = ensureNonEmptyContents(out)

	return []byte(out), nil
}

func buildClaudeGenerationConfig(rawJSON []byte) map[string]interface{} {
	genConfig := map[string]interface{}{"candidateCount": 1}

	if temp := gjson.GetBytes(rawJSON, "temperature"); temp.Exists() {
		genConfig["temperature"] = temp.Value()
	}
	if topP := gjson.GetBytes(rawJSON, "top_p"); topP.Exists() {
		genConfig["topP"] = topP.Value()
	}
	topKValue := constants.DefaultTopK
	if topK := gjson.GetBytes(rawJSON, "top_k"); topK.Exists() {
		if value := int(topK.Int()); value > 0 {
			topKValue = value
		}
	}
	genConfig["topK"] = topKValue

	if maxTokens := gjson.GetBytes(rawJSON, "max_tokens"); maxTokens.Exists() {
		value := int(maxTokens.Int())
		if value > constants.MaxOutputTokens {
			value = constants.MaxOutputTokens
		}
		if value > 0 {
			genConfig["maxOutputTokens"] = value
		}
	}
	if stop := gjson.GetBytes(rawJSON, "stop_sequences"); stop.Exists() {
		if stopSeqs := collectStopSequences(stop); len(stopSeqs) > 0 {
			genConfig["stopSequences"] = stopSeqs
		}
	}
	return genConfig
}

// collectClaudeSystem joins the top-level system string or system block array
// into one instruction text.
func collectClaudeSystem(rawJSON []byte) string {
	system := gjson.GetBytes(rawJSON, "system")
	if !system.Exists() {
		return ""
	}
	if !system.IsArray() {
		return system.String()
	}
	text := ""
	for _, block := range system.Array() {
		if block.Get("type").String() == "text" {
			if text != "" {
				text += "\n\n"
			}
			text += block.Get("text").String()
		}
	}
	return text
}

// translateClaudeMessages flattens each Anthropic content block into its own
// Gemini Content holding exactly one part.
func translateClaudeMessages(rawJSON []byte, mapper *ToolNameMapper) []interface{} {
	var contents []interface{}

	for _, msg := range gjson.GetBytes(rawJSON, "messages").Array() {
		role := "user"
		if msg.Get("role").String() == "assistant" {
			role = "model"
		}
		content := msg.Get("content")

		if !content.IsArray() {
			contents = appendSinglePart(contents, role, map[string]interface{}{
				"text": content.String(),
			})
			continue
		}

		for _, block := range content.Array() {
			if part := convertClaudeBlock(block, mapper); part != nil {
				contents = appendSinglePart(contents, role, part)
			}
		}
	}
	return contents
}

func appendSinglePart(contents []interface{}, role string, part interface{}) []interface{} {
	return append(contents, map[string]interface{}{
		"role":  role,
		"parts": []interface{}{part},
	})
}

func convertClaudeBlock(block gjson.Result, mapper *ToolNameMapper) interface{} {
	switch block.Get("type").String() {
	case "text":
		return map[string]interface{}{"text": block.Get("text").String()}

	case "thinking", "redacted_thinking":
		signature := block.Get("signature").String()
		if signature == "" {
			return nil
		}
		return map[string]interface{}{
			"text":             block.Get("thinking").String(),
			"thought":          true,
			"thoughtSignature": signature,
		}

	case "image":
		source := block.Get("source")
		if source.Get("type").String() != "base64" {
			return nil
		}
		return map[string]interface{}{
			"inlineData": map[string]interface{}{
				"mimeType": source.Get("media_type").String(),
				"data":     source.Get("data").String(),
			},
		}

	case "tool_use":
		var input interface{}
		if raw := block.Get("input"); raw.Exists() {
			input = removeNulls(raw.Value())
		}
		if input == nil {
			input = map[string]interface{}{}
		}
		return map[string]interface{}{
			"functionCall": map[string]interface{}{
				"id":   block.Get("id").String(),
				"name": mapper.Normalise(block.Get("name").String()),
				"args": input,
			},
		}

	case "tool_result":
		fn := map[string]interface{}{
			"id":       block.Get("tool_use_id").String(),
			"response": map[string]interface{}{"output": extractToolResultText(block)},
		}
		if name := block.Get("name").String(); name != "" {
			fn["name"] = mapper.Normalise(name)
		}
		return map[string]interface{}{"functionResponse": fn}
	}
	return nil
}

func extractToolResultText(block gjson.Result) string {
	content := block.Get("content")
	if !content.IsArray() {
		return content.String()
	}
	text := ""
	for _, part := range content.Array() {
		if part.Get("type").String() == "text" {
			text += part.Get("text").String()
		}
	}
	return text
}

// reorderFunctionResponses moves every functionResponse Content directly
// behind the functionCall with the same id; the upstream rejects responses
// that are not adjacent to their call.
func reorderFunctionResponses(contents []interface{}) []interface{} {
	responses := make(map[string]interface{})
	var rest []interface{}

	for _, item := range contents {
		if id := functionPartID(item, "functionResponse"); id != "" {
			if _, dup := responses[id]; !dup {
				responses[id] = item
				continue
			}
		}
		rest = append(rest, item)
	}
	if len(responses) == 0 {
		return contents
	}

	var out []interface{}
	for _, item := range rest {
		out = append(out, item)
		if id := functionPartID(item, "functionCall"); id != "" {
			if resp, ok := responses[id]; ok {
				out = append(out, resp)
				delete(responses, id)
			}
		}
	}
	// Orphans keep their original relative position at the tail.
	for _, item := range contents {
		if id := functionPartID(item, "functionResponse"); id != "" {
			if resp, ok := responses[id]; ok {
				out = append(out, resp)
				delete(responses, id)
			}
		}
	}
	return out
}

func functionPartID(item interface{}, kind string) string {
	msg, ok := item.(map[string]interface{})
	if !ok {
		return ""
	}
	parts, ok := msg["parts"].([]interface{})
	if !ok || len(parts) != 1 {
		return ""
	}
	part, ok := parts[0].(map[string]interface{})
	if !ok {
		return ""
	}
	fn, ok := part[kind].(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := fn["id"].(string)
	return id
}

func applyClaudeTools(out string, rawJSON []byte, mapper *ToolNameMapper) string {
	tools := gjson.GetBytes(rawJSON, "tools")
	if !tools.Exists() {
		return out
	}

	var declarations []interface{}
	for _, tool := range tools.Array() {
		name := tool.Get("name").String()
		if name == "" {
			continue
		}
		decl := map[string]interface{}{
			"name":        mapper.Normalise(name),
			"description": tool.Get("description").String(),
		}
		if schema := tool.Get("input_schema"); schema.Exists() {
			decl["parameters"] = removeNulls(schema.Value())
		}
		declarations = append(declarations, decl)
	}
	if len(declarations) == 0 {
		return out
	}

	toolsJSON, _ := json.Marshal([]interface{}{
		map[string]interface{}{"functionDeclarations": declarations},
	})
	out, _ = sjson.SetRaw(out, "tools", string(toolsJSON))
	return out
}

func removeNulls(v interface{}) interface{} {
	switch typed := v.(type) {
	case map[string]interface{}:
		for k, val := range typed {
			if val == nil {
				delete(typed, k)
				continue
			}
			typed[k] = removeNulls(val)
		}
		return typed
	case []interface{}:
		for i, val := range typed {
			typed[i] = removeNulls(val)
		}
		return typed
	default:
		return v
	}
}
