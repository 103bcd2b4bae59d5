package translator

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"airelay-go/internal/constants"
)

func buildGenerationConfig(rawJSON []byte) map[string]interface{} {
	genConfig := make(map[string]interface{})
	genConfig["candidateCount"] = 1

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

	maxTokensValue := -1
	if maxTokens := gjson.GetBytes(rawJSON, "max_tokens"); maxTokens.Exists() {
		maxTokensValue = int(maxTokens.Int())
	}
	if maxCompTokens := gjson.GetBytes(rawJSON, "max_completion_tokens"); maxCompTokens.Exists() {
		maxTokensValue = int(maxCompTokens.Int())
	}
	if maxTokensValue > 0 {
		if maxTokensValue > constants.MaxOutputTokens {
			maxTokensValue = constants.MaxOutputTokens
		}
		genConfig["maxOutputTokens"] = maxTokensValue
	}

	if fp := gjson.GetBytes(rawJSON, "frequency_penalty"); fp.Exists() {
		genConfig["frequencyPenalty"] = fp.Value()
	}
	if pp := gjson.GetBytes(rawJSON, "presence_penalty"); pp.Exists() {
		genConfig["presencePenalty"] = pp.Value()
	}
	if n := gjson.GetBytes(rawJSON, "n"); n.Exists() {
		genConfig["candidateCount"] = int(n.Int())
	}
	if seed := gjson.GetBytes(rawJSON, "seed"); seed.Exists() {
		genConfig["seed"] = int(seed.Int())
	}

	if stop := gjson.GetBytes(rawJSON, "stop"); stop.Exists() {
		if stopSeqs := collectStopSequences(stop); len(stopSeqs) > 0 {
			genConfig["stopSequences"] = stopSeqs
		}
	}

	return genConfig
}

func collectStopSequences(stop gjson.Result) []string {
	var stopSeqs []string
	if stop.IsArray() {
		for _, s := range stop.Array() {
			stopSeqs = append(stopSeqs, s.String())
		}
	} else {
		stopSeqs = append(stopSeqs, stop.String())
	}
	return stopSeqs
}

// applyOpenAITools maps the OpenAI tools array to Gemini function
// declarations, normalising every function name through the request mapper.
func applyOpenAITools(out string, rawJSON []byte, mapper *ToolNameMapper) string {
	tools := gjson.GetBytes(rawJSON, "tools")
	if !tools.Exists() {
		return out
	}

	var declarations []interface{}
	for _, tool := range tools.Array() {
		if tool.Get("type").String() != "function" {
			continue
		}
		fn := tool.Get("function")
		decl := map[string]interface{}{
			"name":        mapper.Normalise(fn.Get("name").String()),
			"description": fn.Get("description").String(),
		}
		if params := fn.Get("parameters"); params.Exists() {
			decl["parameters"] = json.RawMessage(params.Raw)
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

func applyResponseFormat(out string, rawJSON []byte) string {
	respFormat := gjson.GetBytes(rawJSON, "response_format")
	if !respFormat.Exists() {
		return out
	}
	switch respFormat.Get("type").String() {
	case "json_object":
		out, _ = sjson.Set(out, "generationConfig.responseMimeType", "application/json")
	case "json_schema":
		out, _ = sjson.Set(out, "generationConfig.responseMimeType", "application/json")
		if schema := respFormat.Get("json_schema.schema"); schema.Exists() {
			out, _ = sjson.SetRaw(out, "generationConfig.responseSchema", schema.Raw)
		}
	}
	return out
}
