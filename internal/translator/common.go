package translator

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// applyFeatureConfig writes the thinking directive and search tool derived
// from the model-name feature flags, plus the fixed safety settings, into an
// internal Gemini payload.
func applyFeatureConfig(out string, opts *Options) string {
	safetyJSON, _ := json.Marshal(buildSafetySettings())
	out, _ = sjson.SetRaw(out, "safetySettings", string(safetyJSON))

	if opts == nil {
		return out
	}

	if budget, includeThoughts, ok := opts.Features.ThinkingBudget(); ok {
		out, _ = sjson.Set(out, "generationConfig.thinkingConfig.thinkingBudget", budget)
		if includeThoughts {
			out, _ = sjson.Set(out, "generationConfig.thinkingConfig.includeThoughts", true)
		}
	}

	if opts.Features.Search {
		out, _ = sjson.SetRaw(out, "tools.-1", `{"googleSearch":{}}`)
	}

	return out
}

// 空对话上游会拒绝，补一条用户消息。
const emptyContentsFallback = "请根据系统指令回答。"

func ensureNonEmptyContents(out string) string {
	contents := gjson.Get(out, "contents")
	if contents.Exists() && len(contents.Array()) > 0 {
		return out
	}
	fallback := []interface{}{map[string]interface{}{
		"role":  "user",
		"parts": []interface{}{map[string]interface{}{"text": emptyContentsFallback}},
	}}
	raw, _ := json.Marshal(fallback)
	out, _ = sjson.SetRaw(out, "contents", string(raw))
	return out
}

// unwrapResponse strips the {response:...} envelope the code-assist endpoint
// wraps around Gemini payloads.
func unwrapResponse(raw []byte) gjson.Result {
	parsed := gjson.ParseBytes(raw)
	if inner := parsed.Get("response"); inner.Exists() {
		return inner
	}
	return parsed
}
