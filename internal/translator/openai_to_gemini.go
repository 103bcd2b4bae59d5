package translator

import (
	"encoding/json"

	"github.com/tidwall/sjson"
)

func init() {
	Register(FormatOpenAI, FormatGemini, TranslatorConfig{
		RequestTransform: OpenAIToGeminiRequest,
	})
}

// OpenAIToGeminiRequest converts an OpenAI chat completions request into the
// internal Gemini payload.
func OpenAIToGeminiRequest(model string, rawJSON []byte, stream bool, opts *Options) ([]byte, error) {
	out := `{"contents":[]}`

	genConfig := buildGenerationConfig(rawJSON)
	genConfigJSON, _ := json.Marshal(genConfig)
	out, _ = sjson.SetRaw(out, "generationConfig", string(genConfigJSON))

	contents, systemText, err := translateOpenAIMessages(rawJSON, mapperOf(opts))
	if err != nil {
		return nil, err
	}

	contentsJSON, _ := json.Marshal(contents)
	out, _ = sjson.SetRaw(out, "contents", string(contentsJSON))

	if systemText != "" {
		sysJSON, _ := json.Marshal(map[string]interface{}{
			"parts": []interface{}{map[string]interface{}{"text": systemText}},
		})
		out, _ = sjson.SetRaw(out, "systemInstruction", string(sysJSON))
	}

	out = applyOpenAITools(out, rawJSON, mapperOf(opts))
	out = applyResponseFormat(out, rawJSON)
	out = applyFeatureConfig(out, opts)
	out = ensureNonEmptyContents(out)

	return []byte(out), nil
}

func mapperOf(opts *Options) *ToolNameMapper {
	if opts == nil || opts.Mapper == nil {
		return NewToolNameMapper()
	}
	return opts.Mapper
}
