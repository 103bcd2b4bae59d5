package translator

import (
	"github.com/tidwall/gjson"
)

// tokensPerImage is the flat cost charged for each inline image when
// estimating input size before upstream usage arrives.
const tokensPerImage = 300

// EstimateClaudeInputTokens approximates the input token count of an
// Anthropic messages request: ceil(totalChars/4) plus a flat charge per
// image, never less than 1.
func EstimateClaudeInputTokens(rawJSON []byte) int {
	chars := 0
	images := 0

	system := gjson.GetBytes(rawJSON, "system")
	if system.IsArray() {
		for _, block := range system.Array() {
			chars += len(block.Get("text").String())
		}
	} else {
		chars += len(system.String())
	}

	for _, msg := range gjson.GetBytes(rawJSON, "messages").Array() {
		content := msg.Get("content")
		if !content.IsArray() {
			chars += len(content.String())
			continue
		}
		for _, block := range content.Array() {
			switch block.Get("type").String() {
			case "text":
				chars += len(block.Get("text").String())
			case "thinking":
				chars += len(block.Get("thinking").String())
			case "image":
				images++
			case "tool_use":
				chars += len(block.Get("input").Raw)
			case "tool_result":
				chars += len(block.Get("content").Raw)
			}
		}
	}

	tokens := (chars+3)/4 + tokensPerImage*images
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
