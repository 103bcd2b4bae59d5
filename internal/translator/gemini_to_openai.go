package translator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/tidwall/gjson"

	"airelay-go/internal/constants"
)

func init() {
	Register(FormatGemini, FormatOpenAI, TranslatorConfig{
		ResponseTransform: GeminiToOpenAIResponse,
		StreamTransform:   GeminiToOpenAIStream,
	})
}

// GeminiToOpenAIResponse converts a buffered Gemini response to an OpenAI
// chat completion.
func GeminiToOpenAIResponse(ctx context.Context, model string, responseBody []byte, opts *Options) ([]byte, error) {
	result := unwrapResponse(responseBody)

	if result.Get("error").Exists() {
		return responseBody, nil // error envelopes pass through
	}
	candidates := result.Get("candidates")
	if !candidates.Exists() {
		return responseBody, nil
	}

	mapper := mapperOf(opts)
	var choices []map[string]interface{}

	for idx, candidate := range candidates.Array() {
		text, reasoning, toolCalls := partitionCandidateParts(candidate, mapper)

		message := map[string]interface{}{
			"role":    "assistant",
			"content": text,
		}
		if reasoning != "" {
			message["reasoning_content"] = reasoning
		}
		if len(toolCalls) > 0 {
			message["tool_calls"] = toolCalls
		}

		var finishReason interface{}
		if len(toolCalls) > 0 {
			finishReason = "tool_calls"
		} else {
			finishReason = mapOpenAIFinishReason(candidate.Get("finishReason").String())
		}

		choices = append(choices, map[string]interface{}{
			"index":         idx,
			"message":       message,
			"finish_reason": finishReason,
		})
	}

	response := map[string]interface{}{
		"id":      newChatCompletionID(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": choices,
		"usage":   extractOpenAIUsage(result),
	}
	return json.Marshal(response)
}

// partitionCandidateParts splits candidate parts into visible text, thought
// text, and translated tool calls.
func partitionCandidateParts(candidate gjson.Result, mapper *ToolNameMapper) (text, reasoning string, toolCalls []map[string]interface{}) {
	for _, part := range candidate.Get("content.parts").Array() {
		if fnCall := part.Get("functionCall"); fnCall.Exists() {
			toolCalls = append(toolCalls, map[string]interface{}{
				"id":   newToolCallID(),
				"type": "function",
				"function": map[string]interface{}{
					"name":      mapper.Denormalise(fnCall.Get("name").String()),
					"arguments": functionArgsJSON(fnCall.Get("args")),
				},
			})
			continue
		}
		if t := part.Get("text"); t.Exists() {
			if part.Get("thought").Bool() {
				reasoning += t.String()
			} else {
				text += t.String()
			}
		}
	}
	return text, reasoning, toolCalls
}

func functionArgsJSON(args gjson.Result) string {
	if !args.Exists() {
		return "{}"
	}
	if args.IsObject() || args.IsArray() {
		b, _ := json.Marshal(args.Value())
		return string(b)
	}
	return args.Raw
}

func mapOpenAIFinishReason(reason string) interface{} {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return nil
	}
}

func extractOpenAIUsage(result gjson.Result) map[string]interface{} {
	usage := result.Get("usageMetadata")
	prompt := usage.Get("promptTokenCount").Int()
	completion := usage.Get("candidatesTokenCount").Int()
	total := usage.Get("totalTokenCount").Int()
	if total == 0 {
		total = prompt + completion
	}
	return map[string]interface{}{
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"total_tokens":      total,
	}
}

// GeminiToOpenAIStream converts a Gemini SSE stream into OpenAI
// chat.completion.chunk framing. The same response id is reused for every
// chunk of the stream.
func GeminiToOpenAIStream(ctx context.Context, model string, reader io.Reader, opts *Options) (io.Reader, error) {
	pr, pw := io.Pipe()
	mapper := mapperOf(opts)

	go func() {
		defer pw.Close()

		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, constants.SSEScannerInitialBuffer), constants.SSEScannerMaxBuffer)

		responseID := newChatCompletionID()
		created := time.Now().Unix()
		chunkIndex := 0

		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := scanner.Bytes()
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			payload := bytes.TrimPrefix(line, []byte("data: "))
			if bytes.Equal(payload, []byte("[DONE]")) {
				break
			}

			result := unwrapResponse(payload)
			for _, candidate := range result.Get("candidates").Array() {
				delta := map[string]interface{}{}
				if chunkIndex == 0 {
					delta["role"] = "assistant"
				}

				text, reasoning, toolCalls := partitionCandidateParts(candidate, mapper)
				if text != "" {
					delta["content"] = text
				}
				if reasoning != "" {
					delta["reasoning_content"] = reasoning
				}
				if len(toolCalls) > 0 {
					for i, tc := range toolCalls {
						tc["index"] = i
					}
					delta["tool_calls"] = toolCalls
				}

				var finishReason interface{}
				if fr := candidate.Get("finishReason").String(); fr != "" {
					if len(toolCalls) > 0 {
						finishReason = "tool_calls"
					} else {
						finishReason = mapOpenAIFinishReason(fr)
					}
				}

				choice := map[string]interface{}{
					"index":         0,
					"delta":         delta,
					"finish_reason": finishReason,
				}
				chunk := map[string]interface{}{
					"id":      responseID,
					"object":  "chat.completion.chunk",
					"created": created,
					"model":   model,
					"choices": []interface{}{choice},
				}
				// usage rides only on the finishing chunk
				if finishReason != nil {
					chunk["usage"] = extractOpenAIUsage(result)
				}

				chunkJSON, _ := json.Marshal(chunk)
				if _, err := writeSSEChunk(pw, chunkJSON); err != nil {
					return
				}
				chunkIndex++
			}
		}

		_, _ = pw.Write([]byte("data: [DONE]\n\n"))
	}()

	return pr, nil
}

func writeSSEChunk(w io.Writer, payload []byte) (int, error) {
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, payload...)
	buf = append(buf, "\n\n"...)
	return w.Write(buf)
}
