package translator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"airelay-go/internal/constants"
)

func init() {
	Register(FormatGemini, FormatClaude, TranslatorConfig{
		ResponseTransform: GeminiToClaudeResponse,
		StreamTransform:   GeminiToClaudeStream,
	})
}

// GeminiToClaudeResponse converts a buffered Gemini response to an Anthropic
// message.
func GeminiToClaudeResponse(ctx context.Context, model string, responseBody []byte, opts *Options) ([]byte, error) {
	result := unwrapResponse(responseBody)
	if result.Get("error").Exists() {
		return responseBody, nil
	}

	mapper := mapperOf(opts)
	returnThoughts := opts == nil || opts.ReturnThoughts

	var content []interface{}
	sawToolUse := false

	candidate := result.Get("candidates.0")
	for _, part := range candidate.Get("content.parts").Array() {
		if fnCall := part.Get("functionCall"); fnCall.Exists() {
			sawToolUse = true
			var input interface{}
			_ = json.Unmarshal([]byte(functionArgsJSON(fnCall.Get("args"))), &input)
			content = append(content, map[string]interface{}{
				"type":  "tool_use",
				"id":    "toolu_" + randomHex(8),
				"name":  mapper.Denormalise(fnCall.Get("name").String()),
				"input": input,
			})
			continue
		}
		if inline := part.Get("inlineData"); inline.Exists() {
			content = append(content, claudeImageBlock(inline))
			continue
		}
		text := part.Get("text")
		if !text.Exists() {
			continue
		}
		if part.Get("thought").Bool() {
			if !returnThoughts {
				continue
			}
			block := map[string]interface{}{
				"type":     "thinking",
				"thinking": text.String(),
			}
			if sig := part.Get("thoughtSignature").String(); sig != "" {
				block["signature"] = sig
			}
			content = append(content, block)
		} else {
			content = append(content, map[string]interface{}{
				"type": "text",
				"text": text.String(),
			})
		}
	}

	response := map[string]interface{}{
		"id":            newMessageID(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   claudeStopReason(candidate.Get("finishReason").String(), sawToolUse),
		"stop_sequence": nil,
		"usage":         claudeUsage(result, opts),
	}
	return json.Marshal(response)
}

func claudeImageBlock(inline gjson.Result) map[string]interface{} {
	return map[string]interface{}{
		"type": "image",
		"source": map[string]interface{}{
			"type":       "base64",
			"media_type": inline.Get("mimeType").String(),
			"data":       inline.Get("data").String(),
		},
	}
}

func claudeStopReason(finishReason string, sawToolUse bool) string {
	if sawToolUse {
		return "tool_use"
	}
	if finishReason == "MAX_TOKENS" {
		return "max_tokens"
	}
	return "end_turn"
}

func claudeUsage(result gjson.Result, opts *Options) map[string]interface{} {
	usage := result.Get("usageMetadata")
	input := usage.Get("promptTokenCount").Int()
	if input == 0 && opts != nil && opts.EstimatedInputTokens > 0 {
		input = int64(opts.EstimatedInputTokens)
	}
	return map[string]interface{}{
		"input_tokens":  input,
		"output_tokens": usage.Get("candidatesTokenCount").Int(),
	}
}

// claudeStreamState drives the block-oriented rewrite of a Gemini SSE stream
// into Anthropic streaming events.
type claudeStreamState struct {
	w      io.Writer
	mapper *ToolNameMapper

	messageStarted bool
	model          string
	inputTokens    int

	blockIndex int  // next content_block index
	openIndex  int  // -1 when no block open
	openType   string

	hasToolUse   bool
	finishReason string
	usage        gjson.Result
}

const (
	blockText     = "text"
	blockThinking = "thinking"
)

// GeminiToClaudeStream rewrites Gemini SSE chunks into the Anthropic
// streaming event sequence: message_start, alternating content_block events,
// message_delta, message_stop.
func GeminiToClaudeStream(ctx context.Context, model string, reader io.Reader, opts *Options) (io.Reader, error) {
	pr, pw := io.Pipe()
	returnThoughts := opts == nil || opts.ReturnThoughts

	st := &claudeStreamState{
		w:         pw,
		mapper:    mapperOf(opts),
		model:     model,
		openIndex: -1,
	}
	if opts != nil {
		st.inputTokens = opts.EstimatedInputTokens
	}
	if st.inputTokens < 1 {
		st.inputTokens = 1
	}

	go func() {
		defer pw.Close()

		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, constants.SSEScannerInitialBuffer), constants.SSEScannerMaxBuffer)

	scan:
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
			if usage := result.Get("usageMetadata"); usage.Exists() {
				st.usage = usage
			}

			candidate := result.Get("candidates.0")
			for _, part := range candidate.Get("content.parts").Array() {
				st.handlePart(part, returnThoughts)
			}

			if fr := candidate.Get("finishReason").String(); fr != "" {
				st.finishReason = fr
				st.closeOpenBlock()
				break scan
			}
		}

		st.finish()
	}()

	return pr, nil
}

func (st *claudeStreamState) handlePart(part gjson.Result, returnThoughts bool) {
	if fnCall := part.Get("functionCall"); fnCall.Exists() {
		st.emitToolUse(fnCall)
		return
	}
	if inline := part.Get("inlineData"); inline.Exists() {
		st.emitImage(inline)
		return
	}

	text := part.Get("text")
	signature := part.Get("thoughtSignature").String()
	isThought := part.Get("thought").Bool()

	if isThought && !returnThoughts {
		return
	}

	switch {
	case isThought && text.Exists():
		if st.openType != blockThinking {
			st.closeOpenBlock()
			st.openBlock(blockThinking, map[string]interface{}{
				"type":     "thinking",
				"thinking": "",
			})
		}
		st.emitDelta(map[string]interface{}{
			"type":     "thinking_delta",
			"thinking": text.String(),
		})
		if signature != "" {
			st.emitDelta(map[string]interface{}{
				"type":      "signature_delta",
				"signature": signature,
			})
		}

	case signature != "" && !text.Exists():
		// standalone signature continuation token
		if st.openType != blockThinking {
			st.closeOpenBlock()
			st.openBlock(blockThinking, map[string]interface{}{
				"type":     "thinking",
				"thinking": "",
			})
		}
		st.emitDelta(map[string]interface{}{
			"type":      "signature_delta",
			"signature": signature,
		})

	case text.Exists() && text.String() != "":
		if st.openType != blockText {
			st.closeOpenBlock()
			st.openBlock(blockText, map[string]interface{}{
				"type": "text",
				"text": "",
			})
		}
		st.emitDelta(map[string]interface{}{
			"type": "text_delta",
			"text": text.String(),
		})
	}
}

func (st *claudeStreamState) emitToolUse(fnCall gjson.Result) {
	st.closeOpenBlock()
	st.hasToolUse = true

	index := st.blockIndex
	st.blockIndex++

	st.writeEvent("content_block_start", map[string]interface{}{
		"type":  "content_block_start",
		"index": index,
		"content_block": map[string]interface{}{
			"type":  "tool_use",
			"id":    "toolu_" + randomHex(8),
			"name":  st.mapper.Denormalise(fnCall.Get("name").String()),
			"input": map[string]interface{}{},
		},
	})
	st.writeEvent("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]interface{}{
			"type":         "input_json_delta",
			"partial_json": functionArgsJSON(fnCall.Get("args")),
		},
	})
	st.writeEvent("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": index,
	})
}

func (st *claudeStreamState) emitImage(inline gjson.Result) {
	st.closeOpenBlock()

	index := st.blockIndex
	st.blockIndex++

	st.writeEvent("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         index,
		"content_block": claudeImageBlock(inline),
	})
	st.writeEvent("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": index,
	})
}

func (st *claudeStreamState) openBlock(blockType string, contentBlock map[string]interface{}) {
	st.openIndex = st.blockIndex
	st.openType = blockType
	st.blockIndex++
	st.writeEvent("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         st.openIndex,
		"content_block": contentBlock,
	})
}

func (st *claudeStreamState) emitDelta(delta map[string]interface{}) {
	st.writeEvent("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": st.openIndex,
		"delta": delta,
	})
}

func (st *claudeStreamState) closeOpenBlock() {
	if st.openIndex < 0 {
		return
	}
	st.writeEvent("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": st.openIndex,
	})
	st.openIndex = -1
	st.openType = ""
}

func (st *claudeStreamState) finish() {
	st.closeOpenBlock()
	if !st.messageStarted {
		// empty stream still yields a well-formed message
		st.emitMessageStart()
	}

	outputTokens := int64(0)
	inputTokens := int64(st.inputTokens)
	if st.usage.Exists() {
		outputTokens = st.usage.Get("candidatesTokenCount").Int()
		if v := st.usage.Get("promptTokenCount").Int(); v > 0 {
			inputTokens = v
		}
	}

	st.writeEvent("message_delta", map[string]interface{}{
		"type": "message_delta",
		"delta": map[string]interface{}{
			"stop_reason":   claudeStopReason(st.finishReason, st.hasToolUse),
			"stop_sequence": nil,
		},
		"usage": map[string]interface{}{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
	})
	st.writeEvent("message_stop", map[string]interface{}{
		"type": "message_stop",
	})
}

func (st *claudeStreamState) emitMessageStart() {
	st.messageStarted = true
	st.writeEvent("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            newMessageID(),
			"type":          "message",
			"role":          "assistant",
			"model":         st.model,
			"content":       []interface{}{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]interface{}{
				"input_tokens":  st.inputTokens,
				"output_tokens": 0,
			},
		},
	})
}

func (st *claudeStreamState) writeEvent(event string, data interface{}) {
	if !st.messageStarted && event != "message_start" {
		st.emitMessageStart()
	}
	payload, _ := json.Marshal(data)
	_, _ = fmt.Fprintf(st.w, "event: %s\ndata: %s\n\n", event, payload)
}
