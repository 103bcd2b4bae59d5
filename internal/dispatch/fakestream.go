package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"airelay-go/internal/constants"
)

// Content substitutes when the buffered upstream response has nothing to show.
const (
	fakeStreamThinkingFallback = "[模型正在思考中，请稍后再试或重新提问]"
	fakeStreamEmptyFallback    = "[响应为空，请重新尝试]"
)

// FetchFunc produces the fully-translated OpenAI chat completion JSON for the
// buffered upstream call.
type FetchFunc func(ctx context.Context) ([]byte, error)

// RunFakeStream serves a streaming client from a non-streaming upstream call:
// an immediate empty heartbeat chunk, a heartbeat every few seconds while the
// fetch is in flight, then the whole answer as a single content chunk.
func RunFakeStream(ctx context.Context, w *SSEWriter, model string, fetch FetchFunc) error {
	chunkID := "chatcmpl-" + randomHex(12)
	created := time.Now().Unix()

	if err := w.WriteData(heartbeatChunk(chunkID, created, model)); err != nil {
		return err
	}

	type fetchResult struct {
		body []byte
		err  error
	}
	done := make(chan fetchResult, 1)
	go func() {
		body, err := fetch(ctx)
		done <- fetchResult{body, err}
	}()

	ticker := time.NewTicker(constants.FakeStreamHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.WriteData(heartbeatChunk(chunkID, created, model)); err != nil {
				return err
			}
		case result := <-done:
			if result.err != nil {
				return result.err
			}
			if err := w.WriteData(contentChunk(chunkID, created, model, result.body)); err != nil {
				return err
			}
			return w.WriteDone()
		}
	}
}

func heartbeatChunk(id string, created int64, model string) []byte {
	return marshalChunk(id, created, model, map[string]interface{}{
		"role":    "assistant",
		"content": "",
	}, nil, nil)
}

// contentChunk folds the buffered completion into one delta chunk, applying
// the empty-content fallbacks.
func contentChunk(id string, created int64, model string, completion []byte) []byte {
	parsed := gjson.ParseBytes(completion)
	content := parsed.Get("choices.0.message.content").String()
	reasoning := parsed.Get("choices.0.message.reasoning_content").String()

	if content == "" {
		if reasoning != "" {
			content = fakeStreamThinkingFallback
		} else {
			content = fakeStreamEmptyFallback
		}
	}

	delta := map[string]interface{}{"content": content}
	if reasoning != "" {
		delta["reasoning_content"] = reasoning
	}

	finish := "stop"
	if fr := parsed.Get("choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
		finish = fr.String()
	}

	var usage json.RawMessage
	if u := parsed.Get("usage"); u.Exists() {
		usage = json.RawMessage(u.Raw)
	}

	return marshalChunk(id, created, model, delta, &finish, usage)
}

func marshalChunk(id string, created int64, model string, delta map[string]interface{}, finish *string, usage json.RawMessage) []byte {
	chunk := map[string]interface{}{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			},
		},
	}
	if usage != nil {
		chunk["usage"] = usage
	}
	out, err := json.Marshal(chunk)
	if err != nil {
		log.WithError(err).Error("failed to marshal fake stream chunk")
		return []byte("{}")
	}
	return out
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:n*2]
	}
	return hex.EncodeToString(buf)
}
