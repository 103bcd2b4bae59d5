package translator

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"airelay-go/internal/constants"
)

func init() {
	Register(FormatGemini, FormatGemini, TranslatorConfig{
		RequestTransform:  GeminiPassthroughRequest,
		ResponseTransform: GeminiPassthroughResponse,
		StreamTransform:   GeminiPassthroughStream,
	})
}

// GeminiPassthroughRequest shapes a native Gemini request for the upstream:
// near-identity, but the safety settings, feature-derived thinking config,
// and output-token clamp are still applied.
func GeminiPassthroughRequest(model string, rawJSON []byte, stream bool, opts *Options) ([]byte, error) {
	out := string(rawJSON)

	if maxTokens := gjson.Get(out, "generationConfig.maxOutputTokens"); maxTokens.Exists() {
		if int(maxTokens.Int()) > constants.MaxOutputTokens {
			out, _ = sjson.Set(out, "generationConfig.maxOutputTokens", constants.MaxOutputTokens)
		}
	}
	if !gjson.Get(out, "generationConfig.topK").Exists() {
		out, _ = sjson.Set(out, "generationConfig.topK", constants.DefaultTopK)
	}

	out = applyFeatureConfig(out, opts)
	out = ensureNonEmptyContents(out)
	return []byte(out), nil
}

// GeminiPassthroughResponse strips the code-assist envelope so native Gemini
// callers see a plain GenerateContentResponse.
func GeminiPassthroughResponse(ctx context.Context, model string, responseBody []byte, opts *Options) ([]byte, error) {
	if inner := gjson.GetBytes(responseBody, "response"); inner.Exists() {
		return []byte(inner.Raw), nil
	}
	return responseBody, nil
}

// GeminiPassthroughStream re-frames the upstream SSE stream with each data
// payload unwrapped from the code-assist envelope.
func GeminiPassthroughStream(ctx context.Context, model string, reader io.Reader, opts *Options) (io.Reader, error) {
	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()

		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, constants.SSEScannerInitialBuffer), constants.SSEScannerMaxBuffer)

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
			if inner := gjson.GetBytes(payload, "response"); inner.Exists() {
				payload = []byte(inner.Raw)
			}
			if _, err := writeSSEChunk(pw, payload); err != nil {
				return
			}
		}
	}()

	return pr, nil
}
