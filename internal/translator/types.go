package translator

import (
	"context"
	"fmt"
	"io"

	"airelay-go/internal/models"
)

// Format represents an API wire format.
type Format string

const (
	FormatOpenAI Format = "openai"
	FormatClaude Format = "claude"
	FormatGemini Format = "gemini"
)

// Options carries per-request translation state: the tool-name mapper, the
// parsed feature flags, and egress preferences.
type Options struct {
	Mapper         *ToolNameMapper
	Features       models.Features
	ReturnThoughts bool

	// EstimatedInputTokens is the ingress-side token estimate used until the
	// upstream reports real usage.
	EstimatedInputTokens int
}

// NewOptions returns Options with a fresh tool-name mapper.
func NewOptions(features models.Features) *Options {
	return &Options{
		Mapper:         NewToolNameMapper(),
		Features:       features,
		ReturnThoughts: true,
	}
}

// RequestTransform converts a request body into the internal Gemini shape.
type RequestTransform func(model string, rawJSON []byte, stream bool, opts *Options) ([]byte, error)

// ResponseTransform converts a buffered Gemini response into the caller's format.
type ResponseTransform func(ctx context.Context, model string, responseBody []byte, opts *Options) ([]byte, error)

// StreamTransform converts streaming Gemini chunks into the caller's format.
// It reads from the input reader and returns a new reader with translated chunks.
type StreamTransform func(ctx context.Context, model string, reader io.Reader, opts *Options) (io.Reader, error)

// TranslatorConfig bundles the transforms registered between two formats.
type TranslatorConfig struct {
	RequestTransform  RequestTransform
	ResponseTransform ResponseTransform
	StreamTransform   StreamTransform
}

// InvalidRequestError marks a request that can never succeed upstream; the
// dispatcher surfaces it to the caller without retrying.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string {
	return e.Message
}

func invalidRequestf(format string, args ...interface{}) error {
	return &InvalidRequestError{Message: fmt.Sprintf(format, args...)}
}
