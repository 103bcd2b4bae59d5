package upstream

import (
	"context"
	"encoding/json"
	"net/http"

	"airelay-go/internal/constants"
)

// Action names of the v1internal generate surface.
const (
	ActionGenerate       = "generateContent"
	ActionStreamGenerate = "streamGenerateContent"
	ActionCountTokens    = "countTokens"
)

// CodeAssistClient talks to the Google code-assist endpoint with the Gemini
// CLI fingerprint.
type CodeAssistClient struct {
	http     *Client
	endpoint string
}

func NewCodeAssistClient(endpoint, proxyURL string) *CodeAssistClient {
	if endpoint == "" {
		endpoint = constants.DefaultCodeAssistEndpoint
	}
	return &CodeAssistClient{
		http:     NewClient("code_assist", ClientOptions{ProxyURL: proxyURL}),
		endpoint: endpoint,
	}
}

// BuildURL joins the endpoint with a v1internal action.
func (c *CodeAssistClient) BuildURL(action string, stream bool) string {
	url := c.endpoint + "/v1internal:" + action
	if stream {
		url += "?alt=sse"
	}
	return url
}

// WrapRequest nests the translated payload into the code-assist envelope.
func WrapRequest(model, projectID string, payload []byte) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"model":   model,
		"project": projectID,
		"request": json.RawMessage(payload),
	})
}

// Generate runs a non-streaming generateContent call.
func (c *CodeAssistClient) Generate(ctx context.Context, model, projectID, token string, payload []byte) (*http.Response, error) {
	return c.call(ctx, ActionGenerate, false, model, projectID, token, payload)
}

// StreamGenerate runs a streaming call; the caller reads the SSE body.
func (c *CodeAssistClient) StreamGenerate(ctx context.Context, model, projectID, token string, payload []byte) (*http.Response, error) {
	return c.call(ctx, ActionStreamGenerate, true, model, projectID, token, payload)
}

func (c *CodeAssistClient) call(ctx context.Context, action string, stream bool, model, projectID, token string, payload []byte) (*http.Response, error) {
	body, err := WrapRequest(model, projectID, payload)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("User-Agent", constants.GeminiCLIUserAgent())
	return c.http.PostJSON(ctx, c.BuildURL(action, stream), body, token, header)
}
