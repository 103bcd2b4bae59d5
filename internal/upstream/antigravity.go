package upstream

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"airelay-go/internal/constants"
)

// AntigravityClient talks to the Antigravity variant of the code-assist
// surface: its own base URL, a fixed User-Agent, and extra body fields.
// The TLS-validation escape hatch applies to this client only.
type AntigravityClient struct {
	http    *Client
	baseURL string
}

func NewAntigravityClient(baseURL, proxyURL string, skipTLSValidate bool) *AntigravityClient {
	if baseURL == "" {
		baseURL = constants.DefaultAntigravityAPIURL
	}
	return &AntigravityClient{
		http: NewClient("antigravity", ClientOptions{
			ProxyURL:        proxyURL,
			SkipTLSValidate: skipTLSValidate,
		}),
		baseURL: baseURL,
	}
}

func (c *AntigravityClient) buildURL(action string, stream bool) string {
	url := c.baseURL + "/v1internal:" + action
	if stream {
		url += "?alt=sse"
	}
	return url
}

// DecorateBody adds the Antigravity-specific request fields: session and
// request ids, the in-body userAgent marker, and forced VALIDATED function
// calling when tools are present.
func DecorateBody(body []byte, sessionID string) []byte {
	out := string(body)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	out, _ = sjson.Set(out, "session_id", sessionID)
	out, _ = sjson.Set(out, "requestId", uuid.NewString())
	out, _ = sjson.Set(out, "userAgent", "antigravity")

	if gjson.Get(out, "request.tools").Exists() {
		out, _ = sjson.Set(out, "request.toolConfig.functionCallingConfig.mode", "VALIDATED")
	}
	return []byte(out)
}

// Generate runs a non-streaming call.
func (c *AntigravityClient) Generate(ctx context.Context, model, projectID, token, sessionID string, payload []byte) (*http.Response, error) {
	return c.call(ctx, ActionGenerate, false, model, projectID, token, sessionID, payload)
}

// StreamGenerate runs a streaming call.
func (c *AntigravityClient) StreamGenerate(ctx context.Context, model, projectID, token, sessionID string, payload []byte) (*http.Response, error) {
	return c.call(ctx, ActionStreamGenerate, true, model, projectID, token, sessionID, payload)
}

func (c *AntigravityClient) call(ctx context.Context, action string, stream bool, model, projectID, token, sessionID string, payload []byte) (*http.Response, error) {
	body, err := WrapRequest(model, projectID, payload)
	if err != nil {
		return nil, err
	}
	body = DecorateBody(body, sessionID)

	header := http.Header{}
	header.Set("User-Agent", constants.AntigravityUserAgent)
	return c.http.PostJSON(ctx, c.buildURL(action, stream), body, token, header)
}
