package upstream

import (
	"context"
	"net/http"
)

const defaultCodexBaseURL = "https://chatgpt.com/backend-api/codex"

// CodexClient forwards OpenAI Responses requests unchanged to the Codex
// upstream; only the credential rotation around it differs from the Gemini
// paths.
type CodexClient struct {
	http    *Client
	baseURL string
}

func NewCodexClient(baseURL, proxyURL string) *CodexClient {
	if baseURL == "" {
		baseURL = defaultCodexBaseURL
	}
	return &CodexClient{
		http:    NewClient("codex", ClientOptions{ProxyURL: proxyURL}),
		baseURL: baseURL,
	}
}

// Responses posts the raw Responses-API body.
func (c *CodexClient) Responses(ctx context.Context, token string, body []byte, originator string) (*http.Response, error) {
	header := http.Header{}
	if originator != "" {
		header.Set("Originator", originator)
	}
	return c.http.PostJSON(ctx, c.baseURL+"/responses", body, token, header)
}
