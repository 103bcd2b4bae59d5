package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"airelay-go/internal/constants"
	"airelay-go/internal/monitoring/tracing"
)

// Client is the shared HTTP layer under the code-assist, Antigravity, and
// Codex clients: pooled transport, optional proxy, otel span per call.
type Client struct {
	cli  *http.Client
	name string
}

// ClientOptions configure the transport.
type ClientOptions struct {
	ProxyURL string
	// SkipTLSValidate must only be set by the Antigravity client.
	SkipTLSValidate bool
}

func NewClient(name string, opts ClientOptions) *Client {
	tr := &http.Transport{
		Proxy: proxyFunc(opts.ProxyURL),
		DialContext: (&net.Dialer{
			Timeout:   constants.DefaultDialTimeout,
			KeepAlive: constants.DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   constants.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: constants.DefaultResponseHeaderTimeout,
		ExpectContinueTimeout: constants.DefaultExpectContinueTimeout,
		MaxIdleConns:          constants.BaseMaxIdleConns,
		MaxIdleConnsPerHost:   constants.BaseMaxIdleConnsPerHost,
		IdleConnTimeout:       constants.BaseIdleConnTimeout,
	}
	if opts.SkipTLSValidate {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	// Timeout 0: streaming bodies stay open; per-call deadline comes from ctx.
	return &Client{cli: &http.Client{Transport: tr, Timeout: 0}, name: name}
}

func proxyFunc(proxyURL string) func(*http.Request) (*url.URL, error) {
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			return http.ProxyURL(parsed)
		}
	}
	return http.ProxyFromEnvironment
}

// PostJSON sends a JSON POST with bearer auth. The caller owns resp.Body.
func (c *Client) PostJSON(ctx context.Context, rawURL string, body []byte, bearer string, header http.Header) (*http.Response, error) {
	spanCtx, span := tracing.StartSpan(ctx, "upstream/"+c.name, c.name+".PostJSON",
		trace.WithAttributes(
			attribute.String("http.method", http.MethodPost),
			attribute.String("http.url", rawURL),
		))
	defer span.End()

	req, err := http.NewRequestWithContext(spanCtx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for key, values := range header {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.cli.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, resp.Status)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return resp, nil
}
