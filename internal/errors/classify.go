package errors

import (
	"context"
	"errors"
	"strings"
)

// Kind categorizes an upstream outcome for the dispatch loop.
type Kind int

const (
	// TransientUpstream: 5xx, timeout, connection error, unclassified 4xx — retry.
	TransientUpstream Kind = iota
	// AccountAuth: 401/403 — disable account, retry on another.
	AccountAuth
	// AccountRateLimit: 429 — mark rate-limited and quota-exhausted, retry.
	AccountRateLimit
	// ClientError: 400 or body-keyword match — terminal, forward as-is.
	ClientError
	// Success: 2xx/3xx.
	Success
	// ClientCancelled: caller went away.
	ClientCancelled
)

func (k Kind) String() string {
	switch k {
	case TransientUpstream:
		return "transient_upstream"
	case AccountAuth:
		return "account_auth"
	case AccountRateLimit:
		return "account_rate_limit"
	case ClientError:
		return "client_error"
	case Success:
		return "success"
	case ClientCancelled:
		return "client_cancelled"
	default:
		return "unknown"
	}
}

// Body keywords that mark a request as a non-retryable caller mistake.
var clientErrorKeywords = []string{
	"invalid_argument",
	"permission_denied",
	"resource_exhausted",
	"invalid_request_error",
	"missing_required_parameter",
}

// Classify buckets an upstream response (or transport error) into the retry
// taxonomy. Body is only consulted for the keyword scan; it may be a prefix
// of the full payload.
func Classify(status int, body []byte, err error) Kind {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ClientCancelled
		}
		// Timeouts and connection failures are retryable.
		return TransientUpstream
	}
	switch {
	case status >= 200 && status < 400:
		return Success
	case status == 401 || status == 403:
		return AccountAuth
	case status == 429:
		return AccountRateLimit
	case status == 400:
		return ClientError
	}
	if len(body) > 0 {
		lower := strings.ToLower(string(body))
		for _, kw := range clientErrorKeywords {
			if strings.Contains(lower, kw) {
				return ClientError
			}
		}
	}
	return TransientUpstream
}
