package upstream

import (
	"net/http"
	"strconv"
	"time"

	"airelay-go/internal/constants"
)

// ParseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. Missing or unparseable values fall back to the default
// cool-down.
func ParseRetryAfter(header http.Header) int64 {
	raw := header.Get("Retry-After")
	if raw == "" {
		return int64(constants.DefaultRetryAfter / time.Second)
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil && sec >= 0 {
		return sec
	}
	if t, err := http.ParseTime(raw); err == nil {
		if d := time.Until(t); d > 0 {
			return int64(d / time.Second)
		}
		return 0
	}
	return int64(constants.DefaultRetryAfter / time.Second)
}
