package constants

import "time"

// HTTP client 连接池配置
const (
	BaseMaxIdleConns        = 4096
	BaseMaxIdleConnsPerHost = 4096
	BaseIdleConnTimeout     = 90 * time.Second

	DefaultDialTimeout           = 10 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
	DefaultExpectContinueTimeout = 2 * time.Second

	DefaultKeepAlive = 30 * time.Second
)

// SSE 读取缓冲
const (
	SSEScannerInitialBuffer = 64 * 1024
	SSEScannerMaxBuffer     = 4 * 1024 * 1024
)

// Upstream endpoints (overridable through settings).
const (
	DefaultCodeAssistEndpoint = "https://cloudcode-pa.googleapis.com"
	DefaultAntigravityAPIURL  = "https://antigravity-pa.googleapis.com"
)
