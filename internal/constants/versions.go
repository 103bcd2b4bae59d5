package constants

import (
	"fmt"
	"runtime"
)

// Version information (injected at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const (
	// GeminiCLIVersion is the CLI version impersonated toward code assist.
	GeminiCLIVersion = "0.8.1"

	// AntigravityUserAgent is the fixed UA the Antigravity client sends.
	AntigravityUserAgent = "antigravity/1.11.5 (windows; x64)"
)

// GeminiCLIUserAgent mimics the Gemini CLI client string.
func GeminiCLIUserAgent() string {
	return fmt.Sprintf("GeminiCLI/%s (%s; %s)", GeminiCLIVersion, runtime.GOOS, runtime.GOARCH)
}

// GetFullVersion 获取完整版本信息。
func GetFullVersion() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
