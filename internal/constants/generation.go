package constants

const (
	// DefaultTopK 是生成请求的默认 topK。
	DefaultTopK = 64
	// MaxOutputTokens 是生成响应允许的最大输出 token 数。
	MaxOutputTokens = 65535

	// Thinking budgets applied by the -nothinking / -maxthinking suffixes.
	NoThinkingBudget       = 128
	MaxThinkingBudgetFlash = 24576
	MaxThinkingBudgetPro   = 32768

	// MaxFunctionNameLength 是 Gemini 函数名的长度上限。
	MaxFunctionNameLength = 64
)
