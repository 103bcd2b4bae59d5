package errors

// ErrorFormat represents the caller-protocol error envelope.
type ErrorFormat string

const (
	FormatOpenAI    ErrorFormat = "openai"
	FormatAnthropic ErrorFormat = "anthropic"
	FormatGemini    ErrorFormat = "gemini"
)

// APIError represents a standardized error across upstream providers.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
	Type       string
	Details    map[string]interface{}
}

func (e *APIError) Error() string { return e.Message }

// OpenAIError mirrors OpenAI's error envelope.
type OpenAIError struct {
	Error struct {
		Message string      `json:"message"`
		Type    string      `json:"type"`
		Code    interface{} `json:"code,omitempty"`
	} `json:"error"`
}

// AnthropicError mirrors Anthropic's error envelope.
type AnthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// GeminiError mirrors Gemini Code Assist's error structure.
type GeminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func New(httpStatus int, code, errType, message string) *APIError {
	return &APIError{HTTPStatus: httpStatus, Code: code, Type: errType, Message: message}
}

func (e *APIError) WithDetails(details map[string]interface{}) *APIError {
	e.Details = details
	return e
}
