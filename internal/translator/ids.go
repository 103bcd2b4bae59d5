package translator

import (
	"crypto/rand"
	"encoding/hex"
)

func randomHex(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func newChatCompletionID() string {
	return "chatcmpl-" + randomHex(12)
}

// newToolCallID follows the OpenAI convention of "call_" plus 24 hex chars.
func newToolCallID() string {
	return "call_" + randomHex(12)
}

func newMessageID() string {
	return "msg_" + randomHex(12)
}
