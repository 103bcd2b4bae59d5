package translator

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"airelay-go/internal/constants"
)

// ToolNameMapper records every original↔normalised function-name pair seen
// while translating one request, so egress function calls can be restored to
// the caller's original naming. Populated during ingress translation only;
// egress reads it without further writes.
type ToolNameMapper struct {
	toWire     map[string]string
	toOriginal map[string]string
}

// NewToolNameMapper returns an empty mapper.
func NewToolNameMapper() *ToolNameMapper {
	return &ToolNameMapper{
		toWire:     make(map[string]string),
		toOriginal: make(map[string]string),
	}
}

// Normalise maps an original function name to its upstream-safe form and
// records the pair.
func (m *ToolNameMapper) Normalise(name string) string {
	if wire, ok := m.toWire[name]; ok {
		return wire
	}
	wire := normaliseFunctionName(name)
	m.toWire[name] = wire
	m.toOriginal[wire] = name
	return wire
}

// Denormalise restores the caller's original name. Unknown names pass through
// unchanged.
func (m *ToolNameMapper) Denormalise(name string) string {
	if m == nil {
		return name
	}
	if orig, ok := m.toOriginal[name]; ok {
		return orig
	}
	return name
}

// normaliseFunctionName rewrites a function name so the upstream accepts it:
// first char must be an ASCII letter or underscore, the rest letters, digits,
// underscore, dot, or hyphen, at most 64 chars. Names that had to change get
// a suffix of the first 8 hex chars of SHA-256(lowercase original) so
// distinct originals never collapse to the same wire name.
func normaliseFunctionName(original string) string {
	if original == "" {
		return original
	}

	var b strings.Builder
	b.Grow(len(original))
	for i := 0; i < len(original); i++ {
		c := original[i]
		if isFunctionNameChar(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}
	s := b.String()

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	s = strings.TrimRight(s, "_")
	if !strings.HasPrefix(original, "_") {
		s = strings.TrimLeft(s, "_")
	}

	if s == "" {
		s = "fn"
	}
	switch c := s[0]; {
	case c == '.' || c == '-':
		s = "_" + s[1:]
	case c != '_' && !isASCIILetter(c):
		s = "_" + s
	}

	if s != original {
		sum := sha256.Sum256([]byte(strings.ToLower(original)))
		s = s + "_" + hex.EncodeToString(sum[:])[:8]
	}
	if len(s) > constants.MaxFunctionNameLength {
		s = s[:constants.MaxFunctionNameLength]
	}
	return s
}

func isFunctionNameChar(c byte) bool {
	return isASCIILetter(c) || (c >= '0' && c <= '9') || c == '_' || c == '.' || c == '-'
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
