package models

import (
	"strings"

	"airelay-go/internal/constants"
)

// Feature prefixes and suffixes recognized on the caller's model name.
const (
	FakeStreamingPrefix  = "假流式/"
	AntiTruncationPrefix = "流式抗截断/"

	SuffixNoThinking  = "-nothinking"
	SuffixMaxThinking = "-maxthinking"
	SuffixSearch      = "-search"
)

// ThinkingLevel is the thinking-budget directive derived from a suffix.
type ThinkingLevel int

const (
	ThinkingDefault ThinkingLevel = iota
	ThinkingNone
	ThinkingMax
)

// Features captures everything stripped off the caller's model name.
type Features struct {
	Raw  string // the model string as received
	Base string // after prefix/suffix stripping, before aliasing

	FakeStreaming  bool
	AntiTruncation bool // observed and logged, continuation not implemented
	Thinking       ThinkingLevel
	Search         bool
}

// ParseFeatures strips feature prefixes and suffixes from a model name and
// records the flags they imply. Prefix order is not significant; suffixes
// are stripped from the tail.
func ParseFeatures(model string) Features {
	f := Features{Raw: model, Base: model}

	for {
		switch {
		case strings.HasPrefix(f.Base, FakeStreamingPrefix):
			f.FakeStreaming = true
			f.Base = strings.TrimPrefix(f.Base, FakeStreamingPrefix)
			continue
		case strings.HasPrefix(f.Base, AntiTruncationPrefix):
			f.AntiTruncation = true
			f.Base = strings.TrimPrefix(f.Base, AntiTruncationPrefix)
			continue
		}
		break
	}

	// 未识别的路径式前缀（如 maxthinking/、models/）不携带特性，丢弃
	if idx := strings.LastIndex(f.Base, "/"); idx >= 0 {
		f.Base = f.Base[idx+1:]
	}

	// -search may stack after a thinking suffix.
	if strings.HasSuffix(f.Base, SuffixSearch) {
		f.Search = true
		f.Base = strings.TrimSuffix(f.Base, SuffixSearch)
	}
	switch {
	case strings.HasSuffix(f.Base, SuffixNoThinking):
		f.Thinking = ThinkingNone
		f.Base = strings.TrimSuffix(f.Base, SuffixNoThinking)
	case strings.HasSuffix(f.Base, SuffixMaxThinking):
		f.Thinking = ThinkingMax
		f.Base = strings.TrimSuffix(f.Base, SuffixMaxThinking)
	}
	if !f.Search && strings.HasSuffix(f.Base, SuffixSearch) {
		f.Search = true
		f.Base = strings.TrimSuffix(f.Base, SuffixSearch)
	}

	return f
}

// ThinkingBudget resolves the budget and includeThoughts flag for the parsed
// feature set against the base model name. ok is false when no thinking
// directive applies.
func (f Features) ThinkingBudget() (budget int, includeThoughts bool, ok bool) {
	base := strings.ToLower(f.Base)
	switch f.Thinking {
	case ThinkingNone:
		// includeThoughts only meaningful for pro models
		return constants.NoThinkingBudget, strings.Contains(base, "pro"), true
	case ThinkingMax:
		if strings.Contains(base, "flash") {
			return constants.MaxThinkingBudgetFlash, true, true
		}
		return constants.MaxThinkingBudgetPro, true, true
	}
	return 0, false, false
}

// BaseFromFeature returns the base model name with all feature markers removed.
func BaseFromFeature(model string) string {
	return ParseFeatures(model).Base
}
