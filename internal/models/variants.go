package models

// DefaultBaseModels lists the base models exposed through the /models routes.
func DefaultBaseModels() []string {
	return []string{
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.5-flash-lite",
		"gemini-3-pro-preview",
	}
}

// AllVariants expands the base model list with every recognized feature
// prefix/suffix combination so callers can discover them.
func AllVariants() []string {
	bases := DefaultBaseModels()

	suffixes := []string{"", SuffixNoThinking, SuffixMaxThinking, SuffixSearch,
		SuffixNoThinking + SuffixSearch, SuffixMaxThinking + SuffixSearch}
	prefixes := []string{"", FakeStreamingPrefix, AntiTruncationPrefix}

	out := make([]string, 0, len(bases)*len(suffixes)*len(prefixes))
	for _, base := range bases {
		for _, suffix := range suffixes {
			for _, prefix := range prefixes {
				out = append(out, prefix+base+suffix)
			}
		}
	}
	return out
}
