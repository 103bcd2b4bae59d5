package models

import (
	"encoding/json"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// AliasGroup selects which ingress protocol a mapping rule applies to.
type AliasGroup string

const (
	AliasGroupAnthropic  AliasGroup = "anthropic"
	AliasGroupOpenAIChat AliasGroup = "openai_chat"
)

// AliasRule rewrites a base model name and optionally pins a target provider.
// The source match is case-insensitive. An invalid target provider is warned
// about and ignored; the model rewrite still applies.
type AliasRule struct {
	Source         string   `json:"source"`
	TargetModel    string   `json:"target_model"`
	TargetProvider Provider `json:"target_provider,omitempty"`
}

// AliasMap holds per-group mapping rules, loaded from the
// model_mapping_rules setting.
type AliasMap struct {
	mu    sync.RWMutex
	rules map[AliasGroup]map[string]AliasRule // key: lowercased source
}

// NewAliasMap returns an empty alias map.
func NewAliasMap() *AliasMap {
	return &AliasMap{rules: make(map[AliasGroup]map[string]AliasRule)}
}

// LoadJSON replaces the rule set from the serialized settings value:
// {"anthropic":[{source,target_model,target_provider}], "openai_chat":[...]}.
func (m *AliasMap) LoadJSON(raw string) error {
	if strings.TrimSpace(raw) == "" {
		m.mu.Lock()
		m.rules = make(map[AliasGroup]map[string]AliasRule)
		m.mu.Unlock()
		return nil
	}
	var decoded map[AliasGroup][]AliasRule
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return err
	}
	rules := make(map[AliasGroup]map[string]AliasRule, len(decoded))
	for group, list := range decoded {
		bylower := make(map[string]AliasRule, len(list))
		for _, r := range list {
			if r.Source == "" || r.TargetModel == "" {
				continue
			}
			if r.TargetProvider != "" && !GeminiFamily(r.TargetProvider) {
				log.Warnf("model mapping rule %q: invalid target provider %q ignored", r.Source, r.TargetProvider)
				r.TargetProvider = ""
			}
			bylower[strings.ToLower(r.Source)] = r
		}
		rules[group] = bylower
	}
	m.mu.Lock()
	m.rules = rules
	m.mu.Unlock()
	return nil
}

// Resolve maps a base model name for the given group. Returns the target
// model and, when pinned by the rule, the preferred provider.
func (m *AliasMap) Resolve(group AliasGroup, base string) (model string, provider Provider, matched bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if byGroup, ok := m.rules[group]; ok {
		if r, ok := byGroup[strings.ToLower(base)]; ok {
			return r.TargetModel, r.TargetProvider, true
		}
	}
	return base, "", false
}
