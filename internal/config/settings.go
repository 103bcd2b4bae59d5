package config

import (
	"airelay-go/internal/constants"
)

// Settings is the full runtime configuration. Every field maps to one key of
// the settings store; the yaml file and environment variables feed the same
// struct.
type Settings struct {
	// Server
	Port    int    `yaml:"port" json:"port"`
	Debug   bool   `yaml:"debug" json:"debug"`
	LogFile string `yaml:"log_file" json:"log_file"`

	// Persistence / cache
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr" json:"redis_addr"`
	RedisDB     int    `yaml:"redis_db" json:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix" json:"redis_prefix"`

	// OAuth client used for the pooled Google accounts
	OAuth struct {
		ClientID     string `yaml:"client_id" json:"client_id"`
		ClientSecret string `yaml:"client_secret" json:"client_secret"`
		RedirectURI  string `yaml:"redirect_uri" json:"redirect_uri"`
	} `yaml:"oauth" json:"oauth"`

	// API key validation for callers
	APIKey struct {
		MinLength     int    `yaml:"min_length" json:"min_length"`
		MaxLength     int    `yaml:"max_length" json:"max_length"`
		PrefixPattern string `yaml:"prefix_pattern" json:"prefix_pattern"`
	} `yaml:"api_key" json:"api_key"`

	Token struct {
		RefreshBeforeExpiryMinutes int `yaml:"refresh_before_expiry_minutes" json:"refresh_before_expiry_minutes"`
	} `yaml:"token" json:"token"`

	System struct {
		Enabled     bool   `yaml:"enabled" json:"enabled"`
		APIKey      string `yaml:"api_key" json:"api_key"` // bcrypt hash or plain
		ServiceName string `yaml:"service_name" json:"service_name"`
	} `yaml:"system" json:"system"`

	// Serialized alias rules, see models.AliasMap.
	ModelMappingRules string `yaml:"model_mapping_rules" json:"model_mapping_rules"`

	Gemini struct {
		CodeAssistEndpoint string `yaml:"code_assist_endpoint" json:"code_assist_endpoint"`
	} `yaml:"gemini" json:"gemini"`

	Antigravity struct {
		APIURL          string `yaml:"api_url" json:"api_url"`
		SkipTLSValidate bool   `yaml:"skip_tls_validate" json:"skip_tls_validate"`
		ReturnThoughts  bool   `yaml:"return_thoughts" json:"return_thoughts"`
	} `yaml:"antigravity" json:"antigravity"`

	// OpenAI Responses pass-through upstream.
	Codex struct {
		BaseURL string `yaml:"base_url" json:"base_url"`
	} `yaml:"codex" json:"codex"`

	// Observability
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	ProxyURL     string `yaml:"proxy_url" json:"proxy_url"`
}

// Defaults returns a Settings populated with every default value.
func Defaults() *Settings {
	s := &Settings{}
	s.Port = 8317
	s.APIKey.MinLength = 8
	s.APIKey.MaxLength = 128
	s.Token.RefreshBeforeExpiryMinutes = 5
	s.System.Enabled = true
	s.System.ServiceName = "airelay"
	s.Gemini.CodeAssistEndpoint = constants.DefaultCodeAssistEndpoint
	s.Antigravity.APIURL = constants.DefaultAntigravityAPIURL
	s.Antigravity.ReturnThoughts = true
	return s
}
