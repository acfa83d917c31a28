// Package voxa assembles the voice session server from configuration.
package voxa

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/voxa/pkg/orchestrator"
	"github.com/harunnryd/voxa/pkg/session"
	"github.com/harunnryd/voxa/pkg/transports/ws"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ws.Config         `mapstructure:"server"`
	Session     SessionConfig     `mapstructure:"session"`
	Defaults    DefaultsConfig    `mapstructure:"defaults"`
	Realtime    VendorConfig      `mapstructure:"realtime"`
	Vendors     VendorsConfig     `mapstructure:"vendors"`
	Tools       ToolsConfig       `mapstructure:"tools"`
	Resilience  ResilienceConfig  `mapstructure:"resilience"`
	Context     ContextConfig     `mapstructure:"context"`
	Transcripts TranscriptsConfig `mapstructure:"transcripts"`
	Bus         BusConfig         `mapstructure:"bus"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Privacy     PrivacyConfig     `mapstructure:"privacy"`
	BasePrompt  string            `mapstructure:"base_prompt"`
	Environment string            `mapstructure:"environment"`
	LogLevel    string            `mapstructure:"log_level"`
	LogFormat   string            `mapstructure:"log_format"`
	// MetricsPath lives under server.metrics_path; ws.Config does not carry it.
	MetricsPath string `mapstructure:"-"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type SessionConfig struct {
	IdleTimeoutMS  int `mapstructure:"idle_timeout_ms"`
	ReapIntervalMS int `mapstructure:"reap_interval_ms"`
	SendBuffer     int `mapstructure:"send_buffer"`
	WriteTimeoutMS int `mapstructure:"write_timeout_ms"`
}

type DefaultsConfig struct {
	Provider     string   `mapstructure:"provider"`
	Model        string   `mapstructure:"model"`
	VoiceID      string   `mapstructure:"voice_id"`
	Temperature  *float64 `mapstructure:"temperature"`
	MaxTokens    *int     `mapstructure:"max_tokens"`
	SystemPrompt string   `mapstructure:"system_prompt"`
	WebSearch    bool     `mapstructure:"web_search"`
	XSearch      bool     `mapstructure:"x_search"`
	AgentEnabled bool     `mapstructure:"agent_enabled"`
	Realtime     bool     `mapstructure:"realtime"`
	Capabilities []string `mapstructure:"capabilities"`
}

type ToolsConfig struct {
	TimeoutMS      int `mapstructure:"timeout_ms"`
	Retries        int `mapstructure:"retries"`
	RetryBackoffMS int `mapstructure:"retry_backoff_ms"`
	MaxRounds      int `mapstructure:"max_rounds"`
}

type ResilienceConfig struct {
	Retries           int `mapstructure:"retries"`
	RetryBackoffMS    int `mapstructure:"retry_backoff_ms"`
	CircuitThreshold  int `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int `mapstructure:"circuit_cooldown_ms"`
}

type ContextConfig struct {
	MaxHistory int `mapstructure:"max_history"`
}

type TranscriptsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Path        string `mapstructure:"path"`
	AsyncBuffer int    `mapstructure:"async_buffer"`
}

type BusConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	Servers          []string `mapstructure:"servers"`
	SubjectPrefix    string   `mapstructure:"subject_prefix"`
	ConnectTimeoutMS int      `mapstructure:"connect_timeout_ms"`
}

type MetricsConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	AsyncBuffer int  `mapstructure:"async_buffer"`
	// TimelineDir receives one JSONL event file per session when set.
	TimelineDir            string `mapstructure:"timeline_dir"`
	TimelineRetentionHours int    `mapstructure:"timeline_retention_hours"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	cfg.MetricsPath = strings.TrimSpace(v.GetString("server.metrics_path"))

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ws_path", "/ws/voice")
	v.SetDefault("server.health_path", "/health")
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.allow_any_origin", false)
	v.SetDefault("server.read_buffer_size", 16*1024)
	v.SetDefault("server.write_buffer_size", 16*1024)
	v.SetDefault("session.idle_timeout_ms", 300000)
	v.SetDefault("session.reap_interval_ms", 30000)
	v.SetDefault("session.send_buffer", 256)
	v.SetDefault("session.write_timeout_ms", 5000)
	v.SetDefault("defaults.provider", "openai")
	v.SetDefault("defaults.realtime", false)
	v.SetDefault("defaults.agent_enabled", false)
	v.SetDefault("realtime.provider", "openai")
	v.SetDefault("tools.timeout_ms", 10000)
	v.SetDefault("tools.retries", 0)
	v.SetDefault("tools.retry_backoff_ms", 150)
	v.SetDefault("tools.max_rounds", 4)
	v.SetDefault("resilience.retries", 1)
	v.SetDefault("resilience.retry_backoff_ms", 200)
	v.SetDefault("resilience.circuit_threshold", 3)
	v.SetDefault("resilience.circuit_cooldown_ms", 30000)
	v.SetDefault("context.max_history", 24)
	v.SetDefault("transcripts.enabled", false)
	v.SetDefault("transcripts.path", "data/transcripts.db")
	v.SetDefault("transcripts.async_buffer", 256)
	v.SetDefault("bus.enabled", false)
	v.SetDefault("bus.subject_prefix", "voxa.sessions")
	v.SetDefault("bus.connect_timeout_ms", 2000)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.async_buffer", 2048)
	v.SetDefault("metrics.timeline_retention_hours", 168)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if !strings.HasPrefix(c.Server.WebsocketPath, "/") {
		return fmt.Errorf("server.ws_path must start with /, got %q", c.Server.WebsocketPath)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("server.metrics_path must start with /, got %q", c.MetricsPath)
	}
	if c.Session.IdleTimeoutMS < 0 {
		return fmt.Errorf("session.idle_timeout_ms must not be negative")
	}
	if c.Transcripts.Enabled && strings.TrimSpace(c.Transcripts.Path) == "" {
		return fmt.Errorf("transcripts.path is required when transcripts are enabled")
	}
	if c.Bus.Enabled && len(c.Bus.Servers) == 0 {
		return fmt.Errorf("bus.servers is required when the bus is enabled")
	}
	if t := c.Defaults.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("defaults.temperature must be between 0 and 2, got %v", *t)
	}
	return nil
}

// SessionDefaults is what a handshake query is merged over.
func (c Config) SessionDefaults() orchestrator.Defaults {
	d := c.Defaults
	opts := session.Options{
		Capabilities: append([]string(nil), d.Capabilities...),
		AgentEnabled: d.AgentEnabled,
		Temperature:  d.Temperature,
		MaxTokens:    d.MaxTokens,
		SystemPrompt: d.SystemPrompt,
		WebSearch:    d.WebSearch,
		XSearch:      d.XSearch,
		Realtime:     d.Realtime,
	}
	return orchestrator.Defaults{Provider: d.Provider, Model: d.Model, VoiceID: d.VoiceID, Options: opts}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Realtime.Settings = expandSettings(cfg.Realtime.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
