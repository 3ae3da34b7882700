package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = append([]keySpec{
	{
		key: "server.port", typ: kInt, env: "VIDNOTE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "VIDNOTE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "VIDNOTE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "VIDNOTE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "VIDNOTE_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "session.window", typ: kDuration, env: "VIDNOTE_SESSION_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Session.Window = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.Window },
	},
	{
		key: "pipeline.workers", typ: kInt, env: "VIDNOTE_PIPELINE_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Workers },
	},
	{
		key: "pipeline.stage_timeout", typ: kDuration, env: "VIDNOTE_PIPELINE_STAGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.StageTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.StageTimeout },
	},
	{
		key: "pipeline.language", typ: kString, env: "VIDNOTE_PIPELINE_LANGUAGE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Language = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.Language },
	},
	{
		key: "provider.backoff", typ: kDuration, env: "VIDNOTE_PROVIDER_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Backoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.Backoff },
	},
	{
		key: "parser.url", typ: kString, env: "VIDNOTE_PARSER_URL",
		apply:   func(cfg *Config, v any) { cfg.Parser.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Parser.URL },
	},
	{
		key: "chat.url", typ: kString, env: "VIDNOTE_CHAT_URL",
		apply:   func(cfg *Config, v any) { cfg.Chat.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.URL },
	},
	{
		key: "chat.token", typ: kString, env: "VIDNOTE_CHAT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Chat.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.Token },
	},
	{
		key: "intake.dedup_ttl", typ: kDuration, env: "VIDNOTE_INTAKE_DEDUP_TTL",
		apply:   func(cfg *Config, v any) { cfg.Intake.DedupTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Intake.DedupTTL },
	},
	{
		key: "telemetry.enabled", typ: kBool, env: "VIDNOTE_TELEMETRY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Telemetry.Enabled },
	},
	{
		key: "telemetry.endpoint", typ: kString, env: "VIDNOTE_TELEMETRY_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.Endpoint },
	},
}, append(append(
	providerSpecs("transcribe", func(cfg *Config) *ProviderConfig { return &cfg.Providers.Transcribe }),
	providerSpecs("critique", func(cfg *Config) *ProviderConfig { return &cfg.Providers.Critique })...),
	providerSpecs("synthesize", func(cfg *Config) *ProviderConfig { return &cfg.Providers.Synthesize })...)...)

// providerSpecs builds the six keys of one stage's endpoint pair.
// API keys are secrets: env or secret store only.
func providerSpecs(role string, pc func(cfg *Config) *ProviderConfig) []keySpec {
	prefix := "providers." + role
	envPrefix := "VIDNOTE_PROVIDERS_" + strings.ToUpper(role)
	str := func(field, envField string, secret bool, ptr func(p *ProviderConfig) *string) keySpec {
		return keySpec{
			key:     prefix + "." + field,
			typ:     kString,
			env:     envPrefix + "_" + envField,
			secret:  secret,
			apply:   func(cfg *Config, v any) { *ptr(pc(cfg)) = v.(string) },
			extract: func(cfg Config) any { return *ptr(pc(&cfg)) },
		}
	}
	return []keySpec{
		str("primary.endpoint", "PRIMARY_ENDPOINT", false, func(p *ProviderConfig) *string { return &p.PrimaryEndpoint }),
		str("primary.key", "PRIMARY_KEY", true, func(p *ProviderConfig) *string { return &p.PrimaryKey }),
		str("primary.model", "PRIMARY_MODEL", false, func(p *ProviderConfig) *string { return &p.PrimaryModel }),
		str("secondary.endpoint", "SECONDARY_ENDPOINT", false, func(p *ProviderConfig) *string { return &p.SecondaryEndpoint }),
		str("secondary.key", "SECONDARY_KEY", true, func(p *ProviderConfig) *string { return &p.SecondaryKey }),
		str("secondary.model", "SECONDARY_MODEL", false, func(p *ProviderConfig) *string { return &p.SecondaryModel }),
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
