package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Session   SessionConfig
	Pipeline  PipelineConfig
	Providers ProvidersConfig
	Parser    ParserConfig
	Chat      ChatConfig
	Intake    IntakeConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
	File  string
}

type SessionConfig struct {
	Window time.Duration
}

type PipelineConfig struct {
	Workers      int
	StageTimeout time.Duration
	Backoff      time.Duration
	// Language notes are written in. Empty means the language spoken in
	// the video.
	Language     string
}

// ProvidersConfig holds one endpoint pair per summarization stage.
type ProvidersConfig struct {
	Transcribe ProviderConfig
	Critique   ProviderConfig
	Synthesize ProviderConfig
}

// All returns the three provider configs in stage order.
func (p ProvidersConfig) All() []ProviderConfig {
	return []ProviderConfig{p.Transcribe, p.Critique, p.Synthesize}
}

// ProviderConfig is read once at startup and never mutated afterwards.
// A secondary endpoint is optional, but when present its key and model are
// required too.
type ProviderConfig struct {
	Role              string `validate:"required,oneof=transcribe critique synthesize"`
	PrimaryEndpoint   string `validate:"required,url"`
	PrimaryKey        string `validate:"required"`
	PrimaryModel      string `validate:"required"`
	SecondaryEndpoint string `validate:"omitempty,url"`
	SecondaryKey      string `validate:"required_with=SecondaryEndpoint"`
	SecondaryModel    string `validate:"required_with=SecondaryEndpoint"`
}

// HasSecondary reports whether a failover endpoint is configured.
func (p ProviderConfig) HasSecondary() bool {
	return p.SecondaryEndpoint != ""
}

type ParserConfig struct {
	URL string
}

type ChatConfig struct {
	URL   string
	Token string
}

type IntakeConfig struct {
	DedupTTL time.Duration
}

type TelemetryConfig struct {
	Enabled  bool
	Endpoint string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Session: SessionConfig{
			Window: 120 * time.Second,
		},
		Pipeline: PipelineConfig{
			Workers:      4,
			StageTimeout: 240 * time.Second,
			Backoff:      500 * time.Millisecond,
		},
		Providers: ProvidersConfig{
			Transcribe: ProviderConfig{Role: "transcribe", PrimaryModel: "qwen3-omni-flash"},
			Critique:   ProviderConfig{Role: "critique", PrimaryModel: "qwen-plus"},
			Synthesize: ProviderConfig{Role: "synthesize", PrimaryModel: "qwen-plus"},
		},
		Parser: ParserConfig{
			URL: "http://127.0.0.1:4110",
		},
		Intake: IntakeConfig{
			DedupTTL: 5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Endpoint: "localhost:4318",
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory, environment variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.vidnote.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/vidnote/config.json
// and secrets fall back to $XDG_DATA_HOME/vidnote/secrets.json.
//
// Environment variables (VIDNOTE_*) override backend values on all platforms.
// Values already present in the process environment win over .env entries.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("invalid server.port %d", cfg.Server.Port)
	}
	if cfg.Session.Window <= 0 {
		return Config{}, fmt.Errorf("invalid session.window %s", cfg.Session.Window)
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = 1
	}

	return cfg, nil
}

// applySecrets fills secret keys still empty after env overrides from the
// platform secret store.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if v, _ := s.extract(*cfg).(string); v != "" {
			continue
		}
		if val, err := kc.Get("vidnote", s.key); err == nil && val != "" {
			s.apply(cfg, val)
		}
	}
}

var validate = validator.New()

// ValidateProviders checks that every stage has a complete primary endpoint
// and a complete secondary when one is configured. The server refuses to
// start without them; read-only commands never call this.
func (c Config) ValidateProviders() error {
	var problems []string
	for _, p := range c.Providers.All() {
		if err := validate.Struct(p); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					problems = append(problems, fmt.Sprintf("providers.%s: %s failed %q", p.Role, fe.Field(), fe.Tag()))
				}
				continue
			}
			return err
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid provider config: %s. Set keys via VIDNOTE_PROVIDERS_* environment variables%s",
			strings.Join(problems, "; "), secretHint())
	}
	return nil
}

// keychainReader reads secrets from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
