package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// reservedProviderNames cannot be used as OpenRouter model names: the first two are
// registered adapters, multi_agent is the static fan-out route under /chat.
var reservedProviderNames = map[string]struct{}{
	"perplexity":  {},
	"gemini":      {},
	"multi_agent": {},
}

const (
	defaultPort        = 8000
	defaultMaxFanout   = 8
	defaultFeedbackKey = "agentspace:feedback"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	// RateLimit is the sustained requests per second allowed per client. Zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
	MaxFanout int     `yaml:"max_fanout"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// FeedbackConfig selects where user feedback is handed off. Without a Redis address
// feedback is only logged.
type FeedbackConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	List          string `yaml:"list"`
}

// ProvidersConfig catalogues configured upstream providers.
type ProvidersConfig struct {
	Perplexity PerplexityConfig `yaml:"perplexity"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	OpenRouter OpenRouterConfig `yaml:"openrouter"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// PerplexityConfig configures the Perplexity adapter.
type PerplexityConfig struct {
	APIKey  string  `yaml:"api_key"`
	BaseURL string  `yaml:"base_url"`
	Model   string  `yaml:"model"`
	Headers Headers `yaml:"headers"`
}

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	StreamModel    string `yaml:"stream_model"`
	EmissionMode   string `yaml:"emission_mode"`
	MaxConcurrency int64  `yaml:"max_concurrency"`
}

// OpenRouterConfig configures the OpenRouter adapters. Models maps registry names to
// OpenRouter model IDs; each entry becomes its own provider.
type OpenRouterConfig struct {
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	Models  map[string]string `yaml:"models"`
	Headers Headers           `yaml:"headers"`
}

// Load reads YAML configuration from disk and validates the result. ${VAR} references
// are expanded from the environment, after the optional dotenv file envFile has been
// applied. Variables already set in the environment win over the dotenv file.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %q: %w", envFile, err)
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.MaxFanout == 0 {
		c.Server.MaxFanout = defaultMaxFanout
	}
	if c.Server.CORSOrigins == nil {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "agentspace"
	}
	if c.Feedback.List == "" {
		c.Feedback.List = defaultFeedbackKey
	}
	if c.Providers.Perplexity.BaseURL == "" {
		c.Providers.Perplexity.BaseURL = "https://api.perplexity.ai"
	}
	if c.Providers.Perplexity.Model == "" {
		c.Providers.Perplexity.Model = "sonar"
	}
	if c.Providers.Gemini.Model == "" {
		c.Providers.Gemini.Model = "gemini-2.5-flash"
	}
	if c.Providers.OpenRouter.BaseURL == "" {
		c.Providers.OpenRouter.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.Providers.OpenRouter.Models == nil {
		c.Providers.OpenRouter.Models = map[string]string{
			"deepseek": "deepseek/deepseek-r1-0528:free",
			"qwen":     "qwen/qwen3-4b:free",
		}
	}
}

// Validate performs strict sanity checks on the configuration. Missing API keys are
// allowed; the affected provider reports them per call.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative, got %v", c.Server.RateLimit)
	}
	if c.Server.MaxFanout < 1 {
		return fmt.Errorf("server.max_fanout must be at least 1, got %d", c.Server.MaxFanout)
	}
	for _, origin := range c.Server.CORSOrigins {
		if strings.TrimSpace(origin) == "" {
			return errors.New("server.cors_origins must not contain empty entries")
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}

	if c.Feedback.RedisDB < 0 {
		return fmt.Errorf("feedback.redis_db must not be negative, got %d", c.Feedback.RedisDB)
	}

	p := c.Providers
	if err := validateBaseURL("perplexity", p.Perplexity.BaseURL); err != nil {
		return err
	}
	if err := validateHeaders("perplexity", p.Perplexity.Headers); err != nil {
		return err
	}
	if strings.TrimSpace(p.Perplexity.Model) == "" {
		return errors.New("provider perplexity: model must not be empty")
	}

	switch strings.ToLower(strings.TrimSpace(p.Gemini.EmissionMode)) {
	case "", "delta", "deltas", "cumulative":
	default:
		return fmt.Errorf("provider gemini: emission_mode %q must be delta or cumulative", p.Gemini.EmissionMode)
	}
	if p.Gemini.MaxConcurrency < 0 {
		return fmt.Errorf("provider gemini: max_concurrency must not be negative, got %d", p.Gemini.MaxConcurrency)
	}

	if err := validateBaseURL("openrouter", p.OpenRouter.BaseURL); err != nil {
		return err
	}
	if err := validateHeaders("openrouter", p.OpenRouter.Headers); err != nil {
		return err
	}
	for name, model := range p.OpenRouter.Models {
		if strings.TrimSpace(name) == "" {
			return errors.New("provider openrouter: model name must not be empty")
		}
		if _, reserved := reservedProviderNames[name]; reserved {
			return fmt.Errorf("provider openrouter: model name %q collides with a built-in provider or route", name)
		}
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("provider openrouter: model %q id must not be empty", name)
		}
	}

	return nil
}

func validateBaseURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("provider %s: base_url %q must be an absolute http(s) URL", name, raw)
	}
	return nil
}

func validateHeaders(name string, headers Headers) error {
	for headerKey := range headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
