// Package config resolves CLI settings from .env, an optional YAML file and the
// environment. Flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"specforge/internal/cache/mirror"
	"specforge/internal/serialize"
)

// DefaultFile is read when no config path is given and it exists.
const DefaultFile = "specforge.yaml"

type Config struct {
	CacheDir  string `yaml:"cache_dir"`
	RunID     string `yaml:"run_id"`
	TargetDir string `yaml:"target_dir"`

	LLM       LLMConfig       `yaml:"llm"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Mirror    MirrorConfig    `yaml:"mirror"`

	// Substitutions redact local paths from cache keys and entries.
	Substitutions []serialize.Substitution `yaml:"substitutions"`
}

type LLMConfig struct {
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	MaxTokens      int           `yaml:"max_tokens"`
	Concurrency    int           `yaml:"concurrency"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

type TelemetryConfig struct {
	LogFile     string `yaml:"log_file"`
	TraceFile   string `yaml:"trace_file"`
	MetricsFile string `yaml:"metrics_file"`
	Verbose     bool   `yaml:"verbose"`
}

type MirrorConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether enough is configured to reach a bucket.
func (m MirrorConfig) Enabled() bool {
	return strings.TrimSpace(m.Endpoint) != "" && strings.TrimSpace(m.Bucket) != ""
}

func (m MirrorConfig) S3() mirror.S3Config {
	return mirror.S3Config{
		Endpoint:  m.Endpoint,
		Region:    m.Region,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		Bucket:    m.Bucket,
		Prefix:    m.Prefix,
		UseSSL:    m.UseSSL,
	}
}

func Default() Config {
	return Config{
		CacheDir:  "test_outputs/.llm_cache",
		TargetDir: ".",
		LLM: LLMConfig{
			Provider:       "anthropic",
			Model:          "claude-3-5-haiku-latest",
			MaxTokens:      4096,
			Concurrency:    4,
			RetryAttempts:  3,
			RetryBaseDelay: time.Second,
		},
		Mirror: MirrorConfig{
			Region: "us-east-1",
			Prefix: "llm-cache",
			UseSSL: true,
		},
	}
}

// Load layers defaults, the YAML file at path (or DefaultFile when present) and the
// environment. A missing explicit path is an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if err := cfg.readFile(path); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = uuid.NewString()
	}
	return &cfg, nil
}

func (c *Config) readFile(path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultFile
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.CacheDir, "SPECFORGE_CACHE_DIR")
	setString(&c.RunID, "SPECFORGE_RUN_ID")
	setString(&c.TargetDir, "SPECFORGE_TARGET_DIR")

	setString(&c.LLM.Provider, "SPECFORGE_PROVIDER")
	setString(&c.LLM.Model, "SPECFORGE_MODEL")
	setString(&c.LLM.BaseURL, "SPECFORGE_BASE_URL")
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if key := firstNonEmpty(env("SPECFORGE_API_KEY"), providerKey(c.LLM.Provider)); key != "" {
		c.LLM.APIKey = key
	}

	setString(&c.Telemetry.LogFile, "SPECFORGE_LOG_FILE")
	setString(&c.Telemetry.TraceFile, "SPECFORGE_TRACE_FILE")
	setString(&c.Telemetry.MetricsFile, "SPECFORGE_METRICS_FILE")

	setString(&c.Mirror.Endpoint, "SPECFORGE_S3_ENDPOINT")
	setString(&c.Mirror.Region, "SPECFORGE_S3_REGION")
	setString(&c.Mirror.Bucket, "SPECFORGE_S3_BUCKET")
	setString(&c.Mirror.Prefix, "SPECFORGE_S3_PREFIX")
	setString(&c.Mirror.AccessKey, "SPECFORGE_S3_ACCESS_KEY")
	setString(&c.Mirror.SecretKey, "SPECFORGE_S3_SECRET_KEY")

	return errors.Join(
		setInt(&c.LLM.MaxTokens, "SPECFORGE_MAX_TOKENS"),
		setInt(&c.LLM.Concurrency, "SPECFORGE_CONCURRENCY"),
		setInt(&c.LLM.RetryAttempts, "SPECFORGE_RETRY_ATTEMPTS"),
		setDuration(&c.LLM.RetryBaseDelay, "SPECFORGE_RETRY_BASE_DELAY"),
		setBool(&c.Telemetry.Verbose, "SPECFORGE_VERBOSE"),
		setBool(&c.Mirror.UseSSL, "SPECFORGE_S3_USE_SSL"),
	)
}

// Validate checks the settings every command relies on.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.CacheDir) == "" {
		errs = append(errs, errors.New("cache dir is required"))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max tokens must be positive, got %d", c.LLM.MaxTokens))
	}
	if c.LLM.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency must be positive, got %d", c.LLM.Concurrency))
	}
	if c.LLM.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry attempts must be at least 1, got %d", c.LLM.RetryAttempts))
	}
	if c.LLM.RetryBaseDelay < 0 {
		errs = append(errs, errors.New("retry base delay must not be negative"))
	}
	if len(c.Substitutions) > 0 {
		if _, err := serialize.NewSubstringSanitizer(c.Substitutions); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func providerKey(provider string) string {
	switch provider {
	case "openai":
		return env("OPENAI_API_KEY")
	case "gemini":
		return firstNonEmpty(env("GEMINI_API_KEY"), env("GOOGLE_API_KEY"))
	case "fake":
		return ""
	default:
		return env("ANTHROPIC_API_KEY")
	}
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func setString(dst *string, name string) {
	if v := env(name); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) error {
	raw := env(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = v
	return nil
}

func setBool(dst *bool, name string) error {
	raw := env(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = v
	return nil
}

func setDuration(dst *time.Duration, name string) error {
	raw := env(name)
	if raw == "" {
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = v
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
