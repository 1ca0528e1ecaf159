package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/m4xw311/agentcore/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultLLM     = "bedrock"
	DefaultModelID = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	DefaultRegion  = "us-east-1"
	DefaultAddr    = ":8080"

	envPrefix = "AGENTCORE_"
	dirName   = ".agentcore"
)

// Providers lists the recognised values of the llm setting.
var Providers = []string{"bedrock", "anthropic", "openai", "gemini", "mock"}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

type Config struct {
	LLMClient    string          `yaml:"llm" env:"LLM"`
	ModelID      string          `yaml:"model_id" env:"MODEL_ID"`
	Region       string          `yaml:"region" env:"REGION"`
	MaxTokens    int             `yaml:"max_tokens" env:"MAX_TOKENS"`
	SystemPrompt string          `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	Server       ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Log          LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Telemetry    TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		LLMClient: DefaultLLM,
		ModelID:   DefaultModelID,
		Region:    DefaultRegion,
		MaxTokens: 4096,
		Server: ServerConfig{
			Addr:            DefaultAddr,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agentcore",
		},
	}
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence. AGENTCORE_* environment
// variables are applied last.
func LoadConfig() (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		if err := loadIfExists(filepath.Join(home, dirName, "config.yaml"), cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading user config")
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	if err := loadIfExists(filepath.Join(wd, dirName, "config.yaml"), cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading project config")
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a single YAML file on top of the defaults and the environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading config %s", path)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with AGENTCORE_* environment variables.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return errors.Wrapf(err, "could not parse environment")
	}
	return nil
}

func loadIfExists(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return loadFromFile(path, cfg)
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the YAML overwrite what is already set, so the
	// project file replaces user-level values key by key.
	return yaml.Unmarshal(data, cfg)
}

// Validate reports the first setting that cannot be used to start the runtime.
func (c *Config) Validate() error {
	known := false
	for _, p := range Providers {
		if c.LLMClient == p {
			known = true
			break
		}
	}
	if !known {
		return errors.New("unknown llm %q, expected one of %s", c.LLMClient, strings.Join(Providers, ", "))
	}
	if strings.TrimSpace(c.ModelID) == "" && c.LLMClient != "mock" {
		return errors.New("model_id must be set")
	}
	if c.LLMClient == "bedrock" && strings.TrimSpace(c.Region) == "" {
		return errors.New("region must be set for the bedrock backend")
	}
	if c.MaxTokens <= 0 {
		return errors.New("max_tokens must be positive, got %d", c.MaxTokens)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.New("invalid log format %q", c.Log.Format)
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
