// Package config resolves server configuration from defaults, an optional
// config file, environment variables, and command-line flags, in ascending
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Defaults for a local single-user deployment.
const (
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 8089
	DefaultOllamaBaseURL = "http://127.0.0.1:11434"
)

// Config is the resolved server configuration.
type Config struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	DataDir string `mapstructure:"data_dir"`

	OllamaBaseURL string `mapstructure:"ollama_base_url"`
	ManageOllama  bool   `mapstructure:"manage_ollama"`

	// Optional extra backends. Empty means not configured.
	OpenAIBaseURL   string `mapstructure:"openai_base_url"`
	OpenAIAPIKey    string `mapstructure:"openai_api_key"`
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewViper builds a viper instance with defaults and env wiring. Callers
// bind their flags onto it before Load.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("ollama_base_url", DefaultOllamaBaseURL)
	v.SetDefault("manage_ollama", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	v.SetEnvPrefix("SNLITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Provider credentials follow the conventional unprefixed names.
	_ = v.BindEnv("anthropic_api_key", "ANTHROPIC_API_KEY", "SNLITE_ANTHROPIC_API_KEY")
	_ = v.BindEnv("openai_api_key", "OPENAI_API_KEY", "SNLITE_OPENAI_API_KEY")

	return v
}

// Load reads an optional config file and unmarshals the final values. An
// explicit configFile must exist; the default search is best effort.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("snlite")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "snlite"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir must not be empty")
	}
	return &cfg, nil
}

// defaultDataDir places session data under the user config directory,
// falling back to a hidden directory in cwd.
func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "snlite")
	}
	return ".snlite"
}
