package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Session  SessionConfig `mapstructure:"session"`
	API      APIConfig     `mapstructure:"api"`
	LLM      LLMConfig     `mapstructure:"llm"`
	Server   ServerConfig  `mapstructure:"server"`
	Prompt   PromptConfig  `mapstructure:"prompt"`
}

// SessionConfig identifies the local conversation and where it is persisted.
type SessionConfig struct {
	ID        string `mapstructure:"id"`
	StorePath string `mapstructure:"store_path"`
}

// APIConfig points the chat client at the remote backend.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider      string  `mapstructure:"provider"`
	BaseURL       string  `mapstructure:"base_url"`
	APIKey        string  `mapstructure:"api_key"`
	Model         string  `mapstructure:"model"`
	Temperature   float32 `mapstructure:"temperature"`
	HistoryWindow int     `mapstructure:"history_window"`
}

// ServerConfig holds the backend server configuration
type ServerConfig struct {
	Host      string `mapstructure:"host"`
	Port      string `mapstructure:"port"`
	StorePath string `mapstructure:"store_path"`
}

// PromptConfig shapes the system prompt sent to the model.
type PromptConfig struct {
	Tone       string `mapstructure:"tone" json:"tone"`
	GenderTone string `mapstructure:"gender_tone" json:"genderTone"`
	TextSize   string `mapstructure:"text_size" json:"textSize"`
	MinChars   int    `mapstructure:"min_chars" json:"minChars"`
	MaxChars   int    `mapstructure:"max_chars" json:"maxChars"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("session.id", "")
	v.SetDefault("session.store_path", "ideachat.db")
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout", 2*time.Minute)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.history_window", 10)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.store_path", "ideachat-server.db")
	v.SetDefault("prompt.tone", "Friendly & Casual")
	v.SetDefault("prompt.gender_tone", "Neutral")
	v.SetDefault("prompt.text_size", "Medium")
	v.SetDefault("prompt.min_chars", 0)
	v.SetDefault("prompt.max_chars", 0)
}

// Load loads the configuration from path, from the file named by CONFIG_PATH,
// or from config.yaml in the working directory, in that order. A missing
// config.yaml is not an error. IDEACHAT_* environment variables override
// file values, e.g. IDEACHAT_SESSION_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ideachat")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
