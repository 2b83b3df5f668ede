package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Log      LogConfig      `mapstructure:"log"`
}

// TelegramConfig holds the bot credentials
type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

// OpenAIConfig holds the LLM configuration
type OpenAIConfig struct {
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// StorageConfig holds the persistence configuration
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// MissingKeyError reports a required configuration value that was supplied
// neither by the config file nor by the environment. It is fatal at startup.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", e.Key)
}

// Load loads the configuration from config.yaml (or CONFIG_PATH) with
// environment fallbacks for secrets.
func Load() (*Config, error) {
	v := viper.New()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine when secrets come from the environment.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if config.Telegram.Token == "" {
		config.Telegram.Token = os.Getenv("TELEGRAM_TOKEN")
	}
	if config.OpenAI.APIKey == "" {
		config.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if config.OpenAI.Model == "" {
		config.OpenAI.Model = "gpt-4o"
	}
	if config.Storage.Path == "" {
		config.Storage.Path = "lifebot.db"
	}

	if config.Telegram.Token == "" {
		return nil, &MissingKeyError{Key: "telegram.token"}
	}
	if config.OpenAI.APIKey == "" {
		return nil, &MissingKeyError{Key: "openai.api_key"}
	}

	return &config, nil
}
