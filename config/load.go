package config

import (
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/matyoung89/ComfyEndpoints/errors"
)

// Load reads configuration from the environment and defaults.
func Load() (*Config, error) {
	return LoadWithViper(initViper(""))
}

// LoadFromFile loads configuration from a specific file path, layered over
// environment variables and defaults.
func LoadFromFile(configPath string) (*Config, error) {
	v := initViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	return LoadWithViper(v)
}

// LoadWithViper loads configuration using a provided Viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	applyDerived(&config)
	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// GetViper returns a fresh Viper instance with env binding and defaults set,
// for commands that need to layer flags on top.
func GetViper() *viper.Viper {
	return initViper("")
}

func initViper(configPath string) *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("CE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets are only ever read from the environment, never from files.
	v.BindEnv("gateway.api_key", "CE_API_KEY")
	v.BindEnv("engine.comfy_url", "CE_COMFY_URL")

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if strings.HasSuffix(configPath, ".yaml") || strings.HasSuffix(configPath, ".yml") {
			v.SetConfigType("yaml")
		} else {
			v.SetConfigType("toml")
		}
	}

	return v
}

// applyDerived fills paths that default relative to state_db_path.
func applyDerived(c *Config) {
	if c.State.ArtifactsDir == "" && c.State.DBPath != "" {
		c.State.ArtifactsDir = filepath.Join(filepath.Dir(c.State.DBPath), "artifacts")
	}
}

func validate(c *Config) error {
	if c.Gateway.ListenPort <= 0 || c.Gateway.ListenPort > 65535 {
		return errors.NewInvalidRequestError("gateway.listen_port out of range: %d", c.Gateway.ListenPort)
	}
	if c.Execution.OutputPollSeconds <= 0 {
		return errors.NewInvalidRequestError("execution.output_poll_seconds must be positive")
	}
	if c.Execution.Workers <= 0 {
		return errors.NewInvalidRequestError("execution.workers must be positive")
	}
	return nil
}
