package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var (
	ErrConfigFailedToSetDefaults = errors.New("error occurred while setting defaults")
	ErrConfigPath                = errors.New("config path error")
)

// Load builds the configuration. Any directories given are searched for a
// config.yaml; later directories override earlier ones, environment
// variables override files.
func Load(configFileDirs ...string) (*Config, error) {
	cfg := getDefaultConfig()

	if err := setDefaults(cfg); err != nil {
		return nil, err
	}

	if err := overrideWithFiles(configFileDirs...); err != nil {
		return nil, err
	}

	viper.SetEnvPrefix("ELECTRUM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(defaultConfig *Config) error {
	defaultsMap := make(map[string]interface{})

	if err := mapstructure.Decode(defaultConfig, &defaultsMap); err != nil {
		return errors.Join(ErrConfigFailedToSetDefaults, err)
	}

	for key, value := range defaultsMap {
		viper.SetDefault(key, value)
	}

	return nil
}

func overrideWithFiles(configFileDirs ...string) error {
	for _, dir := range configFileDirs {
		if dir == "" {
			continue
		}

		stat, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %s does not exist", ErrConfigPath, dir)
			}
			return errors.Join(ErrConfigPath, err)
		}
		if !stat.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrConfigPath, dir)
		}

		viper.SetConfigFile(path.Join(dir, "config.yaml"))
		if err := viper.MergeInConfig(); err != nil {
			if errors.As(err, &viper.ConfigFileNotFoundError{}) || os.IsNotExist(err) {
				continue
			}
			return errors.Join(ErrConfigPath, err)
		}
	}

	return nil
}
