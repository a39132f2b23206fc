package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cloudkeep/ipabridge/pkg/logger"
)

// Config defines the enrollment agent configuration.
type Config struct {
	Log logger.LoggerConfig `mapstructure:"log"`

	// SecretPath is the file the platform drops the one-time password
	// into, typically written by cloud-init from vendordata.
	SecretPath string `mapstructure:"secret_path"`

	// MetadataPath is the local instance metadata JSON document.
	MetadataPath string `mapstructure:"metadata_path"`

	// Installer is the client enrollment binary to execute.
	Installer string `mapstructure:"installer"`

	PollAttempts int           `mapstructure:"poll_attempts"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// EnrollTimeout bounds the enrollment binary's run time.
	EnrollTimeout time.Duration `mapstructure:"enroll_timeout"`
}

// LoadConfig loads the agent configuration from ipabridge-agent.yaml and
// IPABRIDGE_AGENT_* environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("ipabridge-agent")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/ipabridge")
	v.AddConfigPath(".")
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	v.SetEnvPrefix("IPABRIDGE_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("secret_path", "/var/lib/ipabridge/otp")
	v.SetDefault("metadata_path", "/var/lib/ipabridge/metadata.json")
	v.SetDefault("installer", "/usr/sbin/ipa-client-install")
	v.SetDefault("poll_attempts", 60)
	v.SetDefault("poll_interval", "1s")
	v.SetDefault("enroll_timeout", "10m")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.PollAttempts <= 0 {
		return nil, fmt.Errorf("poll_attempts must be positive")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll_interval must be positive")
	}

	return &cfg, nil
}
