package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from YAML files and environment variables
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// Load loads configuration from files and environment variables.
// YAML files take precedence, then ENV variables override.
func (l *Loader) Load() (*Config, error) {
	l.v.SetConfigName("ipabridge")
	l.v.SetConfigType("yaml")

	// Search paths in order of priority
	l.v.AddConfigPath("/etc/ipabridge")
	l.v.AddConfigPath("$HOME/.ipabridge")
	l.v.AddConfigPath(".")

	l.v.SetEnvPrefix("IPABRIDGE")
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	l.setDefaults()

	// Config file not found is OK - we'll use defaults and ENV
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "json")

	l.v.SetDefault("api.listen_addr", ":9090")

	l.v.SetDefault("db.path", "./data/ipabridge.db")
	l.v.SetDefault("db.max_open_conns", 25)
	l.v.SetDefault("db.max_idle_conns", 5)
	l.v.SetDefault("db.conn_max_lifetime", 300)

	l.v.SetDefault("service.shutdown_timeout", "30s")

	l.v.SetDefault("registry.keytab", "/etc/ipabridge/krb5.keytab")
	l.v.SetDefault("registry.krb5_conf", "/etc/krb5.conf")
	l.v.SetDefault("registry.connect_retries", 2)
	l.v.SetDefault("registry.backoff", "2s")
	l.v.SetDefault("registry.request_timeout", "30s")

	l.v.SetDefault("images.retries", 0)
	l.v.SetDefault("images.request_timeout", "10s")

	l.v.SetDefault("enroll.project_subdomain", false)
	l.v.SetDefault("enroll.normalize_project", true)
}

// LoadWithPath loads configuration from a specific file path
func LoadWithPath(configPath string) (*Config, error) {
	loader := NewLoader()
	loader.v.SetConfigFile(configPath)
	return loader.Load()
}
