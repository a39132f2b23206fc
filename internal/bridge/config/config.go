package config

import (
	"fmt"
	"time"

	"github.com/cloudkeep/ipabridge/pkg/logger"
)

// Config defines the configuration for the bridge service.
type Config struct {
	Service  ServiceConfig       `mapstructure:"service"`
	Log      logger.LoggerConfig `mapstructure:"log"`
	API      APIConfig           `mapstructure:"api"`
	DB       DBConfig            `mapstructure:"db"`
	Registry RegistryConfig      `mapstructure:"registry"`
	Images   ImagesConfig        `mapstructure:"images"`
	Enroll   EnrollConfig        `mapstructure:"enroll"`

	// Projects maps a project name to its per-project settings, most
	// importantly the host classes instances in that project may request.
	Projects map[string]ProjectConfig `mapstructure:"projects"`
}

// ServiceConfig defines service-level configuration options.
type ServiceConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// APIConfig defines the API server configuration.
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// DBConfig defines the state store configuration.
type DBConfig struct {
	Path            string `mapstructure:"path"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // seconds
}

// RegistryConfig defines the directory server connection.
type RegistryConfig struct {
	ServerURL      string        `mapstructure:"server_url"`
	Principal      string        `mapstructure:"principal"`
	Realm          string        `mapstructure:"realm"`
	Keytab         string        `mapstructure:"keytab"`
	Krb5Conf       string        `mapstructure:"krb5_conf"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	Backoff        time.Duration `mapstructure:"backoff"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ImagesConfig defines the image metadata service connection.
type ImagesConfig struct {
	ServerURL      string        `mapstructure:"server_url"`
	Retries        int           `mapstructure:"retries"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// EnrollConfig defines how FQDNs are derived for enrolled hosts.
type EnrollConfig struct {
	Domain           string `mapstructure:"domain"`
	ProjectSubdomain bool   `mapstructure:"project_subdomain"`
	NormalizeProject bool   `mapstructure:"normalize_project"`
}

// ProjectConfig holds per-project settings.
type ProjectConfig struct {
	// AllowedClasses lists the host classes instances in the project may
	// request; "*" allows any.
	AllowedClasses []string `mapstructure:"allowed_classes"`
}

// Validate validates the configuration for correctness and completeness
func (c *Config) Validate() error {
	if c.Enroll.Domain == "" {
		return fmt.Errorf("enroll.domain is required (set IPABRIDGE_ENROLL_DOMAIN env var)")
	}
	if c.Registry.ServerURL == "" {
		return fmt.Errorf("registry.server_url is required")
	}
	if c.Registry.Keytab == "" {
		return fmt.Errorf("registry.keytab is required")
	}
	if c.Registry.Principal == "" {
		return fmt.Errorf("registry.principal is required")
	}

	validLevels := map[logger.LogLevel]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	if c.Log.Format != "" && c.Log.Format != logger.FormatJSON && c.Log.Format != logger.FormatText {
		return fmt.Errorf("invalid log.format: %s (must be json or text)", c.Log.Format)
	}

	if c.Service.ShutdownTimeout > 0 && c.Service.ShutdownTimeout < time.Second {
		return fmt.Errorf("service.shutdown_timeout must be at least 1 second")
	}
	if c.Registry.ConnectRetries < 0 {
		return fmt.Errorf("registry.connect_retries must not be negative")
	}

	c.setDefaults()

	return nil
}

// setDefaults sets default values for configuration fields that are not set
func (c *Config) setDefaults() {
	if c.Service.ShutdownTimeout <= 0 {
		c.Service.ShutdownTimeout = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":9090"
	}

	if c.DB.Path == "" {
		c.DB.Path = "./data/ipabridge.db"
	}
	if c.DB.MaxOpenConns <= 0 {
		c.DB.MaxOpenConns = 25
	}
	if c.DB.MaxIdleConns <= 0 {
		c.DB.MaxIdleConns = 5
	}
	if c.DB.ConnMaxLifetime <= 0 {
		c.DB.ConnMaxLifetime = 300
	}

	if c.Log.Level == "" {
		c.Log.Level = logger.LevelInfo
	}
	if c.Log.Format == "" {
		c.Log.Format = logger.FormatJSON
	}

	if c.Registry.ConnectRetries == 0 {
		c.Registry.ConnectRetries = 2
	}
	if c.Registry.Backoff <= 0 {
		c.Registry.Backoff = 2 * time.Second
	}
	if c.Registry.RequestTimeout <= 0 {
		c.Registry.RequestTimeout = 30 * time.Second
	}
	if c.Registry.Krb5Conf == "" {
		c.Registry.Krb5Conf = "/etc/krb5.conf"
	}

	if c.Images.Retries < 0 {
		c.Images.Retries = 0
	}
	if c.Images.RequestTimeout <= 0 {
		c.Images.RequestTimeout = 10 * time.Second
	}
}
