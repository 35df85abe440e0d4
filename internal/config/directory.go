package config

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/creasty/defaults"

	ldapclient "github.com/isometry/ldap-authn/internal/ldap"
)

// DirectoryConfig holds the connection pool settings read from the same property source.
type DirectoryConfig struct {
	URLs    []string      `mapstructure:"ldap.url"`
	Domain  string        `mapstructure:"ldap.domain"`
	Timeout time.Duration `mapstructure:"ldap.timeout" default:"30s"`

	StartTLS           bool `mapstructure:"ldap.tls.startTLS" default:"true"`
	SkipTLS            bool `mapstructure:"ldap.tls.skip"`
	InsecureSkipVerify bool `mapstructure:"ldap.tls.insecureSkipVerify"`

	MaxConnections int           `mapstructure:"ldap.pool.maxConnections" default:"10"`
	MaxIdleTime    time.Duration `mapstructure:"ldap.pool.maxIdleTime" default:"5m"`
	HealthCheck    time.Duration `mapstructure:"ldap.pool.healthCheck" default:"30s"`
	MaxRetries     int           `mapstructure:"ldap.pool.maxRetries" default:"3"`
}

// LoadDirectory decodes the pool settings from props.
func LoadDirectory(props map[string]any) (*DirectoryConfig, error) {
	cfg := &DirectoryConfig{}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}

	if err := decode(props, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode directory config: %w", err)
	}

	if len(cfg.URLs) == 0 && cfg.Domain == "" {
		return nil, fmt.Errorf("invalid directory config: ldap.url or ldap.domain is required")
	}

	return cfg, nil
}

// ConnectionConfig maps the settings onto the pool configuration.
func (c *DirectoryConfig) ConnectionConfig() *ldapclient.ConnectionConfig {
	conn := ldapclient.DefaultConfig()

	conn.LDAPURLs = c.URLs
	conn.Domain = c.Domain
	conn.Timeout = c.Timeout
	conn.UseTLS = c.StartTLS
	conn.SkipTLS = c.SkipTLS
	conn.MaxConnections = c.MaxConnections
	conn.MaxIdleTime = c.MaxIdleTime
	conn.HealthCheck = c.HealthCheck
	conn.MaxRetries = c.MaxRetries
	conn.TLSConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // opt-in for lab directories
	}

	return conn
}
