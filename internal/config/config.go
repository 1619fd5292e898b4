// Package config loads service settings from an optional YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/Meridian-dev/m365-vault-infra/internal/collector"
)

// TenantSeed is one tenant declared in the config file. Seeds are imported
// into the registry at startup; the registry stays authoritative afterwards.
type TenantSeed struct {
	Name         string `mapstructure:"name" yaml:"name"`
	TenantID     string `mapstructure:"tenant_id" yaml:"tenant_id"`
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
}

// Config is the full service configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// DataDir holds the sqlite database.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// NATSURL enables the event feeds when set. Empty disables NATS.
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url"`
	// APIJWTSecret signs API tokens. Required.
	APIJWTSecret string `mapstructure:"api_jwt_secret" yaml:"api_jwt_secret"`

	// MailsPerUser caps messages collected per mailbox. Zero is unbounded.
	MailsPerUser int `mapstructure:"mails_per_user" yaml:"mails_per_user"`
	// DownloadAttachments enables the per-message attachment fetch.
	DownloadAttachments bool `mapstructure:"download_attachments" yaml:"download_attachments"`
	// BackupInterval drives the scheduler. Zero disables scheduled runs.
	BackupInterval time.Duration `mapstructure:"backup_interval" yaml:"backup_interval"`

	Tenants []TenantSeed `mapstructure:"tenants" yaml:"tenants"`
}

// CollectorOptions shapes the collection knobs into the collector's form.
func (c *Config) CollectorOptions(label string) collector.Options {
	return collector.Options{
		MailsPerUser:        c.MailsPerUser,
		DownloadAttachments: c.DownloadAttachments,
		Label:               label,
	}
}

// Load reads configuration from path (optional) and the environment.
// Environment variables win over the file.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("mails_per_user", 100)
	v.SetDefault("backup_interval", "0s")

	for key, env := range map[string]string{
		"listen_addr":          "LISTEN_ADDR",
		"data_dir":             "DATA_DIR",
		"nats_url":             "NATS_URL",
		"api_jwt_secret":       "API_JWT_SECRET",
		"mails_per_user":       "MAILS_PER_USER",
		"download_attachments": "DOWNLOAD_ATTACHMENTS",
		"backup_interval":      "BACKUP_INTERVAL",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if _, isPathErr := err.(*os.PathError); !isPathErr && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.APIJWTSecret == "" {
		return nil, errors.New("api_jwt_secret is required (API_JWT_SECRET)")
	}
	return cfg, nil
}
