// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	rkp "github.com/remote-provisioning/go-rkp"
	"github.com/spf13/viper"
)

// Config is the daemon configuration, read from rkpd.yaml and overridable
// through RKPD_* environment variables.
type Config struct {
	ServerURL   string `mapstructure:"server_url"`
	Fingerprint string `mapstructure:"fingerprint"`
	Database    string `mapstructure:"database"`
	Component   string `mapstructure:"component"`

	// ExtraKeys and ExpiringByHours seed the refresh policy; the server may
	// override both through its device config.
	ExtraKeys       int `mapstructure:"extra_keys"`
	ExpiringByHours int `mapstructure:"expiring_by_hours"`
	TimeoutSeconds  int `mapstructure:"timeout_seconds"`

	// HardwareVersion selects the certificate request layout of the
	// software minter.
	HardwareVersion int `mapstructure:"hardware_version"`

	// RefreshOnly marks the component as having no local fallback key.
	RefreshOnly bool `mapstructure:"refresh_only"`
}

func loadConfig() (Config, error) {
	_ = godotenv.Load()

	viper.SetConfigName("rkpd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/rkpd")
	viper.SetEnvPrefix("rkpd")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("database", "rkpd.db")
	viper.SetDefault("component", "default")
	viper.SetDefault("extra_keys", rkp.DefaultExtraSignedKeysAvailable)
	viper.SetDefault("expiring_by_hours", int(rkp.DefaultExpiringBy/time.Hour))
	viper.SetDefault("timeout_seconds", int(rkp.DefaultRequestTimeout/time.Second))
	viper.SetDefault("hardware_version", 2)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if config.ServerURL == "" {
		return Config{}, fmt.Errorf("server_url is required")
	}
	if config.Fingerprint == "" {
		return Config{}, fmt.Errorf("fingerprint is required")
	}
	return config, nil
}

// settings builds protocol settings from the configuration.
func (c Config) settings() *rkp.Settings {
	settings := rkp.NewSettings(c.ServerURL, c.Fingerprint)
	settings.SetExtraSignedKeysAvailable(c.ExtraKeys)
	settings.SetRequestTimeout(time.Duration(c.TimeoutSeconds) * time.Second)
	settings.ApplyServerConfig(-1, time.Duration(c.ExpiringByHours)*time.Hour, "")
	return settings
}
