// Copyright 2024 The fuse-adapter Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfg defines the adapter's YAML configuration surface and its
// flag bindings, validation and defaults.
package cfg

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	// Foreground keeps the process attached to the terminal instead of
	// daemonizing.
	Foreground bool `yaml:"foreground" mapstructure:"foreground"`

	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// The mounts to run. One process supervises them all.
	Mounts []MountConfig `yaml:"mounts" mapstructure:"mounts"`
}

type LoggingConfig struct {
	Severity string `yaml:"severity" mapstructure:"severity"`
	Format   string `yaml:"format" mapstructure:"format"`

	// FilePath routes logs to a rotating file instead of stderr.
	FilePath string `yaml:"file-path" mapstructure:"file-path"`

	Rotate LogRotateConfig `yaml:"rotate" mapstructure:"rotate"`
}

type LogRotateConfig struct {
	MaxSizeMB  int  `yaml:"max-size-mb" mapstructure:"max-size-mb"`
	MaxBackups int  `yaml:"max-backups" mapstructure:"max-backups"`
	MaxAgeDays int  `yaml:"max-age-days" mapstructure:"max-age-days"`
	Compress   bool `yaml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	// Port serves Prometheus metrics on /metrics when non-zero.
	Port int `yaml:"port" mapstructure:"port"`
}

type MountConfig struct {
	// Name identifies the mount in logs and metrics. Defaults to the last
	// path component of Path.
	Name string `yaml:"name" mapstructure:"name"`

	// Path is the local mount point.
	Path string `yaml:"path" mapstructure:"path"`

	ReadOnly bool `yaml:"read-only" mapstructure:"read-only"`

	// Uid/Gid override the owner reported for all inodes. Nil means the
	// adapter process's own IDs.
	Uid *int64 `yaml:"uid" mapstructure:"uid"`
	Gid *int64 `yaml:"gid" mapstructure:"gid"`

	FileMode Octal `yaml:"file-mode" mapstructure:"file-mode"`
	DirMode  Octal `yaml:"dir-mode" mapstructure:"dir-mode"`

	Connector ConnectorConfig `yaml:"connector" mapstructure:"connector"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	RateLimit RateLimitConfig `yaml:"rate-limit" mapstructure:"rate-limit"`
}

type ConnectorConfig struct {
	// Kind selects the backend: "memory", "gcs" or "s3".
	Kind string `yaml:"kind" mapstructure:"kind"`

	// OpTimeout bounds each backend operation. Zero means no deadline.
	OpTimeout time.Duration `yaml:"op-timeout" mapstructure:"op-timeout"`

	GCS GCSConfig `yaml:"gcs" mapstructure:"gcs"`
	S3  S3Config  `yaml:"s3" mapstructure:"s3"`
}

type GCSConfig struct {
	Bucket string `yaml:"bucket" mapstructure:"bucket"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`

	// Endpoint overrides the storage endpoint, for emulators and fakes.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`

	// KeyFile points at a service account key. Empty means application
	// default credentials.
	KeyFile string `yaml:"key-file" mapstructure:"key-file"`
}

type S3Config struct {
	Bucket string `yaml:"bucket" mapstructure:"bucket"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
	Region string `yaml:"region" mapstructure:"region"`

	// Endpoint overrides the S3 endpoint, for S3-compatible stores.
	Endpoint       string `yaml:"endpoint" mapstructure:"endpoint"`
	ForcePathStyle bool   `yaml:"force-path-style" mapstructure:"force-path-style"`
}

type CacheConfig struct {
	// Kind selects the content layer: "none", "memory" or "filesystem".
	Kind string `yaml:"kind" mapstructure:"kind"`

	// Path is the staging directory; required for kind "filesystem".
	Path string `yaml:"path" mapstructure:"path"`

	MaxSize    ByteSize `yaml:"max-size" mapstructure:"max-size"`
	MaxEntries int      `yaml:"max-entries" mapstructure:"max-entries"`

	FlushInterval time.Duration `yaml:"flush-interval" mapstructure:"flush-interval"`
	MetadataTTL   time.Duration `yaml:"metadata-ttl" mapstructure:"metadata-ttl"`
}

type RateLimitConfig struct {
	// OpsPerSec bounds backend operations per second. Zero disables
	// throttling.
	OpsPerSec float64 `yaml:"ops-per-sec" mapstructure:"ops-per-sec"`
	Burst     uint64  `yaml:"burst" mapstructure:"burst"`
}

// BindFlags declares the flags that may override file-level settings.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.Bool("foreground", false, "Stay in the foreground instead of daemonizing.")
	if err := viper.BindPFlag("foreground", flagSet.Lookup("foreground")); err != nil {
		return err
	}

	flagSet.String("log-severity", "", "Log severity: TRACE, DEBUG, INFO, WARNING, ERROR or OFF.")
	if err := viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.String("log-file", "", "Route logs to the given file with rotation.")
	if err := viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.String("log-format", "", "Log format: text or json.")
	return viper.BindPFlag("logging.format", flagSet.Lookup("log-format"))
}

// Load reads the config file at path and unmarshals it with the decode
// hooks the custom types need.
func Load(path string) (*Config, error) {
	v := viper.GetViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	ApplyDefaults(&c)
	if err := Validate(&c); err != nil {
		return nil, err
	}

	return &c, nil
}

// DecodeHook composes the hooks needed to decode durations, byte sizes
// and octal modes from their string forms.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}
