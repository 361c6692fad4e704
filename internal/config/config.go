// Copyright 2025, 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissing is returned when a required setting is absent. It is fatal at
// startup.
var ErrMissing = errors.New("required configuration missing")

const envPrefix = "KAFSCALE_PORTAL_"

const (
	SchemaSourceS3  = "s3"
	SchemaSourceDir = "dir"
)

// Config defines the portal configuration schema.
type Config struct {
	Kafka    KafkaConfig    `yaml:"kafka"`
	Etcd     EtcdConfig     `yaml:"etcd"`
	S3       S3Config       `yaml:"s3"`
	Schema   SchemaConfig   `yaml:"schema"`
	Models   ModelsConfig   `yaml:"models"`
	HTTP     HTTPConfig     `yaml:"http"`
	Instance InstanceConfig `yaml:"instance"`
}

type KafkaConfig struct {
	BootstrapServers     []string `yaml:"bootstrap_servers"`
	ClientID             string   `yaml:"client_id"`
	ReaderID             string   `yaml:"reader_id"`
	ConnectionTTLSeconds int      `yaml:"connection_ttl_seconds"`
	DialTimeoutSeconds   int      `yaml:"dial_timeout_seconds"`
	DrainTimeoutSeconds  int      `yaml:"drain_timeout_seconds"`
	ProducerPoolSize     int      `yaml:"producer_pool_size"`
}

type EtcdConfig struct {
	Endpoints       []string `yaml:"endpoints"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	KeyPrefix       string   `yaml:"key_prefix"`
	LeaseTTLSeconds int      `yaml:"lease_ttl_seconds"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type SchemaConfig struct {
	// Source is "s3" or "dir".
	Source              string `yaml:"source"`
	Dir                 string `yaml:"dir"`
	CacheTTLSeconds     int    `yaml:"cache_ttl_seconds"`
	FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds"`
}

type ModelsConfig struct {
	Prefix string `yaml:"prefix"`
}

type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	DefaultCount   int      `yaml:"default_count"`
	MaxCount       int      `yaml:"max_count"`
}

type InstanceConfig struct {
	ID        string `yaml:"id"`
	Advertise string `yaml:"advertise"`
}

func (k KafkaConfig) ConnectionTTL() time.Duration {
	return time.Duration(k.ConnectionTTLSeconds) * time.Second
}

func (k KafkaConfig) DialTimeout() time.Duration {
	return time.Duration(k.DialTimeoutSeconds) * time.Second
}

func (k KafkaConfig) DrainTimeout() time.Duration {
	return time.Duration(k.DrainTimeoutSeconds) * time.Second
}

func (s SchemaConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

func (s SchemaConfig) FetchTimeout() time.Duration {
	return time.Duration(s.FetchTimeoutSeconds) * time.Second
}

// Load reads the YAML file at path, applies KAFSCALE_PORTAL_* overrides and
// defaults, and validates the result. A missing file is not an error on its
// own; the environment may carry the whole configuration.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c Config) Validate() error {
	if len(c.Kafka.BootstrapServers) == 0 {
		return fmt.Errorf("%w: kafka.bootstrap_servers", ErrMissing)
	}
	if len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("%w: etcd.endpoints", ErrMissing)
	}
	switch c.Schema.Source {
	case SchemaSourceS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("%w: s3.bucket is required for schema.source=s3", ErrMissing)
		}
		if c.S3.Region == "" {
			return fmt.Errorf("%w: s3.region is required for schema.source=s3", ErrMissing)
		}
	case SchemaSourceDir:
		if c.Schema.Dir == "" {
			return fmt.Errorf("%w: schema.dir is required for schema.source=dir", ErrMissing)
		}
	default:
		return fmt.Errorf("schema.source %q is not supported", c.Schema.Source)
	}
	if c.HTTP.DefaultCount > c.HTTP.MaxCount {
		return fmt.Errorf("http.default_count %d exceeds http.max_count %d", c.HTTP.DefaultCount, c.HTTP.MaxCount)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "kafscale-portal"
	}
	if cfg.Kafka.ReaderID == "" {
		cfg.Kafka.ReaderID = "kafscale-portal-reader"
	}
	if cfg.Kafka.ConnectionTTLSeconds <= 0 {
		cfg.Kafka.ConnectionTTLSeconds = 300
	}
	if cfg.Kafka.DialTimeoutSeconds <= 0 {
		cfg.Kafka.DialTimeoutSeconds = 10
	}
	if cfg.Kafka.DrainTimeoutSeconds <= 0 {
		cfg.Kafka.DrainTimeoutSeconds = 10
	}
	if cfg.Kafka.ProducerPoolSize <= 0 {
		cfg.Kafka.ProducerPoolSize = 4
	}
	if cfg.Etcd.KeyPrefix == "" {
		cfg.Etcd.KeyPrefix = "portal"
	}
	if cfg.Etcd.LeaseTTLSeconds <= 0 {
		cfg.Etcd.LeaseTTLSeconds = 15
	}
	if cfg.Schema.Source == "" {
		cfg.Schema.Source = SchemaSourceS3
	}
	cfg.Schema.Source = strings.ToLower(cfg.Schema.Source)
	if cfg.Schema.FetchTimeoutSeconds <= 0 {
		cfg.Schema.FetchTimeoutSeconds = 10
	}
	if cfg.Models.Prefix == "" {
		cfg.Models.Prefix = "models/"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.DefaultCount <= 0 {
		cfg.HTTP.DefaultCount = 10
	}
	if cfg.HTTP.MaxCount <= 0 {
		cfg.HTTP.MaxCount = 1000
	}
	if cfg.Instance.ID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Instance.ID = host
		}
	}
}

func applyEnv(cfg *Config) {
	setList(&cfg.Kafka.BootstrapServers, "KAFKA_BOOTSTRAP_SERVERS")
	setString(&cfg.Kafka.ClientID, "KAFKA_CLIENT_ID")
	setString(&cfg.Kafka.ReaderID, "KAFKA_READER_ID")
	setInt(&cfg.Kafka.ConnectionTTLSeconds, "KAFKA_CONNECTION_TTL_SECONDS")
	setInt(&cfg.Kafka.DialTimeoutSeconds, "KAFKA_DIAL_TIMEOUT_SECONDS")
	setInt(&cfg.Kafka.DrainTimeoutSeconds, "KAFKA_DRAIN_TIMEOUT_SECONDS")
	setInt(&cfg.Kafka.ProducerPoolSize, "KAFKA_PRODUCER_POOL_SIZE")

	setList(&cfg.Etcd.Endpoints, "ETCD_ENDPOINTS")
	setString(&cfg.Etcd.Username, "ETCD_USERNAME")
	setString(&cfg.Etcd.Password, "ETCD_PASSWORD")
	setString(&cfg.Etcd.KeyPrefix, "ETCD_KEY_PREFIX")

	setString(&cfg.S3.Bucket, "S3_BUCKET")
	setString(&cfg.S3.Region, "S3_REGION")
	setString(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setBool(&cfg.S3.PathStyle, "S3_PATH_STYLE")
	setString(&cfg.S3.AccessKeyID, "S3_ACCESS_KEY_ID")
	setString(&cfg.S3.SecretAccessKey, "S3_SECRET_ACCESS_KEY")

	setString(&cfg.Schema.Source, "SCHEMA_SOURCE")
	setString(&cfg.Schema.Dir, "SCHEMA_DIR")
	setInt(&cfg.Schema.CacheTTLSeconds, "SCHEMA_CACHE_TTL_SECONDS")
	setInt(&cfg.Schema.FetchTimeoutSeconds, "SCHEMA_FETCH_TIMEOUT_SECONDS")

	setString(&cfg.HTTP.Addr, "HTTP_ADDR")
	setList(&cfg.HTTP.AllowedOrigins, "HTTP_ALLOWED_ORIGINS")
	setInt(&cfg.HTTP.DefaultCount, "HTTP_DEFAULT_COUNT")
	setInt(&cfg.HTTP.MaxCount, "HTTP_MAX_COUNT")
	setString(&cfg.Instance.ID, "INSTANCE_ID")
	setString(&cfg.Instance.Advertise, "INSTANCE_ADVERTISE")
}

func lookup(name string) (string, bool) {
	val := strings.TrimSpace(os.Getenv(envPrefix + name))
	return val, val != ""
}

func setString(dst *string, name string) {
	if val, ok := lookup(name); ok {
		*dst = val
	}
}

func setList(dst *[]string, name string) {
	val, ok := lookup(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setInt(dst *int, name string) {
	if val, ok := lookup(name); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, name string) {
	val, ok := lookup(name)
	if !ok {
		return
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}
