package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ipsix/fleetaudit/internal/inventory"
)

const (
	DefaultConfigPath = "configs/config.yaml"
	EnvPrefix         = "FLEETAUDIT"
)

type Config struct {
	Daemon      DaemonConfig      `mapstructure:"daemon" json:"daemon"`
	Storage     StorageConfig     `mapstructure:"storage" json:"storage"`
	Redis       RedisConfig       `mapstructure:"redis" json:"redis"`
	Satellite   SatelliteConfig   `mapstructure:"satellite" json:"satellite"`
	Sources     []SourceConfig    `mapstructure:"sources" json:"sources"`
	Jobs        []JobConfig       `mapstructure:"jobs" json:"jobs"`
	Fingerprint FingerprintConfig `mapstructure:"fingerprint" json:"fingerprint"`
	Publish     PublishConfig     `mapstructure:"publish" json:"publish"`
	Inbox       InboxConfig       `mapstructure:"inbox" json:"inbox"`
}

type DaemonConfig struct {
	LogLevel        string `mapstructure:"log_level" json:"log_level"`
	LogFormat       string `mapstructure:"log_format" json:"log_format"`
	LogFile         string `mapstructure:"log_file" json:"log_file"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

type StorageConfig struct {
	Driver              string `mapstructure:"driver" json:"driver"`
	DBPath              string `mapstructure:"db_path" json:"db_path"`
	DSN                 string `mapstructure:"dsn" json:"dsn"`
	EncryptionKeyBase64 string `mapstructure:"encryption_key_base64" json:"encryption_key_base64"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"password"`
	DB       int    `mapstructure:"db" json:"db"`
	LeaseTTL string `mapstructure:"lease_ttl" json:"lease_ttl"`
}

type SatelliteConfig struct {
	Timeout           string  `mapstructure:"timeout" json:"timeout"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`
}

type SourceConfig struct {
	ID               string   `mapstructure:"id" json:"id"`
	Name             string   `mapstructure:"name" json:"name"`
	Type             string   `mapstructure:"type" json:"type"`
	Hosts            []string `mapstructure:"hosts" json:"hosts"`
	Port             int      `mapstructure:"port" json:"port"`
	Username         string   `mapstructure:"username" json:"username"`
	Password         string   `mapstructure:"password" json:"password"`
	SatelliteVersion string   `mapstructure:"satellite_version" json:"satellite_version"`
	SSLCertVerify    *bool    `mapstructure:"ssl_cert_verify" json:"ssl_cert_verify,omitempty"`
}

type JobConfig struct {
	Name         string   `mapstructure:"name" json:"name"`
	Enabled      bool     `mapstructure:"enabled" json:"enabled"`
	Schedule     string   `mapstructure:"schedule" json:"schedule"`
	Sources      []string `mapstructure:"sources" json:"sources"`
	Timeout      string   `mapstructure:"timeout" json:"timeout"`
	Workers      int      `mapstructure:"workers" json:"workers"`
	AllowOverlap bool     `mapstructure:"allow_overlap" json:"allow_overlap"`
	RunOnStart   bool     `mapstructure:"run_on_start" json:"run_on_start"`
}

type FingerprintConfig struct {
	Workers int `mapstructure:"workers" json:"workers"`
}

type PublishConfig struct {
	DedupWindow string          `mapstructure:"dedup_window" json:"dedup_window"`
	Channels    []ChannelConfig `mapstructure:"channels" json:"channels"`
}

type ChannelConfig struct {
	Type    string `mapstructure:"type" json:"type"`
	Enabled bool   `mapstructure:"enabled" json:"enabled"`

	URL     string `mapstructure:"url" json:"url"`
	Timeout string `mapstructure:"timeout" json:"timeout"`

	ProjectID string `mapstructure:"project_id" json:"project_id"`
	TopicID   string `mapstructure:"topic_id" json:"topic_id"`
}

type InboxConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Dir     string `mapstructure:"dir" json:"dir"`
}

// Keys that may be overridden from the environment, e.g. FLEETAUDIT_STORAGE_DSN.
var envKeys = []string{
	"daemon.log_level",
	"daemon.log_format",
	"daemon.log_file",
	"daemon.shutdown_timeout",
	"storage.driver",
	"storage.db_path",
	"storage.dsn",
	"storage.encryption_key_base64",
	"redis.enabled",
	"redis.addr",
	"redis.password",
	"redis.db",
	"satellite.timeout",
	"satellite.requests_per_second",
	"fingerprint.workers",
	"inbox.enabled",
	"inbox.dir",
}

func Default() Config {
	return Config{
		Daemon: DaemonConfig{
			LogLevel:        "info",
			LogFormat:       "json",
			ShutdownTimeout: "10s",
		},
		Storage: StorageConfig{
			Driver: "badger",
			DBPath: "/var/lib/fleetaudit/badger",
		},
		Redis: RedisConfig{
			Addr:     "127.0.0.1:6379",
			LeaseTTL: "10m",
		},
		Satellite: SatelliteConfig{
			Timeout:           "30s",
			RequestsPerSecond: 10,
		},
		Sources: []SourceConfig{},
		Jobs:    []JobConfig{},
		Fingerprint: FingerprintConfig{
			Workers: 4,
		},
		Publish: PublishConfig{
			DedupWindow: "5m",
			Channels: []ChannelConfig{
				{Type: "log", Enabled: true},
			},
		},
		Inbox: InboxConfig{
			Dir: "/var/lib/fleetaudit/inbox",
		},
	}
}

// Load reads a JSON or YAML file over the defaults, applies FLEETAUDIT_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if v.IsSet("publish.channels") {
		cfg.Publish.Channels = nil
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Daemon.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "daemon.log_level must be one of: debug, info, warn, error")
	}

	switch strings.ToLower(c.Daemon.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, "daemon.log_format must be one of: json, text")
	}

	if c.Daemon.ShutdownTimeout != "" {
		if _, err := time.ParseDuration(c.Daemon.ShutdownTimeout); err != nil {
			errs = append(errs, "daemon.shutdown_timeout must be a valid duration (e.g. 10s)")
		}
	}
	if c.Daemon.LogFile != "" && !filepath.IsAbs(c.Daemon.LogFile) {
		errs = append(errs, "daemon.log_file must be an absolute path if set")
	}

	switch c.Storage.Driver {
	case "badger":
		if c.Storage.DBPath == "" {
			errs = append(errs, "storage.db_path is required for the badger driver")
		} else if !filepath.IsAbs(c.Storage.DBPath) {
			errs = append(errs, "storage.db_path must be an absolute path")
		}
	case "sqlite":
		if c.Storage.DBPath == "" {
			errs = append(errs, "storage.db_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		errs = append(errs, "storage.driver must be one of: badger, sqlite, postgres, memory")
	}
	if c.Storage.EncryptionKeyBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(c.Storage.EncryptionKeyBase64)
		if err != nil {
			errs = append(errs, "storage.encryption_key_base64 must be valid base64")
		} else if len(decoded) != 32 {
			errs = append(errs, "storage.encryption_key_base64 must decode to 32 bytes")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when enabled")
	}
	if c.Redis.LeaseTTL != "" {
		if d, err := time.ParseDuration(c.Redis.LeaseTTL); err != nil || d <= 0 {
			errs = append(errs, "redis.lease_ttl must be a positive duration")
		}
	}

	if c.Satellite.Timeout != "" {
		if _, err := time.ParseDuration(c.Satellite.Timeout); err != nil {
			errs = append(errs, "satellite.timeout must be a valid duration")
		}
	}
	if c.Satellite.RequestsPerSecond < 0 {
		errs = append(errs, "satellite.requests_per_second must be >= 0")
	}

	sourceIDs := map[string]bool{}
	for i, src := range c.Sources {
		if src.ID == "" {
			errs = append(errs, fmt.Sprintf("sources[%d].id is required", i))
		} else if sourceIDs[src.ID] {
			errs = append(errs, fmt.Sprintf("sources[%d].id %q is duplicated", i, src.ID))
		}
		sourceIDs[src.ID] = true
		switch inventory.SourceType(src.Type) {
		case inventory.SourceNetwork, inventory.SourceVCenter, inventory.SourceSatellite:
		default:
			errs = append(errs, fmt.Sprintf("sources[%d].type must be one of: network, vcenter, satellite", i))
		}
		if len(src.Hosts) == 0 {
			errs = append(errs, fmt.Sprintf("sources[%d].hosts must include at least one host", i))
		}
		if src.Port < 0 || src.Port > 65535 {
			errs = append(errs, fmt.Sprintf("sources[%d].port must be between 0 and 65535", i))
		}
	}

	jobNames := map[string]bool{}
	for i, job := range c.Jobs {
		if job.Name == "" {
			errs = append(errs, fmt.Sprintf("jobs[%d].name is required", i))
		} else if jobNames[job.Name] {
			errs = append(errs, fmt.Sprintf("jobs[%d].name %q is duplicated", i, job.Name))
		}
		jobNames[job.Name] = true
		if job.Enabled && job.Schedule == "" {
			errs = append(errs, fmt.Sprintf("jobs[%d].schedule is required when enabled", i))
		}
		if len(job.Sources) == 0 {
			errs = append(errs, fmt.Sprintf("jobs[%d].sources must include at least one source", i))
		}
		for _, id := range job.Sources {
			if !sourceIDs[id] {
				errs = append(errs, fmt.Sprintf("jobs[%d].sources references unknown source %q", i, id))
			}
		}
		if job.Timeout != "" {
			if _, err := time.ParseDuration(job.Timeout); err != nil {
				errs = append(errs, fmt.Sprintf("jobs[%d].timeout must be a valid duration", i))
			}
		}
		if job.Workers < 0 {
			errs = append(errs, fmt.Sprintf("jobs[%d].workers must be >= 0", i))
		}
	}

	if c.Fingerprint.Workers < 1 {
		errs = append(errs, "fingerprint.workers must be >= 1")
	}

	if c.Publish.DedupWindow != "" {
		if _, err := time.ParseDuration(c.Publish.DedupWindow); err != nil {
			errs = append(errs, "publish.dedup_window must be a valid duration")
		}
	}
	for i, ch := range c.Publish.Channels {
		switch ch.Type {
		case "log":
		case "webhook":
			if ch.Enabled && ch.URL == "" {
				errs = append(errs, fmt.Sprintf("publish.channels[%d].url is required for webhook", i))
			}
		case "pubsub":
			if ch.Enabled && (ch.ProjectID == "" || ch.TopicID == "") {
				errs = append(errs, fmt.Sprintf("publish.channels[%d].project_id and topic_id are required for pubsub", i))
			}
		case "":
			errs = append(errs, fmt.Sprintf("publish.channels[%d].type is required", i))
		default:
			errs = append(errs, fmt.Sprintf("publish.channels[%d].type %q is unknown", i, ch.Type))
		}
		if ch.Timeout != "" {
			if _, err := time.ParseDuration(ch.Timeout); err != nil {
				errs = append(errs, fmt.Sprintf("publish.channels[%d].timeout must be a valid duration", i))
			}
		}
	}

	if c.Inbox.Enabled && c.Inbox.Dir == "" {
		errs = append(errs, "inbox.dir is required when enabled")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c Config) Redacted() Config {
	clone := c
	if clone.Storage.DSN != "" {
		clone.Storage.DSN = "REDACTED"
	}
	if clone.Storage.EncryptionKeyBase64 != "" {
		clone.Storage.EncryptionKeyBase64 = "REDACTED"
	}
	if clone.Redis.Password != "" {
		clone.Redis.Password = "REDACTED"
	}
	if c.Sources != nil {
		clone.Sources = make([]SourceConfig, len(c.Sources))
		for i, src := range c.Sources {
			if src.Password != "" {
				src.Password = "REDACTED"
			}
			clone.Sources[i] = src
		}
	}
	return clone
}

// Inventory converts the configured sources into a registry.
func (c Config) Inventory() (*inventory.Registry, error) {
	sources := make([]inventory.Source, 0, len(c.Sources))
	for _, src := range c.Sources {
		sources = append(sources, src.Source())
	}
	return inventory.NewRegistry(sources...)
}

func (s SourceConfig) Source() inventory.Source {
	src := inventory.Source{
		ID:         s.ID,
		Name:       s.Name,
		Type:       inventory.SourceType(s.Type),
		Hosts:      append([]string(nil), s.Hosts...),
		Port:       s.Port,
		Credential: inventory.Credential{Username: s.Username, Password: s.Password},
	}
	if s.SatelliteVersion != "" || s.SSLCertVerify != nil {
		src.Options = &inventory.SourceOptions{
			SatelliteVersion: s.SatelliteVersion,
			SSLCertVerify:    s.SSLCertVerify,
		}
	}
	return src
}

func (d DaemonConfig) ShutdownTimeoutDuration() time.Duration {
	return parseDuration(d.ShutdownTimeout, 10*time.Second)
}

func (r RedisConfig) LeaseTTLDuration() time.Duration {
	return parseDuration(r.LeaseTTL, 10*time.Minute)
}

func (s SatelliteConfig) TimeoutDuration() time.Duration {
	return parseDuration(s.Timeout, 0)
}

func (j JobConfig) TimeoutDuration() time.Duration {
	return parseDuration(j.Timeout, 0)
}

func (p PublishConfig) DedupWindowDuration() time.Duration {
	return parseDuration(p.DedupWindow, 0)
}

func (c ChannelConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 10*time.Second)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
