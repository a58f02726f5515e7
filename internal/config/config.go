package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "TECHQUIRY_"

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const (
	ScriptsEmbedded = "embedded"
	ScriptsDir      = "dir"
	ScriptsS3       = "s3"
)

// EmbeddedScriptsDriver is the driver the embedded schema and scripts are
// written for. Other drivers bring their own script root.
const EmbeddedScriptsDriver = "sqlite"

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Database      DatabaseConfig
	Scripts       ScriptsConfig
	ObjectStore   ObjectStoreConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	// AcquireTimeout bounds the wait for a pooled connection; zero waits as
	// long as the caller's context allows.
	AcquireTimeout time.Duration
	// Setup applies schema.sql from the configured script source at startup.
	Setup bool
}

type ScriptsConfig struct {
	Source    string
	Dir       string
	CacheTTL  time.Duration
	CacheSize int
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup(envPrefix + "PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid %sPROFILE: %q", envPrefix, profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	err := errors.Join(
		applyString(lookup, "SERVICE_NAME", &cfg.Service.Name),
		applyString(lookup, "HTTP_ADDR", &cfg.HTTP.Address),
		applyDuration(lookup, "HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout),
		applyDuration(lookup, "HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout),
		applyDuration(lookup, "HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout),

		applyString(lookup, "DATABASE_DRIVER", &cfg.Database.Driver),
		applyString(lookup, "DATABASE_DSN", &cfg.Database.DSN),
		applyInt(lookup, "DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns),
		applyInt(lookup, "DATABASE_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns),
		applyDuration(lookup, "DATABASE_CONN_MAX_IDLE_TIME", &cfg.Database.ConnMaxIdleTime),
		applyDuration(lookup, "DATABASE_CONN_MAX_LIFETIME", &cfg.Database.ConnMaxLifetime),
		applyDuration(lookup, "DATABASE_ACQUIRE_TIMEOUT", &cfg.Database.AcquireTimeout),
		applyBool(lookup, "DATABASE_SETUP", &cfg.Database.Setup),

		applyString(lookup, "SCRIPTS_SOURCE", &cfg.Scripts.Source),
		applyString(lookup, "SCRIPTS_DIR", &cfg.Scripts.Dir),
		applyDuration(lookup, "SCRIPTS_CACHE_TTL", &cfg.Scripts.CacheTTL),
		applyInt(lookup, "SCRIPTS_CACHE_SIZE", &cfg.Scripts.CacheSize),

		applyString(lookup, "OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint),
		applyString(lookup, "OBJECTSTORE_REGION", &cfg.ObjectStore.Region),
		applyString(lookup, "OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket),
		applyString(lookup, "OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID),
		applyString(lookup, "OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey),
		applyBool(lookup, "OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL),
		applyString(lookup, "OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix),
		applyBool(lookup, "OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket),

		applyBool(lookup, "LOG_JSON", &cfg.Observability.LogJSON),
		applyLogLevel(lookup, "LOG_LEVEL", &cfg.Observability.LogLevel),
	)
	if err != nil {
		return Config{}, err
	}

	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)
	cfg.Scripts.Source = strings.ToLower(cfg.Scripts.Source)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	switch c.Database.Driver {
	case "sqlite", "pgx", "duckdb":
	default:
		return fmt.Errorf("invalid %sDATABASE_DRIVER: %q", envPrefix, c.Database.Driver)
	}
	if c.Database.DSN == "" && c.Database.Driver != "duckdb" {
		return fmt.Errorf("database dsn is required")
	}
	if c.Database.AcquireTimeout < 0 {
		return fmt.Errorf("invalid %sDATABASE_ACQUIRE_TIMEOUT: must not be negative", envPrefix)
	}
	switch c.Scripts.Source {
	case ScriptsEmbedded:
	case ScriptsDir:
		if c.Scripts.Dir == "" {
			return fmt.Errorf("%sSCRIPTS_DIR is required for the dir script source", envPrefix)
		}
	case ScriptsS3:
		if c.ObjectStore.Bucket == "" {
			return fmt.Errorf("object store bucket is required for the s3 script source")
		}
	default:
		return fmt.Errorf("invalid %sSCRIPTS_SOURCE: %q", envPrefix, c.Scripts.Source)
	}
	if c.Scripts.CacheSize <= 0 {
		return fmt.Errorf("invalid %sSCRIPTS_CACHE_SIZE: must be positive", envPrefix)
	}
	return CheckScriptsDriver(c.Database.Driver, c.Scripts.Source)
}

// CheckScriptsDriver rejects the embedded script source for drivers it was
// not written for.
func CheckScriptsDriver(driver, source string) error {
	if source != "" && source != ScriptsEmbedded {
		return nil
	}
	if driver == EmbeddedScriptsDriver {
		return nil
	}
	return fmt.Errorf("the embedded scripts are written for %s; set %sSCRIPTS_SOURCE to %s or %s for driver %q",
		EmbeddedScriptsDriver, envPrefix, ScriptsDir, ScriptsS3, driver)
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "techquiry-server"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "techquiry.db",
			MaxOpenConns:    8,
			MaxIdleConns:    8,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
			AcquireTimeout:  10 * time.Second,
			Setup:           true,
		},
		Scripts: ScriptsConfig{
			Source:    ScriptsEmbedded,
			CacheTTL:  5 * time.Minute,
			CacheSize: 256,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "techquiry",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			Prefix:           "scripts",
			AutoCreateBucket: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Database.DSN = "file::memory:?cache=shared"
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Database.Setup = false
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(envPrefix + key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(envPrefix + key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(envPrefix + key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(envPrefix + key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(envPrefix + key)
	if !ok {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s%s: %q", envPrefix, key, raw)
	}
	return nil
}
