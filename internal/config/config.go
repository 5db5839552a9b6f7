// Package config loads service configuration from ESSQL_* environment variables on top of profile defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const envPrefix = "ESSQL_"

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Store         StoreConfig
	Query         QueryConfig
	Catalog       CatalogConfig
	ObjectStore   ObjectStoreConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
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

// StoreConfig addresses the Elasticsearch cluster queries run against.
type StoreConfig struct {
	URLs           []string
	Sniff          bool
	Healthcheck    bool
	Username       string
	Password       string
	DefaultIndices []string
}

type QueryConfig struct {
	FetchSize      int
	ScrollTimeout  time.Duration
	QueryTimeout   time.Duration
	ResultsSplit   bool
	NestedLateral  bool
	FragmentSize   int
	FragmentNumber int
	SessionTTL     time.Duration
	CatalogTTL     time.Duration
}

// CatalogConfig is the optional Postgres field catalog. An empty DSN disables it.
type CatalogConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// ObjectStoreConfig is where result exports are written. An empty Endpoint disables export.
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

type AuthConfig struct {
	Required   bool
	StaticKeys string
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

	appliers := []func(LookupFunc) error{
		str("SERVICE_NAME", &cfg.Service.Name),
		str("HTTP_ADDR", &cfg.HTTP.Address),
		dur("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout),
		dur("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout),
		dur("HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout),

		list("ES_URLS", &cfg.Store.URLs),
		boolean("ES_SNIFF", &cfg.Store.Sniff),
		boolean("ES_HEALTHCHECK", &cfg.Store.Healthcheck),
		str("ES_USERNAME", &cfg.Store.Username),
		str("ES_PASSWORD", &cfg.Store.Password),
		list("ES_DEFAULT_INDICES", &cfg.Store.DefaultIndices),

		integer("QUERY_FETCH_SIZE", &cfg.Query.FetchSize),
		dur("QUERY_SCROLL_TIMEOUT", &cfg.Query.ScrollTimeout),
		dur("QUERY_TIMEOUT", &cfg.Query.QueryTimeout),
		boolean("QUERY_RESULTS_SPLIT", &cfg.Query.ResultsSplit),
		boolean("QUERY_NESTED_LATERAL", &cfg.Query.NestedLateral),
		integer("QUERY_FRAGMENT_SIZE", &cfg.Query.FragmentSize),
		integer("QUERY_FRAGMENT_NUMBER", &cfg.Query.FragmentNumber),
		dur("QUERY_SESSION_TTL", &cfg.Query.SessionTTL),
		dur("QUERY_CATALOG_TTL", &cfg.Query.CatalogTTL),

		str("CATALOG_DSN", &cfg.Catalog.DSN),
		integer("CATALOG_MAX_OPEN_CONNS", &cfg.Catalog.MaxOpenConns),
		integer("CATALOG_MAX_IDLE_CONNS", &cfg.Catalog.MaxIdleConns),
		dur("CATALOG_CONN_MAX_IDLE_TIME", &cfg.Catalog.ConnMaxIdleTime),
		dur("CATALOG_CONN_MAX_LIFETIME", &cfg.Catalog.ConnMaxLifetime),

		str("OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint),
		str("OBJECTSTORE_REGION", &cfg.ObjectStore.Region),
		str("OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket),
		str("OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID),
		str("OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey),
		boolean("OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL),
		str("OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix),
		boolean("OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket),

		boolean("LOG_JSON", &cfg.Observability.LogJSON),
		logLevel("LOG_LEVEL", &cfg.Observability.LogLevel),
		boolean("AUTH_REQUIRED", &cfg.Auth.Required),
		str("AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys),
	}
	for _, apply := range appliers {
		if err := apply(lookup); err != nil {
			return Config{}, err
		}
	}

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
	if len(c.Store.URLs) == 0 {
		return fmt.Errorf("invalid %sES_URLS: at least one url is required", envPrefix)
	}
	if c.Query.FetchSize <= 0 {
		return fmt.Errorf("invalid %sQUERY_FETCH_SIZE: must be positive, got %d", envPrefix, c.Query.FetchSize)
	}
	if c.Query.ScrollTimeout <= 0 {
		return fmt.Errorf("invalid %sQUERY_SCROLL_TIMEOUT: must be positive", envPrefix)
	}
	if c.Query.SessionTTL <= 0 {
		return fmt.Errorf("invalid %sQUERY_SESSION_TTL: must be positive", envPrefix)
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "essql-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Store: StoreConfig{
			URLs: []string{"http://localhost:9200"},
		},
		Query: QueryConfig{
			FetchSize:      10000,
			ScrollTimeout:  60 * time.Second,
			QueryTimeout:   10 * time.Second,
			NestedLateral:  true,
			FragmentSize:   100,
			FragmentNumber: 1,
			SessionTTL:     5 * time.Minute,
			CatalogTTL:     time.Minute,
		},
		Catalog: CatalogConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		ObjectStore: ObjectStoreConfig{
			Region:           "us-east-1",
			Bucket:           "essql-exports",
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
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.Store.Healthcheck = true
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

func str(key string, dst *string) func(LookupFunc) error {
	return func(lookup LookupFunc) error {
		if raw, ok := lookup(envPrefix + key); ok {
			*dst = strings.TrimSpace(raw)
		}
		return nil
	}
}

// list reads a comma separated value. Empty items are dropped.
func list(key string, dst *[]string) func(LookupFunc) error {
	return func(lookup LookupFunc) error {
		raw, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		var out []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
		return nil
	}
}

func dur(key string, dst *time.Duration) func(LookupFunc) error {
	return parsed(key, func(raw string) error {
		value, err := time.ParseDuration(raw)
		if err == nil {
			*dst = value
		}
		return err
	})
}

func boolean(key string, dst *bool) func(LookupFunc) error {
	return parsed(key, func(raw string) error {
		value, err := strconv.ParseBool(raw)
		if err == nil {
			*dst = value
		}
		return err
	})
}

func integer(key string, dst *int) func(LookupFunc) error {
	return parsed(key, func(raw string) error {
		value, err := strconv.Atoi(raw)
		if err == nil {
			*dst = value
		}
		return err
	})
}

func logLevel(key string, dst *slog.Level) func(LookupFunc) error {
	return parsed(key, func(raw string) error {
		switch strings.ToLower(raw) {
		case "debug":
			*dst = slog.LevelDebug
		case "info":
			*dst = slog.LevelInfo
		case "warn", "warning":
			*dst = slog.LevelWarn
		case "error":
			*dst = slog.LevelError
		default:
			return fmt.Errorf("%q", raw)
		}
		return nil
	})
}

func parsed(key string, parse func(string) error) func(LookupFunc) error {
	return func(lookup LookupFunc) error {
		raw, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		if err := parse(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		}
		return nil
	}
}
