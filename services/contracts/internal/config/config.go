// Package config loads the contracts service configuration from flags,
// environment variables and an optional YAML file through viper.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	KeyServicePort      = "service_port"
	KeyDatabaseURL      = "database_url"
	KeyStoreDriver      = "store_driver"
	KeySQLitePath       = "sqlite_path"
	KeySyncInterval     = "sync_interval"
	KeySyncOnStart      = "sync_on_start"
	KeySyncConcurrency  = "sync_concurrency"
	KeyFieldReadTimeout = "field_read_timeout"
	KeyDefaultChainID   = "default_chain_id"
	KeyChainRPCURLs     = "chain_rpc_urls"
	KeyEventsSyncURL    = "events_sync_url"
	KeyManualSyncRate   = "manual_sync_rate_per_minute"
	KeyTrustForwarded   = "trust_forwarded_for"
	KeyMetricsEnabled   = "metrics_enabled"
	KeyLogLevel         = "log_level"
	KeyLogFormat        = "log_format"
	KeyTemplatesDir     = "templates_dir"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	ServicePort             int
	DatabaseURL             string
	StoreDriver             string
	SQLitePath              string
	SyncInterval            time.Duration
	SyncOnStart             bool
	SyncConcurrency         int
	FieldReadTimeout        time.Duration
	DefaultChainID          int64
	ChainRPCURLs            map[int64]string
	EventsSyncURL           string
	ManualSyncRatePerMinute int
	TrustForwardedFor       bool
	MetricsEnabled          bool
	LogLevel                string
	LogFormat               string
	TemplatesDir            string
}

// SetDefaults registers defaults and environment lookup on v. Environment
// variables are the upper-cased keys, e.g. SYNC_INTERVAL.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyServicePort, 8085)
	v.SetDefault(KeyStoreDriver, DriverPostgres)
	v.SetDefault(KeySQLitePath, "civitas.db")
	v.SetDefault(KeySyncInterval, 5*time.Minute)
	v.SetDefault(KeySyncOnStart, true)
	v.SetDefault(KeySyncConcurrency, 8)
	v.SetDefault(KeyFieldReadTimeout, 15*time.Second)
	v.SetDefault(KeyDefaultChainID, 84532)
	v.SetDefault(KeyManualSyncRate, 10)
	v.SetDefault(KeyTrustForwarded, false)
	v.SetDefault(KeyMetricsEnabled, true)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows about.
	for _, key := range []string{KeyDatabaseURL, KeyChainRPCURLs, KeyEventsSyncURL, KeyTemplatesDir} {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}
}

// Load reads the configuration out of v and validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg, err := Decode(v)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Decode reads the configuration without validating it, for commands that
// need only part of it.
func Decode(v *viper.Viper) (Config, error) {
	rpcURLs, err := parseRPCURLs(v.Get(KeyChainRPCURLs))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		ServicePort:             v.GetInt(KeyServicePort),
		DatabaseURL:             strings.TrimSpace(v.GetString(KeyDatabaseURL)),
		StoreDriver:             strings.ToLower(strings.TrimSpace(v.GetString(KeyStoreDriver))),
		SQLitePath:              v.GetString(KeySQLitePath),
		SyncInterval:            v.GetDuration(KeySyncInterval),
		SyncOnStart:             v.GetBool(KeySyncOnStart),
		SyncConcurrency:         v.GetInt(KeySyncConcurrency),
		FieldReadTimeout:        v.GetDuration(KeyFieldReadTimeout),
		DefaultChainID:          v.GetInt64(KeyDefaultChainID),
		ChainRPCURLs:            rpcURLs,
		EventsSyncURL:           strings.TrimSpace(v.GetString(KeyEventsSyncURL)),
		ManualSyncRatePerMinute: v.GetInt(KeyManualSyncRate),
		TrustForwardedFor:       v.GetBool(KeyTrustForwarded),
		MetricsEnabled:          v.GetBool(KeyMetricsEnabled),
		LogLevel:                v.GetString(KeyLogLevel),
		LogFormat:               v.GetString(KeyLogFormat),
		TemplatesDir:            strings.TrimSpace(v.GetString(KeyTemplatesDir)),
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.ServicePort <= 0 || c.ServicePort > 65535 {
		errs = append(errs, fmt.Errorf("%s must be a valid port, got %d", KeyServicePort, c.ServicePort))
	}
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("%s is required for the %s store", KeyDatabaseURL, DriverPostgres))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("%s is required for the %s store", KeySQLitePath, DriverSQLite))
		}
	default:
		errs = append(errs, fmt.Errorf("%s must be %q or %q, got %q", KeyStoreDriver, DriverPostgres, DriverSQLite, c.StoreDriver))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeySyncInterval))
	}
	if c.SyncConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeySyncConcurrency))
	}
	if c.FieldReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyFieldReadTimeout))
	}
	if c.DefaultChainID <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyDefaultChainID))
	}
	if c.ManualSyncRatePerMinute < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyManualSyncRate))
	}
	return errors.Join(errs...)
}

// parseRPCURLs accepts either "84532=https://a,8453=https://b" or a YAML map
// from chain id to URL.
func parseRPCURLs(raw any) (map[int64]string, error) {
	out := map[int64]string{}
	switch v := raw.(type) {
	case nil:
		return out, nil
	case string:
		for _, pair := range strings.Split(v, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			id, url, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("%s: entry %q is not chain_id=url", KeyChainRPCURLs, pair)
			}
			if err := addRPCURL(out, id, url); err != nil {
				return nil, err
			}
		}
	case map[string]any:
		for id, url := range v {
			if err := addRPCURL(out, id, fmt.Sprint(url)); err != nil {
				return nil, err
			}
		}
	case map[string]string:
		for id, url := range v {
			if err := addRPCURL(out, id, url); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%s: unsupported value of type %T", KeyChainRPCURLs, raw)
	}
	return out, nil
}

func addRPCURL(out map[int64]string, rawID, url string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("%s: invalid chain id %q", KeyChainRPCURLs, rawID)
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return fmt.Errorf("%s: empty url for chain %d", KeyChainRPCURLs, id)
	}
	if _, dup := out[id]; dup {
		return fmt.Errorf("%s: chain %d configured twice", KeyChainRPCURLs, id)
	}
	out[id] = url
	return nil
}
