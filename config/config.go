package config

import (
	"net/url"
	"os"
	"time"

	"github.com/always-cache/offline-cache/cache"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	ProviderSQLite  = "sqlite"
	ProviderLevelDB = "leveldb"
	ProviderMemory  = "memory"
)

type Config struct {
	// Version names the cache generation. Change it on every deploy.
	Version string `yaml:"version"`
	// URL of the app origin, e.g. https://app.example.com/
	Origin string `yaml:"origin"`
	Port   int    `yaml:"port"`
	// Document served for navigations while offline.
	Fallback    string   `yaml:"fallback"`
	SkipWaiting bool     `yaml:"skipWaiting"`
	Claim       bool     `yaml:"claim"`
	Assets      []string `yaml:"assets"`
	// URL path globs that are always passed through, e.g. "/api/auth/*".
	Bypass  []string `yaml:"bypass"`
	Storage Storage  `yaml:"storage"`
	Network Network  `yaml:"network"`
	Workers Workers  `yaml:"workers"`
	Clients Clients  `yaml:"clients"`
	// Hosts besides the origin that absolute-form requests may target,
	// e.g. "cdn.example.com". Any other absolute-form request is refused.
	Upstreams []string `yaml:"upstreams"`
}

type Storage struct {
	// One of sqlite, leveldb or memory.
	Provider string `yaml:"provider"`
	// Database file (sqlite) or directory (leveldb).
	Path string `yaml:"path"`
	// Maximum bytes stored, e.g. "50mb". Empty means unlimited.
	Quota string `yaml:"quota"`
}

type Network struct {
	Timeout time.Duration `yaml:"timeout"`
}

type Workers struct {
	// Assets fetched in parallel during install.
	Populate int `yaml:"populate"`
	// Concurrent background cache writes.
	Background int `yaml:"background"`
}

type Clients struct {
	// Clients not seen for this long stop holding back a waiting worker.
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	// Request header carrying the client id. Source IP is used if unset.
	Header string `yaml:"header"`
}

// Default returns the configuration used for everything a file leaves out.
func Default() Config {
	return Config{
		Port:        8080,
		Fallback:    "./index.html",
		SkipWaiting: true,
		Claim:       true,
		Storage: Storage{
			Provider: ProviderSQLite,
			Path:     "offline-cache.db",
		},
		Network: Network{Timeout: 10 * time.Second},
		Workers: Workers{Populate: 4, Background: 32},
		Clients: Clients{IdleTimeout: 5 * time.Minute},
	}
}

// Load reads and validates the YAML config file.
func Load(filename string) (Config, error) {
	return LoadWithOverrides(filename, nil)
}

// LoadWithOverrides reads the YAML config file and lets override change
// the result (e.g. from command line flags) before it is validated.
func LoadWithOverrides(filename string, override func(*Config)) (Config, error) {
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return parse(configBytes, override)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(configBytes []byte) (Config, error) {
	return parse(configBytes, nil)
}

func parse(configBytes []byte, override func(*Config)) (Config, error) {
	config := Default()
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, errors.Wrap(err, "parse config")
	}
	if override != nil {
		override(&config)
	}
	return config, config.Validate()
}

// Validate checks the config. A fallback document that is not among the
// assets is allowed but logged, offline navigations will fail until some
// request caches it.
func (c Config) Validate() error {
	if c.Version == "" {
		return errors.New("version is required")
	}
	origin, err := c.OriginURL()
	if err != nil {
		return err
	}
	if c.Port <= 0 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	switch c.Storage.Provider {
	case ProviderSQLite, ProviderLevelDB, ProviderMemory:
	default:
		return errors.Errorf("unsupported storage provider %q", c.Storage.Provider)
	}
	if c.Storage.Provider == ProviderLevelDB && c.Storage.Path == "" {
		return errors.New("leveldb storage needs a path")
	}
	if _, err := c.QuotaBytes(); err != nil {
		return err
	}
	if c.Network.Timeout < 0 || c.Clients.IdleTimeout < 0 {
		return errors.New("durations must not be negative")
	}

	fallback, err := origin.Parse(c.Fallback)
	if err != nil {
		return errors.Wrapf(err, "invalid fallback %q", c.Fallback)
	}
	for _, asset := range c.Assets {
		u, err := origin.Parse(asset)
		if err != nil {
			return errors.Wrapf(err, "invalid asset %q", asset)
		}
		if u.String() == fallback.String() {
			return nil
		}
	}
	log.Warn().Str("fallback", c.Fallback).Msg("Fallback document is not in the asset list")
	return nil
}

// OriginURL parses the origin. It must be an absolute http(s) URL.
func (c Config) OriginURL() (*url.URL, error) {
	if c.Origin == "" {
		return nil, errors.New("origin is required")
	}
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, errors.Wrap(err, "invalid origin")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Errorf("origin %q is not an absolute http(s) URL", c.Origin)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

func (c Config) QuotaBytes() (int64, error) {
	n, err := cache.ParseSize(c.Storage.Quota)
	return n, errors.Wrapf(err, "invalid quota %q", c.Storage.Quota)
}
