package common

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 9000
	DefaultCacheTTL       = 2000 * time.Millisecond
	DefaultHealthInterval = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultCacheMaxSize   = 10000
)

// Config is the effective runtime configuration, assembled from an optional
// YAML file overlaid by CLI flags and RPCPROXY_* environment variables.
type Config struct {
	Port           int      `yaml:"port" json:"port"`
	Targets        []string `yaml:"targets" json:"targets"`
	CacheTTL       Duration `yaml:"cacheTtl" json:"cacheTtl"`
	HealthInterval Duration `yaml:"healthInterval" json:"healthInterval"`
	RequestTimeout Duration `yaml:"requestTimeout" json:"requestTimeout"`
	CacheMaxSize   int      `yaml:"cacheMaxSize" json:"cacheMaxSize"`
	Token          string   `yaml:"token" json:"-"`
	Verbose        bool     `yaml:"verbose" json:"verbose"`
}

func NewDefaultConfig() *Config {
	return &Config{
		Port:           DefaultPort,
		CacheTTL:       Duration(DefaultCacheTTL),
		HealthInterval: Duration(DefaultHealthInterval),
		RequestTimeout: Duration(DefaultRequestTimeout),
		CacheMaxSize:   DefaultCacheMaxSize,
	}
}

// LoadConfigFile reads a YAML config file over the given defaults.
func LoadConfigFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewErrInvalidConfig(fmt.Sprintf("cannot read config file %q: %v", path, err))
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return NewErrInvalidConfig(fmt.Sprintf("cannot parse config file %q: %v", path, err))
	}
	return nil
}

// SplitTargets turns a comma-separated target list into trimmed URLs,
// dropping empty segments.
func SplitTargets(raw string) []string {
	var targets []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			targets = append(targets, t)
		}
	}
	return targets
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return NewErrInvalidConfig(fmt.Sprintf("invalid port: %d", c.Port))
	}
	if len(c.Targets) == 0 {
		return NewErrInvalidConfig("at least one upstream target is required")
	}
	for _, t := range c.Targets {
		u, err := url.Parse(t)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return NewErrInvalidConfig(fmt.Sprintf("invalid target url: %q", t))
		}
	}
	if c.CacheTTL <= 0 {
		return NewErrInvalidConfig("cache TTL must be positive")
	}
	if c.HealthInterval <= 0 {
		return NewErrInvalidConfig("health interval must be positive")
	}
	if c.RequestTimeout <= 0 {
		return NewErrInvalidConfig("request timeout must be positive")
	}
	if c.CacheMaxSize <= 0 {
		return NewErrInvalidConfig("cache max size must be positive")
	}
	return nil
}
