// Package config loads the gateway's declarative configuration: the server
// section, gateway-wide defaults, and the route entries the route table is
// built from. Configuration comes from a YAML file with environment variable
// overrides (CRUDGATE_ prefix) and ${VAR} substitution for secrets.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/crudgate/crudgate/internal/routing"
)

type Config struct {
	Server   ServerConfig      `koanf:"server"`
	Gateway  GatewayConfig     `koanf:"gateway"`
	Cache    CacheConfig       `koanf:"cache"`
	Limiter  LimiterConfig     `koanf:"limiter"`
	Storage  StorageConfig     `koanf:"storage"`
	Proxy    ProxyConfig       `koanf:"proxy"`
	AuthKeys map[string]string `koanf:"auth_keys"`
	Routes   []RouteConfig     `koanf:"routes"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type GatewayConfig struct {
	// DenyStatus is the HTTP status used for rate-limit denials.
	DenyStatus int `koanf:"deny_status"`
	// DenyMessage is the body message for rate-limit denials.
	DenyMessage string `koanf:"deny_message"`
	// Development exposes error detail in response envelopes.
	Development bool `koanf:"development"`
}

type CacheConfig struct {
	Backend string        `koanf:"backend"` // memory, redis
	Sweep   time.Duration `koanf:"sweep"`
	Redis   RedisConfig   `koanf:"redis"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type LimiterConfig struct {
	// MaxEntries bounds how many (client, route) counters are tracked.
	MaxEntries int `koanf:"max_entries"`
	// IdleTTL prunes counters idle this long; keep it above the longest window.
	IdleTTL time.Duration `koanf:"idle_ttl"`
	// Exempt is the static allow-list of client keys admitted unconditionally.
	Exempt []string `koanf:"exempt"`
}

type StorageConfig struct {
	// Driver selects the local entity store: sqlite or memory.
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

type ProxyConfig struct {
	// GuardPrivate rejects downstream connections that resolve to loopback,
	// private, or link-local addresses. Enable when the route table forwards
	// to user-influenced external hosts.
	GuardPrivate bool `koanf:"guard_private"`
}

type RouteConfig struct {
	Path       string             `koanf:"path"`
	Methods    []string           `koanf:"methods"`
	Entity     string             `koanf:"entity"`
	Downstream DownstreamConfig   `koanf:"downstream"`
	RateLimit  *RateLimitConfig   `koanf:"rate_limit"`
	Cache      *CachePolicyConfig `koanf:"cache"`
	Retry      *RetryConfig       `koanf:"retry"`
	AuthKey    string             `koanf:"auth_key"`
}

type DownstreamConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	Path string `koanf:"path"`
}

type RateLimitConfig struct {
	WindowSeconds int      `koanf:"window_seconds"`
	Limit         int      `koanf:"limit"`
	Exempt        []string `koanf:"exempt"`
}

type CachePolicyConfig struct {
	TTLSeconds        int `koanf:"ttl_seconds"`
	SlidingTTLSeconds int `koanf:"sliding_ttl_seconds"`
}

type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	Backoff     time.Duration `koanf:"backoff"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration from path (optional) with environment overrides
// and applies defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	// Environment variables override file config.
	if err := k.Load(env.Provider("CRUDGATE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "CRUDGATE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("server.request_timeout") {
		k.Set("server.request_timeout", "30s")
	}
	if !k.Exists("gateway.deny_status") {
		k.Set("gateway.deny_status", 429)
	}
	if !k.Exists("gateway.deny_message") {
		k.Set("gateway.deny_message", "request quota exceeded")
	}
	if !k.Exists("cache.backend") {
		k.Set("cache.backend", "memory")
	}
	if !k.Exists("cache.sweep") {
		k.Set("cache.sweep", "1m")
	}
	if !k.Exists("limiter.max_entries") {
		k.Set("limiter.max_entries", 65536)
	}
	if !k.Exists("limiter.idle_ttl") {
		k.Set("limiter.idle_ttl", "1h")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute environment variables in secrets.
	for key, val := range cfg.AuthKeys {
		cfg.AuthKeys[key] = substituteEnvVars(val)
	}
	cfg.Cache.Redis.Password = substituteEnvVars(cfg.Cache.Redis.Password)

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// BuildTable converts the configured route entries into a route table.
func (c *Config) BuildTable() (*routing.Table, error) {
	routes := make([]routing.Route, 0, len(c.Routes))
	for _, rc := range c.Routes {
		r, err := buildRoute(rc)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routing.NewTable(routes)
}

func buildRoute(rc RouteConfig) (routing.Route, error) {
	tmpl, err := routing.ParseTemplate(rc.Path)
	if err != nil {
		return routing.Route{}, err
	}

	downPath := rc.Downstream.Path
	if downPath == "" {
		downPath = rc.Path
	}
	downTmpl, err := routing.ParseTemplate(downPath)
	if err != nil {
		return routing.Route{}, fmt.Errorf("route %s: %w", rc.Path, err)
	}

	entity := rc.Entity
	if entity == "" {
		entity = lastLiteralSegment(rc.Path)
	}
	if entity == "" {
		return routing.Route{}, fmt.Errorf("route %s: cannot derive entity type", rc.Path)
	}

	r := routing.Route{
		Template: tmpl,
		Methods:  rc.Methods,
		Entity:   entity,
		Downstream: routing.Downstream{
			Host:     rc.Downstream.Host,
			Port:     rc.Downstream.Port,
			Template: downTmpl,
		},
		AuthKey: rc.AuthKey,
	}

	if rl := rc.RateLimit; rl != nil {
		if rl.WindowSeconds <= 0 || rl.Limit <= 0 {
			return routing.Route{}, fmt.Errorf("route %s: rate limit window and limit must be positive", rc.Path)
		}
		r.RateLimit = &routing.RateLimitPolicy{
			Window: time.Duration(rl.WindowSeconds) * time.Second,
			Limit:  rl.Limit,
			Exempt: rl.Exempt,
		}
	}
	if cp := rc.Cache; cp != nil {
		if cp.TTLSeconds <= 0 {
			return routing.Route{}, fmt.Errorf("route %s: cache ttl must be positive", rc.Path)
		}
		r.Cache = &routing.CachePolicy{
			TTL:        time.Duration(cp.TTLSeconds) * time.Second,
			SlidingTTL: time.Duration(cp.SlidingTTLSeconds) * time.Second,
		}
	}
	if rt := rc.Retry; rt != nil {
		if rt.MaxAttempts < 1 {
			return routing.Route{}, fmt.Errorf("route %s: retry max_attempts must be at least 1", rc.Path)
		}
		r.Retry = &routing.RetryPolicy{
			MaxAttempts: rt.MaxAttempts,
			Backoff:     rt.Backoff,
		}
	}
	return r, nil
}

// lastLiteralSegment returns the last literal segment of a path, e.g.
// "products" for /api/products/{id}. Walking from the end lands on the
// entity name for the usual /prefix/entity/{id} shape.
func lastLiteralSegment(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		if p == "" || p == "*" || strings.HasPrefix(p, "{") {
			continue
		}
		return p
	}
	return ""
}
