package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/creasty/defaults"
)

// maxMaskPatternLength is the upper bound for a single mask rule pattern.
const maxMaskPatternLength = 500

// ConfigError marks an invalid configuration: parse failures, schema
// violations, bad regexes. The running server keeps its previous
// configuration when one of these is raised during a reload.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return e.Reason
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Timeout holds the upstream timeout budget in seconds.
type Timeout struct {
	Connect float64 `yaml:"connect" json:"connect" default:"5"` // Dial timeout.
	Read    float64 `yaml:"read" json:"read" default:"30"`      // Response header timeout.
	Write   float64 `yaml:"write" json:"write" default:"30"`    // Request write budget; part of the client signature, not enforced by the transport.
}

// ConnectDuration returns the connect timeout as a time.Duration.
func (t Timeout) ConnectDuration() time.Duration {
	return time.Duration(t.Connect * float64(time.Second))
}

// ReadDuration returns the read timeout as a time.Duration.
func (t Timeout) ReadDuration() time.Duration {
	return time.Duration(t.Read * float64(time.Second))
}

// WriteDuration returns the write timeout as a time.Duration.
func (t Timeout) WriteDuration() time.Duration {
	return time.Duration(t.Write * float64(time.Second))
}

// ProxyPolicy holds forwarding-wide settings: the upstream timeout tuple,
// the response size ceiling for buffered masking, and the hop-by-hop
// headers removed from every forwarded request.
type ProxyPolicy struct {
	Timeout         Timeout  `yaml:"timeout" json:"timeout"`
	MaxResponseSize int64    `yaml:"max_response_size" json:"max_response_size" default:"10485760"`
	StripHeaders    []string `yaml:"strip_headers" json:"strip_headers" default:"[\"Host\",\"Connection\",\"Transfer-Encoding\",\"Upgrade\",\"Proxy-Connection\",\"Proxy-Authenticate\",\"Proxy-Authorization\"]"`
}

// ServerBinding holds the listen address and the admin peer restriction.
type ServerBinding struct {
	Host      string `yaml:"host" json:"host" default:"127.0.0.1"`
	Port      int    `yaml:"port" json:"port" default:"8000"`
	AdminHost string `yaml:"admin_host" json:"admin_host" default:"127.0.0.1"`
}

// Logging holds the configuration for logging.
type Logging struct {
	Level  string `yaml:"level" json:"level" default:"info"` // Log level (debug, info, warn, error).
	Pretty bool   `yaml:"pretty" json:"pretty"`              // Colorized console output instead of JSON lines.
}

// Metrics holds the configuration for the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path" default:"/metrics"`
}

// Redis holds the configuration for connecting to a Redis server, used by
// the distributed rate limiter when enabled.
type Redis struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Host     string `yaml:"host" json:"host" default:"127.0.0.1"`
	Port     string `yaml:"port" json:"port" default:"6379"`
	Password string `yaml:"password" json:"password"`
}

// RateLimiting holds the per-route rate limiting policy.
type RateLimiting struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// RequestRules describes how the forwarded request is rewritten.
type RequestRules struct {
	AddParams  map[string]string `yaml:"add_params" json:"add_params"`
	AddHeaders map[string]string `yaml:"add_headers" json:"add_headers"`
	DelParams  []string          `yaml:"del_params" json:"del_params"`
}

// MaskRule is a single regex substitution applied to maskable response
// bodies. Replacement strings use Go regexp conventions ($1, ${name}).
type MaskRule struct {
	Pattern     string         `yaml:"pattern" json:"pattern"`
	Replacement string         `yaml:"replacement" json:"replacement"`
	Compiled    *regexp.Regexp `yaml:"-" json:"-"` // Populated by Validate.
}

// ResponseRules describes how the upstream response body is transformed.
// Mask rules apply left to right, cumulatively.
type ResponseRules struct {
	MaskRegex []MaskRule `yaml:"mask_regex" json:"mask_regex"`
}

// Route maps a URL path prefix plus method to an upstream base URL with
// rewrite and masking rules.
type Route struct {
	Name          string        `yaml:"name" json:"name"`
	Path          string        `yaml:"path" json:"path"`
	Target        string        `yaml:"target" json:"target"`
	Method        string        `yaml:"method" json:"method" default:"*"`
	Description   string        `yaml:"description,omitempty" json:"description,omitempty"`
	RequestRules  RequestRules  `yaml:"request_rules" json:"request_rules"`
	ResponseRules ResponseRules `yaml:"response_rules" json:"response_rules"`
	RateLimiting  RateLimiting  `yaml:"rate_limiting" json:"rate_limiting"`
}

// SystemConfig is the root of the gateway configuration.
type SystemConfig struct {
	Server  ServerBinding `yaml:"server" json:"server"`
	Proxy   ProxyPolicy   `yaml:"proxy" json:"proxy"`
	Logging Logging       `yaml:"logging" json:"logging"`
	Metrics Metrics       `yaml:"metrics" json:"metrics"`
	Redis   Redis         `yaml:"redis" json:"redis"`
	Routes  []Route       `yaml:"routes" json:"routes"`
}

// Default returns a SystemConfig with every field at its default value.
func Default() *SystemConfig {
	cfg := &SystemConfig{}
	if err := defaults.Set(cfg); err != nil {
		// Tags are static; a failure here is a programming error.
		panic(err)
	}
	return cfg
}

// Validate checks the configuration against the schema and canonicalises it
// in place: route paths get their trailing slash stripped (except the root),
// methods are uppercased, and every mask regex is compiled. Any violation
// returns a *ConfigError; a bad regex fails the whole configuration.
func (c *SystemConfig) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return configErrorf("server.port %d out of range", c.Server.Port)
	}
	if c.Proxy.Timeout.Connect < 0 || c.Proxy.Timeout.Read < 0 || c.Proxy.Timeout.Write < 0 {
		return configErrorf("proxy.timeout values must be non-negative")
	}
	if c.Proxy.MaxResponseSize < 0 {
		return configErrorf("proxy.max_response_size must be non-negative")
	}

	seen := make(map[string]bool, len(c.Routes))
	for i := range c.Routes {
		route := &c.Routes[i]
		if route.Name == "" {
			return configErrorf("route %d: name is required", i)
		}
		if seen[route.Name] {
			return configErrorf("duplicate route name %q", route.Name)
		}
		seen[route.Name] = true

		if !strings.HasPrefix(route.Path, "/") {
			return configErrorf("route %q: path must start with /", route.Name)
		}
		if p := strings.TrimRight(route.Path, "/"); p != "" {
			route.Path = p
		} else {
			route.Path = "/"
		}

		if route.Target == "" {
			return configErrorf("route %q: target is required", route.Name)
		}
		route.Method = strings.ToUpper(route.Method)
		if route.Method == "" {
			route.Method = "*"
		}

		for j := range route.ResponseRules.MaskRegex {
			rule := &route.ResponseRules.MaskRegex[j]
			if len(rule.Pattern) > maxMaskPatternLength {
				return configErrorf("route %q: mask pattern exceeds %d characters", route.Name, maxMaskPatternLength)
			}
			compiled, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return configErrorf("route %q: invalid mask regex: %v", route.Name, err)
			}
			rule.Compiled = compiled
		}

		if route.RateLimiting.Enabled && route.RateLimiting.RequestsPerSecond <= 0 {
			return configErrorf("route %q: rate_limiting.requests_per_second must be positive", route.Name)
		}
	}
	return nil
}
