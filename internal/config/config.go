// Package config loads and validates the gateway's static configuration:
// the listener, the route and redirect tables, authentication settings,
// platform info, and the ambient security/logging/health/monitoring
// settings (spec §6 "Configuration").
package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tracplatform/gateway/internal/route"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Routes         []RouteConfig        `yaml:"routes"`
	Redirects      []RedirectConfig     `yaml:"redirects"`
	Authentication AuthenticationConfig `yaml:"authentication"`
	PlatformInfo   PlatformInfoConfig   `yaml:"platform_info"`
	Security       SecurityConfig       `yaml:"security"`
	Logging        LoggingConfig        `yaml:"logging"`
	Health         HealthConfig         `yaml:"health"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
}

// ServerConfig contains the listener and protocol-negotiation settings
// (spec §4.1, §6).
type ServerConfig struct {
	ListenAddress     string        `yaml:"listen_address"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	MaxFrameSize      int64         `yaml:"max_frame_size"`       // LPM frame cap, spec §3 (default 3 MiB)
	MaxPendingContent int64         `yaml:"max_pending_content"`  // NEED_CONTENT aggregation cap, spec §4.4 (default 64 KiB)
	TLS               TLSConfig     `yaml:"tls"`
}

// TLSConfig contains optional TLS settings; when enabled, ALPN selects h2
// vs http/1.1 per spec §4.1.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RouteConfig is the on-disk shape of a route.Route (spec §6 "routes[]").
type RouteConfig struct {
	RouteName string       `yaml:"route_name"`
	RouteType string       `yaml:"route_type"` // HTTP, GRPC, GRPC_WEB, REST, INTERNAL
	Protocols []string     `yaml:"protocols"`  // http1, http2, websocket
	Match     MatchConfig  `yaml:"match"`
	Target    TargetConfig `yaml:"target"`
	RouteKey  string       `yaml:"route_key"`

	// Transcode configures a REST route's binding to a backend RPC method
	// (spec §4.9). Only meaningful when route_type is REST; ignored otherwise.
	Transcode *TranscodeConfig `yaml:"transcode,omitempty"`
}

// TranscodeConfig names the on-disk descriptor set and mapping file a REST
// route binds to at startup. Generating these files from .proto sources is
// out of scope (spec §1); the gateway only consumes them.
type TranscodeConfig struct {
	DescriptorSetPath string `yaml:"descriptor_set_path"` // compiled FileDescriptorSet (protoc --descriptor_set_out)
	MappingPath       string `yaml:"mapping_path"`        // JSON-encoded resttranscode.Mapping for this route
}

// MatchConfig is a route's optional host and required path-prefix match.
type MatchConfig struct {
	Host string `yaml:"host"`
	Path string `yaml:"path"`
}

// TargetConfig is the on-disk shape of a route.Target.
type TargetConfig struct {
	Scheme    string `yaml:"scheme"` // http, https, ws, wss
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	HostAlias string `yaml:"host_alias"`
}

// RedirectConfig is the on-disk shape of a route.Redirect (spec §6 "redirects[]").
type RedirectConfig struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	Status int    `yaml:"status"`
}

// AuthenticationConfig configures session minting/refresh and signing
// (spec §4.5, §6 "authentication").
type AuthenticationConfig struct {
	JWTIssuer            string        `yaml:"jwt_issuer"`
	JWTExpiry            time.Duration `yaml:"jwt_expiry"`
	RefreshThreshold     float64       `yaml:"refresh_threshold"`
	SystemTicketDuration time.Duration `yaml:"system_ticket_duration"`
	SystemTicketRefresh  time.Duration `yaml:"system_ticket_refresh"`
	SystemUserID         string        `yaml:"system_user_id"`
	SystemUserName       string        `yaml:"system_user_name"`
	ReturnPath           string        `yaml:"return_path"`
	DisableAuth          bool          `yaml:"disable_auth"`
	DisableSigning       bool          `yaml:"disable_signing"`
	PublicKeyPath        string        `yaml:"public_key_path"`
	PrivateKeyPath       string        `yaml:"private_key_path"`
}

// PlatformInfoConfig backs the platform-info REST endpoint and the
// production safety checks in spec §4.5.
type PlatformInfoConfig struct {
	Environment string `yaml:"environment"`
	Production  bool   `yaml:"production"`
}

// SecurityConfig contains rate limiting and connection caps (spec §5
// "Backpressure", carried as ambient stack per SPEC_FULL.md).
type SecurityConfig struct {
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip"`
}

// RateLimitConfig configures internal/security.RateLimiter.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
	MessagesPerSecond    int  `yaml:"messages_per_second"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig configures the health-check listener (separate from the
// client-facing listener, per the teacher's convention).
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig configures the Prometheus metrics endpoint.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:     "0.0.0.0:8443",
			IdleTimeout:       120 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			ConnectTimeout:    10 * time.Second,
			MaxFrameSize:      3 * 1024 * 1024,
			MaxPendingContent: 64 * 1024,
		},
		Authentication: AuthenticationConfig{
			JWTIssuer:            "trac-platform-gateway",
			JWTExpiry:            12 * time.Hour,
			RefreshThreshold:     0.5,
			SystemTicketDuration: 5 * time.Minute,
			SystemTicketRefresh:  1 * time.Minute,
			SystemUserID:         "trac-system",
			SystemUserName:       "TRAC Platform",
			ReturnPath:           "/",
		},
		PlatformInfo: PlatformInfoConfig{
			Environment: "DEVELOPMENT",
			Production:  false,
		},
		Security: SecurityConfig{
			MaxConnections:      1000,
			MaxConnectionsPerIP: 50,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 120,
				MessagesPerSecond:    100,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8444",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s (run 'gateway setup' to create one)", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors (spec §7 "Startup errors").
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if c.Server.MaxFrameSize <= 0 {
		return fmt.Errorf("server.max_frame_size must be positive")
	}
	if c.Server.MaxPendingContent <= 0 {
		return fmt.Errorf("server.max_pending_content must be positive")
	}
	if c.Server.IdleTimeout <= 0 {
		return fmt.Errorf("server.idle_timeout must be positive")
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}

	if len(c.Routes) == 0 {
		return fmt.Errorf("routes must contain at least one entry")
	}
	seen := make(map[string]bool, len(c.Routes))
	for _, r := range c.Routes {
		if r.RouteName == "" {
			return fmt.Errorf("routes: route_name is required")
		}
		if seen[r.RouteName] {
			return fmt.Errorf("routes: duplicate route_name %q", r.RouteName)
		}
		seen[r.RouteName] = true
		if r.Match.Path == "" {
			return fmt.Errorf("routes[%s]: match.path must not be empty", r.RouteName)
		}
		class, err := routeClassFromString(r.RouteType)
		if err != nil {
			return fmt.Errorf("routes[%s]: %w", r.RouteName, err)
		}
		if _, err := schemeFromString(r.Target.Scheme); err != nil {
			return fmt.Errorf("routes[%s]: %w", r.RouteName, err)
		}
		if r.Target.Host == "" {
			return fmt.Errorf("routes[%s]: target.host is required", r.RouteName)
		}
		if class == route.REST {
			if r.Transcode == nil || r.Transcode.DescriptorSetPath == "" || r.Transcode.MappingPath == "" {
				return fmt.Errorf("routes[%s]: transcode.descriptor_set_path and transcode.mapping_path are required for REST routes", r.RouteName)
			}
		}
	}

	for _, rd := range c.Redirects {
		if rd.Source == "" || rd.Target == "" {
			return fmt.Errorf("redirects: source and target are both required")
		}
		switch rd.Status {
		case 301, 302, 303, 307, 308:
		default:
			return fmt.Errorf("redirects[%s]: status must be one of 301,302,303,307,308, got %d", rd.Source, rd.Status)
		}
	}

	if c.Authentication.RefreshThreshold < 0 || c.Authentication.RefreshThreshold > 1 {
		return fmt.Errorf("authentication.refresh_threshold must be between 0 and 1")
	}
	if c.Authentication.JWTExpiry <= 0 {
		return fmt.Errorf("authentication.jwt_expiry must be positive")
	}

	// Production enforcement, spec §4.5: disableAuth and disableSigning
	// must both be false when platform_info.production is true. This is a
	// configuration error (exit code 2); missing key material once
	// disableSigning is false is a separate, later startup check (exit
	// code 3), not performed here since key loading is not config's job.
	if c.PlatformInfo.Production {
		if c.Authentication.DisableAuth {
			return fmt.Errorf("authentication.disable_auth must be false when platform_info.production is true")
		}
		if c.Authentication.DisableSigning {
			return fmt.Errorf("authentication.disable_signing must be false when platform_info.production is true")
		}
	}

	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled && c.Security.RateLimit.ConnectionsPerMinute <= 0 {
		return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		if c.Server.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("server.listen_address and health.listen_address must be different")
		}
	}

	return nil
}

// BuildRouteTable converts the configured routes and redirects into an
// immutable route.Table (spec §4.2), applying route.NewTable's uniqueness
// and per-route invariant checks.
func (c *Config) BuildRouteTable() (*route.Table, error) {
	routes := make([]route.Route, 0, len(c.Routes))
	for _, rc := range c.Routes {
		class, err := routeClassFromString(rc.RouteType)
		if err != nil {
			return nil, err
		}
		scheme, err := schemeFromString(rc.Target.Scheme)
		if err != nil {
			return nil, err
		}
		accepted := make(map[route.Transport]bool, len(rc.Protocols))
		for _, p := range rc.Protocols {
			t, err := transportFromString(p)
			if err != nil {
				return nil, fmt.Errorf("route %q: %w", rc.RouteName, err)
			}
			accepted[t] = true
		}
		routes = append(routes, route.Route{
			Name:       rc.RouteName,
			Primary:    class,
			Accepted:   accepted,
			Host:       rc.Match.Host,
			PathPrefix: rc.Match.Path,
			Target: route.Target{
				Scheme:     scheme,
				Host:       rc.Target.Host,
				Port:       rc.Target.Port,
				PathPrefix: rc.Target.Path,
				HostAlias:  rc.Target.HostAlias,
			},
			RouteKey: rc.RouteKey,
		})
	}

	redirects := make([]route.Redirect, 0, len(c.Redirects))
	for _, rd := range c.Redirects {
		redirects = append(redirects, route.Redirect{Source: rd.Source, Target: rd.Target, Status: rd.Status})
	}

	return route.NewTable(routes, redirects)
}

func routeClassFromString(s string) (route.Class, error) {
	switch strings.ToUpper(s) {
	case "HTTP":
		return route.HTTP, nil
	case "GRPC":
		return route.GRPC, nil
	case "GRPC_WEB", "GRPCWEB":
		return route.GRPCWeb, nil
	case "REST":
		return route.REST, nil
	case "INTERNAL":
		return route.Internal, nil
	default:
		return 0, fmt.Errorf("route_type must be one of HTTP, GRPC, GRPC_WEB, REST, INTERNAL, got %q", s)
	}
}

func schemeFromString(s string) (route.Scheme, error) {
	switch route.Scheme(strings.ToLower(s)) {
	case route.SchemeHTTP:
		return route.SchemeHTTP, nil
	case route.SchemeHTTPS:
		return route.SchemeHTTPS, nil
	case route.SchemeWS:
		return route.SchemeWS, nil
	case route.SchemeWSS:
		return route.SchemeWSS, nil
	default:
		return "", fmt.Errorf("target.scheme must be one of http, https, ws, wss, got %q", s)
	}
}

func transportFromString(s string) (route.Transport, error) {
	switch strings.ToLower(s) {
	case "http1", "http/1.1", "h1":
		return route.TransportHTTP1, nil
	case "http2", "h2":
		return route.TransportHTTP2, nil
	case "websocket", "ws":
		return route.TransportWebSocket, nil
	default:
		return 0, fmt.Errorf("protocols entry must be one of http1, http2, websocket, got %q", s)
	}
}

// applyEnvOverrides applies TRAC_GATEWAY_ prefixed environment variables.
// Convention: TRAC_GATEWAY_ + uppercase + underscores for nesting. Routes
// and redirects are config-file-only; they have no env override.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"TRAC_GATEWAY_SERVER_LISTEN_ADDRESS":    func(v string) { cfg.Server.ListenAddress = v },
		"TRAC_GATEWAY_SERVER_IDLE_TIMEOUT":      func(v string) { cfg.Server.IdleTimeout = parseDuration(v, cfg.Server.IdleTimeout) },
		"TRAC_GATEWAY_SERVER_MAX_FRAME_SIZE":    func(v string) { cfg.Server.MaxFrameSize = parseInt64(v, cfg.Server.MaxFrameSize) },
		"TRAC_GATEWAY_AUTH_JWT_ISSUER":          func(v string) { cfg.Authentication.JWTIssuer = v },
		"TRAC_GATEWAY_AUTH_JWT_EXPIRY":          func(v string) { cfg.Authentication.JWTExpiry = parseDuration(v, cfg.Authentication.JWTExpiry) },
		"TRAC_GATEWAY_AUTH_DISABLE_AUTH":        func(v string) { cfg.Authentication.DisableAuth = parseBool(v, cfg.Authentication.DisableAuth) },
		"TRAC_GATEWAY_AUTH_DISABLE_SIGNING":     func(v string) { cfg.Authentication.DisableSigning = parseBool(v, cfg.Authentication.DisableSigning) },
		"TRAC_GATEWAY_AUTH_PUBLIC_KEY_PATH":     func(v string) { cfg.Authentication.PublicKeyPath = v },
		"TRAC_GATEWAY_AUTH_PRIVATE_KEY_PATH":    func(v string) { cfg.Authentication.PrivateKeyPath = v },
		"TRAC_GATEWAY_PLATFORM_ENVIRONMENT":     func(v string) { cfg.PlatformInfo.Environment = v },
		"TRAC_GATEWAY_PLATFORM_PRODUCTION":      func(v string) { cfg.PlatformInfo.Production = parseBool(v, cfg.PlatformInfo.Production) },
		"TRAC_GATEWAY_SECURITY_MAX_CONNECTIONS": func(v string) { cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections) },
		"TRAC_GATEWAY_SECURITY_MAX_CONNECTIONS_PER_IP": func(v string) {
			cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP)
		},
		"TRAC_GATEWAY_SECURITY_RATE_LIMIT_ENABLED": func(v string) {
			cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled)
		},
		"TRAC_GATEWAY_LOGGING_LEVEL":         func(v string) { cfg.Logging.Level = v },
		"TRAC_GATEWAY_LOGGING_FORMAT":        func(v string) { cfg.Logging.Format = v },
		"TRAC_GATEWAY_LOGGING_FILE":          func(v string) { cfg.Logging.File = v },
		"TRAC_GATEWAY_HEALTH_ENABLED":        func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"TRAC_GATEWAY_HEALTH_LISTEN_ADDRESS": func(v string) { cfg.Health.ListenAddress = v },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ReloadableFields copies fields from newCfg that are safe to change
// without a restart (spec §6 note: routes/redirects/listen addresses/TLS/
// key material require a restart).
//
// Non-reloadable: server.listen_address, health.listen_address, TLS, key
// material paths, routes, redirects.
func (c *Config) ReloadableFields(newCfg *Config) {
	c.Security.RateLimit = newCfg.Security.RateLimit
	c.Security.MaxConnections = newCfg.Security.MaxConnections
	c.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	c.Logging.Level = newCfg.Logging.Level
	c.Server.MaxFrameSize = newCfg.Server.MaxFrameSize
}

// IsReloadSafe reports which fields changed between old and new that
// require a restart rather than a hot reload.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		warnings = append(warnings, "server.tls requires restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	if !reflect.DeepEqual(old.Routes, new.Routes) {
		warnings = append(warnings, "routes requires restart")
	}
	if !reflect.DeepEqual(old.Authentication.PublicKeyPath, new.Authentication.PublicKeyPath) ||
		!reflect.DeepEqual(old.Authentication.PrivateKeyPath, new.Authentication.PrivateKeyPath) {
		warnings = append(warnings, "authentication key material requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
