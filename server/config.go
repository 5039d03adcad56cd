package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded token and flow defaults
const (
	DefaultAccessTTL      = 15 * time.Minute
	DefaultRefreshTTL     = 7 * 24 * time.Hour
	DefaultRevocationTTL  = 24 * time.Hour
	DefaultRevocationCap  = 10000
	DefaultKeyCacheTTL    = 24 * time.Hour
	DefaultFlowTimeout    = 10 * time.Minute
	DefaultSweepInterval  = time.Hour
	DefaultFlowSweepEvery = time.Minute
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Duration wraps time.Duration so YAML accepts "15m" style values.
type Duration time.Duration

// UnmarshalYAML parses either a duration string or integer seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Tokens     TokenConfig      `yaml:"tokens"`
	Revocation RevocationConfig `yaml:"revocation"`
	Federation FederationConfig `yaml:"federation"`
	Fallback   FallbackConfig   `yaml:"fallback"`
	CORS       CORSConfig       `yaml:"cors"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	BypassAuth      bool      `yaml:"bypass_auth"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// TokenConfig controls the session-token codec.
type TokenConfig struct {
	Secret     string   `yaml:"secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	AccessTTL  Duration `yaml:"access_ttl"`
	RefreshTTL Duration `yaml:"refresh_ttl"`
}

// RevocationConfig bounds the in-memory revocation registry.
type RevocationConfig struct {
	Capacity      int      `yaml:"capacity"`
	EntryTTL      Duration `yaml:"entry_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// FederationConfig describes the upstream OIDC provider for federated login.
type FederationConfig struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	FlowTimeout  Duration `yaml:"flow_timeout"`
}

// FallbackConfig governs acceptance of upstream-issued bearer tokens.
type FallbackConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Domain      string   `yaml:"domain"`
	Audience    string   `yaml:"audience"`
	KeyCacheTTL Duration `yaml:"key_cache_ttl"`
}

// CORSConfig lists allowed browser origins.
type CORSConfig struct {
	ClientOriginURLs []string `yaml:"client_origin_urls"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Tokens: TokenConfig{
			Issuer:     "healthtrack-api",
			Audience:   "healthtrack-client",
			AccessTTL:  Duration(DefaultAccessTTL),
			RefreshTTL: Duration(DefaultRefreshTTL),
		},
		Revocation: RevocationConfig{
			Capacity:      DefaultRevocationCap,
			EntryTTL:      Duration(DefaultRevocationTTL),
			SweepInterval: Duration(DefaultSweepInterval),
		},
		Federation: FederationConfig{
			FlowTimeout: Duration(DefaultFlowTimeout),
		},
		Fallback: FallbackConfig{
			KeyCacheTTL: Duration(DefaultKeyCacheTTL),
		},
		CORS: CORSConfig{
			AllowedMethods: DefaultCORSAllowedMethods,
			AllowedHeaders: DefaultCORSAllowedHeaders,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"HEALTHAUTHD_SERVER_PUBLIC_URL":     func(v string) { cfg.Server.PublicURL = v },
		"HEALTHAUTHD_SERVER_DEV_LISTEN":     func(v string) { cfg.Server.DevListenAddr = v },
		"HEALTHAUTHD_SERVER_DEV_MODE":       func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"HEALTHAUTHD_SERVER_BYPASS_AUTH":    func(v string) { cfg.Server.BypassAuth = parseBool(v, cfg.Server.BypassAuth) },
		"HEALTHAUTHD_SERVER_TLS_DOMAINS":    func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"HEALTHAUTHD_SERVER_TLS_EMAIL":      func(v string) { cfg.Server.TLS.Email = v },
		"HEALTHAUTHD_JWT_SECRET":            func(v string) { cfg.Tokens.Secret = v },
		"HEALTHAUTHD_JWT_ISSUER":            func(v string) { cfg.Tokens.Issuer = v },
		"HEALTHAUTHD_JWT_AUDIENCE":          func(v string) { cfg.Tokens.Audience = v },
		"HEALTHAUTHD_ACCESS_TTL":            func(v string) { cfg.Tokens.AccessTTL = Duration(parseDuration(v, cfg.Tokens.AccessTTL.Std())) },
		"HEALTHAUTHD_REFRESH_TTL":           func(v string) { cfg.Tokens.RefreshTTL = Duration(parseDuration(v, cfg.Tokens.RefreshTTL.Std())) },
		"HEALTHAUTHD_OIDC_ISSUER":           func(v string) { cfg.Federation.Issuer = v },
		"HEALTHAUTHD_OIDC_CLIENT_ID":        func(v string) { cfg.Federation.ClientID = v },
		"HEALTHAUTHD_OIDC_CLIENT_SECRET":    func(v string) { cfg.Federation.ClientSecret = v },
		"HEALTHAUTHD_OIDC_REDIRECT_URL":     func(v string) { cfg.Federation.RedirectURL = v },
		"HEALTHAUTHD_OIDC_FLOW_TIMEOUT":     func(v string) { cfg.Federation.FlowTimeout = Duration(parseDuration(v, cfg.Federation.FlowTimeout.Std())) },
		"HEALTHAUTHD_FALLBACK_DOMAIN":       func(v string) { cfg.Fallback.Domain = v; cfg.Fallback.Enabled = true },
		"HEALTHAUTHD_FALLBACK_AUDIENCE":     func(v string) { cfg.Fallback.Audience = v },
		"HEALTHAUTHD_FALLBACK_KEY_TTL":      func(v string) { cfg.Fallback.KeyCacheTTL = Duration(parseDuration(v, cfg.Fallback.KeyCacheTTL.Std())) },
		"HEALTHAUTHD_REVOCATION_CAPACITY":   func(v string) { cfg.Revocation.Capacity = parseInt(v, cfg.Revocation.Capacity) },
		"HEALTHAUTHD_CORS_CLIENT_ORIGINS":   func(v string) { cfg.CORS.ClientOriginURLs = splitAndTrim(v) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(val), "%d", &n); err != nil || n <= 0 {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if c.Tokens.Secret == "" {
		slog.Error("Missing required configuration", "field", "tokens.secret", "hint", "set HEALTHAUTHD_JWT_SECRET")
		return errors.New("tokens.secret is required")
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 {
		return errors.New("tokens.access_ttl and tokens.refresh_ttl must be positive")
	}

	if c.Revocation.Capacity <= 0 {
		return errors.New("revocation.capacity must be positive")
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Server.BypassAuth && !c.Server.DevMode {
		slog.Error("Invalid configuration", "field", "server.bypass_auth", "reason", "only honoured in dev mode")
		return errors.New("server.bypass_auth requires server.dev_mode")
	}

	if c.Federation.Issuer != "" {
		if !strings.HasPrefix(c.Federation.Issuer, "http://") && !strings.HasPrefix(c.Federation.Issuer, "https://") {
			return fmt.Errorf("federation.issuer must be an HTTP(S) URL, got: %s", c.Federation.Issuer)
		}
		if c.Federation.ClientID == "" {
			slog.Error("Provider missing client_id", "field", "federation.client_id")
			return errors.New("federation.client_id is required when federation.issuer is set")
		}
		if c.Federation.RedirectURL == "" {
			return errors.New("federation.redirect_url is required when federation.issuer is set")
		}
		if c.Federation.FlowTimeout <= 0 {
			return errors.New("federation.flow_timeout must be positive")
		}
	}

	if c.Fallback.Enabled {
		if c.Fallback.Domain == "" {
			slog.Error("Missing required configuration", "field", "fallback.domain")
			return errors.New("fallback.domain is required when fallback is enabled")
		}
		if c.Fallback.Audience == "" {
			return errors.New("fallback.audience is required when fallback is enabled")
		}
	}

	return nil
}

// FederationEnabled reports whether an upstream provider is configured.
func (c Config) FederationEnabled() bool {
	return c.Federation.Issuer != ""
}
