// Package config loads service configuration from an optional .env file, an
// optional YAML file and AUTHCORE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"qazna.org/authcore/internal/auth"
)

const (
	maxAccessTTL = time.Hour
	maxLeeway    = time.Minute
	minHashKey   = 32
)

// KeyConfig describes one signing or verification key. RS256 keys take PEM
// material inline or from a file; HS256 keys take a shared secret.
type KeyConfig struct {
	ID             string `yaml:"id"`
	Algorithm      string `yaml:"algorithm"`
	PrivateKeyPEM  string `yaml:"private_key_pem"`
	PrivateKeyFile string `yaml:"private_key_file"`
	PublicKeyPEM   string `yaml:"public_key_pem"`
	PublicKeyFile  string `yaml:"public_key_file"`
	Secret         string `yaml:"secret"`
}

// RetiredKey is accepted for verification until RetireUntil.
type RetiredKey struct {
	KeyConfig   `yaml:",inline"`
	RetireUntil time.Time `yaml:"retire_until"`
}

// RoleConfig declares one role of the closed role set.
type RoleConfig struct {
	Name      string `yaml:"name"`
	Namespace string `yaml:"namespace"`
	Scope     string `yaml:"scope"`
}

type Config struct {
	App struct {
		// dev | staging | prod
		Env      string `yaml:"env"`
		Service  string `yaml:"service"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"app"`

	HTTP struct {
		Addr            string        `yaml:"addr"`
		RateLimitRPS    float64       `yaml:"rate_limit_rps"`
		RateLimitBurst  int           `yaml:"rate_limit_burst"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

		// AdminRoles may call the /v1/admin routes.
		AdminRoles []string `yaml:"admin_roles"`
		// AllowGlobalJoin opens self registration for global roles.
		AllowGlobalJoin bool `yaml:"allow_global_join"`
	} `yaml:"http"`

	// GRPC is disabled while Addr is empty.
	GRPC struct {
		Addr string `yaml:"addr"`
	} `yaml:"grpc"`

	// Storage falls back to process memory while DSN is empty.
	Storage struct {
		DSN     string `yaml:"dsn"`
		Migrate bool   `yaml:"migrate"`
	} `yaml:"storage"`

	Token struct {
		Issuer         string        `yaml:"issuer"`
		AccessTTL      time.Duration `yaml:"access_ttl"`
		RefreshTTL     time.Duration `yaml:"refresh_ttl"`
		Leeway         time.Duration `yaml:"leeway"`
		MaxSessionAge  time.Duration `yaml:"max_session_age"`
		RefreshHashKey string        `yaml:"refresh_hash_key"`
	} `yaml:"token"`

	Keys struct {
		Active  KeyConfig    `yaml:"active"`
		Retired []RetiredKey `yaml:"retired"`
	} `yaml:"keys"`

	Password struct {
		MinLength   int    `yaml:"min_length"`
		Memory      uint32 `yaml:"memory_kib"`
		Time        uint32 `yaml:"time"`
		Parallelism uint8  `yaml:"parallelism"`
	} `yaml:"password"`

	// Throttle is off while MaxFailures is zero.
	Throttle struct {
		Kind        string        `yaml:"kind"` // memory | redis
		MaxFailures int           `yaml:"max_failures"`
		Window      time.Duration `yaml:"window"`
		Redis       struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"throttle"`

	Roles []RoleConfig `yaml:"roles"`

	Maintenance struct {
		PurgeInterval time.Duration `yaml:"purge_interval"`
		PurgeGrace    time.Duration `yaml:"purge_grace"`
	} `yaml:"maintenance"`
}

// Default returns a configuration with every default applied and no key
// material.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Load reads .env (if present), then path (if non-empty), then environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	c.applyDefaults()
	if err := c.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := c.resolveKeyFiles(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.Service == "" {
		c.App.Service = "authcore"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.RateLimitRPS == 0 {
		c.HTTP.RateLimitRPS = 20
	}
	if c.HTTP.RateLimitBurst == 0 {
		c.HTTP.RateLimitBurst = 40
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if len(c.HTTP.AdminRoles) == 0 {
		c.HTTP.AdminRoles = []string{"admin"}
	}
	if c.Token.AccessTTL == 0 {
		c.Token.AccessTTL = 15 * time.Minute
	}
	if c.Token.RefreshTTL == 0 {
		c.Token.RefreshTTL = 14 * 24 * time.Hour
	}
	if c.Token.Leeway == 0 {
		c.Token.Leeway = 5 * time.Second
	}
	if c.Keys.Active.Algorithm == "" {
		c.Keys.Active.Algorithm = "RS256"
	}
	if c.Password.MinLength == 0 {
		c.Password.MinLength = 6
	}
	if c.Throttle.Kind == "" {
		c.Throttle.Kind = "memory"
	}
	if c.Throttle.Window == 0 {
		c.Throttle.Window = 15 * time.Minute
	}
	if c.Maintenance.PurgeInterval == 0 {
		c.Maintenance.PurgeInterval = time.Hour
	}
	if c.Maintenance.PurgeGrace == 0 {
		c.Maintenance.PurgeGrace = 24 * time.Hour
	}
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool, error) {
	s, ok := getEnvStr(key)
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return i, true, nil
}

func getEnvDur(key string) (time.Duration, bool, error) {
	s, ok := getEnvStr(key)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return d, true, nil
}

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"AUTHCORE_ENV":              &c.App.Env,
		"AUTHCORE_LOG_LEVEL":        &c.App.LogLevel,
		"AUTHCORE_HTTP_ADDR":        &c.HTTP.Addr,
		"AUTHCORE_GRPC_ADDR":        &c.GRPC.Addr,
		"AUTHCORE_PG_DSN":           &c.Storage.DSN,
		"AUTHCORE_ISSUER":           &c.Token.Issuer,
		"AUTHCORE_REFRESH_HASH_KEY": &c.Token.RefreshHashKey,
		"AUTHCORE_SIGNING_ALG":      &c.Keys.Active.Algorithm,
		"AUTHCORE_SIGNING_KID":      &c.Keys.Active.ID,
		"AUTHCORE_SIGNING_KEY_FILE": &c.Keys.Active.PrivateKeyFile,
		"AUTHCORE_SIGNING_KEY_PEM":  &c.Keys.Active.PrivateKeyPEM,
		"AUTHCORE_SIGNING_SECRET":   &c.Keys.Active.Secret,
		"AUTHCORE_THROTTLE_KIND":    &c.Throttle.Kind,
		"AUTHCORE_REDIS_ADDR":       &c.Throttle.Redis.Addr,
	}
	for key, dst := range strs {
		if v, ok := getEnvStr(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	c.App.Env = strings.ToLower(c.App.Env)

	durs := map[string]*time.Duration{
		"AUTHCORE_ACCESS_TTL":      &c.Token.AccessTTL,
		"AUTHCORE_REFRESH_TTL":     &c.Token.RefreshTTL,
		"AUTHCORE_LEEWAY":          &c.Token.Leeway,
		"AUTHCORE_MAX_SESSION_AGE": &c.Token.MaxSessionAge,
		"AUTHCORE_THROTTLE_WINDOW": &c.Throttle.Window,
		"AUTHCORE_PURGE_INTERVAL":  &c.Maintenance.PurgeInterval,
	}
	for key, dst := range durs {
		d, ok, err := getEnvDur(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = d
		}
	}

	n, ok, err := getEnvInt("AUTHCORE_THROTTLE_MAX_FAILURES")
	if err != nil {
		return err
	}
	if ok {
		c.Throttle.MaxFailures = n
	}
	if v, ok := getEnvStr("AUTHCORE_ADMIN_ROLES"); ok {
		c.HTTP.AdminRoles = c.HTTP.AdminRoles[:0]
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				c.HTTP.AdminRoles = append(c.HTTP.AdminRoles, r)
			}
		}
	}
	if v, ok := getEnvStr("AUTHCORE_ALLOW_GLOBAL_JOIN"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("AUTHCORE_ALLOW_GLOBAL_JOIN: %w", err)
		}
		c.HTTP.AllowGlobalJoin = b
	}
	if v, ok := getEnvStr("AUTHCORE_PG_MIGRATE"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("AUTHCORE_PG_MIGRATE: %w", err)
		}
		c.Storage.Migrate = b
	}
	return nil
}

func readRelative(base, path string) (string, error) {
	if !filepath.IsAbs(path) && base != "" {
		path = filepath.Join(base, path)
	}
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (k *KeyConfig) resolve(base string) error {
	if k.PrivateKeyPEM == "" && k.PrivateKeyFile != "" {
		pem, err := readRelative(base, k.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		k.PrivateKeyPEM = pem
	}
	if k.PublicKeyPEM == "" && k.PublicKeyFile != "" {
		pem, err := readRelative(base, k.PublicKeyFile)
		if err != nil {
			return fmt.Errorf("read public key: %w", err)
		}
		k.PublicKeyPEM = pem
	}
	return nil
}

func (c *Config) resolveKeyFiles(base string) error {
	if base == "." {
		base = ""
	}
	if err := c.Keys.Active.resolve(base); err != nil {
		return err
	}
	for i := range c.Keys.Retired {
		if err := c.Keys.Retired[i].resolve(base); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks lifetimes and key material.
func (c *Config) Validate() error {
	var problems []string
	if c.Token.AccessTTL <= 0 || c.Token.AccessTTL > maxAccessTTL {
		problems = append(problems, fmt.Sprintf("token.access_ttl must be within (0, %s]", maxAccessTTL))
	}
	if c.Token.RefreshTTL <= 0 {
		problems = append(problems, "token.refresh_ttl must be positive")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > maxLeeway {
		problems = append(problems, fmt.Sprintf("token.leeway must be within [0, %s]", maxLeeway))
	}
	if c.Token.MaxSessionAge < 0 {
		problems = append(problems, "token.max_session_age must not be negative")
	}
	if len(c.Token.RefreshHashKey) < minHashKey {
		problems = append(problems, fmt.Sprintf("token.refresh_hash_key must be at least %d bytes", minHashKey))
	}
	switch strings.ToUpper(c.Keys.Active.Algorithm) {
	case "RS256":
		if c.Keys.Active.PrivateKeyPEM == "" {
			problems = append(problems, "keys.active needs private key material for RS256")
		}
	case "HS256":
		if len(c.Keys.Active.Secret) < minHashKey {
			problems = append(problems, fmt.Sprintf("keys.active.secret must be at least %d bytes", minHashKey))
		}
	default:
		problems = append(problems, fmt.Sprintf("keys.active.algorithm %q is not supported", c.Keys.Active.Algorithm))
	}
	if c.Password.Memory > auth.MaxHashMemory {
		problems = append(problems, fmt.Sprintf("password.memory_kib must be at most %d", auth.MaxHashMemory))
	}
	if c.Password.Time > auth.MaxHashTime {
		problems = append(problems, fmt.Sprintf("password.time must be at most %d", auth.MaxHashTime))
	}
	if roles, err := c.RoleSet(); err != nil {
		problems = append(problems, fmt.Sprintf("roles: %v", err))
	} else {
		if len(c.HTTP.AdminRoles) == 0 {
			problems = append(problems, "http.admin_roles must name at least one role")
		}
		for _, r := range c.HTTP.AdminRoles {
			if !roles.Contains(auth.Role(r)) {
				problems = append(problems, fmt.Sprintf("http.admin_roles: role %q is not declared", r))
			}
		}
	}
	switch c.Throttle.Kind {
	case "memory":
	case "redis":
		if c.Throttle.MaxFailures > 0 && c.Throttle.Redis.Addr == "" {
			problems = append(problems, "throttle.redis.addr is required for the redis throttle")
		}
	default:
		problems = append(problems, fmt.Sprintf("throttle.kind %q is not supported", c.Throttle.Kind))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// BuildKey turns a KeyConfig into a signing key. Retired RS256 keys may
// carry only a public key.
func BuildKey(k KeyConfig) (auth.SigningKey, error) {
	switch strings.ToUpper(k.Algorithm) {
	case "HS256":
		return auth.NewHS256Key(k.ID, []byte(k.Secret))
	case "RS256", "":
		if k.PrivateKeyPEM != "" {
			return auth.NewRS256Key(k.ID, k.PrivateKeyPEM)
		}
		return auth.NewRS256VerifyKey(k.ID, k.PublicKeyPEM)
	default:
		return auth.SigningKey{}, fmt.Errorf("unsupported algorithm %q", k.Algorithm)
	}
}

// KeyRing builds the active key plus any retired keys still inside their
// grace window at now.
func (c *Config) KeyRing(now time.Time) (*auth.KeyRing, error) {
	active, err := BuildKey(c.Keys.Active)
	if err != nil {
		return nil, fmt.Errorf("active key: %w", err)
	}
	ring, err := auth.NewKeyRing(active, c.Token.AccessTTL+c.Token.Leeway)
	if err != nil {
		return nil, err
	}
	for _, r := range c.Keys.Retired {
		if !r.RetireUntil.After(now) {
			continue
		}
		key, err := BuildKey(r.KeyConfig)
		if err != nil {
			return nil, fmt.Errorf("retired key %s: %w", r.ID, err)
		}
		ring.Retire(key, r.RetireUntil)
	}
	return ring, nil
}

// RoleSet returns the configured role set, or the defaults when none are
// declared.
func (c *Config) RoleSet() (*auth.RoleSet, error) {
	if len(c.Roles) == 0 {
		return auth.NewRoleSet(auth.DefaultRoles...)
	}
	specs := make([]auth.RoleSpec, 0, len(c.Roles))
	for _, r := range c.Roles {
		specs = append(specs, auth.RoleSpec{
			Name:      auth.Role(r.Name),
			Namespace: r.Namespace,
			Scope:     auth.Scope(r.Scope),
		})
	}
	return auth.NewRoleSet(specs...)
}

// ServiceOptions converts the token, password and role sections into
// auth.Service options.
func (c *Config) ServiceOptions() ([]auth.ServiceOption, error) {
	roles, err := c.RoleSet()
	if err != nil {
		return nil, err
	}
	return []auth.ServiceOption{
		auth.WithIssuer(c.Token.Issuer),
		auth.WithAccessTTL(c.Token.AccessTTL),
		auth.WithRefreshTTL(c.Token.RefreshTTL),
		auth.WithLeeway(c.Token.Leeway),
		auth.WithMaxSessionAge(c.Token.MaxSessionAge),
		auth.WithRoles(roles),
		auth.WithCredentialPolicy(auth.CredentialPolicy{MinLength: c.Password.MinLength}),
		auth.WithHashParams(auth.HashParams{
			Memory:      c.Password.Memory,
			Time:        c.Password.Time,
			Parallelism: c.Password.Parallelism,
		}),
	}, nil
}

// AdminRoles returns http.admin_roles as auth roles.
func (c *Config) AdminRoles() []auth.Role {
	out := make([]auth.Role, 0, len(c.HTTP.AdminRoles))
	for _, r := range c.HTTP.AdminRoles {
		out = append(out, auth.Role(r))
	}
	return out
}

// HashKey is the refresh secret HMAC key.
func (c *Config) HashKey() []byte { return []byte(c.Token.RefreshHashKey) }

// ThrottleEnabled reports whether failed logins are counted.
func (c *Config) ThrottleEnabled() bool { return c.Throttle.MaxFailures > 0 }
