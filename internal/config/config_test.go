package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qazna.org/authcore/internal/auth"
)

const testYAML = `
app:
  env: PROD
token:
  issuer: qazna-test
  access_ttl: 10m
  refresh_hash_key: 0123456789abcdef0123456789abcdef
keys:
  active:
    id: hs-1
    algorithm: HS256
    secret: signing-secret-0123456789abcdef!
roles:
  - name: admin
    namespace: staff
    scope: global
  - name: member
    scope: tenant
throttle:
  max_failures: 3
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "authcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAMLWithDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	require.NoError(t, err)

	require.Equal(t, "prod", cfg.App.Env)
	require.Equal(t, 10*time.Minute, cfg.Token.AccessTTL)
	require.Equal(t, 14*24*time.Hour, cfg.Token.RefreshTTL)
	require.Equal(t, 5*time.Second, cfg.Token.Leeway)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Empty(t, cfg.GRPC.Addr)
	require.Equal(t, time.Hour, cfg.Maintenance.PurgeInterval)
	require.True(t, cfg.ThrottleEnabled())
	require.Equal(t, []auth.Role{"admin"}, cfg.AdminRoles())
	require.False(t, cfg.HTTP.AllowGlobalJoin)

	roles, err := cfg.RoleSet()
	require.NoError(t, err)
	spec, ok := roles.Lookup("admin")
	require.True(t, ok)
	require.Equal(t, auth.ScopeGlobal, spec.Scope)
	require.Equal(t, "staff", spec.Namespace)
	require.False(t, roles.Contains("moderator"))
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("AUTHCORE_ACCESS_TTL", "5m")
	t.Setenv("AUTHCORE_HTTP_ADDR", ":9090")
	t.Setenv("AUTHCORE_GRPC_ADDR", ":9091")
	t.Setenv("AUTHCORE_THROTTLE_MAX_FAILURES", "0")

	cfg, err := Load(writeConfig(t, testYAML))
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.Token.AccessTTL)
	require.Equal(t, ":9090", cfg.HTTP.Addr)
	require.Equal(t, ":9091", cfg.GRPC.Addr)
	require.False(t, cfg.ThrottleEnabled())
}

func TestAdminRolesAndGlobalJoin(t *testing.T) {
	body := strings.Replace(testYAML, "roles:\n", `http:
  admin_roles: [operator]
  allow_global_join: true
roles:
  - name: operator
    namespace: staff
    scope: global
`, 1)
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	require.Equal(t, []auth.Role{"operator"}, cfg.AdminRoles())
	require.True(t, cfg.HTTP.AllowGlobalJoin)

	t.Setenv("AUTHCORE_ADMIN_ROLES", " admin, operator ")
	t.Setenv("AUTHCORE_ALLOW_GLOBAL_JOIN", "false")
	cfg, err = Load(writeConfig(t, body))
	require.NoError(t, err)
	require.Equal(t, []auth.Role{"admin", "operator"}, cfg.AdminRoles())
	require.False(t, cfg.HTTP.AllowGlobalJoin)

	t.Setenv("AUTHCORE_ADMIN_ROLES", "root")
	_, err = Load(writeConfig(t, body))
	require.Error(t, err)
	require.Contains(t, err.Error(), "http.admin_roles")
}

func TestEnvOverrideParseError(t *testing.T) {
	t.Setenv("AUTHCORE_LEEWAY", "soon")
	_, err := Load(writeConfig(t, testYAML))
	require.Error(t, err)
	require.Contains(t, err.Error(), "AUTHCORE_LEEWAY")
}

func TestValidateRejectsUnsafeValues(t *testing.T) {
	base := func() *Config {
		c := Default()
		c.Token.RefreshHashKey = strings.Repeat("k", 32)
		c.Keys.Active.Algorithm = "HS256"
		c.Keys.Active.Secret = strings.Repeat("s", 32)
		return c
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(*Config){
		"access ttl too long": func(c *Config) { c.Token.AccessTTL = 2 * time.Hour },
		"leeway too large":    func(c *Config) { c.Token.Leeway = 2 * time.Minute },
		"short hash key":      func(c *Config) { c.Token.RefreshHashKey = "short" },
		"short hmac secret":   func(c *Config) { c.Keys.Active.Secret = "short" },
		"rsa without pem":     func(c *Config) { c.Keys.Active.Algorithm = "RS256" },
		"unknown algorithm":   func(c *Config) { c.Keys.Active.Algorithm = "none" },
		"argon2 memory":       func(c *Config) { c.Password.Memory = auth.MaxHashMemory + 1 },
		"argon2 time":         func(c *Config) { c.Password.Time = auth.MaxHashTime + 1 },
		"undeclared admin":    func(c *Config) { c.HTTP.AdminRoles = []string{"root"} },
		"no admin roles":      func(c *Config) { c.HTTP.AdminRoles = nil },
		"redis without addr": func(c *Config) {
			c.Throttle.Kind = "redis"
			c.Throttle.MaxFailures = 2
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			require.Error(t, c.Validate())
		})
	}
}

func TestKeyRingFromFilesAndRetiredKeys(t *testing.T) {
	dir := t.TempDir()
	privatePEM, publicPEM, err := auth.GenerateRSAKey(2048)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "active.pem"), []byte(privatePEM), 0o600))

	_, oldPublic, err := auth.GenerateRSAKey(2048)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.pub"), []byte(oldPublic), 0o600))

	now := time.Now().UTC()
	body := `
token:
  refresh_hash_key: 0123456789abcdef0123456789abcdef
keys:
  active:
    id: rs-new
    private_key_file: active.pem
  retired:
    - id: rs-old
      public_key_file: old.pub
      retire_until: ` + now.Add(time.Hour).Format(time.RFC3339) + `
    - id: rs-gone
      public_key_pem: |
` + indent(publicPEM, "        ") + `
      retire_until: ` + now.Add(-time.Hour).Format(time.RFC3339) + `
`
	path := filepath.Join(dir, "authcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	ring, err := cfg.KeyRing(now)
	require.NoError(t, err)
	ids := ring.KeyIDs()
	require.Contains(t, ids, "rs-new")
	require.Contains(t, ids, "rs-old")
	require.NotContains(t, ids, "rs-gone")

	signing, err := ring.SigningKey()
	require.NoError(t, err)
	require.Equal(t, "rs-new", signing.ID)
}

func TestServiceOptionsBuildService(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	require.NoError(t, err)
	opts, err := cfg.ServiceOptions()
	require.NoError(t, err)
	require.NotEmpty(t, opts)

	key, err := BuildKey(cfg.Keys.Active)
	require.NoError(t, err)
	require.Equal(t, "hs-1", key.ID)
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
