package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

type testSecret string

func (s testSecret) String() string { return "[REDACTED]" }

type redisSection struct {
	URI      string        `env:"URI" envDefault:"redis://localhost:6379/0" yaml:"uri" json:"uri"`
	Password testSecret    `env:"PASSWORD" yaml:"password" json:"password"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"2s" yaml:"timeout" json:"timeout"`
}

type gatewayConfig struct {
	Listen       string         `env:"LISTEN" envDefault:":8080" yaml:"listen" json:"listen"`
	AssertionTTL time.Duration  `env:"ASSERTION_TTL" envDefault:"60s" yaml:"assertion_ttl"`
	PublicPaths  []string       `env:"PUBLIC_PATHS" envDefault:"/healthz, /api/v1/auth/" yaml:"public_paths"`
	MaxKeys      uint16         `env:"MAX_KEYS" envDefault:"64"`
	SampleRatio  float64        `env:"SAMPLE_RATIO" envDefault:"0.5"`
	TrustedProxy netip.Prefix   `env:"TRUSTED_PROXY"`
	Strict       bool           `env:"STRICT" envDefault:"true"`
	Blacklist    redisSection   `env:"BLACKLIST" yaml:"blacklist" json:"blacklist"`
	Issuer       string         `env:"ISSUER" required:"true" yaml:"issuer" json:"issuer"`
	Extra        map[string]int `yaml:"extra"`
}

type validatedSection struct {
	Min int `env:"MIN" envDefault:"1"`
	Max int `env:"MAX" envDefault:"10"`
}

func (v *validatedSection) Validate() error {
	if v.Min > v.Max {
		return sserr.New(sserr.CodeValidationRange, "min exceeds max")
	}
	return nil
}

type outerConfig struct {
	Name  string           `env:"NAME" envDefault:"outer"`
	Inner validatedSection `env:"INNER"`
	calls *int
}

func (o *outerConfig) Validate() error {
	if o.calls != nil {
		*o.calls++
	}
	if o.Name == "bad" {
		return os.ErrInvalid
	}
	return nil
}

func loaderWithEnv(env map[string]string) *Loader {
	l := New()
	l.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return l
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	t.Parallel()
	var cfg gatewayConfig
	err := loaderWithEnv(map[string]string{"ISSUER": "edge"}).Load(&cfg)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 60*time.Second, cfg.AssertionTTL)
	assert.Equal(t, []string{"/healthz", "/api/v1/auth/"}, cfg.PublicPaths)
	assert.Equal(t, uint16(64), cfg.MaxKeys)
	assert.InDelta(t, 0.5, cfg.SampleRatio, 1e-9)
	assert.True(t, cfg.Strict)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Blacklist.URI)
	assert.Equal(t, 2*time.Second, cfg.Blacklist.Timeout)
}

func TestLoader_EnvPrefixAndNesting(t *testing.T) {
	t.Parallel()
	var cfg gatewayConfig
	err := loaderWithEnv(map[string]string{
		"GATEWAY_ISSUER":             "edge",
		"GATEWAY_BLACKLIST_URI":      "redis://cache:6379/2",
		"GATEWAY_BLACKLIST_PASSWORD": "s3cret",
		"GATEWAY_TRUSTED_PROXY":      "10.0.0.0/8",
		"ISSUER":                     "ignored-without-prefix",
	}).WithEnvPrefix("gateway").Load(&cfg)
	require.NoError(t, err)

	assert.Equal(t, "edge", cfg.Issuer)
	assert.Equal(t, "redis://cache:6379/2", cfg.Blacklist.URI)
	assert.Equal(t, testSecret("s3cret"), cfg.Blacklist.Password)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/8"), cfg.TrustedProxy)
}

func TestLoader_Precedence(t *testing.T) {
	t.Parallel()
	file := writeFile(t, "gateway.yaml", "listen: \":9000\"\nissuer: from-file\nblacklist:\n  uri: redis://file:6379/0\n")
	dotenv := writeFile(t, ".env", "ISSUER=from-dotenv\nLISTEN=:9100\n")

	var cfg gatewayConfig
	err := loaderWithEnv(map[string]string{"ISSUER": "from-env"}).
		WithFile(file).
		WithDotEnv(dotenv).
		Load(&cfg)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Issuer, "process env wins over dotenv")
	assert.Equal(t, ":9100", cfg.Listen, "dotenv wins over file")
	assert.Equal(t, "redis://file:6379/0", cfg.Blacklist.URI, "file wins over default")
	assert.Equal(t, 2*time.Second, cfg.Blacklist.Timeout, "default kept")
}

func TestLoader_JSONFile(t *testing.T) {
	t.Parallel()
	file := writeFile(t, "gateway.json", `{"listen":":7000","issuer":"json"}`)

	var cfg gatewayConfig
	require.NoError(t, loaderWithEnv(nil).WithFile(file).Load(&cfg))
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "json", cfg.Issuer)
}

func TestLoader_MissingFilesIgnored(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var cfg gatewayConfig
	err := loaderWithEnv(map[string]string{"ISSUER": "x"}).
		WithFile(filepath.Join(dir, "absent.yaml")).
		WithDotEnv(filepath.Join(dir, "absent.env")).
		Load(&cfg)
	require.NoError(t, err)
}

func TestLoader_FileErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"unsupported extension", func(t *testing.T) string { return writeFile(t, "c.toml", "a=1") }},
		{"traversal", func(t *testing.T) string { return "../etc/config.yaml" }},
		{"invalid yaml", func(t *testing.T) string { return writeFile(t, "c.yaml", "listen: [") }},
		{"invalid json", func(t *testing.T) string { return writeFile(t, "c.json", "{") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var cfg gatewayConfig
			err := loaderWithEnv(map[string]string{"ISSUER": "x"}).WithFile(tt.path(t)).Load(&cfg)
			require.Error(t, err)
			assert.Equal(t, sserr.CodeInternalConfiguration, sserr.GetCode(err))
		})
	}
}

func TestLoader_InvalidValues(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"ASSERTION_TTL": "sixty",
		"STRICT":        "maybe",
		"MAX_KEYS":      "-1",
		"SAMPLE_RATIO":  "half",
		"TRUSTED_PROXY": "not-a-prefix",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Parallel()
			var cfg gatewayConfig
			err := loaderWithEnv(map[string]string{"ISSUER": "x", key: val}).Load(&cfg)
			require.Error(t, err)
			assert.Equal(t, sserr.CodeInternalConfiguration, sserr.GetCode(err))
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoader_RequiredMissing(t *testing.T) {
	t.Parallel()
	var cfg gatewayConfig
	err := loaderWithEnv(nil).Load(&cfg)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeValidationRequired, sserr.GetCode(err))
	assert.Contains(t, err.Error(), "Issuer")
}

func TestLoader_ValidatorsInnermostFirst(t *testing.T) {
	t.Parallel()
	calls := 0
	cfg := outerConfig{calls: &calls}
	err := loaderWithEnv(map[string]string{"INNER_MIN": "20"}).Load(&cfg)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeValidationRange, sserr.GetCode(err))
	assert.Equal(t, 0, calls, "outer validator must not run after inner failure")
}

func TestLoader_ValidatorStdlibErrorWrapped(t *testing.T) {
	t.Parallel()
	calls := 0
	cfg := outerConfig{calls: &calls}
	err := loaderWithEnv(map[string]string{"NAME": "bad"}).Load(&cfg)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeValidation, sserr.GetCode(err))
	assert.ErrorIs(t, err, os.ErrInvalid)
	assert.Equal(t, 1, calls)
}

func TestLoader_RejectsNonStruct(t *testing.T) {
	t.Parallel()
	var s string
	for _, target := range []any{nil, gatewayConfig{}, &s} {
		err := New().Load(target)
		require.Error(t, err)
		assert.Equal(t, sserr.CodeInternalConfiguration, sserr.GetCode(err))
	}
}

func TestMustLoad(t *testing.T) {
	t.Parallel()
	cfg := MustLoad[gatewayConfig](loaderWithEnv(map[string]string{"ISSUER": "edge"}))
	assert.Equal(t, "edge", cfg.Issuer)

	assert.Panics(t, func() {
		MustLoad[gatewayConfig](loaderWithEnv(nil))
	})
}
