package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLoaderConfig(files ...string) aconfig.Config {
	return aconfig.Config{
		EnvPrefix: "KART",
		SkipFlags: true,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("KART_DATABASE_URL", "postgres://localhost/kart")
	t.Setenv("KART_API_KEY_PEPPER", "pepper")

	cfg, err := loadConfig(testLoaderConfig())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Addr)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, "postgres://localhost/kart", cfg.DatabaseURL)
	assert.Equal(t, 100, cfg.RateLimit.Max)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, []string{"*"}, cfg.CORS.Origins)
	assert.Equal(t, 3*time.Second, cfg.Graceful.ReadinessDelay)
	assert.Equal(t, 15*time.Second, cfg.Graceful.ShutdownTimeout)
}

func TestLoadConfig_PlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/kart")
	t.Setenv("PORT", "9090")
	t.Setenv("KART_API_KEY_PEPPER", "pepper")

	cfg, err := loadConfig(testLoaderConfig())
	require.NoError(t, err)
	assert.Equal(t, "postgres://platform/kart", cfg.DatabaseURL)
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store: memory
rules_file: rules.jsonl.gz
api_key_pepper: from-file
rate_limit:
  max: 5
  window: 10s
`), 0o600))

	cfg, err := loadConfig(testLoaderConfig(path))
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "rules.jsonl.gz", cfg.RulesFile)
	assert.Equal(t, "from-file", cfg.APIKeyPepper)
	assert.Equal(t, 5, cfg.RateLimit.Max)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Window)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "MissingDatabaseURL",
			env:     map[string]string{"KART_API_KEY_PEPPER": "p"},
			wantErr: "database URL is required",
		},
		{
			name:    "UnknownStore",
			env:     map[string]string{"KART_STORE": "redis", "KART_API_KEY_PEPPER": "p"},
			wantErr: `unknown store "redis"`,
		},
		{
			name:    "MissingPepper",
			env:     map[string]string{"KART_STORE": "memory"},
			wantErr: "API key pepper is required",
		},
		{
			name: "ZeroRateLimit",
			env: map[string]string{
				"KART_STORE":          "memory",
				"KART_API_KEY_PEPPER": "p",
				"KART_RATE_LIMIT_MAX": "0",
			},
			wantErr: "rate limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := loadConfig(testLoaderConfig())
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
