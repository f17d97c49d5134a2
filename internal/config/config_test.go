package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

const baseYAML = `
server:
  port: ":9090"
storage: postgres
db:
  host: db.internal
  port: 5432
  user: tripforge
  password: ${DB_PASSWORD}
  name: tripforge
jwt:
  secret: base-secret
oracle:
  providers:
    - name: primary
      model: gpt-4o-mini
      api_key: key-from-base
engine:
  batch_size: 25
rates:
  table:
    EUR: 0.93
`

func load(t *testing.T, dir, env string) (*Config, error) {
	t.Helper()
	t.Setenv("CONFIG_DIR", dir)
	t.Setenv("CONFIG_ENV", env)
	return Load()
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{"base.yaml": baseYAML})

	cfg, err := load(t, dir, "base")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.Equal(t, 25, cfg.Engine.BatchSize)
	// 没写的字段落默认值
	assert.Equal(t, 3, cfg.Engine.WorkerCount)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Engine.StaleProcessingTimeout)
	assert.Equal(t, "Zurich", cfg.Engine.HomeCity)
	assert.Equal(t, "CHF", cfg.Rates.ReportingCurrency)
	assert.Equal(t, 90*time.Second, cfg.Oracle.CallTimeout)
}

func TestLoadEnvOverlayWins(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		"base.yaml": baseYAML,
		"local.yaml": `
storage: memory
jwt:
  secret: local-secret
`,
	})

	cfg, err := load(t, dir, "local")
	require.NoError(t, err)

	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, "local-secret", cfg.JWT.Secret)
	// 覆盖层没动的字段保持 base 的值
	assert.Equal(t, "db.internal", cfg.DB.Host)
}

func TestLoadSecretsSubstitution(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		"base.yaml":   baseYAML,
		"secrets.env": "DB_PASSWORD=from-secrets\n",
	})

	cfg, err := load(t, dir, "base")
	require.NoError(t, err)
	assert.Equal(t, "from-secrets", cfg.DB.Password)
}

func TestLoadEnvVarsBeatEverything(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{"base.yaml": baseYAML})
	t.Setenv("SERVER_PORT", ":7070")
	t.Setenv("JWT_SECRET", "env-secret")

	cfg, err := load(t, dir, "base")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Port)
	assert.Equal(t, "env-secret", cfg.JWT.Secret)
}

func TestLoadOracleAPIKeyFallback(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		"base.yaml": `
jwt:
  secret: s
oracle:
  providers:
    - name: primary
      model: gpt-4o-mini
    - name: secondary
      model: deepseek-chat
      api_key: explicit
`,
	})
	t.Setenv("ORACLE_API_KEY", "shared-key")

	cfg, err := load(t, dir, "base")
	require.NoError(t, err)
	assert.Equal(t, "shared-key", cfg.Oracle.Providers[0].APIKey)
	assert.Equal(t, "explicit", cfg.Oracle.Providers[1].APIKey)
}

func TestLoadRejectsUnknownStorage(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		"base.yaml": `
storage: cassandra
jwt:
  secret: s
oracle:
  providers:
    - name: p
      model: m
`,
	})

	_, err := load(t, dir, "base")
	assert.Error(t, err)
}

func TestLoadRequiresOracleProvider(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		"base.yaml": `
jwt:
  secret: s
`,
	})

	_, err := load(t, dir, "base")
	assert.Error(t, err)
}
