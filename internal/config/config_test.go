package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://gateway:pw@localhost/gateway?sslmode=disable
node:
  rpc_url: http://localhost:8081/rpc
keystore:
  master_secret: "000102030405060708090a0b0c0d0e0f"
server:
  listen_addr: ":9090"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 60, cfg.Messages.DefaultExpirationSec)
	assert.True(t, cfg.Database.MigrateOnStart, "migrate_on_start default lost")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://file/db
node:
  rpc_url: http://file
keystore:
  master_secret: "aa"
`)
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("TON_NODE_RPC_URL", "http://env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
	assert.Equal(t, "http://env", cfg.Node.RPCURL)
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://x/y
node:
  rpc_url: http://x
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsNonHexSecret(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://x/y
node:
  rpc_url: http://x
keystore:
  master_secret: "not-hex"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 15*time.Second, cfg.NodeTimeout())
	assert.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime())
	assert.Equal(t, 10*time.Second, cfg.CallbackTimeout())
	assert.Equal(t, 60*time.Second, cfg.DefaultExpiration())
	assert.Equal(t, 30*time.Second, cfg.UnsignedSweepInterval())
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout())
}
