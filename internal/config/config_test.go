package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const seedJSON = `{
  "owners": [
    "0x1000000000000000000000000000000000000000",
    "0x1000000000000000000000000000000000000001",
    "0x1000000000000000000000000000000000000002"
  ],
  "threshold": 2,
  "token": {"supply": "36000000000000000000000000"},
  "sale": {
    "tokenPriceCents": 200,
    "ethPriceCents": 30000,
    "capPercent": 75,
    "endTime": 1893445199,
    "distributor": "0xd000000000000000000000000000000000000001",
    "tiers": [{"start": 1538946000, "end": 1539550799, "percent": 15}]
  },
  "minter": {"owner": "0x1000000000000000000000000000000000000002"},
  "secrets": {"0x1000000000000000000000000000000000000000": "owner-0-secret"}
}`

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadReadsSeedAndEnvironment(t *testing.T) {
	t.Setenv("SALE_SEED_PATH", writeSeed(t, seedJSON))
	t.Setenv("SALE_HTTP_PORT", "8081")
	t.Setenv("SALE_STORE_TYPE", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8081, cfg.Service.HTTPPort)
	require.Equal(t, "memory", cfg.Service.StoreType)
	require.Equal(t, "info", cfg.Service.LogLevel)
	require.Equal(t, 2, cfg.Seed.Threshold)
	require.Len(t, cfg.Seed.OwnerAddresses(), 3)

	supply, err := cfg.Seed.Supply()
	require.NoError(t, err)
	require.Equal(t, "36000000000000000000000000", supply.String())

	secrets := cfg.Seed.PrincipalSecrets()
	require.Equal(t, []byte("owner-0-secret"), secrets[common.HexToAddress("0x1000000000000000000000000000000000000000")])
}

func TestLoadRejectsBadStoreType(t *testing.T) {
	t.Setenv("SALE_SEED_PATH", writeSeed(t, seedJSON))
	t.Setenv("SALE_STORE_TYPE", "redis")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadSeedValidates(t *testing.T) {
	_, err := LoadSeed(writeSeed(t, `{"owners": [], "threshold": 1}`))
	require.Error(t, err)

	_, err = LoadSeed(writeSeed(t, `{"owners": ["0x1000000000000000000000000000000000000000"], "threshold": 2}`))
	require.Error(t, err)
}
