package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// SeedConfig models seed.json, the parameters of the deployment.
type SeedConfig struct {
	Owners    []string `json:"owners"`
	Threshold int      `json:"threshold"`
	Token     struct {
		Supply string `json:"supply"`
	} `json:"token"`
	Sale struct {
		TokenPriceCents uint64 `json:"tokenPriceCents"`
		EthPriceCents   uint64 `json:"ethPriceCents"`
		CapPercent      uint64 `json:"capPercent"`
		EndTime         int64  `json:"endTime"`
		Distributor     string `json:"distributor"`
		Tiers           []struct {
			Start   int64  `json:"start"`
			End     int64  `json:"end"`
			Percent uint64 `json:"percent"`
		} `json:"tiers"`
	} `json:"sale"`
	Minter struct {
		Owner string `json:"owner"`
	} `json:"minter"`
	// Secrets maps principal addresses to their HMAC secrets.
	Secrets map[string]string `json:"secrets"`
}

type AppConfig struct {
	Seed    SeedConfig
	Service ServiceConfig
	Chain   ChainConfig
}

type ServiceConfig struct {
	HTTPPort      int
	LogLevel      string
	HMACClockSkew time.Duration
	// StoreType is one of memory, file, sqlite or postgres.
	StoreType   string
	StorePath   string
	PostgresDSN string
	// SentryDSN, when set, forwards error logs to Sentry.
	SentryDSN string
}

// ChainConfig enables the on-chain token mirror when RPCURL is set.
type ChainConfig struct {
	RPCURL         string
	PrivateKey     string
	TokenAddress   string
	ReceiptTimeout time.Duration
}

var (
	SeedPath       = "SEED_PATH"
	HTTPPort       = "HTTP_PORT"
	LogLevel       = "LOG_LEVEL"
	HMACClockSkew  = "HMAC_CLOCK_SKEW_SECONDS"
	StoreType      = "STORE_TYPE"
	StorePath      = "STORE_PATH"
	PostgresDSN    = "POSTGRES_DSN"
	SentryDSN      = "SENTRY_DSN"
	RPCURL         = "CHAIN_RPC_URL"
	PrivateKey     = "CHAIN_PRIVATE_KEY"
	TokenAddress   = "CHAIN_TOKEN_ADDRESS"
	ReceiptTimeout = "CHAIN_RECEIPT_TIMEOUT_SECONDS"

	defaultSeedPath  = "seed.json"
	defaultStorePath = filepath.Join(os.TempDir(), "tokensale", "payments.sqlite")
)

// Load aggregates configuration from the seed file and SALE_ prefixed
// environment variables.
func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("SALE")
	v.AutomaticEnv()

	v.SetDefault(SeedPath, defaultSeedPath)
	v.SetDefault(HTTPPort, 3000)
	v.SetDefault(LogLevel, "info")
	v.SetDefault(HMACClockSkew, 60)
	v.SetDefault(StoreType, "sqlite")
	v.SetDefault(StorePath, defaultStorePath)
	v.SetDefault(ReceiptTimeout, 60)

	seed, err := LoadSeed(v.GetString(SeedPath))
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	cfg := &AppConfig{
		Seed: *seed,
		Service: ServiceConfig{
			HTTPPort:      v.GetInt(HTTPPort),
			LogLevel:      v.GetString(LogLevel),
			HMACClockSkew: time.Duration(v.GetInt(HMACClockSkew)) * time.Second,
			StoreType:     strings.ToLower(v.GetString(StoreType)),
			StorePath:     v.GetString(StorePath),
			PostgresDSN:   v.GetString(PostgresDSN),
			SentryDSN:     v.GetString(SentryDSN),
		},
		Chain: ChainConfig{
			RPCURL:         v.GetString(RPCURL),
			PrivateKey:     v.GetString(PrivateKey),
			TokenAddress:   v.GetString(TokenAddress),
			ReceiptTimeout: time.Duration(v.GetInt(ReceiptTimeout)) * time.Second,
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadSeed(path string) (*SeedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SeedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) validate() error {
	switch c.Service.StoreType {
	case "memory":
	case "file", "sqlite":
		if c.Service.StorePath == "" {
			return fmt.Errorf("store type %s needs a store path", c.Service.StoreType)
		}
	case "postgres":
		if c.Service.PostgresDSN == "" {
			return fmt.Errorf("store type postgres needs a dsn")
		}
	default:
		return fmt.Errorf("invalid store type: %s", c.Service.StoreType)
	}
	if c.Service.HTTPPort <= 0 {
		return fmt.Errorf("invalid http port: %d", c.Service.HTTPPort)
	}
	if c.Chain.RPCURL != "" && (c.Chain.PrivateKey == "" || !common.IsHexAddress(c.Chain.TokenAddress)) {
		return fmt.Errorf("chain mirror needs a private key and a token address")
	}
	return nil
}

func (s *SeedConfig) validate() error {
	if len(s.Owners) == 0 {
		return fmt.Errorf("seed: no owners")
	}
	for _, o := range s.Owners {
		if !common.IsHexAddress(o) {
			return fmt.Errorf("seed: invalid owner address %q", o)
		}
	}
	if s.Threshold < 1 || s.Threshold > len(s.Owners) {
		return fmt.Errorf("seed: threshold %d out of range", s.Threshold)
	}
	if _, err := s.Supply(); err != nil {
		return err
	}
	if s.Sale.TokenPriceCents == 0 || s.Sale.CapPercent == 0 || s.Sale.CapPercent > 100 {
		return fmt.Errorf("seed: token price and cap percent required")
	}
	if s.Sale.EndTime <= 0 {
		return fmt.Errorf("seed: end time required")
	}
	if s.Sale.Distributor != "" && !common.IsHexAddress(s.Sale.Distributor) {
		return fmt.Errorf("seed: invalid distributor %q", s.Sale.Distributor)
	}
	if s.Minter.Owner != "" && !common.IsHexAddress(s.Minter.Owner) {
		return fmt.Errorf("seed: invalid minter owner %q", s.Minter.Owner)
	}
	for addr, secret := range s.Secrets {
		if !common.IsHexAddress(addr) || secret == "" {
			return fmt.Errorf("seed: invalid secret entry for %q", addr)
		}
	}
	return nil
}

// Supply is the total token supply in token units.
func (s *SeedConfig) Supply() (*big.Int, error) {
	supply, ok := new(big.Int).SetString(s.Token.Supply, 10)
	if !ok || supply.Sign() <= 0 {
		return nil, fmt.Errorf("seed: invalid token supply %q", s.Token.Supply)
	}
	return supply, nil
}

func (s *SeedConfig) OwnerAddresses() []common.Address {
	out := make([]common.Address, 0, len(s.Owners))
	for _, o := range s.Owners {
		out = append(out, common.HexToAddress(o))
	}
	return out
}

// PrincipalSecrets returns the HMAC secret of each principal.
func (s *SeedConfig) PrincipalSecrets() map[common.Address][]byte {
	out := make(map[common.Address][]byte, len(s.Secrets))
	for addr, secret := range s.Secrets {
		out[common.HexToAddress(addr)] = []byte(secret)
	}
	return out
}
