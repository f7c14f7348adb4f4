package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tokensale/internal/config"
	"tokensale/internal/idempotency"
	"tokensale/internal/sale"
	"tokensale/internal/token"
)

// OptionsFromConfig translates the loaded configuration into deployment
// options and opens the configured idempotency store.
func OptionsFromConfig(ctx context.Context, cfg *config.AppConfig) (Options, error) {
	seed := cfg.Seed
	supply, err := seed.Supply()
	if err != nil {
		return Options{}, err
	}

	tiers := make([]sale.Tier, 0, len(seed.Sale.Tiers))
	for _, t := range seed.Sale.Tiers {
		tiers = append(tiers, sale.Tier{
			Start:   time.Unix(t.Start, 0).UTC(),
			End:     time.Unix(t.End, 0).UTC(),
			Percent: t.Percent,
		})
	}
	schedule, err := sale.NewTiers(tiers...)
	if err != nil {
		return Options{}, err
	}

	store, err := OpenStore(ctx, cfg.Service)
	if err != nil {
		return Options{}, err
	}

	opts := Options{
		Owners:          seed.OwnerAddresses(),
		Threshold:       seed.Threshold,
		Supply:          supply,
		CapPercent:      seed.Sale.CapPercent,
		TokenPriceCents: seed.Sale.TokenPriceCents,
		EndTime:         time.Unix(seed.Sale.EndTime, 0).UTC(),
		Tiers:           schedule,
		EthPriceCents:   seed.Sale.EthPriceCents,
		Bootstrap:       seed.Sale.EthPriceCents > 0,
		Store:           store,
	}
	if seed.Sale.Distributor != "" {
		opts.Distributor = common.HexToAddress(seed.Sale.Distributor)
	}
	if seed.Minter.Owner != "" {
		opts.MinterOwner = common.HexToAddress(seed.Minter.Owner)
	}
	if cfg.Chain.RPCURL != "" {
		opts.Mirror = &token.MirrorConfig{
			RPCURL:         cfg.Chain.RPCURL,
			PrivateKeyHex:  cfg.Chain.PrivateKey,
			TokenAddress:   cfg.Chain.TokenAddress,
			ReceiptTimeout: cfg.Chain.ReceiptTimeout,
		}
	}
	return opts, nil
}

func OpenStore(ctx context.Context, svc config.ServiceConfig) (idempotency.Store, error) {
	var (
		store idempotency.Store
		err   error
	)
	switch svc.StoreType {
	case "", "memory":
		store = idempotency.NewMemoryStore()
	case "file":
		store, err = idempotency.NewFileStore(svc.StorePath)
	case "sqlite":
		store, err = idempotency.NewSQLiteStore(svc.StorePath)
	case "postgres":
		store, err = idempotency.NewPostgresStore(ctx, svc.PostgresDSN)
	default:
		err = fmt.Errorf("unknown store type %q", svc.StoreType)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", svc.StoreType, err)
	}
	return store, nil
}
