package token

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	log "github.com/sirupsen/logrus"

	"tokensale/internal/chain"
)

// mintableABI is the slice of the ERC-20 token interface the mirror calls.
const mintableABI = `[
  {"type":"function","name":"mint","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

// ChainMirror keeps Ledger as the system of record and, once an operation has
// committed, submits the same issuance to an ERC-20 contract. Transfers
// between sale instances stay local: those addresses only exist in-process.
type ChainMirror struct {
	*Ledger

	client    *ethclient.Client
	contract  *bind.BoundContract
	address   common.Address
	transacts *bind.TransactOpts
	timeout   time.Duration
}

type MirrorConfig struct {
	RPCURL        string
	PrivateKeyHex string
	TokenAddress  string
	// ReceiptTimeout bounds how long a submitted mint is watched.
	ReceiptTimeout time.Duration
}

func NewChainMirror(ctx context.Context, ledger *Ledger, cfg MirrorConfig) (*ChainMirror, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("token address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for mirroring issuance")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(mintableABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	address := common.HexToAddress(cfg.TokenAddress)
	bound := bind.NewBoundContract(address, parsedABI, cli, cli, cli)

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}

	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &ChainMirror{
		Ledger:    ledger,
		client:    cli,
		contract:  bound,
		address:   address,
		transacts: txOpts,
		timeout:   timeout,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Mint issues on the ledger and schedules the on-chain mint for after commit.
func (m *ChainMirror) Mint(tx *chain.Tx, minter, to common.Address, amount *big.Int) error {
	if err := m.Ledger.Mint(tx, minter, to, amount); err != nil {
		return err
	}
	amount = new(big.Int).Set(amount)
	tx.OnCommit(func(ctx context.Context) error {
		return m.submitMint(ctx, to, amount)
	})
	return nil
}

func (m *ChainMirror) submitMint(ctx context.Context, to common.Address, amount *big.Int) error {
	opts := *m.transacts
	opts.Context = ctx

	submitted, err := m.contract.Transact(&opts, "mint", to, amount)
	if err != nil {
		return fmt.Errorf("mint tx: %w", err)
	}

	logger := log.WithFields(log.Fields{
		"token":  m.address.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
		"tx":     submitted.Hash().Hex(),
	})
	logger.Debug("mirrored mint submitted")

	go func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		receipt, err := WaitForReceipt(waitCtx, m.client, submitted)
		if err != nil {
			logger.WithError(err).Warn("mirrored mint not confirmed")
			return
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			logger.Error("mirrored mint reverted on chain")
			return
		}
		logger.WithField("block", receipt.BlockNumber).Info("mirrored mint confirmed")
	}()
	return nil
}

func (m *ChainMirror) Ping(ctx context.Context) error {
	if m.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := m.client.BlockNumber(ctx)
	return err
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && err.Error() != "not found" {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
