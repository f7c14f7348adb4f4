package token

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestNewChainMirrorValidatesConfig(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(Units(1))

	_, err := NewChainMirror(ctx, ledger, MirrorConfig{})
	require.ErrorContains(t, err, "rpc url")

	_, err = NewChainMirror(ctx, ledger, MirrorConfig{RPCURL: "http://127.0.0.1:8545", TokenAddress: "nope"})
	require.ErrorContains(t, err, "token address")

	_, err = NewChainMirror(ctx, ledger, MirrorConfig{
		RPCURL:       "http://127.0.0.1:8545",
		TokenAddress: "0x00000000000000000000000000000000000000aa",
	})
	require.ErrorContains(t, err, "private key")
}

func TestParsePrivateKeyAcceptsPrefix(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	raw := "0x" + hex.EncodeToString(crypto.FromECDSA(key))

	parsed, err := parsePrivateKey(raw)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(parsed.PublicKey))

	_, err = parsePrivateKey("0xzz")
	require.Error(t, err)
}
