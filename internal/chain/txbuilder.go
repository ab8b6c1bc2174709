package chain

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/config/netmode"
	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
)

// DefaultValidBlocks is how many blocks past the current height a transaction
// stays valid.
const DefaultValidBlocks = 100

// AccountFromWIF builds a signing account from a WIF-encoded key.
func AccountFromWIF(wif string) (*wallet.Account, error) {
	acc, err := wallet.NewAccountFromWIF(strings.TrimSpace(wif))
	if err != nil {
		return nil, fmt.Errorf("decode wif: %w", err)
	}
	return acc, nil
}

// AccountFromPrivateKey builds a signing account from a hex-encoded private key.
func AccountFromPrivateKey(privateKeyHex string) (*wallet.Account, error) {
	key, err := keys.NewPrivateKeyFromHex(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return wallet.NewAccountFromPrivateKey(key), nil
}

// TxBuilder turns a successful test invocation into a signed transaction.
type TxBuilder struct {
	client      *Client
	magic       netmode.Magic
	validBlocks uint32
}

// NewTxBuilder creates a builder for the given network.
func NewTxBuilder(client *Client, networkID uint32, validBlocks uint32) *TxBuilder {
	if validBlocks == 0 {
		validBlocks = DefaultValidBlocks
	}
	return &TxBuilder{client: client, magic: netmode.Magic(networkID), validBlocks: validBlocks}
}

// BuildAndSignTx builds a transaction from the invocation script, prices it and
// signs it with acc. The hash is final once this returns.
func (b *TxBuilder) BuildAndSignTx(ctx context.Context, res *InvokeResult, acc *wallet.Account, scope transaction.WitnessScope) (*transaction.Transaction, error) {
	script, err := base64.StdEncoding.DecodeString(res.Script)
	if err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	sysFee, err := strconv.ParseInt(res.GasConsumed, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse gas consumed %q: %w", res.GasConsumed, err)
	}

	height, err := b.client.GetBlockCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block count: %w", err)
	}

	tx := transaction.New(script, sysFee)
	tx.Nonce = rand.Uint32()
	tx.ValidUntilBlock = uint32(height) + b.validBlocks
	tx.Signers = []transaction.Signer{{Account: acc.ScriptHash(), Scopes: scope}}
	// The node prices verification from the verification script.
	tx.Scripts = []transaction.Witness{{VerificationScript: acc.GetVerificationScript()}}

	netFee, err := b.client.CalculateNetworkFee(ctx, tx.Bytes())
	if err != nil {
		return nil, fmt.Errorf("calculate network fee: %w", err)
	}
	tx.NetworkFee = netFee

	if err := acc.SignTx(b.magic, tx); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}

// BroadcastTx sends a signed transaction and returns its hash.
func (b *TxBuilder) BroadcastTx(ctx context.Context, tx *transaction.Transaction) (util.Uint256, error) {
	if _, err := b.client.SendRawTransaction(ctx, base64.StdEncoding.EncodeToString(tx.Bytes())); err != nil {
		return util.Uint256{}, err
	}
	return tx.Hash(), nil
}

// HashString renders a transaction or contract hash the way the node does.
func HashString(h interface{ StringLE() string }) string {
	return "0x" + h.StringLE()
}
