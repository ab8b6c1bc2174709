package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/core/state"
	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/smartcontract/nef"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/donation_ledger/internal/app/domain/ledger"
	apperrors "github.com/R3E-Network/donation_ledger/internal/errors"
	"github.com/R3E-Network/donation_ledger/pkg/logger"
)

// Native contract hashes.
const (
	GASContractHash        = "0xd2a4cff31913016155e38e474a2c06d08be276cf"
	ContractManagementHash = "0xfffdc93764dbaddd97c48f252a53ea4643faa3fd"
)

// LedgerConfig configures the donation ledger adapter.
type LedgerConfig struct {
	// Decimals of the donation token; GAS uses 8.
	Decimals    int32
	ValidBlocks uint32
	// NEF and Manifest are the compiled donation contract.
	NEF      []byte
	Manifest []byte
	// TransparencyContract, when set, receives a recordTransaction call after
	// every donation.
	TransparencyContract string
	WaitTimeout          time.Duration
	PollInterval         time.Duration
}

// Ledger deploys donation contracts and moves GAS into them using a single
// signing account. It is constructed once at start-up and shared.
type Ledger struct {
	client  *Client
	builder *TxBuilder
	account *wallet.Account
	cfg     LedgerConfig
	log     *logger.Logger
}

// NewLedger creates the adapter.
func NewLedger(client *Client, account *wallet.Account, cfg LedgerConfig, log *logger.Logger) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client required")
	}
	if account == nil {
		return nil, fmt.Errorf("signing account required")
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = GASDecimals
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultTxWaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if log == nil {
		log = logger.NewDefault("chain")
	}
	return &Ledger{
		client:  client,
		builder: NewTxBuilder(client, client.NetworkID(), cfg.ValidBlocks),
		account: account,
		cfg:     cfg,
		log:     log,
	}, nil
}

// Address returns the signing account's address.
func (l *Ledger) Address() string {
	return l.account.Address
}

// ValidateAddress checks that addr is a well-formed ledger address.
func (l *Ledger) ValidateAddress(addr string) error {
	if _, err := address.StringToUint160(strings.TrimSpace(addr)); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return nil
}

// DeployContract deploys a donation contract for one campaign and waits for
// the deployment to execute. The returned address is the contract hash.
func (l *Ledger) DeployContract(ctx context.Context, p ledger.DeployParams) (string, error) {
	if len(l.cfg.NEF) == 0 || len(l.cfg.Manifest) == 0 {
		return "", apperrors.Deployment("prepare", errors.New("contract artifacts not configured"), false)
	}
	file, err := nef.FileFromBytes(l.cfg.NEF)
	if err != nil {
		return "", apperrors.Deployment("prepare", fmt.Errorf("decode nef: %w", err), false)
	}
	name := gjson.GetBytes(l.cfg.Manifest, "name").String()
	if name == "" {
		return "", apperrors.Deployment("prepare", errors.New("manifest has no name"), false)
	}
	target, err := ToLedgerUnits(p.Target, l.cfg.Decimals)
	if err != nil {
		return "", apperrors.Validation("target: %v", err)
	}
	beneficiary, err := address.StringToUint160(p.BeneficiaryAddress)
	if err != nil {
		return "", apperrors.Validation("beneficiary address %q: %v", p.BeneficiaryAddress, err)
	}
	organization, err := address.StringToUint160(p.OrganizationAddress)
	if err != nil {
		return "", apperrors.Validation("organization address %q: %v", p.OrganizationAddress, err)
	}

	params := []ContractParam{
		NewByteArrayParam(l.cfg.NEF),
		NewStringParam(string(l.cfg.Manifest)),
		NewArrayParam(
			NewIntegerParam(target),
			NewHash160Param(HashString(beneficiary)),
			NewHash160Param(HashString(organization)),
		),
	}

	txHash, err := l.signAndSend(ctx, ContractManagementHash, "deploy", params, apperrors.Deployment)
	if err != nil {
		return "", err
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.WaitTimeout)
	defer cancel()
	appLog, err := l.client.WaitForApplicationLog(waitCtx, txHash, l.cfg.PollInterval)
	if err != nil {
		return "", apperrors.Deployment("confirm", fmt.Errorf("wait for %s: %w", txHash, err), false).
			WithDetails("tx_hash", txHash)
	}
	if len(appLog.Executions) == 0 || appLog.Executions[0].VMState != "HALT" {
		exception := ""
		if len(appLog.Executions) > 0 {
			exception = appLog.Executions[0].Exception
		}
		return "", apperrors.Deployment("execute", fmt.Errorf("deployment faulted: %s", exception), true).
			WithDetails("tx_hash", txHash)
	}

	contract := HashString(state.CreateContractHash(l.account.ScriptHash(), file.Checksum, name))
	l.log.WithFields(logrus.Fields{
		"tx_hash":  txHash,
		"contract": contract,
	}).Info("donation contract deployed")
	return contract, nil
}

// SubmitValueTransfer transfers amount of GAS from the signing account to the
// donation contract, tagging the transfer with the donor's script hash. It
// returns once the node accepted the transaction; it does not wait for a block.
//
// When the broadcast outcome is unknown the returned Submission still carries
// the hash and the error wraps ErrBroadcastUncertain.
func (l *Ledger) SubmitValueTransfer(ctx context.Context, contract string, amount decimal.Decimal, from string) (ledger.Submission, error) {
	units, err := ToLedgerUnits(amount, l.cfg.Decimals)
	if err != nil {
		return ledger.Submission{}, apperrors.Validation("amount: %v", err)
	}
	donor, err := address.StringToUint160(strings.TrimSpace(from))
	if err != nil {
		return ledger.Submission{}, apperrors.Validation("donor wallet %q: %v", from, err)
	}
	contractHash, err := util.Uint160DecodeStringLE(strings.TrimPrefix(contract, "0x"))
	if err != nil {
		return ledger.Submission{}, apperrors.Validation("contract address %q: %v", contract, err)
	}

	params := []ContractParam{
		NewHash160Param(HashString(l.account.ScriptHash())),
		NewHash160Param(HashString(contractHash)),
		NewIntegerParam(units),
		NewHash160Param(HashString(donor)),
	}
	res, err := l.client.InvokeFunctionWithSigners(ctx, GASContractHash, "transfer", params, HashString(l.account.ScriptHash()))
	if err != nil {
		return ledger.Submission{}, apperrors.Submission("simulate", err, true)
	}
	if res.State != "HALT" {
		return ledger.Submission{}, apperrors.Submission("simulate", fmt.Errorf("transfer faulted: %s", res.Exception), true)
	}
	if !transferAccepted(res.Stack) {
		return ledger.Submission{}, apperrors.Submission("simulate", errors.New("transfer refused: insufficient funds or payment rejected"), true)
	}

	tx, err := l.builder.BuildAndSignTx(ctx, res, l.account, transaction.CalledByEntry)
	if err != nil {
		return ledger.Submission{}, apperrors.Submission("build", err, true)
	}
	sub := ledger.Submission{TxHash: HashString(tx.Hash()), ValidUntilBlock: tx.ValidUntilBlock}
	if err := l.send(ctx, tx); err != nil {
		if errors.Is(err, apperrors.ErrBroadcastUncertain) {
			return sub, apperrors.Submission("broadcast", err, false).WithDetails("tx_hash", sub.TxHash)
		}
		return ledger.Submission{}, apperrors.Submission("broadcast", err, true)
	}

	if l.cfg.TransparencyContract != "" {
		l.recordTransparency(ctx, sub.TxHash, contractHash, units, donor)
	}
	return sub, nil
}

// GetReceipt returns the execution receipt of txHash, or nil when the ledger
// does not know the transaction yet.
func (l *Ledger) GetReceipt(ctx context.Context, txHash string) (*ledger.Receipt, error) {
	raw, err := l.client.Call(ctx, "getapplicationlog", []interface{}{txHash})
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get application log %s: %w", txHash, err)
	}

	exec := gjson.GetBytes(raw, "executions.0")
	if !exec.Exists() {
		return nil, fmt.Errorf("application log %s has no executions", txHash)
	}
	height, err := l.client.GetTransactionHeight(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("get transaction height %s: %w", txHash, err)
	}
	blockHash, err := l.client.GetBlockHash(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("get block hash %d: %w", height, err)
	}

	gas := decimal.Zero
	if consumed, ok := new(big.Int).SetString(exec.Get("gasconsumed").String(), 10); ok {
		gas = FromLedgerUnits(consumed, GASDecimals)
	}

	success := exec.Get("vmstate").String() == "HALT"
	// NEP-17 transfers report refusal as a false result, not a fault.
	if top := exec.Get("stack.0"); top.Get("type").String() == "Boolean" && !top.Get("value").Bool() {
		success = false
	}

	return &ledger.Receipt{
		Mined:       true,
		Success:     success,
		BlockNumber: height,
		BlockHash:   blockHash,
		GasUsed:     gas.String(),
		Exception:   exec.Get("exception").String(),
	}, nil
}

// GetBlockTimestamp returns the timestamp of block n.
func (l *Ledger) GetBlockTimestamp(ctx context.Context, n uint64) (time.Time, error) {
	block, err := l.client.GetBlock(ctx, n)
	if err != nil {
		return time.Time{}, fmt.Errorf("get block %d: %w", n, err)
	}
	return time.UnixMilli(int64(block.Time)).UTC(), nil
}

// BlockHeight returns the index of the latest block.
func (l *Ledger) BlockHeight(ctx context.Context) (uint64, error) {
	count, err := l.client.GetBlockCount(ctx)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	return count - 1, nil
}

// Balance returns the GAS held by contract, in base units.
func (l *Ledger) Balance(ctx context.Context, contract string) (decimal.Decimal, error) {
	res, err := l.client.InvokeFunction(ctx, GASContractHash, "balanceOf", []ContractParam{NewHash160Param(contract)})
	if err != nil {
		return decimal.Zero, fmt.Errorf("balanceOf %s: %w", contract, err)
	}
	if res.State != "HALT" || len(res.Stack) == 0 {
		return decimal.Zero, fmt.Errorf("balanceOf %s faulted: %s", contract, res.Exception)
	}
	units, err := ParseInteger(res.Stack[0])
	if err != nil {
		return decimal.Zero, fmt.Errorf("balanceOf %s: %w", contract, err)
	}
	return FromLedgerUnits(units, l.cfg.Decimals), nil
}

type stageError func(stage string, err error, retryable bool) *apperrors.ServiceError

// signAndSend simulates, signs and broadcasts a contract call and returns the
// transaction hash.
func (l *Ledger) signAndSend(ctx context.Context, contract, method string, params []ContractParam, wrap stageError) (string, error) {
	res, err := l.client.InvokeFunctionWithSigners(ctx, contract, method, params, HashString(l.account.ScriptHash()))
	if err != nil {
		return "", wrap("simulate", err, true)
	}
	if res.State != "HALT" {
		return "", wrap("simulate", fmt.Errorf("%s faulted: %s", method, res.Exception), true)
	}

	tx, err := l.builder.BuildAndSignTx(ctx, res, l.account, transaction.CalledByEntry)
	if err != nil {
		return "", wrap("build", err, true)
	}
	txHash := HashString(tx.Hash())
	if err := l.send(ctx, tx); err != nil {
		return "", wrap("broadcast", err, !errors.Is(err, apperrors.ErrBroadcastUncertain)).WithDetails("tx_hash", txHash)
	}
	return txHash, nil
}

// send broadcasts tx. A node refusal means the transaction was not accepted;
// any other failure leaves acceptance unknown.
func (l *Ledger) send(ctx context.Context, tx *transaction.Transaction) error {
	_, err := l.builder.BroadcastTx(ctx, tx)
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("node rejected transaction: %w", err)
	}
	return fmt.Errorf("%w: %v", apperrors.ErrBroadcastUncertain, err)
}

func (l *Ledger) recordTransparency(ctx context.Context, txHash string, contract util.Uint160, units *big.Int, donor util.Uint160) {
	params := []ContractParam{
		NewStringParam(txHash),
		NewHash160Param(HashString(contract)),
		NewIntegerParam(units),
		NewHash160Param(HashString(donor)),
		NewIntegerParam(big.NewInt(time.Now().UnixMilli())),
	}
	recordHash, err := l.signAndSend(ctx, l.cfg.TransparencyContract, "recordTransaction", params, apperrors.Submission)
	entry := l.log.WithFields(logrus.Fields{"tx_hash": txHash, "contract": HashString(contract)})
	if err != nil {
		entry.WithError(err).Warn("transparency record failed")
		return
	}
	entry.WithField("record_tx", recordHash).Debug("transparency record submitted")
}

func transferAccepted(stack []StackItem) bool {
	if len(stack) == 0 || stack[0].Type != "Boolean" {
		return true
	}
	return strings.TrimSpace(string(stack[0].Value)) == "true"
}
