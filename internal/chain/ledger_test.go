package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/core/state"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/smartcontract/nef"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/donation_ledger/internal/app/domain/ledger"
	apperrors "github.com/R3E-Network/donation_ledger/internal/errors"
	"github.com/R3E-Network/donation_ledger/pkg/logger"
)

type rpcHandler func(params []json.RawMessage) (interface{}, *RPCError)

type fakeNode struct {
	mu       sync.Mutex
	handlers map[string]rpcHandler
	calls    []string
	raw      map[string]string
}

func newFakeNode(t *testing.T) (*fakeNode, *Client) {
	t.Helper()
	node := &fakeNode{handlers: map[string]rpcHandler{}, raw: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(node.serve))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{RPCURL: srv.URL, NetworkID: 894710606, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return node, client
}

func (n *fakeNode) on(method string, h rpcHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

func (n *fakeNode) result(method string, v interface{}) {
	n.on(method, func([]json.RawMessage) (interface{}, *RPCError) { return v, nil })
}

func (n *fakeNode) called(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, c := range n.calls {
		if c == method {
			count++
		}
	}
	return count
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls = append(n.calls, req.Method)
	h, ok := n.handlers[req.Method]
	raw, isRaw := n.raw[req.Method]
	n.mu.Unlock()

	if isRaw {
		_, _ = w.Write([]byte(raw))
		return
	}

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": 1}
	if !ok {
		resp["error"] = RPCError{Code: -32601, Message: "method not found"}
	} else if result, rpcErr := h(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestAccount(t *testing.T) *wallet.Account {
	t.Helper()
	key, err := keys.NewPrivateKey()
	require.NoError(t, err)
	return wallet.NewAccountFromPrivateKey(key)
}

func newTestLedger(t *testing.T, client *Client, cfg LedgerConfig) *Ledger {
	t.Helper()
	l, err := NewLedger(client, newTestAccount(t), cfg, logger.Discard())
	require.NoError(t, err)
	return l
}

func stubTransferPath(node *fakeNode) {
	node.result("invokefunction", map[string]interface{}{
		"script":      "EcAfDAh0cmFuc2Zlcg==",
		"state":       "HALT",
		"gasconsumed": "997775",
		"stack":       []map[string]interface{}{{"type": "Boolean", "value": true}},
	})
	node.result("getblockcount", 1000)
	node.result("calculatenetworkfee", map[string]string{"networkfee": "123450"})
}

var testContract = "0x" + util.Uint160{1, 2, 3, 4, 5}.StringLE()

func TestSubmitValueTransfer(t *testing.T) {
	node, client := newFakeNode(t)
	stubTransferPath(node)
	node.result("sendrawtransaction", map[string]string{"hash": "0xignored"})

	l := newTestLedger(t, client, LedgerConfig{})
	donor := newTestAccount(t).Address

	sub, err := l.SubmitValueTransfer(context.Background(), testContract, decimal.NewFromInt(1000), donor)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sub.TxHash, "0x"))
	assert.Len(t, sub.TxHash, 66)
	assert.Equal(t, uint32(1000+DefaultValidBlocks), sub.ValidUntilBlock)
	assert.Equal(t, 1, node.called("sendrawtransaction"))
}

func TestSubmitValueTransferRejectsExcessPrecision(t *testing.T) {
	node, client := newFakeNode(t)
	l := newTestLedger(t, client, LedgerConfig{})

	_, err := l.SubmitValueTransfer(context.Background(), testContract, decimal.RequireFromString("0.000000001"), newTestAccount(t).Address)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
	assert.Equal(t, 0, node.called("invokefunction"))
}

func TestSubmitValueTransferNodeRejectionIsRetryable(t *testing.T) {
	node, client := newFakeNode(t)
	stubTransferPath(node)
	node.on("sendrawtransaction", func([]json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -500, Message: "InsufficientFunds"}
	})
	l := newTestLedger(t, client, LedgerConfig{})

	sub, err := l.SubmitValueTransfer(context.Background(), testContract, decimal.NewFromInt(5), newTestAccount(t).Address)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrSubmission))
	assert.True(t, apperrors.IsRetryable(err))
	assert.False(t, errors.Is(err, apperrors.ErrBroadcastUncertain))
	assert.Empty(t, sub.TxHash)
}

func TestSubmitValueTransferUncertainBroadcastKeepsHash(t *testing.T) {
	node, client := newFakeNode(t)
	stubTransferPath(node)
	node.raw["sendrawtransaction"] = "<html>gateway timeout</html>"
	l := newTestLedger(t, client, LedgerConfig{})

	sub, err := l.SubmitValueTransfer(context.Background(), testContract, decimal.NewFromInt(5), newTestAccount(t).Address)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrBroadcastUncertain))
	assert.False(t, apperrors.IsRetryable(err))
	assert.NotEmpty(t, sub.TxHash)
}

func TestSubmitValueTransferRefusedSimulation(t *testing.T) {
	node, client := newFakeNode(t)
	node.result("invokefunction", map[string]interface{}{
		"script":      "AA==",
		"state":       "HALT",
		"gasconsumed": "1",
		"stack":       []map[string]interface{}{{"type": "Boolean", "value": false}},
	})
	l := newTestLedger(t, client, LedgerConfig{})

	_, err := l.SubmitValueTransfer(context.Background(), testContract, decimal.NewFromInt(5), newTestAccount(t).Address)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, 0, node.called("sendrawtransaction"))
}

func TestGetReceiptAbsent(t *testing.T) {
	node, client := newFakeNode(t)
	node.on("getapplicationlog", func([]json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -100, Message: "Unknown transaction"}
	})
	l := newTestLedger(t, client, LedgerConfig{})

	receipt, err := l.GetReceipt(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Nil(t, receipt)
}

func TestGetReceipt(t *testing.T) {
	tests := []struct {
		name      string
		vmstate   string
		stack     []map[string]interface{}
		exception string
		success   bool
	}{
		{name: "halt", vmstate: "HALT", stack: []map[string]interface{}{{"type": "Boolean", "value": true}}, success: true},
		{name: "fault", vmstate: "FAULT", exception: "boom", success: false},
		{name: "refused transfer", vmstate: "HALT", stack: []map[string]interface{}{{"type": "Boolean", "value": false}}, success: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			node, client := newFakeNode(t)
			node.result("getapplicationlog", map[string]interface{}{
				"txid": "0xabc",
				"executions": []map[string]interface{}{{
					"trigger":     "Application",
					"vmstate":     tc.vmstate,
					"gasconsumed": "9977780",
					"exception":   tc.exception,
					"stack":       tc.stack,
				}},
			})
			node.result("gettransactionheight", 42)
			node.result("getblockhash", "0xblock42")
			l := newTestLedger(t, client, LedgerConfig{})

			receipt, err := l.GetReceipt(context.Background(), "0xabc")
			require.NoError(t, err)
			require.NotNil(t, receipt)
			assert.True(t, receipt.Mined)
			assert.Equal(t, tc.success, receipt.Success)
			assert.Equal(t, uint64(42), receipt.BlockNumber)
			assert.Equal(t, "0xblock42", receipt.BlockHash)
			assert.Equal(t, "0.0997778", receipt.GasUsed)
			assert.Equal(t, tc.exception, receipt.Exception)
		})
	}
}

func TestGetBlockTimestampAndHeight(t *testing.T) {
	node, client := newFakeNode(t)
	node.result("getblock", map[string]interface{}{"hash": "0x01", "index": 5, "time": 1700000000123})
	node.result("getblockcount", 6)
	l := newTestLedger(t, client, LedgerConfig{})

	ts, err := l.GetBlockTimestamp(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), ts)

	height, err := l.BlockHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), height)
}

func TestBalance(t *testing.T) {
	node, client := newFakeNode(t)
	node.result("invokefunction", map[string]interface{}{
		"state": "HALT",
		"stack": []map[string]interface{}{{"type": "Integer", "value": "150000000"}},
	})
	l := newTestLedger(t, client, LedgerConfig{})

	balance, err := l.Balance(context.Background(), testContract)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("1.5")))
}

func TestDeployContractWithoutArtifacts(t *testing.T) {
	_, client := newFakeNode(t)
	l := newTestLedger(t, client, LedgerConfig{})

	_, err := l.DeployContract(context.Background(), ledgerDeployParams(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDeployment))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestValidateAddress(t *testing.T) {
	_, client := newFakeNode(t)
	l := newTestLedger(t, client, LedgerConfig{})

	assert.NoError(t, l.ValidateAddress(newTestAccount(t).Address))
	assert.Error(t, l.ValidateAddress("not-an-address"))
}

func ledgerDeployParams(t *testing.T) ledger.DeployParams {
	t.Helper()
	return ledger.DeployParams{
		Target:              decimal.NewFromInt(100000),
		BeneficiaryAddress:  newTestAccount(t).Address,
		OrganizationAddress: newTestAccount(t).Address,
	}
}

func TestDeployContract(t *testing.T) {
	node, client := newFakeNode(t)
	stubTransferPath(node)
	node.result("sendrawtransaction", map[string]string{"hash": "0xdeploy"})
	node.result("getapplicationlog", map[string]interface{}{
		"executions": []map[string]interface{}{{"vmstate": "HALT", "gasconsumed": "1000"}},
	})

	file, err := nef.NewFile([]byte{0x40})
	require.NoError(t, err)
	raw, err := file.Bytes()
	require.NoError(t, err)

	l := newTestLedger(t, client, LedgerConfig{
		NEF:          raw,
		Manifest:     []byte(`{"name":"DonationCampaign"}`),
		PollInterval: 10 * time.Millisecond,
	})

	contract, err := l.DeployContract(context.Background(), ledgerDeployParams(t))
	require.NoError(t, err)
	want := HashString(state.CreateContractHash(l.account.ScriptHash(), file.Checksum, "DonationCampaign"))
	assert.Equal(t, want, contract)
}

func TestDeployContractFaultIsRetryable(t *testing.T) {
	node, client := newFakeNode(t)
	node.result("invokefunction", map[string]interface{}{"state": "FAULT", "exception": "out of gas"})

	file, err := nef.NewFile([]byte{0x40})
	require.NoError(t, err)
	raw, err := file.Bytes()
	require.NoError(t, err)
	l := newTestLedger(t, client, LedgerConfig{NEF: raw, Manifest: []byte(`{"name":"DonationCampaign"}`)})

	_, err = l.DeployContract(context.Background(), ledgerDeployParams(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDeployment))
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, 0, node.called("sendrawtransaction"))
}
