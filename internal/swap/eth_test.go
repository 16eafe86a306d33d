package swap

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocki/blocki/internal/auth"
	"github.com/blocki/blocki/internal/circuitbreaker"
	"github.com/blocki/blocki/internal/host"
)

var routerAddr = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")

type mockEthClient struct {
	mu            sync.Mutex
	result        []byte
	callErr       error
	failCalls     int // fail this many calls before succeeding
	calls         int
	sent          []*types.Transaction
	receiptStatus uint64
}

func (m *mockEthClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (m *mockEthClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockEthClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("estimation unsupported")
}

func (m *mockEthClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockEthClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: m.receiptStatus}, nil
}

func (m *mockEthClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failCalls {
		return nil, m.callErr
	}
	return m.result, nil
}

func (m *mockEthClient) Close() {}

func packAmounts(t *testing.T, method string, vals ...int64) []byte {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(routerABI))
	require.NoError(t, err)
	out, err := parsed.Methods[method].Outputs.Pack(amounts(vals...))
	require.NoError(t, err)
	return out
}

func testConfig(t *testing.T) EthConfig {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return EthConfig{
		RPCURL:         "http://localhost:8545",
		PrivateKey:     hex.EncodeToString(crypto.FromECDSA(key)),
		ChainID:        84532,
		Router:         routerAddr.Hex(),
		ConfirmTimeout: time.Second,
	}
}

func newTestRouter(t *testing.T, client *mockEthClient, opts ...EthOption) *EthRouter {
	t.Helper()
	opts = append([]EthOption{WithEthClient(client), WithPollInterval(time.Millisecond)}, opts...)
	r, err := NewEthRouter(testConfig(t), opts...)
	require.NoError(t, err)
	return r
}

func TestNewEthRouter_Validation(t *testing.T) {
	base := testConfig(t)

	cfg := base
	cfg.RPCURL = ""
	_, err := NewEthRouter(cfg)
	assert.ErrorIs(t, err, ErrRPCConnection)

	cfg = base
	cfg.PrivateKey = "abc"
	_, err = NewEthRouter(cfg)
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	cfg = base
	cfg.ChainID = 0
	_, err = NewEthRouter(cfg)
	assert.Error(t, err)

	cfg = base
	cfg.Router = "router"
	_, err = NewEthRouter(cfg)
	assert.Error(t, err)
}

func TestEthRouter_QuoteRetriesTransientErrors(t *testing.T) {
	client := &mockEthClient{
		result:    packAmounts(t, "getAmountsOut", 100, 195),
		callErr:   errors.New("connection reset"),
		failCalls: 1,
	}
	r := newTestRouter(t, client)
	h := newHost(host.NewManualClock(t0), nil)

	var out *big.Int
	require.NoError(t, h.View(context.Background(), "quote", func(inv *host.Invocation) error {
		var err error
		out, err = NewAdapter(r).Quote(inv, prop, usdc, big.NewInt(100))
		return err
	}))
	assert.Equal(t, int64(195), out.Int64())
	assert.Equal(t, 2, client.calls)
}

func TestEthRouter_Swap(t *testing.T) {
	client := &mockEthClient{
		result:        packAmounts(t, "swapExactTokensForTokens", 100, 190),
		receiptStatus: types.ReceiptStatusSuccessful,
	}
	r := newTestRouter(t, client)
	h := newHost(host.NewManualClock(t0), nil)

	var out *big.Int
	require.NoError(t, h.Invoke(context.Background(), "swap", auth.None, func(inv *host.Invocation) error {
		var err error
		out, err = NewAdapter(r).Swap(inv, seller, prop, usdc, big.NewInt(100), big.NewInt(180))
		return err
	}))
	assert.Equal(t, int64(190), out.Int64())

	require.Len(t, client.sent, 1)
	tx := client.sent[0]
	assert.Equal(t, routerAddr, *tx.To())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, DefaultGasLimit, tx.Gas())

	method, err := r.abi.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "swapExactTokensForTokens", method.Name)

	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, seller, args[3].(common.Address))
	assert.Equal(t, t0+DeadlineWindow, args[4].(*big.Int).Uint64())
}

func TestEthRouter_RevertedTransaction(t *testing.T) {
	client := &mockEthClient{
		result:        packAmounts(t, "swapExactTokensForTokens", 100, 190),
		receiptStatus: types.ReceiptStatusFailed,
	}
	r := newTestRouter(t, client)
	h := newHost(host.NewManualClock(t0), nil)

	err := h.Invoke(context.Background(), "swap", auth.None, func(inv *host.Invocation) error {
		_, err := NewAdapter(r).Swap(inv, seller, prop, usdc, big.NewInt(100), big.NewInt(0))
		return err
	})
	assert.ErrorIs(t, err, ErrTransactionFailed)

	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "confirm", te.Op)
	assert.NotEmpty(t, te.TxHash)
}

func TestEthRouter_BreakerOpens(t *testing.T) {
	client := &mockEthClient{callErr: errors.New("execution reverted"), failCalls: 100}
	r := newTestRouter(t, client, WithBreaker(circuitbreaker.New("test", 1, time.Hour)))
	h := newHost(host.NewManualClock(t0), nil)

	swap := func() error {
		return h.Invoke(context.Background(), "swap", auth.None, func(inv *host.Invocation) error {
			_, err := NewAdapter(r).Swap(inv, seller, prop, usdc, big.NewInt(100), big.NewInt(0))
			return err
		})
	}

	err := swap()
	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "simulate", te.Op)

	assert.ErrorIs(t, swap(), ErrRouterUnavailable)
	assert.Equal(t, 1, client.calls)
	assert.Empty(t, client.sent)
}
