package token

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocki/blocki/internal/auth"
	"github.com/blocki/blocki/internal/errcode"
	"github.com/blocki/blocki/internal/events"
	"github.com/blocki/blocki/internal/host"
	"github.com/blocki/blocki/internal/kv"
)

var (
	admin = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	usdc  = AssetAddress("USDC")
)

func setup(t *testing.T) (*host.Host, *Ledger, *events.Log) {
	t.Helper()
	log := events.NewLog(100)
	h := host.New(kv.NewMemoryStore(), host.NewManualClock(1_700_000_000), host.WithSink(log))
	l := NewLedger()
	err := h.Invoke(context.Background(), "setup", auth.NewGrants(admin), func(inv *host.Invocation) error {
		if err := l.Create(inv, Metadata{Asset: usdc, Admin: admin, Name: "USD Coin", Symbol: "USDC", Decimals: 6}); err != nil {
			return err
		}
		return l.Mint(inv, usdc, alice, big.NewInt(1000))
	})
	require.NoError(t, err)
	return h, l, log
}

func balanceOf(t *testing.T, h *host.Host, l *Ledger, who common.Address) int64 {
	t.Helper()
	var bal *big.Int
	require.NoError(t, h.View(context.Background(), "balance", func(inv *host.Invocation) error {
		var err error
		bal, err = l.Balance(inv, usdc, who)
		return err
	}))
	return bal.Int64()
}

func TestCreate_Twice(t *testing.T) {
	h, l, _ := setup(t)
	err := h.Invoke(context.Background(), "create", auth.NewGrants(admin), func(inv *host.Invocation) error {
		return l.Create(inv, Metadata{Asset: usdc, Admin: admin, Symbol: "USDC"})
	})
	assert.ErrorIs(t, err, errcode.AlreadyInitialized)
}

func TestMint(t *testing.T) {
	h, l, _ := setup(t)
	ctx := context.Background()

	err := h.Invoke(ctx, "mint", auth.NewGrants(alice), func(inv *host.Invocation) error {
		return l.Mint(inv, usdc, alice, big.NewInt(1))
	})
	assert.ErrorIs(t, err, errcode.NotAuthorized)

	err = h.Invoke(ctx, "mint", auth.NewGrants(admin), func(inv *host.Invocation) error {
		return l.Mint(inv, usdc, alice, big.NewInt(0))
	})
	assert.ErrorIs(t, err, errcode.InvalidAmount)

	err = h.Invoke(ctx, "mint", auth.NewGrants(admin), func(inv *host.Invocation) error {
		return l.Mint(inv, AssetAddress("NOPE"), alice, big.NewInt(1))
	})
	assert.ErrorIs(t, err, errcode.TokenNotFound)

	assert.Equal(t, int64(1000), balanceOf(t, h, l, alice))
}

func TestMint_MaxSupply(t *testing.T) {
	h, l, _ := setup(t)
	prop := AssetAddress("PROP1")
	err := h.Invoke(context.Background(), "prop", auth.NewGrants(admin), func(inv *host.Invocation) error {
		if err := l.Create(inv, Metadata{Asset: prop, Admin: admin, Symbol: "PROP1", MaxSupply: big.NewInt(100)}); err != nil {
			return err
		}
		if err := l.Mint(inv, prop, alice, big.NewInt(60)); err != nil {
			return err
		}
		return l.Mint(inv, prop, alice, big.NewInt(41))
	})
	assert.ErrorIs(t, err, errcode.MintExceedsSupply)
}

func TestTransfer(t *testing.T) {
	h, l, log := setup(t)
	ctx := context.Background()

	err := h.Invoke(ctx, "transfer", auth.NewGrants(bob), func(inv *host.Invocation) error {
		return l.Transfer(inv, usdc, alice, bob, big.NewInt(10))
	})
	assert.ErrorIs(t, err, errcode.NotAuthorized)

	err = h.Invoke(ctx, "transfer", auth.NewGrants(alice), func(inv *host.Invocation) error {
		return l.Transfer(inv, usdc, alice, bob, big.NewInt(1001))
	})
	assert.ErrorIs(t, err, errcode.InsufficientBalance)

	err = h.Invoke(ctx, "transfer", auth.NewGrants(alice), func(inv *host.Invocation) error {
		return l.Transfer(inv, usdc, alice, bob, big.NewInt(-1))
	})
	assert.ErrorIs(t, err, errcode.InvalidAmount)

	err = h.Invoke(ctx, "transfer", auth.NewGrants(alice), func(inv *host.Invocation) error {
		return l.Transfer(inv, usdc, alice, bob, big.NewInt(400))
	})
	require.NoError(t, err)
	assert.Equal(t, int64(600), balanceOf(t, h, l, alice))
	assert.Equal(t, int64(400), balanceOf(t, h, l, bob))

	transfers := log.Find(events.Query{Topic: events.TopicTransfer})
	require.Len(t, transfers, 1)
	assert.Equal(t, usdc, transfers[0].Contract)
	assert.True(t, transfers[0].Involves(bob))
}

func TestTransferFrom(t *testing.T) {
	h, l, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, h.Invoke(ctx, "approve", auth.NewGrants(alice), func(inv *host.Invocation) error {
		return l.Approve(inv, usdc, alice, bob, big.NewInt(300))
	}))

	err := h.Invoke(ctx, "pull", auth.NewGrants(bob), func(inv *host.Invocation) error {
		return l.TransferFrom(inv, usdc, bob, alice, bob, big.NewInt(301))
	})
	assert.ErrorIs(t, err, errcode.InsufficientAllowance)

	require.NoError(t, h.Invoke(ctx, "pull", auth.NewGrants(bob), func(inv *host.Invocation) error {
		return l.TransferFrom(inv, usdc, bob, alice, bob, big.NewInt(200))
	}))
	assert.Equal(t, int64(200), balanceOf(t, h, l, bob))

	var left *big.Int
	require.NoError(t, h.View(ctx, "allowance", func(inv *host.Invocation) error {
		var err error
		left, err = l.Allowance(inv, usdc, alice, bob)
		return err
	}))
	assert.Equal(t, int64(100), left.Int64())
}

func TestComponentCustodyAuthorizedAsInvoker(t *testing.T) {
	h, l, _ := setup(t)
	ctx := context.Background()
	custody := host.ContractAddress("escrow")

	require.NoError(t, h.Invoke(ctx, "fund", auth.NewGrants(alice), func(inv *host.Invocation) error {
		return l.Transfer(inv, usdc, alice, custody, big.NewInt(50))
	}))

	// No signature for the custody principal: only its own frame can move funds.
	err := h.Invoke(ctx, "steal", auth.NewGrants(alice), func(inv *host.Invocation) error {
		return l.Transfer(inv, usdc, custody, alice, big.NewInt(50))
	})
	assert.ErrorIs(t, err, errcode.NotAuthorized)

	require.NoError(t, h.Invoke(ctx, "payout", auth.None, func(inv *host.Invocation) error {
		return inv.Call(custody, func() error {
			return l.Transfer(inv, usdc, custody, bob, big.NewInt(50))
		})
	}))
	assert.Equal(t, int64(50), balanceOf(t, h, l, bob))
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, l, _ := setup(t)
	handler := NewHandler(h, l)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyGate, auth.NewGrants(alice))
		c.Next()
	})
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterProtectedRoutes(v1)

	body, _ := json.Marshal(AmountRequest{From: alice.Hex(), To: bob.Hex(), Amount: "250"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/tokens/"+usdc.Hex()+"/transfer", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "750", resp["balance"])
	assert.Equal(t, "0.000750", resp["formatted"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/tokens/"+usdc.Hex()+"/balances/"+bob.Hex(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "250", resp["balance"])

	// Minting needs the admin, which this caller did not sign for.
	body, _ = json.Marshal(AmountRequest{To: alice.Hex(), Amount: "5"})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/tokens/"+usdc.Hex()+"/mint", bytes.NewReader(body)))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/tokens/"+AssetAddress("NONE").Hex(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	body, _ = json.Marshal(AmountRequest{From: alice.Hex(), To: "bad", Amount: "1"})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/tokens/"+usdc.Hex()+"/transfer", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_DecimalAmounts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, l, _ := setup(t)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyGate, auth.NewGrants(alice))
		c.Next()
	})
	v1 := r.Group("/v1")
	NewHandler(h, l).RegisterProtectedRoutes(v1)

	post := func(req AmountRequest) *httptest.ResponseRecorder {
		body, _ := json.Marshal(req)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/tokens/"+usdc.Hex()+"/transfer", bytes.NewReader(body)))
		return w
	}

	// USDC has 6 decimals, so 0.00025 is 250 units.
	w := post(AmountRequest{From: alice.Hex(), To: bob.Hex(), AmountDecimal: "0.00025"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(250), balanceOf(t, h, l, bob))

	w = post(AmountRequest{From: alice.Hex(), To: bob.Hex(), Amount: "1", AmountDecimal: "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = post(AmountRequest{From: alice.Hex(), To: bob.Hex()})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(AmountRequest{From: alice.Hex(), To: bob.Hex(), AmountDecimal: "1.2.3"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), errcode.InvalidAmount.String())
	assert.Equal(t, int64(250), balanceOf(t, h, l, bob))
}
