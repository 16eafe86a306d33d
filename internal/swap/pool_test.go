package swap

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
	"github.com/blocki/blocki/internal/host"
	"github.com/blocki/blocki/internal/token"
)

var (
	issuer   = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	provider = common.HexToAddress("0x0000000000000000000000000000000000000707")
)

type poolFixture struct {
	host   *host.Host
	clock  *host.ManualClock
	tokens *token.Ledger
	pool   *PoolRouter
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	f := &poolFixture{clock: host.NewManualClock(t0), tokens: token.NewLedger()}
	f.host = newHost(f.clock, nil)
	f.pool = NewPoolRouter(f.tokens)

	err := f.host.Invoke(context.Background(), "setup", auth.NewGrants(issuer), func(inv *host.Invocation) error {
		for _, sym := range []string{"PROP", "XLM", "USDC"} {
			asset := token.AssetAddress(sym)
			if err := f.tokens.Create(inv, token.Metadata{Asset: asset, Admin: issuer, Symbol: sym}); err != nil {
				return err
			}
			if err := f.tokens.Mint(inv, asset, provider, big.NewInt(10_000)); err != nil {
				return err
			}
		}
		return f.tokens.Mint(inv, prop, seller, big.NewInt(500))
	})
	require.NoError(t, err)
	return f
}

func (f *poolFixture) addLiquidity(t *testing.T, a, b common.Address, amtA, amtB int64) {
	t.Helper()
	require.NoError(t, f.host.Invoke(context.Background(), "liquidity", auth.NewGrants(provider), func(inv *host.Invocation) error {
		_, err := f.pool.AddLiquidity(inv, provider, a, b, big.NewInt(amtA), big.NewInt(amtB))
		return err
	}))
}

func (f *poolFixture) balance(t *testing.T, asset, who common.Address) int64 {
	t.Helper()
	var bal *big.Int
	require.NoError(t, f.host.View(context.Background(), "balance", func(inv *host.Invocation) error {
		var err error
		bal, err = f.tokens.Balance(inv, asset, who)
		return err
	}))
	return bal.Int64()
}

func TestAmountOut(t *testing.T) {
	out, err := AmountOut(big.NewInt(100), big.NewInt(1000), big.NewInt(2000))
	require.NoError(t, err)
	assert.Equal(t, int64(181), out.Int64())

	_, err = AmountOut(big.NewInt(100), big.NewInt(0), big.NewInt(2000))
	assert.ErrorIs(t, err, ErrNoLiquidity)
}

func TestPoolRouter_AddLiquidity(t *testing.T) {
	f := newPoolFixture(t)
	f.addLiquidity(t, usdc, prop, 2000, 1000)
	f.addLiquidity(t, prop, usdc, 10, 20)

	var p *Pool
	require.NoError(t, f.host.View(context.Background(), "pool", func(inv *host.Invocation) error {
		var err error
		p, err = f.pool.Pool(inv, prop, usdc)
		return err
	}))
	rProp, rUSDC := p.reserves(prop)
	assert.Equal(t, int64(1010), rProp.Int64())
	assert.Equal(t, int64(2020), rUSDC.Int64())
	assert.Equal(t, int64(1010), f.balance(t, prop, f.pool.Address()))

	err := f.host.Invoke(context.Background(), "liquidity", auth.NewGrants(provider), func(inv *host.Invocation) error {
		_, err := f.pool.AddLiquidity(inv, provider, prop, prop, big.NewInt(1), big.NewInt(1))
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidPath)

	err = f.host.Invoke(context.Background(), "liquidity", auth.NewGrants(seller), func(inv *host.Invocation) error {
		_, err := f.pool.AddLiquidity(inv, provider, prop, usdc, big.NewInt(1), big.NewInt(1))
		return err
	})
	assert.ErrorIs(t, err, errcode.NotAuthorized)
}

func TestPoolRouter_CustodyIsNotACounterparty(t *testing.T) {
	f := newPoolFixture(t)
	f.addLiquidity(t, prop, usdc, 1000, 1000)
	outsider := common.HexToAddress("0x00000000000000000000000000000000000bad00")
	ctx := context.Background()

	err := f.host.Invoke(ctx, "liquidity", auth.NewGrants(outsider), func(inv *host.Invocation) error {
		_, err := f.pool.AddLiquidity(inv, f.pool.Address(), prop, usdc, big.NewInt(1), big.NewInt(1_000_000_000))
		return err
	})
	assert.ErrorIs(t, err, errcode.NotAuthorized)

	err = f.host.Invoke(ctx, "swap", auth.NewGrants(outsider), func(inv *host.Invocation) error {
		_, err := f.pool.SwapExactIn(inv, big.NewInt(10), big.NewInt(0), []common.Address{prop, usdc}, f.pool.Address(), t0)
		return err
	})
	assert.ErrorIs(t, err, errcode.NotAuthorized)

	var p *Pool
	require.NoError(t, f.host.View(ctx, "pool", func(inv *host.Invocation) error {
		var err error
		p, err = f.pool.Pool(inv, prop, usdc)
		return err
	}))
	rProp, rUSDC := p.reserves(prop)
	assert.Equal(t, int64(1000), rProp.Int64())
	assert.Equal(t, int64(1000), rUSDC.Int64())
	assert.Equal(t, int64(1000), f.balance(t, usdc, f.pool.Address()))
}

func TestPoolRouter_SwapThroughAdapter(t *testing.T) {
	f := newPoolFixture(t)
	f.addLiquidity(t, prop, usdc, 1000, 2000)
	a := NewAdapter(f.pool)

	var quote *big.Int
	require.NoError(t, f.host.View(context.Background(), "quote", func(inv *host.Invocation) error {
		var err error
		quote, err = a.Quote(inv, prop, usdc, big.NewInt(100))
		return err
	}))
	assert.Equal(t, int64(181), quote.Int64())

	// One above the quote fails and moves nothing.
	err := f.host.Invoke(context.Background(), "swap", auth.NewGrants(seller), func(inv *host.Invocation) error {
		_, err := a.Swap(inv, seller, prop, usdc, big.NewInt(100), big.NewInt(182))
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientOutput)
	assert.Equal(t, int64(500), f.balance(t, prop, seller))

	var out *big.Int
	require.NoError(t, f.host.Invoke(context.Background(), "swap", auth.NewGrants(seller), func(inv *host.Invocation) error {
		var err error
		out, err = a.Swap(inv, seller, prop, usdc, big.NewInt(100), quote)
		return err
	}))
	assert.Equal(t, int64(181), out.Int64())
	assert.Equal(t, int64(400), f.balance(t, prop, seller))
	assert.Equal(t, int64(181), f.balance(t, usdc, seller))
	assert.Equal(t, int64(1100), f.balance(t, prop, f.pool.Address()))
	assert.Equal(t, int64(1819), f.balance(t, usdc, f.pool.Address()))
}

func TestPoolRouter_ThreeHop(t *testing.T) {
	f := newPoolFixture(t)
	f.addLiquidity(t, prop, xlm, 1000, 1000)
	f.addLiquidity(t, xlm, usdc, 1000, 1000)
	a := NewAdapter(f.pool)

	var out *big.Int
	require.NoError(t, f.host.Invoke(context.Background(), "swap", auth.NewGrants(seller), func(inv *host.Invocation) error {
		var err error
		out, err = a.SwapViaIntermediate(inv, seller, prop, xlm, usdc, big.NewInt(100), big.NewInt(80))
		return err
	}))
	assert.Equal(t, int64(82), out.Int64())
	assert.Equal(t, int64(82), f.balance(t, usdc, seller))
	assert.Equal(t, int64(0), f.balance(t, xlm, seller))
	// The intermediate amount stays in pool custody, shared by both pairs.
	assert.Equal(t, int64(2000), f.balance(t, xlm, f.pool.Address()))
}

func TestPoolRouter_Failures(t *testing.T) {
	f := newPoolFixture(t)
	f.addLiquidity(t, prop, usdc, 1000, 2000)
	ctx := context.Background()

	err := f.host.Invoke(ctx, "swap", auth.NewGrants(seller), func(inv *host.Invocation) error {
		_, err := f.pool.SwapExactIn(inv, big.NewInt(10), big.NewInt(0), []common.Address{prop, usdc}, seller, t0-1)
		return err
	})
	assert.ErrorIs(t, err, ErrExpired)

	err = f.host.Invoke(ctx, "swap", auth.NewGrants(seller), func(inv *host.Invocation) error {
		_, err := f.pool.SwapExactIn(inv, big.NewInt(10), big.NewInt(0), []common.Address{prop, xlm}, seller, t0)
		return err
	})
	assert.ErrorIs(t, err, ErrNoLiquidity)
	assert.ErrorIs(t, err, errcode.InvalidAmount)

	err = f.host.Invoke(ctx, "swap", auth.NewGrants(seller), func(inv *host.Invocation) error {
		_, err := f.pool.SwapExactIn(inv, big.NewInt(10), big.NewInt(0), []common.Address{prop}, seller, t0)
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidPath)

	// Swapping someone else's tokens needs their signature.
	err = f.host.Invoke(ctx, "swap", auth.NewGrants(provider), func(inv *host.Invocation) error {
		_, err := f.pool.SwapExactIn(inv, big.NewInt(10), big.NewInt(0), []common.Address{prop, usdc}, seller, t0)
		return err
	})
	assert.ErrorIs(t, err, errcode.NotAuthorized)
}

func TestPoolHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newPoolFixture(t)
	handler := NewPoolHandler(f.host, f.pool)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyGate, auth.NewGrants(provider))
		c.Next()
	})
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterProtectedRoutes(v1)

	body, _ := json.Marshal(LiquidityRequest{
		Provider: provider.Hex(),
		TokenA:   prop.Hex(),
		TokenB:   usdc.Hex(),
		AmountA:  "1000",
		AmountB:  "2000",
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/pools/liquidity", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/pools/"+usdc.Hex()+"/"+prop.Hex(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Pool PoolResponse `json:"pool"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	lo, _ := sortPair(prop, usdc)
	assert.Equal(t, lo.Hex(), resp.Pool.TokenA)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/pools/"+prop.Hex()+"/"+xlm.Hex(), nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/pools/nope/"+xlm.Hex(), nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
