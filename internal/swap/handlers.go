package swap

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blocki/blocki/internal/amount"
	"github.com/blocki/blocki/internal/apierror"
	"github.com/blocki/blocki/internal/auth"
	"github.com/blocki/blocki/internal/host"
	"github.com/blocki/blocki/internal/validation"
)

// PoolHandler provides HTTP endpoints for the in-ledger pools.
type PoolHandler struct {
	host *host.Host
	pool *PoolRouter
}

// NewPoolHandler creates a pool handler.
func NewPoolHandler(h *host.Host, pool *PoolRouter) *PoolHandler {
	return &PoolHandler{host: h, pool: pool}
}

// RegisterRoutes sets up public pool routes.
func (h *PoolHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/pools/:tokenA/:tokenB", validation.AddressParamMiddleware("tokenA", "tokenB"), h.GetPool)
}

// RegisterProtectedRoutes sets up signed pool routes.
func (h *PoolHandler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/pools/liquidity", h.AddLiquidity)
}

// LiquidityRequest is the body of POST /v1/pools/liquidity.
type LiquidityRequest struct {
	Provider string `json:"provider"`
	TokenA   string `json:"tokenA"`
	TokenB   string `json:"tokenB"`
	AmountA  string `json:"amountA"`
	AmountB  string `json:"amountB"`
}

// PoolResponse is the API view of a pool.
type PoolResponse struct {
	TokenA   string `json:"tokenA"`
	TokenB   string `json:"tokenB"`
	ReserveA string `json:"reserveA"`
	ReserveB string `json:"reserveB"`
}

func newPoolResponse(p *Pool) PoolResponse {
	return PoolResponse{
		TokenA:   p.TokenA.Hex(),
		TokenB:   p.TokenB.Hex(),
		ReserveA: amount.String(p.ReserveA),
		ReserveB: amount.String(p.ReserveB),
	}
}

// AddLiquidity handles POST /v1/pools/liquidity
func (h *PoolHandler) AddLiquidity(c *gin.Context) {
	var req LiquidityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("provider", req.Provider),
		validation.ValidAddress("provider", req.Provider),
		validation.Required("tokenA", req.TokenA),
		validation.ValidAddress("tokenA", req.TokenA),
		validation.Required("tokenB", req.TokenB),
		validation.ValidAddress("tokenB", req.TokenB),
		validation.Required("amountA", req.AmountA),
		validation.ValidInteger("amountA", req.AmountA),
		validation.Required("amountB", req.AmountB),
		validation.ValidInteger("amountB", req.AmountB),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	var resp PoolResponse
	err := h.host.Invoke(c.Request.Context(), "pool.add_liquidity", auth.GateFrom(c), func(inv *host.Invocation) error {
		p, err := h.pool.AddLiquidity(inv,
			validation.Address(req.Provider),
			validation.Address(req.TokenA),
			validation.Address(req.TokenB),
			validation.Amount(req.AmountA),
			validation.Amount(req.AmountB),
		)
		if err != nil {
			return err
		}
		resp = newPoolResponse(p)
		return nil
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pool": resp})
}

// GetPool handles GET /v1/pools/:tokenA/:tokenB
func (h *PoolHandler) GetPool(c *gin.Context) {
	a, b := validation.Address(c.Param("tokenA")), validation.Address(c.Param("tokenB"))
	var resp PoolResponse
	err := h.host.View(c.Request.Context(), "pool.get", func(inv *host.Invocation) error {
		p, err := h.pool.Pool(inv, a, b)
		if err != nil {
			return err
		}
		resp = newPoolResponse(p)
		return nil
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pool": resp})
}
