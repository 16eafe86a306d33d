package marketplace

import (
	"errors"
	"math/big"
	"net/http"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/blocki/blocki/internal/amount"
	"github.com/blocki/blocki/internal/apierror"
	"github.com/blocki/blocki/internal/auth"
	"github.com/blocki/blocki/internal/host"
	"github.com/blocki/blocki/internal/pagination"
	"github.com/blocki/blocki/internal/swap"
	"github.com/blocki/blocki/internal/validation"
)

// Handler provides HTTP endpoints for the marketplace.
type Handler struct {
	host     *host.Host
	contract *Contract
}

// NewHandler creates a new marketplace handler.
func NewHandler(h *host.Host, contract *Contract) *Handler {
	return &Handler{host: h, contract: contract}
}

// RegisterRoutes sets up public (read-only) marketplace routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	m := r.Group("/marketplace")
	m.GET("/config", h.GetConfig)
	m.GET("/listings", h.ListListings)
	m.GET("/listings/:id", h.GetListing)
	m.GET("/assets/:address/history", validation.AddressParamMiddleware(), h.GetPriceHistory)
	m.GET("/market-cap", h.GetMarketCap)
	m.GET("/swap/quote", h.GetSwapQuote)
}

// RegisterProtectedRoutes sets up signed marketplace routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	m := r.Group("/marketplace")
	m.POST("/initialize", h.Initialize)
	m.POST("/listings", h.ListProperty)
	m.POST("/listings/:id/buy", h.BuyTokens)
	m.POST("/listings/:id/cancel", h.CancelListing)
	m.POST("/swap", h.Swap)
}

// InitializeRequest is the body of POST /v1/marketplace/initialize.
type InitializeRequest struct {
	Admin    string `json:"admin"`
	Escrow   string `json:"escrow"`
	Registry string `json:"registry"`
}

// ListRequest is the body of POST /v1/marketplace/listings.
type ListRequest struct {
	Seller       string `json:"seller"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	PricePerUnit string `json:"pricePerUnit"`
}

// BuyRequest is the body of POST /v1/marketplace/listings/:id/buy.
type BuyRequest struct {
	Buyer      string `json:"buyer"`
	Amount     string `json:"amount"`
	QuoteAsset string `json:"quoteAsset"`
}

// SwapRequest is the body of POST /v1/marketplace/swap. Bridge is optional
// and routes the swap through an intermediate token.
type SwapRequest struct {
	Seller   string `json:"seller"`
	TokenIn  string `json:"tokenIn"`
	TokenOut string `json:"tokenOut"`
	Bridge   string `json:"bridge,omitempty"`
	AmountIn string `json:"amountIn"`
	MinOut   string `json:"minOut"`
}

// ListingResponse is the API view of a listing.
type ListingResponse struct {
	ID           uint64         `json:"id"`
	Seller       common.Address `json:"seller"`
	Asset        common.Address `json:"asset"`
	Amount       string         `json:"amount"`
	PricePerUnit string         `json:"pricePerUnit"`
	Status       Status         `json:"status"`
	CreatedAt    uint64         `json:"createdAt"`
}

// NewListingResponse converts l for the API.
func NewListingResponse(l *Listing) ListingResponse {
	return ListingResponse{
		ID:           l.ID,
		Seller:       l.Seller,
		Asset:        l.Asset,
		Amount:       amount.String(l.Amount),
		PricePerUnit: amount.String(l.PricePerUnit),
		Status:       l.Status,
		CreatedAt:    l.CreatedAt,
	}
}

// TradeResponse is the API view of a trade.
type TradeResponse struct {
	ListingID uint64         `json:"listingId"`
	Buyer     common.Address `json:"buyer"`
	Seller    common.Address `json:"seller"`
	Amount    string         `json:"amount"`
	Price     string         `json:"price"`
	Timestamp uint64         `json:"timestamp"`
}

// respond maps an unavailable router to 503 and defers the rest.
func respond(c *gin.Context, err error) {
	if errors.Is(err, swap.ErrRouterUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "router_unavailable",
			"message": err.Error(),
		})
		return
	}
	apierror.Respond(c, err)
}

// Initialize handles POST /v1/marketplace/initialize
func (h *Handler) Initialize(c *gin.Context) {
	var req InitializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("admin", req.Admin),
		validation.ValidAddress("admin", req.Admin),
		validation.Required("escrow", req.Escrow),
		validation.ValidAddress("escrow", req.Escrow),
		validation.Required("registry", req.Registry),
		validation.ValidAddress("registry", req.Registry),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	cfg := Config{
		Admin:    validation.Address(req.Admin),
		Escrow:   validation.Address(req.Escrow),
		Registry: validation.Address(req.Registry),
	}
	err := h.host.Invoke(c.Request.Context(), "marketplace.initialize", auth.GateFrom(c), func(inv *host.Invocation) error {
		return h.contract.Initialize(inv, cfg)
	})
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"config": cfg})
}

// ListProperty handles POST /v1/marketplace/listings
func (h *Handler) ListProperty(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("seller", req.Seller),
		validation.ValidAddress("seller", req.Seller),
		validation.Required("asset", req.Asset),
		validation.ValidAddress("asset", req.Asset),
		validation.Required("amount", req.Amount),
		validation.ValidInteger("amount", req.Amount),
		validation.Required("pricePerUnit", req.PricePerUnit),
		validation.ValidInteger("pricePerUnit", req.PricePerUnit),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	var resp ListingResponse
	err := h.host.Invoke(c.Request.Context(), "marketplace.list_property", auth.GateFrom(c), func(inv *host.Invocation) error {
		id, err := h.contract.ListProperty(inv,
			validation.Address(req.Seller),
			validation.Address(req.Asset),
			validation.Amount(req.Amount),
			validation.Amount(req.PricePerUnit),
		)
		if err != nil {
			return err
		}
		l, err := h.contract.Listing(inv, id)
		if err != nil {
			return err
		}
		resp = NewListingResponse(l)
		return nil
	})
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"listing": resp})
}

// BuyTokens handles POST /v1/marketplace/listings/:id/buy
func (h *Handler) BuyTokens(c *gin.Context) {
	id, ok := validation.ParseID(c, "id")
	if !ok {
		return
	}
	var req BuyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("buyer", req.Buyer),
		validation.ValidAddress("buyer", req.Buyer),
		validation.Required("amount", req.Amount),
		validation.ValidInteger("amount", req.Amount),
		validation.Required("quoteAsset", req.QuoteAsset),
		validation.ValidAddress("quoteAsset", req.QuoteAsset),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	var p *Purchase
	err := h.host.Invoke(c.Request.Context(), "marketplace.buy_tokens", auth.GateFrom(c), func(inv *host.Invocation) error {
		var err error
		p, err = h.contract.BuyTokens(inv,
			validation.Address(req.Buyer),
			id,
			validation.Amount(req.Amount),
			validation.Address(req.QuoteAsset),
		)
		return err
	})
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": gin.H{
		"listingId": p.ListingID,
		"escrowId":  p.EscrowID,
		"amount":    amount.String(p.Amount),
		"total":     amount.String(p.Total),
		"remaining": amount.String(p.Remaining),
		"status":    p.Status,
	}})
}

// CancelListing handles POST /v1/marketplace/listings/:id/cancel
func (h *Handler) CancelListing(c *gin.Context) {
	id, ok := validation.ParseID(c, "id")
	if !ok {
		return
	}
	var resp ListingResponse
	err := h.host.Invoke(c.Request.Context(), "marketplace.cancel_listing", auth.GateFrom(c), func(inv *host.Invocation) error {
		if err := h.contract.CancelListing(inv, id); err != nil {
			return err
		}
		l, err := h.contract.Listing(inv, id)
		if err != nil {
			return err
		}
		resp = NewListingResponse(l)
		return nil
	})
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": resp})
}

// Swap handles POST /v1/marketplace/swap
func (h *Handler) Swap(c *gin.Context) {
	var req SwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	checks := []func() *validation.ValidationError{
		validation.Required("seller", req.Seller),
		validation.ValidAddress("seller", req.Seller),
		validation.Required("tokenIn", req.TokenIn),
		validation.ValidAddress("tokenIn", req.TokenIn),
		validation.Required("tokenOut", req.TokenOut),
		validation.ValidAddress("tokenOut", req.TokenOut),
		validation.Required("amountIn", req.AmountIn),
		validation.ValidInteger("amountIn", req.AmountIn),
		validation.ValidInteger("minOut", req.MinOut),
	}
	if req.Bridge != "" {
		checks = append(checks, validation.ValidAddress("bridge", req.Bridge))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	seller := validation.Address(req.Seller)
	tokenIn, tokenOut := validation.Address(req.TokenIn), validation.Address(req.TokenOut)
	amountIn, minOut := validation.Amount(req.AmountIn), validation.Amount(req.MinOut)

	var out *big.Int
	err := h.host.Invoke(c.Request.Context(), "marketplace.swap", auth.GateFrom(c), func(inv *host.Invocation) error {
		var err error
		if req.Bridge != "" {
			out, err = h.contract.SwapTokensForUSDCViaIntermediate(inv, seller, tokenIn, validation.Address(req.Bridge), tokenOut, amountIn, minOut)
		} else {
			out, err = h.contract.SwapTokensForUSDC(inv, seller, tokenIn, tokenOut, amountIn, minOut)
		}
		return err
	})
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"amountOut": amount.String(out)})
}

// GetListing handles GET /v1/marketplace/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	id, ok := validation.ParseID(c, "id")
	if !ok {
		return
	}
	var resp ListingResponse
	err := h.host.View(c.Request.Context(), "marketplace.listing", func(inv *host.Invocation) error {
		l, err := h.contract.Listing(inv, id)
		if err != nil {
			return err
		}
		resp = NewListingResponse(l)
		return nil
	})
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": resp})
}

// ListListings handles GET /v1/marketplace/listings?asset=0x...&cursor=&limit=
func (h *Handler) ListListings(c *gin.Context) {
	asset := c.Query("asset")
	if !validation.IsValidEthAddress(asset) {
		apierror.BadRequest(c, "invalid_address", "asset query parameter must be a valid address")
		return
	}
	start, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apierror.BadRequest(c, "invalid_cursor", err.Error())
		return
	}
	limit := pagination.Limit(c.Query("limit"))

	var listings []Listing
	err = h.host.View(c.Request.Context(), "marketplace.listings", func(inv *host.Invocation) error {
		var err error
		listings, err = h.contract.Listings(inv, validation.Address(asset))
		return err
	})
	if err != nil {
		respond(c, err)
		return
	}
	// Listings are in id order.
	from := sort.Search(len(listings), func(i int) bool { return listings[i].ID >= start })
	page, next, more := pagination.ComputePage(listings[from:], limit, func(l Listing) uint64 { return l.ID })

	resp := make([]ListingResponse, 0, len(page))
	for i := range page {
		resp = append(resp, NewListingResponse(&page[i]))
	}
	out := gin.H{"listings": resp, "count": len(resp), "hasMore": more}
	if more {
		out["nextCursor"] = next
	}
	c.JSON(http.StatusOK, out)
}

// GetPriceHistory handles GET /v1/marketplace/assets/:address/history
func (h *Handler) GetPriceHistory(c *gin.Context) {
	asset := validation.Address(c.Param("address"))
	var trades []Trade
	err := h.host.View(c.Request.Context(), "marketplace.price_history", func(inv *host.Invocation) error {
		var err error
		trades, err = h.contract.PriceHistory(inv, asset)
		return err
	})
	if err != nil {
		respond(c, err)
		return
	}
	resp := make([]TradeResponse, 0, len(trades))
	for _, t := range trades {
		resp = append(resp, TradeResponse{
			ListingID: t.ListingID,
			Buyer:     t.Buyer,
			Seller:    t.Seller,
			Amount:    amount.String(t.Amount),
			Price:     amount.String(t.Price),
			Timestamp: t.Timestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"trades": resp, "count": len(resp)})
}

// GetMarketCap handles GET /v1/marketplace/market-cap
func (h *Handler) GetMarketCap(c *gin.Context) {
	var total *big.Int
	err := h.host.View(c.Request.Context(), "marketplace.market_cap", func(inv *host.Invocation) error {
		var err error
		total, err = h.contract.MarketCap(inv)
		return err
	})
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marketCap": amount.String(total)})
}

// GetSwapQuote handles GET /v1/marketplace/swap/quote?tokenIn=&tokenOut=&amountIn=
func (h *Handler) GetSwapQuote(c *gin.Context) {
	tokenIn, tokenOut, amountIn := c.Query("tokenIn"), c.Query("tokenOut"), c.Query("amountIn")
	if errs := validation.Validate(
		validation.Required("tokenIn", tokenIn),
		validation.ValidAddress("tokenIn", tokenIn),
		validation.Required("tokenOut", tokenOut),
		validation.ValidAddress("tokenOut", tokenOut),
		validation.Required("amountIn", amountIn),
		validation.ValidInteger("amountIn", amountIn),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	var out *big.Int
	err := h.host.View(c.Request.Context(), "marketplace.swap_quote", func(inv *host.Invocation) error {
		var err error
		out, err = h.contract.SwapQuote(inv, validation.Address(tokenIn), validation.Address(tokenOut), validation.Amount(amountIn))
		return err
	})
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"amountOut": amount.String(out)})
}

// GetConfig handles GET /v1/marketplace/config
func (h *Handler) GetConfig(c *gin.Context) {
	var cfg *Config
	err := h.host.View(c.Request.Context(), "marketplace.config", func(inv *host.Invocation) error {
		var err error
		cfg, err = h.contract.Config(inv)
		return err
	})
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"config":  cfg,
		"custody": h.contract.Address(),
	})
}
