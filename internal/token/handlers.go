package token

import (
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/blocki/blocki/internal/amount"
	"github.com/blocki/blocki/internal/apierror"
	"github.com/blocki/blocki/internal/auth"
	"github.com/blocki/blocki/internal/errcode"
	"github.com/blocki/blocki/internal/host"
	"github.com/blocki/blocki/internal/validation"
)

// Handler provides HTTP endpoints for the asset issuer.
type Handler struct {
	host   *host.Host
	ledger *Ledger
}

// NewHandler creates a new token handler.
func NewHandler(h *host.Host, ledger *Ledger) *Handler {
	return &Handler{host: h, ledger: ledger}
}

// RegisterRoutes sets up read-only token routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/tokens/:asset", validation.AddressParamMiddleware("asset"))
	g.GET("", h.GetToken)
	g.GET("/balances/:address", validation.AddressParamMiddleware("address"), h.GetBalance)
	g.GET("/allowances/:owner/:spender", validation.AddressParamMiddleware("owner", "spender"), h.GetAllowance)
}

// RegisterProtectedRoutes sets up mutating token routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/tokens", h.CreateToken)
	g := r.Group("/tokens/:asset", validation.AddressParamMiddleware("asset"))
	g.POST("/mint", h.Mint)
	g.POST("/transfer", h.Transfer)
	g.POST("/approve", h.Approve)
}

// CreateTokenRequest is the body of POST /v1/tokens.
type CreateTokenRequest struct {
	Asset     string `json:"asset"`
	Symbol    string `json:"symbol"`
	Name      string `json:"name"`
	Decimals  uint8  `json:"decimals"`
	Admin     string `json:"admin"`
	MaxSupply string `json:"maxSupply"`
}

// AmountRequest is the body of mint, transfer and approve calls. Amount is
// in smallest units; AmountDecimal ("12.5") is scaled by the asset's
// decimals instead. Exactly one of them must be set.
type AmountRequest struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Owner         string `json:"owner"`
	Spender       string `json:"spender"`
	Amount        string `json:"amount"`
	AmountDecimal string `json:"amountDecimal"`
}

type tokenResponse struct {
	Asset     common.Address `json:"asset"`
	Admin     common.Address `json:"admin"`
	Name      string         `json:"name"`
	Symbol    string         `json:"symbol"`
	Decimals  uint8          `json:"decimals"`
	Supply    string         `json:"supply"`
	MaxSupply string         `json:"maxSupply,omitempty"`
}

func toResponse(m *Metadata) tokenResponse {
	resp := tokenResponse{
		Asset:    m.Asset,
		Admin:    m.Admin,
		Name:     m.Name,
		Symbol:   m.Symbol,
		Decimals: m.Decimals,
		Supply:   amount.String(m.Supply),
	}
	if m.MaxSupply != nil {
		resp.MaxSupply = m.MaxSupply.String()
	}
	return resp
}

// CreateToken handles POST /v1/tokens
func (h *Handler) CreateToken(c *gin.Context) {
	var req CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("symbol", req.Symbol),
		validation.MaxLength("symbol", req.Symbol, 12),
		validation.MaxLength("name", req.Name, 64),
		validation.Required("admin", req.Admin),
		validation.ValidAddress("admin", req.Admin),
		validation.ValidAddress("asset", req.Asset),
		validation.ValidInteger("maxSupply", req.MaxSupply),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	meta := Metadata{
		Asset:    AssetAddress(req.Symbol),
		Admin:    validation.Address(req.Admin),
		Name:     validation.SanitizeString(req.Name, 64),
		Symbol:   req.Symbol,
		Decimals: req.Decimals,
	}
	if req.Asset != "" {
		meta.Asset = validation.Address(req.Asset)
	}
	if req.MaxSupply != "" {
		meta.MaxSupply = validation.Amount(req.MaxSupply)
	}

	err := h.host.Invoke(c.Request.Context(), "token.create", auth.GateFrom(c), func(inv *host.Invocation) error {
		return h.ledger.Create(inv, meta)
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	meta.Supply = amount.Zero()
	c.JSON(http.StatusCreated, gin.H{"token": toResponse(&meta)})
}

// GetToken handles GET /v1/tokens/:asset
func (h *Handler) GetToken(c *gin.Context) {
	asset := validation.Address(c.Param("asset"))
	var meta *Metadata
	err := h.host.View(c.Request.Context(), "token.metadata", func(inv *host.Invocation) error {
		var err error
		meta, err = h.ledger.Metadata(inv, asset)
		return err
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": toResponse(meta)})
}

func (h *Handler) bindAmount(c *gin.Context, fields ...string) (*AmountRequest, bool) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "invalid_request", "Invalid request body")
		return nil, false
	}
	values := map[string]string{"from": req.From, "to": req.To, "owner": req.Owner, "spender": req.Spender}
	checks := []func() *validation.ValidationError{
		func() *validation.ValidationError {
			if (req.Amount == "") == (req.AmountDecimal == "") {
				return &validation.ValidationError{Field: "amount", Message: "set exactly one of amount or amountDecimal"}
			}
			return nil
		},
		validation.ValidInteger("amount", req.Amount),
		validation.MaxLength("amountDecimal", req.AmountDecimal, 80),
	}
	for _, f := range fields {
		checks = append(checks, validation.Required(f, values[f]), validation.ValidAddress(f, values[f]))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		validation.Abort(c, errs)
		return nil, false
	}
	return &req, true
}

// resolveAmount returns the request amount in smallest units of asset.
func (h *Handler) resolveAmount(inv *host.Invocation, asset common.Address, req *AmountRequest) (*big.Int, error) {
	if req.AmountDecimal == "" {
		return validation.Amount(req.Amount), nil
	}
	meta, err := h.ledger.Metadata(inv, asset)
	if err != nil {
		return nil, err
	}
	amt, ok := amount.ParseDecimal(req.AmountDecimal, int32(meta.Decimals))
	if !ok {
		return nil, fmt.Errorf("%w: amountDecimal %q", errcode.InvalidAmount, req.AmountDecimal)
	}
	return amt, nil
}

// Mint handles POST /v1/tokens/:asset/mint
func (h *Handler) Mint(c *gin.Context) {
	req, ok := h.bindAmount(c, "to")
	if !ok {
		return
	}
	asset, to := validation.Address(c.Param("asset")), validation.Address(req.To)
	err := h.host.Invoke(c.Request.Context(), "token.mint", auth.GateFrom(c), func(inv *host.Invocation) error {
		amt, err := h.resolveAmount(inv, asset, req)
		if err != nil {
			return err
		}
		return h.ledger.Mint(inv, asset, to, amt)
	})
	h.respondBalance(c, err, asset, to)
}

// Transfer handles POST /v1/tokens/:asset/transfer
func (h *Handler) Transfer(c *gin.Context) {
	req, ok := h.bindAmount(c, "from", "to")
	if !ok {
		return
	}
	asset, from, to := validation.Address(c.Param("asset")), validation.Address(req.From), validation.Address(req.To)
	err := h.host.Invoke(c.Request.Context(), "token.transfer", auth.GateFrom(c), func(inv *host.Invocation) error {
		amt, err := h.resolveAmount(inv, asset, req)
		if err != nil {
			return err
		}
		return h.ledger.Transfer(inv, asset, from, to, amt)
	})
	h.respondBalance(c, err, asset, from)
}

// Approve handles POST /v1/tokens/:asset/approve
func (h *Handler) Approve(c *gin.Context) {
	req, ok := h.bindAmount(c, "owner", "spender")
	if !ok {
		return
	}
	asset, owner, spender := validation.Address(c.Param("asset")), validation.Address(req.Owner), validation.Address(req.Spender)
	var amt *big.Int
	err := h.host.Invoke(c.Request.Context(), "token.approve", auth.GateFrom(c), func(inv *host.Invocation) error {
		var err error
		if amt, err = h.resolveAmount(inv, asset, req); err != nil {
			return err
		}
		return h.ledger.Approve(inv, asset, owner, spender, amt)
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"asset":     asset,
		"owner":     owner,
		"spender":   spender,
		"allowance": amt.String(),
	})
}

// GetBalance handles GET /v1/tokens/:asset/balances/:address
func (h *Handler) GetBalance(c *gin.Context) {
	h.respondBalance(c, nil, validation.Address(c.Param("asset")), validation.Address(c.Param("address")))
}

// GetAllowance handles GET /v1/tokens/:asset/allowances/:owner/:spender
func (h *Handler) GetAllowance(c *gin.Context) {
	asset := validation.Address(c.Param("asset"))
	owner, spender := validation.Address(c.Param("owner")), validation.Address(c.Param("spender"))

	var allowed *big.Int
	err := h.host.View(c.Request.Context(), "token.allowance", func(inv *host.Invocation) error {
		var err error
		allowed, err = h.ledger.Allowance(inv, asset, owner, spender)
		return err
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"asset":     asset,
		"owner":     owner,
		"spender":   spender,
		"allowance": allowed.String(),
	})
}

// respondBalance reports who's balance after a successful operation.
func (h *Handler) respondBalance(c *gin.Context, opErr error, asset, who common.Address) {
	if opErr != nil {
		apierror.Respond(c, opErr)
		return
	}
	var (
		bal  *big.Int
		meta *Metadata
	)
	err := h.host.View(c.Request.Context(), "token.balance", func(inv *host.Invocation) error {
		var err error
		if meta, err = h.ledger.Metadata(inv, asset); err != nil {
			return err
		}
		bal, err = h.ledger.Balance(inv, asset, who)
		return err
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"asset":     asset,
		"address":   who,
		"balance":   bal.String(),
		"formatted": amount.Format(bal, int32(meta.Decimals)),
	})
}
