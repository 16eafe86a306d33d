package escrow

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/blocki/blocki/internal/amount"
	"github.com/blocki/blocki/internal/apierror"
	"github.com/blocki/blocki/internal/auth"
	"github.com/blocki/blocki/internal/host"
	"github.com/blocki/blocki/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	host           *host.Host
	contract       *Contract
	defaultTimeout uint64
}

// NewHandler creates a new escrow handler.
func NewHandler(h *host.Host, contract *Contract) *Handler {
	return &Handler{host: h, contract: contract}
}

// WithDefaultTimeout sets the refund window, in seconds, applied to lock
// requests that omit one.
func (h *Handler) WithDefaultTimeout(seconds uint64) *Handler {
	h.defaultTimeout = seconds
	return h
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/config", h.GetConfig)
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/escrow/:id/status", h.GetStatus)
	r.GET("/escrow/:id/timed-out", h.GetTimedOut)
}

// RegisterProtectedRoutes sets up signed escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/initialize", h.Initialize)
	r.POST("/escrow/lock", h.LockFunds)
	r.POST("/escrow/:id/release", h.Release)
	r.POST("/escrow/:id/refund", h.Refund)
}

// InitializeRequest is the body of POST /v1/escrow/initialize.
type InitializeRequest struct {
	Admin       string `json:"admin"`
	Asset       string `json:"asset"`
	Marketplace string `json:"marketplace"`
}

// LockRequest is the body of POST /v1/escrow/lock.
type LockRequest struct {
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Amount    string `json:"amount"`
	ListingID uint64 `json:"listingId"`
	// Timeout is the refund window in seconds. Zero uses the server default.
	Timeout uint64 `json:"timeout"`
}

// RecordResponse is the API view of an escrow.
type RecordResponse struct {
	ID        uint64         `json:"id"`
	Buyer     common.Address `json:"buyer"`
	Seller    common.Address `json:"seller"`
	Amount    string         `json:"amount"`
	Asset     common.Address `json:"asset"`
	ListingID uint64         `json:"listingId"`
	Status    Status         `json:"status"`
	CreatedAt uint64         `json:"createdAt"`
	TimeoutAt uint64         `json:"timeoutAt"`
	TimedOut  bool           `json:"timedOut"`
}

// NewRecordResponse converts r for the API.
func NewRecordResponse(r *Record, now uint64) RecordResponse {
	return RecordResponse{
		ID:        r.ID,
		Buyer:     r.Buyer,
		Seller:    r.Seller,
		Amount:    amount.String(r.Amount),
		Asset:     r.Asset,
		ListingID: r.ListingID,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
		TimeoutAt: r.TimeoutAt,
		TimedOut:  r.TimedOut(now),
	}
}

// Initialize handles POST /v1/escrow/initialize
func (h *Handler) Initialize(c *gin.Context) {
	var req InitializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("admin", req.Admin),
		validation.ValidAddress("admin", req.Admin),
		validation.Required("asset", req.Asset),
		validation.ValidAddress("asset", req.Asset),
		validation.Required("marketplace", req.Marketplace),
		validation.ValidAddress("marketplace", req.Marketplace),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	cfg := Config{
		Admin:       validation.Address(req.Admin),
		Asset:       validation.Address(req.Asset),
		Marketplace: validation.Address(req.Marketplace),
	}
	err := h.host.Invoke(c.Request.Context(), "escrow.initialize", auth.GateFrom(c), func(inv *host.Invocation) error {
		return h.contract.Initialize(inv, cfg)
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"config": cfg})
}

// LockFunds handles POST /v1/escrow/lock
func (h *Handler) LockFunds(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("buyer", req.Buyer),
		validation.ValidAddress("buyer", req.Buyer),
		validation.Required("seller", req.Seller),
		validation.ValidAddress("seller", req.Seller),
		validation.Required("amount", req.Amount),
		validation.ValidInteger("amount", req.Amount),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	buyer, seller := validation.Address(req.Buyer), validation.Address(req.Seller)
	amt := validation.Amount(req.Amount)
	timeout := req.Timeout
	if timeout == 0 {
		timeout = h.defaultTimeout
	}

	var resp RecordResponse
	err := h.host.Invoke(c.Request.Context(), "escrow.lock_funds", auth.GateFrom(c), func(inv *host.Invocation) error {
		id, err := h.contract.LockFunds(inv, buyer, seller, amt, req.ListingID, timeout)
		if err != nil {
			return err
		}
		rec, err := h.contract.Record(inv, id)
		if err != nil {
			return err
		}
		resp = NewRecordResponse(rec, inv.Now())
		return nil
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": resp})
}

// Release handles POST /v1/escrow/:id/release
func (h *Handler) Release(c *gin.Context) {
	h.transition(c, "escrow.release_to_seller", h.contract.ReleaseToSeller)
}

// Refund handles POST /v1/escrow/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	h.transition(c, "escrow.refund_to_buyer", h.contract.RefundToBuyer)
}

func (h *Handler) transition(c *gin.Context, op string, fn func(*host.Invocation, uint64) error) {
	id, ok := validation.ParseID(c, "id")
	if !ok {
		return
	}
	var resp RecordResponse
	err := h.host.Invoke(c.Request.Context(), op, auth.GateFrom(c), func(inv *host.Invocation) error {
		if err := fn(inv, id); err != nil {
			return err
		}
		rec, err := h.contract.Record(inv, id)
		if err != nil {
			return err
		}
		resp = NewRecordResponse(rec, inv.Now())
		return nil
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": resp})
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := validation.ParseID(c, "id")
	if !ok {
		return
	}
	var resp RecordResponse
	err := h.host.View(c.Request.Context(), "escrow.record", func(inv *host.Invocation) error {
		rec, err := h.contract.Record(inv, id)
		if err != nil {
			return err
		}
		resp = NewRecordResponse(rec, inv.Now())
		return nil
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": resp})
}

// GetStatus handles GET /v1/escrow/:id/status
func (h *Handler) GetStatus(c *gin.Context) {
	id, ok := validation.ParseID(c, "id")
	if !ok {
		return
	}
	var status Status
	err := h.host.View(c.Request.Context(), "escrow.status", func(inv *host.Invocation) error {
		var err error
		status, err = h.contract.Status(inv, id)
		return err
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": status})
}

// GetTimedOut handles GET /v1/escrow/:id/timed-out
func (h *Handler) GetTimedOut(c *gin.Context) {
	id, ok := validation.ParseID(c, "id")
	if !ok {
		return
	}
	var timedOut bool
	err := h.host.View(c.Request.Context(), "escrow.is_timed_out", func(inv *host.Invocation) error {
		var err error
		timedOut, err = h.contract.IsTimedOut(inv, id)
		return err
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "timedOut": timedOut})
}

// GetConfig handles GET /v1/escrow/config
func (h *Handler) GetConfig(c *gin.Context) {
	var cfg *Config
	err := h.host.View(c.Request.Context(), "escrow.config", func(inv *host.Invocation) error {
		var err error
		cfg, err = h.contract.Config(inv)
		return err
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"config":  cfg,
		"custody": h.contract.Address(),
	})
}
