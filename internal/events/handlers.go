package events

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// Handler serves the committed event log.
type Handler struct {
	log *Log
}

// NewHandler creates an event log handler.
func NewHandler(log *Log) *Handler {
	return &Handler{log: log}
}

// RegisterRoutes mounts the read-only event routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.List)
}

// List handles GET /v1/events?topic=&subject=&after=&limit=
func (h *Handler) List(c *gin.Context) {
	q := Query{Topic: c.Query("topic")}

	if s := c.Query("subject"); s != "" {
		if !common.IsHexAddress(s) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subject", "message": "subject must be a hex address"})
			return
		}
		addr := common.HexToAddress(s)
		q.Subject = &addr
	}
	if s := c.Query("after"); s != "" {
		after, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_after", "message": "after must be an event sequence number"})
			return
		}
		q.After = after
	}
	if s := c.Query("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil {
			q.Limit = l
		}
	}

	evs := h.log.Find(q)
	if evs == nil {
		evs = []Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs)})
}
