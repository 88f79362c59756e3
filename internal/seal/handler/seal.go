package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sealkeeper/internal/auth"
	"github.com/jmerrifield20/sealkeeper/internal/blockchain"
	"github.com/jmerrifield20/sealkeeper/internal/scheduler"
	"github.com/jmerrifield20/sealkeeper/internal/seal/model"
	"github.com/jmerrifield20/sealkeeper/internal/seal/repository"
	"github.com/jmerrifield20/sealkeeper/internal/seal/service"
)

// cycleRunner runs engine cycles under the shared cycle locks.
// *scheduler.Scheduler satisfies it.
type cycleRunner interface {
	Seal(ctx context.Context) (*model.SealReport, *model.SyncReport, error)
	Failures(ctx context.Context, policy model.FailurePolicy) (*model.FailureReport, error)
	Policy() model.FailurePolicy
}

// SealHandler exposes the seal engine over HTTP.
type SealHandler struct {
	engine *service.Engine
	cycles cycleRunner
	tokens *auth.TokenIssuer // nil = mutating routes are open
	logger *zap.Logger
}

// NewSealHandler creates a SealHandler. Manual cycles run through cycles so
// they take the same locks as scheduled ones. tokens may be nil to disable
// auth.
func NewSealHandler(engine *service.Engine, cycles cycleRunner, tokens *auth.TokenIssuer, logger *zap.Logger) *SealHandler {
	return &SealHandler{
		engine: engine,
		cycles: cycles,
		tokens: tokens,
		logger: logger,
	}
}

// Register mounts the seal routes on the given router group.
func (h *SealHandler) Register(rg *gin.RouterGroup) {
	seals := rg.Group("/seals")
	{
		seals.POST("", auth.RequireToken(h.tokens, auth.ScopeSeal), h.Create)
		seals.POST("/watch", auth.RequireToken(h.tokens, auth.ScopeSeal), h.Watch)
		seals.GET("", h.List)
		seals.GET("/:link", h.Get)
	}
	rg.GET("/permalinks/:permalink/seals", h.ListByPermalink)
	rg.GET("/addresses/derive", h.Derive)

	cycles := rg.Group("/cycles", auth.RequireToken(h.tokens, auth.ScopeCycle))
	{
		cycles.POST("/seal", h.RunSealCycle)
		cycles.POST("/failures", h.RunFailureCycle)
	}

	rg.GET("/ledger", h.Ledger)
	rg.POST("/ledger/recharge", auth.RequireToken(h.tokens, auth.ScopeLedger), h.Recharge)
}

// Create handles POST /seals: queues a link for sealing with a local key.
func (h *SealHandler) Create(c *gin.Context) {
	var req model.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := h.engine.Create(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "create seal", err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// Watch handles POST /seals/watch: observes a counterparty's seal.
func (h *SealHandler) Watch(c *gin.Context) {
	var req model.WatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := h.engine.Watch(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "watch seal", err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// Get handles GET /seals/:link: the WRITE record, else the READ record.
// ?role= selects one explicitly.
func (h *SealHandler) Get(c *gin.Context) {
	var (
		r   *model.Record
		err error
	)
	if role := c.Query("role"); role != "" {
		r, err = h.engine.GetByRole(c.Request.Context(), c.Param("link"), model.Role(role))
	} else {
		r, err = h.engine.Get(c.Request.Context(), c.Param("link"))
	}
	if err != nil {
		h.writeError(c, "get seal", err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// List handles GET /seals?status=...: one of the engine's classification
// queries. Grace-based statuses take ?grace= (default from the failure policy).
func (h *SealHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	status := c.DefaultQuery("status", "unconfirmed")

	grace := h.cycles.Policy().WriteGrace
	if status == "failed-reads" {
		grace = h.cycles.Policy().ReadGrace
	}
	if g := c.Query("grace"); g != "" {
		d, err := time.ParseDuration(g)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "grace must be a non-negative duration such as 1h"})
			return
		}
		grace = d
	}

	var (
		records []*model.Record
		err     error
	)
	switch status {
	case "unsealed":
		records, err = h.engine.GetUnsealed(ctx)
	case "unconfirmed":
		records, err = h.engine.GetUnconfirmed(ctx)
	case "failed-writes":
		records, err = h.engine.GetFailedWrites(ctx, grace)
	case "failed-reads":
		records, err = h.engine.GetFailedReads(ctx, grace)
	case "long-unconfirmed":
		records, err = h.engine.GetLongUnconfirmed(ctx, grace)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "status must be one of unsealed, unconfirmed, failed-writes, failed-reads, long-unconfirmed",
		})
		return
	}
	if err != nil {
		h.writeError(c, "list seals", err)
		return
	}
	if records == nil {
		records = []*model.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "count": len(records), "seals": records})
}

// ListByPermalink handles GET /permalinks/:permalink/seals.
func (h *SealHandler) ListByPermalink(c *gin.Context) {
	records, err := h.engine.ListByPermalink(c.Request.Context(), c.Param("permalink"))
	if err != nil {
		h.writeError(c, "list by permalink", err)
		return
	}
	if records == nil {
		records = []*model.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "seals": records})
}

// Derive handles GET /addresses/derive?link=&pub=[&curve=]: the one-time
// address any party holding pub derives for link. Needs no ledger access.
func (h *SealHandler) Derive(c *gin.Context) {
	base, err := blockchain.ParsePubKey(c.Query("curve"), c.Query("pub"))
	if err != nil {
		h.writeError(c, "derive address", err)
		return
	}
	chain := h.engine.Blockchain()
	link := c.Query("link")

	addr, err := chain.SealAddress(link, base)
	if err != nil {
		h.writeError(c, "derive address", err)
		return
	}
	pub, err := chain.SealPubKey(link, base)
	if err != nil {
		h.writeError(c, "derive address", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"link":         link,
		"base_pub_key": base,
		"pub_key":      pub,
		"address":      addr,
		"network":      chain.NetworkName(),
	})
}

// RunSealCycle handles POST /cycles/seal: SealPending followed by
// SyncUnconfirmed. A ledger read failure during sync still returns 200 with
// the error in the sync report.
func (h *SealHandler) RunSealCycle(c *gin.Context) {
	sealReport, syncReport, err := h.cycles.Seal(c.Request.Context())
	switch {
	case errors.Is(err, scheduler.ErrLocked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil && !errors.Is(err, scheduler.ErrSyncIncomplete):
		h.writeError(c, "seal cycle", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seal": sealReport, "sync": syncReport})
}

type failureCycleRequest struct {
	Grace      string `json:"grace"`
	ReadGrace  string `json:"read_grace"`
	WriteGrace string `json:"write_grace"`
}

// RunFailureCycle handles POST /cycles/failures. The body may override the
// grace periods: {"grace":"1h"} or {"read_grace":"1h","write_grace":"6h"}.
func (h *SealHandler) RunFailureCycle(c *gin.Context) {
	var req failureCycleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	policy := h.cycles.Policy()
	for _, o := range []struct {
		raw string
		dst []*time.Duration
	}{
		{req.Grace, []*time.Duration{&policy.ReadGrace, &policy.WriteGrace}},
		{req.ReadGrace, []*time.Duration{&policy.ReadGrace}},
		{req.WriteGrace, []*time.Duration{&policy.WriteGrace}},
	} {
		if o.raw == "" {
			continue
		}
		d, err := time.ParseDuration(o.raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid grace period " + o.raw})
			return
		}
		for _, p := range o.dst {
			*p = d
		}
	}

	report, err := h.cycles.Failures(c.Request.Context(), policy)
	if errors.Is(err, scheduler.ErrLocked) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Warn("failure cycle incomplete", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failure cycle incomplete", "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

// writeError maps engine and ledger errors onto HTTP status codes.
func (h *SealHandler) writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, blockchain.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "seal not found"})
	case errors.Is(err, service.ErrAlreadySealed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, blockchain.ErrRechargeUnsupported):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	case errors.Is(err, blockchain.ErrBroadcast), errors.Is(err, blockchain.ErrRead):
		h.logger.Warn(op, zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}
