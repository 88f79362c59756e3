package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/jmerrifield20/sealkeeper/internal/blockchain"
)

// Ledger handles GET /ledger: the network descriptor and the current tip.
func (h *SealHandler) Ledger(c *gin.Context) {
	chain := h.engine.Blockchain()

	var height int64
	err := chain.WrapOperation(c.Request.Context(), func(ctx context.Context) error {
		var err error
		height, err = chain.GetBlockHeight(ctx)
		return err
	})
	if err != nil {
		h.writeError(c, "get block height", err)
		return
	}

	net := chain.Network()
	c.JSON(http.StatusOK, gin.H{
		"flavor":        chain.Flavor().String(),
		"network":       chain.NetworkName(),
		"block_height":  height,
		"confirmations": chain.Confirmations(),
		"synchronous":   chain.Synchronous(),
		"testnet":       net.Testnet,
		"seal_amount":   net.SealAmount.String(),
	})
}

type rechargeRequest struct {
	Address    string `json:"address" binding:"required"`
	MinBalance string `json:"min_balance"`
	Force      bool   `json:"force"`
}

// Recharge handles POST /ledger/recharge: tops up a signing address from the
// test network faucet.
func (h *SealHandler) Recharge(c *gin.Context) {
	var req rechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rr := blockchain.RechargeRequest{Address: req.Address, Force: req.Force}
	if req.MinBalance != "" {
		d, err := decimal.NewFromString(req.MinBalance)
		if err != nil || d.IsNegative() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "min_balance must be a non-negative decimal"})
			return
		}
		rr.MinBalance = d
	}

	balance, err := h.engine.Blockchain().Recharge(c.Request.Context(), rr)
	if err != nil {
		h.writeError(c, "recharge", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": req.Address, "balance": balance.String()})
}
