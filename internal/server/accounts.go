package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creatorledger/internal/account"
	auditdomain "github.com/smallbiznis/creatorledger/internal/audit/domain"
	balancedomain "github.com/smallbiznis/creatorledger/internal/balance/domain"
)

type balanceResponse struct {
	Account account.Ref `json:"account"`
	Balance int64       `json:"balance"`
}

func (s *Server) GetAccountBalance(c *gin.Context) {
	ref, ok := pathAccount(c)
	if !ok {
		return
	}

	balance, err := s.balanceSvc.GetBalance(c.Request.Context(), ref)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balanceResponse{Account: ref, Balance: balance}})
}

func (s *Server) ListAccountTransactions(c *gin.Context) {
	ref, ok := pathAccount(c)
	if !ok {
		return
	}
	page, ok := bindPage(c)
	if !ok {
		return
	}

	items, info, err := s.ledgerSvc.ListTransactions(c.Request.Context(), ref, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newListResponse(items, info))
}

func (s *Server) ListAccountChangeLogs(c *gin.Context) {
	ref, ok := pathAccount(c)
	if !ok {
		return
	}
	page, ok := bindPage(c)
	if !ok {
		return
	}

	items, info, err := s.ledgerSvc.ListChangeLogs(c.Request.Context(), ref, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newListResponse(items, info))
}

type adjustBalanceRequest struct {
	Delta int64  `json:"delta"`
	Note  string `json:"note"`
}

type adjustmentResponse struct {
	Account     account.Ref `json:"account"`
	Delta       int64       `json:"delta"`
	Balance     int64       `json:"balance"`
	ChangeLogID *string     `json:"change_log_id,omitempty"`
}

func newAdjustmentResponse(adj *balancedomain.Adjustment) adjustmentResponse {
	resp := adjustmentResponse{Account: adj.Account, Delta: adj.Delta, Balance: adj.Balance}
	if adj.ChangeLogID != nil {
		id := adj.ChangeLogID.String()
		resp.ChangeLogID = &id
	}
	return resp
}

// AdminAdjustBalance applies an operator credit or debit. The note lands in
// the change log.
func (s *Server) AdminAdjustBalance(c *gin.Context) {
	ref, ok := pathAccount(c)
	if !ok {
		return
	}
	var req adjustBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	adj, err := s.balanceSvc.AdminAdjust(c.Request.Context(), ref, req.Delta, strings.TrimSpace(req.Note))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.audit(c.Request.Context(), auditdomain.ActionBalanceAdjust, "account", ref.String(), map[string]any{
		"delta": req.Delta,
		"note":  strings.TrimSpace(req.Note),
	})

	c.JSON(http.StatusOK, gin.H{"data": newAdjustmentResponse(adj)})
}
