package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/creatorledger/internal/audit/domain"
	"github.com/smallbiznis/creatorledger/internal/audit/masking"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	obscontext "github.com/smallbiznis/creatorledger/internal/observability/context"
	paymentdomain "github.com/smallbiznis/creatorledger/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
	"go.uber.org/zap"
)

type payoutDecisionRequest struct {
	Approve           *bool  `json:"approve"`
	Note              string `json:"note"`
	ConfirmedTransfer bool   `json:"confirmed_transfer"`
	Reference         string `json:"reference"`
}

func (s *Server) DecidePayout(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req payoutDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Approve == nil {
		AbortWithError(c, newValidationError("approve", "invalid_approve", "invalid approve"))
		return
	}

	resp, err := s.payoutSvc.ApprovePayout(c.Request.Context(), id, payoutdomain.Decision{
		Approve:           *req.Approve,
		Note:              strings.TrimSpace(req.Note),
		ConfirmedTransfer: req.ConfirmedTransfer,
		Reference:         strings.TrimSpace(req.Reference),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	_, actorID := obscontext.ActorFromContext(c.Request.Context())
	s.log.Info("payout decided",
		zap.String("payout_id", id.String()),
		zap.Bool("approve", *req.Approve),
		zap.String("admin", actorID),
	)
	s.audit(c.Request.Context(), auditdomain.ActionPayoutDecide, "payout", id.String(), map[string]any{
		"approve":   *req.Approve,
		"note":      strings.TrimSpace(req.Note),
		"reference": strings.TrimSpace(req.Reference),
	})
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListSettlementFailures(c *gin.Context) {
	page, ok := bindPage(c)
	if !ok {
		return
	}

	items, info, err := s.settlementSvc.ListFailures(c.Request.Context(), page)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	open, err := s.settlementSvc.FailedCount(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	list := newListResponse(items, info)
	c.JSON(http.StatusOK, gin.H{
		"data":       list.Data,
		"page_info":  list.PageInfo,
		"open_count": open,
	})
}

func (s *Server) ResolveSettlementFailure(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := s.settlementSvc.ResolveFailure(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	s.audit(c.Request.Context(), auditdomain.ActionFailureResolve, "settlement_failure", id.String(), nil)

	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

type reverseTransactionRequest struct {
	Reason string `json:"reason"`
}

// ReverseTransaction undoes the settlement effects of one transaction, as a
// refund would.
func (s *Server) ReverseTransaction(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reverseTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "admin"
	}

	report, err := s.settlementSvc.ReverseTransaction(c.Request.Context(), id, reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.audit(c.Request.Context(), auditdomain.ActionTransactionReverse, "transaction", id.String(), map[string]any{
		"reason":   reason,
		"reversed": report.Reversed,
		"failed":   report.Failed,
	})

	c.JSON(http.StatusOK, gin.H{"data": report})
}

type commissionRateRequest struct {
	Rate string `json:"rate"`
}

func (s *Server) SetCreatorCommission(c *gin.Context) {
	creatorID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req commissionRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	category := categoryParam(c)
	resp, err := s.commissionSvc.SetCreatorRate(c.Request.Context(), creatorID, category, strings.TrimSpace(req.Rate))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.audit(c.Request.Context(), auditdomain.ActionCommissionSet, "commission", creatorID.String()+":"+string(category), map[string]any{
		"rate": strings.TrimSpace(req.Rate),
	})

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RemoveCreatorCommission(c *gin.Context) {
	creatorID, ok := pathID(c, "id")
	if !ok {
		return
	}

	category := categoryParam(c)
	if err := s.commissionSvc.RemoveCreatorRate(c.Request.Context(), creatorID, category); err != nil {
		AbortWithError(c, err)
		return
	}
	s.audit(c.Request.Context(), auditdomain.ActionCommissionRemove, "commission", creatorID.String()+":"+string(category), nil)

	c.Status(http.StatusNoContent)
}

func (s *Server) SetGlobalCommission(c *gin.Context) {
	var req commissionRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	category := categoryParam(c)
	resp, err := s.commissionSvc.SetGlobalRate(c.Request.Context(), category, strings.TrimSpace(req.Rate))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.audit(c.Request.Context(), auditdomain.ActionCommissionSet, "commission", "global:"+string(category), map[string]any{
		"rate": strings.TrimSpace(req.Rate),
	})

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func categoryParam(c *gin.Context) ledgerdomain.Category {
	return ledgerdomain.Category(strings.ToLower(strings.TrimSpace(c.Param("category"))))
}

type upsertPaymentProviderConfigRequest struct {
	Provider string         `json:"provider"`
	Config   map[string]any `json:"config"`
}

type updatePaymentProviderStatusRequest struct {
	IsActive *bool `json:"is_active"`
}

func (s *Server) ListPaymentProviderConfigs(c *gin.Context) {
	resp, err := s.paymentSvc.ListConfigs(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"configs": resp})
}

func (s *Server) UpsertPaymentProviderConfig(c *gin.Context) {
	var req upsertPaymentProviderConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	resp, err := s.paymentSvc.UpsertConfig(c.Request.Context(), paymentdomain.UpsertConfigRequest{
		Provider: provider,
		Config:   req.Config,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.audit(c.Request.Context(), auditdomain.ActionProviderConfigUpsert, "payment_provider", provider, map[string]any{
		"config": masking.MaskJSON(req.Config),
	})

	c.JSON(http.StatusOK, gin.H{"config": resp})
}

func (s *Server) UpdatePaymentProviderStatus(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	var req updatePaymentProviderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.IsActive == nil {
		AbortWithError(c, newValidationError("is_active", "invalid_is_active", "invalid is_active"))
		return
	}

	resp, err := s.paymentSvc.SetActive(c.Request.Context(), provider, *req.IsActive)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.audit(c.Request.Context(), auditdomain.ActionProviderConfigEnabled, "payment_provider", strings.ToLower(provider), map[string]any{
		"is_active": *req.IsActive,
	})

	c.JSON(http.StatusOK, gin.H{"config": resp})
}
