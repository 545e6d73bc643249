package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creatorledger/internal/account"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/creatorledger/internal/payment/domain"
)

type purchaseRequest struct {
	Provider    string                       `json:"provider"`
	Payer       account.Ref                  `json:"payer"`
	CreatorID   *snowflake.ID                `json:"creator_id"`
	TargetType  string                       `json:"target_type"`
	TargetID    *snowflake.ID                `json:"target_id"`
	Category    string                       `json:"category"`
	ContentType string                       `json:"content_type"`
	ContentID   *snowflake.ID                `json:"content_id"`
	LineItems   []ledgerdomain.LineItem      `json:"line_items"`
	Currency    string                       `json:"currency"`
	TokenAmount int64                        `json:"token_amount"`
	Coupon      *ledgerdomain.CouponSnapshot `json:"coupon"`
	ReturnURL   string                       `json:"return_url"`
}

// CreatePurchase records a pending gateway transaction and returns where to
// send the payer.
func (s *Server) CreatePurchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	session, err := s.paymentSvc.BeginCheckout(c.Request.Context(), paymentdomain.CheckoutRequest{
		Provider:    strings.ToLower(strings.TrimSpace(req.Provider)),
		Payer:       req.Payer,
		CreatorID:   req.CreatorID,
		TargetType:  ledgerdomain.TargetType(strings.TrimSpace(req.TargetType)),
		TargetID:    req.TargetID,
		Category:    ledgerdomain.Category(strings.TrimSpace(req.Category)),
		ContentType: strings.TrimSpace(req.ContentType),
		ContentID:   req.ContentID,
		LineItems:   req.LineItems,
		Currency:    strings.TrimSpace(req.Currency),
		TokenAmount: req.TokenAmount,
		Coupon:      req.Coupon,
		ReturnURL:   strings.TrimSpace(req.ReturnURL),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": session})
}

// CreateTokenPurchase pays for content out of the payer's token balance. The
// debit itself happens when the transaction settles.
func (s *Server) CreateTokenPurchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.CreatorID == nil {
		AbortWithError(c, newValidationError("creator_id", "invalid_creator_id", "invalid creator_id"))
		return
	}

	tx, err := s.paymentSvc.PurchaseWithTokens(c.Request.Context(), paymentdomain.TokenPurchaseRequest{
		Payer:       req.Payer,
		CreatorID:   *req.CreatorID,
		TargetType:  ledgerdomain.TargetType(strings.TrimSpace(req.TargetType)),
		TargetID:    req.TargetID,
		Category:    ledgerdomain.Category(strings.TrimSpace(req.Category)),
		ContentType: strings.TrimSpace(req.ContentType),
		ContentID:   req.ContentID,
		LineItems:   req.LineItems,
		Coupon:      req.Coupon,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": tx})
}

type contentDeletedRequest struct {
	ContentType string       `json:"content_type"`
	ContentID   snowflake.ID `json:"content_id"`
}

// PublishContentDeleted queues reversal of every earning tied to the content.
func (s *Server) PublishContentDeleted(c *gin.Context) {
	var req contentDeletedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.settlementSvc.PublishContentDeleted(c.Request.Context(), strings.TrimSpace(req.ContentType), req.ContentID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (s *Server) GetTransaction(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	tx, err := s.ledgerSvc.GetTransaction(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": tx})
}
