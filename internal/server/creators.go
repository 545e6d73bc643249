package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
)

type requestPayoutRequest struct {
	Amount  int64                      `json:"amount"`
	Account payoutdomain.PayoutAccount `json:"account"`
}

func (s *Server) GetAvailableBalance(c *gin.Context) {
	creatorID, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.payoutSvc.AvailableBalance(c.Request.Context(), creatorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RequestPayout(c *gin.Context) {
	creatorID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req requestPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.payoutSvc.RequestPayout(c.Request.Context(), payoutdomain.RequestPayoutRequest{
		CreatorID: creatorID,
		Amount:    req.Amount,
		Account:   req.Account,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListPayouts(c *gin.Context) {
	creatorID, ok := pathID(c, "id")
	if !ok {
		return
	}
	page, ok := bindPage(c)
	if !ok {
		return
	}

	items, info, err := s.payoutSvc.ListPayouts(c.Request.Context(), creatorID, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newListResponse(items, info))
}

func (s *Server) GetPayout(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.payoutSvc.GetPayout(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListEarnings(c *gin.Context) {
	creatorID, ok := pathID(c, "id")
	if !ok {
		return
	}
	page, ok := bindPage(c)
	if !ok {
		return
	}

	items, info, err := s.ledgerSvc.ListEarnings(c.Request.Context(), creatorID, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newListResponse(items, info))
}

func (s *Server) ListCreatorCommissions(c *gin.Context) {
	creatorID, ok := pathID(c, "id")
	if !ok {
		return
	}

	items, err := s.commissionSvc.ListCreatorRates(c.Request.Context(), creatorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}
