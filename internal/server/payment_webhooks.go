package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/creatorledger/internal/payment/domain"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// HandlePaymentWebhook answers 200 for every verified or rejected delivery so
// gateways stop retrying. Only throttling and internal failures surface.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.paymentSvc.IngestWebhook(c.Request.Context(), provider, paymentdomain.Inbound{
		Payload: payload,
		Headers: c.Request.Header.Clone(),
		Query:   c.Request.URL.Query(),
	})
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) {
			c.JSON(http.StatusOK, paymentdomain.Result{Reason: paymentdomain.ReasonDuplicate})
			return
		}
		if !errors.Is(err, paymentdomain.ErrWebhookRateLimited) {
			s.log.Error("webhook ingestion failed", zap.String("provider", provider), zap.Error(err))
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
