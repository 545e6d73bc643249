package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creatorledger/internal/account"
	auditdomain "github.com/smallbiznis/creatorledger/internal/audit/domain"
	balancedomain "github.com/smallbiznis/creatorledger/internal/balance/domain"
	commissiondomain "github.com/smallbiznis/creatorledger/internal/commission/domain"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/creatorledger/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
	settlementdomain "github.com/smallbiznis/creatorledger/internal/settlement/domain"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, balancedomain.ErrInsufficientBalance),
		errors.Is(err, payoutdomain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "insufficient_funds",
			Message: "insufficient funds",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, paymentdomain.ErrWebhookRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, payoutdomain.ErrTransferFailed):
		return http.StatusBadGateway, errorPayload{
			Type:    "transfer_failed",
			Message: "payout transfer failed, the request stays pending",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, payoutdomain.ErrRailNotConfigured),
		errors.Is(err, paymentdomain.ErrMissingGatewayConfig),
		errors.Is(err, paymentdomain.ErrEncryptionKeyMissing):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger a type and a stable code.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	if payload.Type == "internal_error" {
		return payload.Type, "internal_error"
	}
	return payload.Type, err.Error()
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, account.ErrInvalidRef):
		return true
	case isLedgerValidationError(err),
		isBalanceValidationError(err),
		isCommissionValidationError(err),
		isPaymentValidationError(err),
		isPayoutValidationError(err),
		errors.Is(err, settlementdomain.ErrInvalidContent),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction):
		return true
	default:
		return false
	}
}

func isLedgerValidationError(err error) bool {
	for _, target := range []error{
		ledgerdomain.ErrInvalidPrice,
		ledgerdomain.ErrInvalidPayer,
		ledgerdomain.ErrInvalidTarget,
		ledgerdomain.ErrInvalidCategory,
		ledgerdomain.ErrInvalidLineItems,
		ledgerdomain.ErrInvalidCurrency,
		ledgerdomain.ErrInvalidGateway,
		ledgerdomain.ErrInvalidCoupon,
		ledgerdomain.ErrInvalidEarning,
		ledgerdomain.ErrInvalidChangeLog,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isBalanceValidationError(err error) bool {
	return errors.Is(err, balancedomain.ErrInvalidDelta) ||
		errors.Is(err, balancedomain.ErrInvalidAccount) ||
		errors.Is(err, balancedomain.ErrNoteRequired)
}

func isCommissionValidationError(err error) bool {
	return errors.Is(err, commissiondomain.ErrInvalidRate) ||
		errors.Is(err, commissiondomain.ErrInvalidCategory) ||
		errors.Is(err, commissiondomain.ErrInvalidCreator)
}

func isPaymentValidationError(err error) bool {
	return errors.Is(err, paymentdomain.ErrInvalidProvider) ||
		errors.Is(err, paymentdomain.ErrInvalidConfig) ||
		errors.Is(err, paymentdomain.ErrCheckoutUnsupported)
}

func isPayoutValidationError(err error) bool {
	for _, target := range []error{
		payoutdomain.ErrInvalidAmount,
		payoutdomain.ErrBelowMinimum,
		payoutdomain.ErrInvalidAccount,
		payoutdomain.ErrUnsupportedRail,
		payoutdomain.ErrTransferNotConfirmed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, payoutdomain.ErrAlreadyDecided),
		errors.Is(err, payoutdomain.ErrPayoutBusy),
		errors.Is(err, ledgerdomain.ErrEarningPaid),
		errors.Is(err, ledgerdomain.ErrDuplicateCorrelation),
		errors.Is(err, ledgerdomain.ErrInvalidTransition),
		errors.Is(err, gorm.ErrDuplicatedKey):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, payoutdomain.ErrAlreadyDecided):
		return "payout already decided"
	case errors.Is(err, payoutdomain.ErrPayoutBusy):
		return "payout is being processed, retry shortly"
	case errors.Is(err, ledgerdomain.ErrEarningPaid):
		return "earning already paid out"
	default:
		return "conflict"
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ledgerdomain.ErrNotFound),
		errors.Is(err, commissiondomain.ErrNotFound),
		errors.Is(err, settlementdomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, payoutdomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return rootCode(err)
	}
}

// rootCode strips wrapping so the code stays one of the domain sentinels.
func rootCode(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "payout_below_minimum":
		return "amount is below the payout minimum"
	case "payout_transfer_not_confirmed":
		return "manual payouts need confirmed_transfer"
	default:
		return "invalid value"
	}
}
