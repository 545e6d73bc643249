package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/creatorledger/internal/audit/domain"
	balancedomain "github.com/smallbiznis/creatorledger/internal/balance/domain"
	"github.com/smallbiznis/creatorledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	obscontext "github.com/smallbiznis/creatorledger/internal/observability/context"
	paymentdomain "github.com/smallbiznis/creatorledger/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePaymentService struct {
	paymentdomain.Service

	provider string
	inbound  paymentdomain.Inbound
	result   paymentdomain.Result
	err      error
}

func (f *fakePaymentService) IngestWebhook(_ context.Context, provider string, in paymentdomain.Inbound) (paymentdomain.Result, error) {
	f.provider = provider
	f.inbound = in
	return f.result, f.err
}

type fakePayoutService struct {
	payoutdomain.Service

	requested *payoutdomain.RequestPayoutRequest
	decided   *payoutdomain.Decision
	err       error
}

func (f *fakePayoutService) RequestPayout(_ context.Context, req payoutdomain.RequestPayoutRequest) (*payoutdomain.PayoutRequest, error) {
	f.requested = &req
	if f.err != nil {
		return nil, f.err
	}
	return &payoutdomain.PayoutRequest{ID: snowflake.ID(1), CreatorID: req.CreatorID, Amount: req.Amount}, nil
}

func (f *fakePayoutService) ApprovePayout(_ context.Context, id snowflake.ID, decision payoutdomain.Decision) (*payoutdomain.PayoutRequest, error) {
	f.decided = &decision
	if f.err != nil {
		return nil, f.err
	}
	return &payoutdomain.PayoutRequest{ID: id}, nil
}

type fakeLedgerService struct {
	ledgerdomain.Service
}

func (fakeLedgerService) ListEarnings(context.Context, snowflake.ID, pagination.Pagination) ([]ledgerdomain.Earning, pagination.PageInfo, error) {
	return nil, pagination.PageInfo{}, nil
}

type recordedAudit struct {
	action     string
	targetType string
	targetID   string
	actorType  string
	actorID    string
	metadata   map[string]any
}

type fakeAuditService struct {
	auditdomain.Service

	entries []recordedAudit
	listReq *auditdomain.ListAuditLogRequest
	err     error
}

func (f *fakeAuditService) AuditLog(ctx context.Context, action string, targetType string, targetID *string, metadata map[string]any) error {
	if f.err != nil {
		return f.err
	}
	actorType, actorID := obscontext.ActorFromContext(ctx)
	entry := recordedAudit{action: action, targetType: targetType, actorType: actorType, actorID: actorID, metadata: metadata}
	if targetID != nil {
		entry.targetID = *targetID
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditService) List(_ context.Context, req auditdomain.ListAuditLogRequest) ([]auditdomain.AuditLog, pagination.PageInfo, error) {
	f.listReq = &req
	return nil, pagination.PageInfo{}, nil
}

type testServer struct {
	router  *gin.Engine
	payment *fakePaymentService
	payout  *fakePayoutService
	audit   *fakeAuditService
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())

	payment := &fakePaymentService{}
	payout := &fakePayoutService{}
	audit := &fakeAuditService{}
	NewServer(ServerParams{
		Gin:        router,
		Cfg:        cfg,
		Log:        zap.NewNop(),
		LedgerSvc:  fakeLedgerService{},
		PaymentSvc: payment,
		PayoutSvc:  payout,
		AuditSvc:   audit,
	})
	return &testServer{router: router, payment: payment, payout: payout, audit: audit}
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body.Error
}

func TestWebhookNeutralResultAnswers200(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	srv.payment.result = paymentdomain.Result{Handled: false, Reason: paymentdomain.ReasonInvalidSignature}

	resp := srv.do(http.MethodPost, "/webhooks/CCBill?eventType=NewSaleSuccess", `{"a":1}`, map[string]string{"X-Test": "yes"})

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "ccbill", srv.payment.provider)
	assert.Equal(t, "NewSaleSuccess", srv.payment.inbound.Query.Get("eventType"))
	assert.Equal(t, "yes", srv.payment.inbound.Headers.Get("X-Test"))
	assert.JSONEq(t, `{"a":1}`, string(srv.payment.inbound.Payload))

	var result paymentdomain.Result
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.Equal(t, paymentdomain.ReasonInvalidSignature, result.Reason)
}

func TestWebhookFailures(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"rate limited", paymentdomain.ErrWebhookRateLimited, http.StatusTooManyRequests},
		{"internal", errors.New("db down"), http.StatusInternalServerError},
		{"already processed", paymentdomain.ErrEventAlreadyProcessed, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, config.Config{})
			srv.payment.err = tc.err

			resp := srv.do(http.MethodPost, "/webhooks/stripe", `{}`, nil)

			assert.Equal(t, tc.status, resp.Code)
		})
	}
}

func TestRequestPayout(t *testing.T) {
	srv := newTestServer(t, config.Config{})

	resp := srv.do(http.MethodPost, "/v1/creators/700/payouts",
		`{"amount":1500,"account":{"rail":"paypal","paypal_email":"c@example.com"}}`, nil)

	require.Equal(t, http.StatusCreated, resp.Code)
	require.NotNil(t, srv.payout.requested)
	assert.Equal(t, snowflake.ID(700), srv.payout.requested.CreatorID)
	assert.EqualValues(t, 1500, srv.payout.requested.Amount)
	assert.Equal(t, "c@example.com", srv.payout.requested.Account.PayPalEmail)
}

func TestRequestPayoutErrors(t *testing.T) {
	t.Run("bad creator id", func(t *testing.T) {
		srv := newTestServer(t, config.Config{})
		resp := srv.do(http.MethodPost, "/v1/creators/abc/payouts", `{"amount":1}`, nil)

		require.Equal(t, http.StatusBadRequest, resp.Code)
		payload := decodeError(t, resp)
		require.Len(t, payload.Errors, 1)
		assert.Equal(t, "id", payload.Errors[0].Field)
		assert.Nil(t, srv.payout.requested)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		srv := newTestServer(t, config.Config{})
		srv.payout.err = payoutdomain.ErrInsufficientFunds
		resp := srv.do(http.MethodPost, "/v1/creators/700/payouts", `{"amount":1}`, nil)

		require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
		assert.Equal(t, "insufficient_funds", decodeError(t, resp).Type)
	})

	t.Run("below minimum", func(t *testing.T) {
		srv := newTestServer(t, config.Config{})
		srv.payout.err = fmt.Errorf("request: %w", payoutdomain.ErrBelowMinimum)
		resp := srv.do(http.MethodPost, "/v1/creators/700/payouts", `{"amount":1}`, nil)

		require.Equal(t, http.StatusBadRequest, resp.Code)
		payload := decodeError(t, resp)
		require.Len(t, payload.Errors, 1)
		assert.Equal(t, "payout_below_minimum", payload.Errors[0].Code)
	})
}

func TestAdminRoutesRequireToken(t *testing.T) {
	body := `{"approve":true,"confirmed_transfer":true,"reference":"wire-1"}`

	closed := newTestServer(t, config.Config{})
	resp := closed.do(http.MethodPost, "/v1/admin/payouts/9/decision", body, map[string]string{"Authorization": "Bearer anything"})
	assert.Equal(t, http.StatusForbidden, resp.Code)

	srv := newTestServer(t, config.Config{AdminToken: "s3cret"})
	resp = srv.do(http.MethodPost, "/v1/admin/payouts/9/decision", body, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Nil(t, srv.payout.decided)

	resp = srv.do(http.MethodPost, "/v1/admin/payouts/9/decision", body, map[string]string{"Authorization": "Bearer s3cret"})
	require.Equal(t, http.StatusOK, resp.Code)
	require.NotNil(t, srv.payout.decided)
	assert.True(t, srv.payout.decided.Approve)
	assert.True(t, srv.payout.decided.ConfirmedTransfer)
	assert.Equal(t, "wire-1", srv.payout.decided.Reference)
}

func TestDecidePayoutRequiresApproveField(t *testing.T) {
	srv := newTestServer(t, config.Config{AdminToken: "s3cret"})

	resp := srv.do(http.MethodPost, "/v1/admin/payouts/9/decision", `{"note":"hm"}`, map[string]string{"Authorization": "Bearer s3cret"})

	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Nil(t, srv.payout.decided)
}

func TestDecidePayoutConflict(t *testing.T) {
	srv := newTestServer(t, config.Config{AdminToken: "s3cret"})
	srv.payout.err = payoutdomain.ErrAlreadyDecided

	resp := srv.do(http.MethodPost, "/v1/admin/payouts/9/decision", `{"approve":false}`, map[string]string{"Authorization": "Bearer s3cret"})

	require.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "payout already decided", decodeError(t, resp).Message)
}

func TestDecidePayoutWritesAuditLog(t *testing.T) {
	srv := newTestServer(t, config.Config{AdminToken: "s3cret"})

	resp := srv.do(http.MethodPost, "/v1/admin/payouts/9/decision", `{"approve":false,"note":" fraud "}`, map[string]string{
		"Authorization": "Bearer s3cret",
		"X-Admin-ID":    "ops-7",
	})

	require.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, srv.audit.entries, 1)
	entry := srv.audit.entries[0]
	assert.Equal(t, auditdomain.ActionPayoutDecide, entry.action)
	assert.Equal(t, "payout", entry.targetType)
	assert.Equal(t, "9", entry.targetID)
	assert.Equal(t, "admin", entry.actorType)
	assert.Equal(t, "ops-7", entry.actorID)
	assert.Equal(t, false, entry.metadata["approve"])
	assert.Equal(t, "fraud", entry.metadata["note"])
}

func TestAuditFailureDoesNotFailRequest(t *testing.T) {
	srv := newTestServer(t, config.Config{AdminToken: "s3cret"})
	srv.audit.err = errors.New("db down")

	resp := srv.do(http.MethodPost, "/v1/admin/payouts/9/decision", `{"approve":true,"confirmed_transfer":true}`, map[string]string{"Authorization": "Bearer s3cret"})

	assert.Equal(t, http.StatusOK, resp.Code)
	require.NotNil(t, srv.payout.decided)
}

func TestListAuditLogs(t *testing.T) {
	srv := newTestServer(t, config.Config{AdminToken: "s3cret"})
	auth := map[string]string{"Authorization": "Bearer s3cret"}

	resp := srv.do(http.MethodGet, "/v1/admin/audit-logs?start_at=yesterday", "", auth)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	payload := decodeError(t, resp)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "start_at", payload.Errors[0].Field)
	assert.Nil(t, srv.audit.listReq)

	resp = srv.do(http.MethodGet, "/v1/admin/audit-logs?action=payout.decide&page_size=5&start_at=2026-01-01T00:00:00Z", "", auth)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"data":[],"page_info":{"next_page_token":"","has_more":false}}`, resp.Body.String())
	require.NotNil(t, srv.audit.listReq)
	assert.Equal(t, "payout.decide", srv.audit.listReq.Action)
	assert.Equal(t, 5, srv.audit.listReq.PageSize)
	require.NotNil(t, srv.audit.listReq.StartAt)
	assert.Nil(t, srv.audit.listReq.EndAt)
}

func TestListEarningsReturnsEmptyArray(t *testing.T) {
	srv := newTestServer(t, config.Config{})

	resp := srv.do(http.MethodGet, "/v1/creators/700/earnings", "", nil)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"data":[],"page_info":{"next_page_token":"","has_more":false}}`, resp.Body.String())
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{balancedomain.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_funds"},
		{ledgerdomain.ErrNotFound, http.StatusNotFound, "not_found"},
		{payoutdomain.ErrNotFound, http.StatusNotFound, "not_found"},
		{ledgerdomain.ErrInvalidLineItems, http.StatusBadRequest, "validation_error"},
		{payoutdomain.ErrPayoutBusy, http.StatusConflict, "conflict"},
		{fmt.Errorf("%w: timeout", payoutdomain.ErrTransferFailed), http.StatusBadGateway, "transfer_failed"},
		{payoutdomain.ErrRailNotConfigured, http.StatusServiceUnavailable, "service_unavailable"},
		{pagination.ErrInvalidPageToken, http.StatusBadRequest, "validation_error"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, payload := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.kind, payload.Type, tc.err.Error())
	}
}
