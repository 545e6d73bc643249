// Package stripeconnect pays creators by transferring to their connected
// Stripe account.
package stripeconnect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/creatorledger/internal/payout/domain"
)

type Config struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

type Rail struct {
	baseURL   string
	secretKey string
	client    *http.Client
}

func New(cfg Config) *Rail {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 12 * time.Second}
	}
	return &Rail{
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		secretKey: strings.TrimSpace(cfg.SecretKey),
		client:    client,
	}
}

func (r *Rail) Name() string { return domain.RailStripeConnect }

func (r *Rail) RequiresConfirmation() bool { return false }

type transferResponse struct {
	ID string `json:"id"`
}

type stripeErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (r *Rail) Send(ctx context.Context, transfer domain.Transfer) (domain.TransferResult, error) {
	if r.baseURL == "" || r.secretKey == "" {
		return domain.TransferResult{}, domain.ErrRailNotConfigured
	}
	if transfer.Account.StripeAccountID == "" {
		return domain.TransferResult{}, domain.ErrInvalidAccount
	}

	values := url.Values{}
	values.Set("amount", strconv.FormatInt(transfer.Amount, 10))
	values.Set("currency", strings.ToLower(transfer.Currency))
	values.Set("destination", transfer.Account.StripeAccountID)
	values.Set("transfer_group", "payout_"+transfer.PayoutRequestID.String())
	values.Set("metadata[payout_request_id]", transfer.PayoutRequestID.String())
	values.Set("metadata[creator_id]", transfer.CreatorID.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/transfers", strings.NewReader(values.Encode()))
	if err != nil {
		return domain.TransferResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+r.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if transfer.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", transfer.IdempotencyKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.TransferResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var stripeErr stripeErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&stripeErr); err != nil {
			return domain.TransferResult{}, errors.New("stripe_request_failed")
		}
		message := strings.TrimSpace(stripeErr.Error.Message)
		if message == "" {
			message = "stripe_request_failed"
		}
		return domain.TransferResult{}, errors.New(message)
	}

	var out transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.TransferResult{}, err
	}
	if out.ID == "" {
		return domain.TransferResult{}, errors.New("stripe_response_invalid")
	}
	return domain.TransferResult{Reference: out.ID}, nil
}
