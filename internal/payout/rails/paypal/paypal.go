// Package paypal sends payouts through the PayPal Payouts API.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creatorledger/internal/payout/domain"
)

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

type Rail struct {
	baseURL      string
	clientID     string
	clientSecret string
	client       *http.Client
}

func New(cfg Config) *Rail {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 12 * time.Second}
	}
	return &Rail{
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		clientID:     strings.TrimSpace(cfg.ClientID),
		clientSecret: strings.TrimSpace(cfg.ClientSecret),
		client:       client,
	}
}

func (r *Rail) Name() string { return domain.RailPayPal }

func (r *Rail) RequiresConfirmation() bool { return false }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

type payoutAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type payoutItem struct {
	RecipientType string       `json:"recipient_type"`
	Amount        payoutAmount `json:"amount"`
	Receiver      string       `json:"receiver"`
	Note          string       `json:"note,omitempty"`
	SenderItemID  string       `json:"sender_item_id"`
}

type senderBatchHeader struct {
	SenderBatchID string `json:"sender_batch_id"`
	EmailSubject  string `json:"email_subject"`
}

type payoutRequest struct {
	SenderBatchHeader senderBatchHeader `json:"sender_batch_header"`
	Items             []payoutItem      `json:"items"`
}

type payoutResponse struct {
	BatchHeader struct {
		PayoutBatchID string `json:"payout_batch_id"`
		BatchStatus   string `json:"batch_status"`
	} `json:"batch_header"`
}

type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (r *Rail) Send(ctx context.Context, transfer domain.Transfer) (domain.TransferResult, error) {
	if r.baseURL == "" || r.clientID == "" || r.clientSecret == "" {
		return domain.TransferResult{}, domain.ErrRailNotConfigured
	}
	if transfer.Account.PayPalEmail == "" {
		return domain.TransferResult{}, domain.ErrInvalidAccount
	}

	token, err := r.accessToken(ctx)
	if err != nil {
		return domain.TransferResult{}, err
	}

	body, err := json.Marshal(payoutRequest{
		SenderBatchHeader: senderBatchHeader{
			SenderBatchID: transfer.IdempotencyKey,
			EmailSubject:  "You have a payout",
		},
		Items: []payoutItem{{
			RecipientType: "EMAIL",
			Amount: payoutAmount{
				Value:    decimal.New(transfer.Amount, -2).StringFixed(2),
				Currency: strings.ToUpper(transfer.Currency),
			},
			Receiver:     transfer.Account.PayPalEmail,
			Note:         transfer.Note,
			SenderItemID: transfer.PayoutRequestID.String(),
		}},
	})
	if err != nil {
		return domain.TransferResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/payments/payouts", bytes.NewReader(body))
	if err != nil {
		return domain.TransferResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("PayPal-Request-Id", transfer.IdempotencyKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.TransferResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return domain.TransferResult{}, decodeError(resp)
	}
	var out payoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.TransferResult{}, err
	}
	if out.BatchHeader.PayoutBatchID == "" {
		return domain.TransferResult{}, errors.New("paypal_response_invalid")
	}
	return domain.TransferResult{Reference: out.BatchHeader.PayoutBatchID}, nil
}

func (r *Rail) accessToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(r.clientID, r.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", decodeError(resp)
	}
	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", errors.New("paypal_token_missing")
	}
	return out.AccessToken, nil
}

func decodeError(resp *http.Response) error {
	var payload errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("paypal_request_failed: status %d", resp.StatusCode)
	}
	message := strings.TrimSpace(payload.Message)
	if message == "" {
		message = strings.TrimSpace(payload.Name)
	}
	if message == "" {
		message = "paypal_request_failed"
	}
	return errors.New(message)
}
