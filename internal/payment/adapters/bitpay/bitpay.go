// Package bitpay handles BitPay invoice webhooks.
package bitpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creatorledger/internal/payment/adapters/internal/meta"
	paymentdomain "github.com/smallbiznis/creatorledger/internal/payment/domain"
)

const provider = "bitpay"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return provider
}

// NewAdapter accepts either a signing secret (X-Signature webhooks) or a URL
// token (legacy IPN).
func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Adapter, error) {
	secret, _ := meta.ConfigString(cfg.Config, "webhook_secret")
	token, _ := meta.ConfigString(cfg.Config, "webhook_token")
	if secret == "" && token == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{webhookSecret: secret, webhookToken: token}, nil
}

type Adapter struct {
	webhookSecret string
	webhookToken  string
}

func (a *Adapter) Verify(ctx context.Context, in paymentdomain.Inbound) error {
	if a.webhookSecret != "" {
		signature := strings.TrimSpace(in.Headers.Get("X-Signature"))
		if signature == "" {
			return paymentdomain.ErrInvalidSignature
		}
		mac := hmac.New(sha256.New, []byte(a.webhookSecret))
		_, _ = mac.Write(in.Payload)
		expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(signature), []byte(expected)) {
			return paymentdomain.ErrInvalidSignature
		}
		return nil
	}
	token := strings.TrimSpace(in.Query.Get("token"))
	if token == "" || !hmac.Equal([]byte(token), []byte(a.webhookToken)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type envelope struct {
	Event *struct {
		Code int    `json:"code"`
		Name string `json:"name"`
	} `json:"event"`
	Data json.RawMessage `json:"data"`
}

type invoice struct {
	ID          string      `json:"id"`
	Status      string      `json:"status"`
	Price       json.Number `json:"price"`
	Currency    string      `json:"currency"`
	OrderID     string      `json:"orderId"`
	InvoiceTime int64       `json:"invoiceTime"`
}

func (a *Adapter) Parse(ctx context.Context, in paymentdomain.Inbound) (*paymentdomain.Notification, error) {
	var env envelope
	if err := json.Unmarshal(in.Payload, &env); err != nil {
		return nil, paymentdomain.ErrInvalidWebhookPayload
	}
	raw := in.Payload
	eventName := ""
	if env.Event != nil && len(env.Data) > 0 {
		raw = env.Data
		eventName = strings.TrimSpace(env.Event.Name)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var inv invoice
	if err := dec.Decode(&inv); err != nil {
		return nil, paymentdomain.ErrInvalidWebhookPayload
	}
	inv.ID = strings.TrimSpace(inv.ID)
	if inv.ID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	status, err := mapStatus(eventName, strings.ToLower(strings.TrimSpace(inv.Status)))
	if err != nil {
		return nil, err
	}
	amount := int64(0)
	if inv.Price != "" {
		price, err := decimal.NewFromString(inv.Price.String())
		if err != nil {
			return nil, paymentdomain.ErrInvalidWebhookPayload
		}
		amount = price.Shift(2).Round(0).IntPart()
	}

	eventKey := eventName
	if eventKey == "" {
		eventKey = inv.Status
	}
	n := &paymentdomain.Notification{
		Provider:        provider,
		ProviderEventID: inv.ID + ":" + eventKey,
		EventType:       eventKey,
		Status:          status,
		CorrelationID:   inv.ID,
		Amount:          amount,
		Currency:        strings.ToUpper(strings.TrimSpace(inv.Currency)),
		OccurredAt:      occurredAt(inv.InvoiceTime),
		RawPayload:      in.Payload,
	}
	if id, err := snowflake.ParseString(strings.TrimSpace(inv.OrderID)); err == nil && id > 0 {
		n.TransactionID = &id
	}
	return n, nil
}

// mapStatus treats "paid" as pending: the invoice is only final once the
// network confirmations arrive.
func mapStatus(eventName, status string) (paymentdomain.Status, error) {
	if eventName == "invoice_refundComplete" {
		return paymentdomain.StatusRefunded, nil
	}
	switch status {
	case "new", "paid":
		return paymentdomain.StatusPending, nil
	case "confirmed", "complete":
		return paymentdomain.StatusSucceeded, nil
	case "expired", "invalid":
		return paymentdomain.StatusFailed, nil
	default:
		return "", paymentdomain.ErrEventIgnored
	}
}

func occurredAt(millis int64) time.Time {
	if millis <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(millis).UTC()
}
