package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/creatorledger/internal/payment/adapters/internal/meta"
	paymentdomain "github.com/smallbiznis/creatorledger/internal/payment/domain"
)

const provider = "stripe"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return provider
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Adapter, error) {
	secret, ok := meta.ConfigString(cfg.Config, "webhook_secret")
	if !ok {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{webhookSecret: secret}, nil
}

type Adapter struct {
	webhookSecret string
}

func (a *Adapter) Verify(ctx context.Context, in paymentdomain.Inbound) error {
	sigHeader := strings.TrimSpace(in.Headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(in.Payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, in paymentdomain.Inbound) (*paymentdomain.Notification, error) {
	var event stripeEvent
	if err := json.Unmarshal(in.Payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidWebhookPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event, in.Payload, paymentdomain.StatusSucceeded)
	case "payment_intent.payment_failed":
		return a.parsePaymentIntent(event, in.Payload, paymentdomain.StatusFailed)
	case "payment_intent.requires_action":
		return a.parsePaymentIntent(event, in.Payload, paymentdomain.StatusRequiresAction)
	case "payment_intent.processing":
		return a.parsePaymentIntent(event, in.Payload, paymentdomain.StatusPending)
	case "charge.refunded":
		return a.parseRefund(event, in.Payload)
	case "invoice.paid":
		return a.parseInvoice(event, in.Payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID             string         `json:"id"`
	Amount         int64          `json:"amount"`
	AmountReceived int64          `json:"amount_received"`
	Currency       string         `json:"currency"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

type stripeCharge struct {
	ID             string         `json:"id"`
	PaymentIntent  string         `json:"payment_intent"`
	Amount         int64          `json:"amount"`
	AmountRefunded int64          `json:"amount_refunded"`
	Currency       string         `json:"currency"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

type stripeInvoice struct {
	ID                  string `json:"id"`
	Subscription        string `json:"subscription"`
	BillingReason       string `json:"billing_reason"`
	AmountPaid          int64  `json:"amount_paid"`
	Currency            string `json:"currency"`
	Created             int64  `json:"created"`
	SubscriptionDetails struct {
		Metadata map[string]any `json:"metadata"`
	} `json:"subscription_details"`
	Metadata map[string]any `json:"metadata"`
}

func (a *Adapter) parsePaymentIntent(event stripeEvent, payload []byte, status paymentdomain.Status) (*paymentdomain.Notification, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidWebhookPayload
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	return &paymentdomain.Notification{
		Provider:        provider,
		ProviderEventID: event.ID,
		EventType:       event.Type,
		Status:          status,
		CorrelationID:   strings.TrimSpace(intent.ID),
		TransactionID:   meta.ID(intent.Metadata, "transaction_id"),
		Amount:          amount,
		Currency:        strings.ToUpper(strings.TrimSpace(intent.Currency)),
		OccurredAt:      timestamp(intent.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) parseRefund(event stripeEvent, payload []byte) (*paymentdomain.Notification, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidWebhookPayload
	}

	// The ledger only models full reversals. Partial refunds are left for an
	// operator to settle by hand.
	if charge.AmountRefunded > 0 && charge.AmountRefunded < charge.Amount {
		return nil, fmt.Errorf("%w: partial refund %d of %d", paymentdomain.ErrEventIgnored, charge.AmountRefunded, charge.Amount)
	}
	amount := charge.Amount
	if charge.AmountRefunded > 0 {
		amount = charge.AmountRefunded
	}
	correlation := strings.TrimSpace(charge.PaymentIntent)
	fallback := strings.TrimSpace(charge.ID)
	if correlation == "" {
		correlation, fallback = fallback, ""
	}
	return &paymentdomain.Notification{
		Provider:              provider,
		ProviderEventID:       event.ID,
		EventType:             event.Type,
		Status:                paymentdomain.StatusRefunded,
		CorrelationID:         correlation,
		FallbackCorrelationID: fallback,
		TransactionID:         meta.ID(charge.Metadata, "transaction_id"),
		Amount:                amount,
		Currency:              strings.ToUpper(strings.TrimSpace(charge.Currency)),
		OccurredAt:            timestamp(charge.Created, event.Created),
		RawPayload:            payload,
	}, nil
}

// parseInvoice handles subscription billing. The first invoice confirms the
// original transaction; every later cycle is a new charge.
func (a *Adapter) parseInvoice(event stripeEvent, payload []byte) (*paymentdomain.Notification, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, paymentdomain.ErrInvalidWebhookPayload
	}
	subscription := strings.TrimSpace(invoice.Subscription)
	if subscription == "" {
		return nil, paymentdomain.ErrEventIgnored
	}

	transactionID := meta.ID(invoice.SubscriptionDetails.Metadata, "transaction_id")
	if transactionID == nil {
		transactionID = meta.ID(invoice.Metadata, "transaction_id")
	}

	n := &paymentdomain.Notification{
		Provider:        provider,
		ProviderEventID: event.ID,
		EventType:       event.Type,
		Status:          paymentdomain.StatusSucceeded,
		TransactionID:   transactionID,
		Amount:          invoice.AmountPaid,
		Currency:        strings.ToUpper(strings.TrimSpace(invoice.Currency)),
		OccurredAt:      timestamp(invoice.Created, event.Created),
		RawPayload:      payload,
	}
	if invoice.BillingReason == "subscription_create" {
		n.CorrelationID = subscription
		return n, nil
	}
	n.CorrelationID = strings.TrimSpace(invoice.ID)
	n.Recurring = true
	n.ParentCorrelationID = subscription
	return n, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
