// Package ccbill handles CCBill direct-bill webhooks and FlexForms checkout.
package ccbill

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	"github.com/smallbiznis/creatorledger/internal/payment/adapters/internal/meta"
	paymentdomain "github.com/smallbiznis/creatorledger/internal/payment/domain"
)

const (
	provider       = "ccbill"
	flexFormsBase  = "https://api.ccbill.com/wap-frontflex/flexforms/"
	timestampForm  = "2006-01-02 15:04:05"
	transactionKey = "X-transaction_id"
)

var currencyCodes = map[string]string{
	"USD": "840",
	"EUR": "978",
	"GBP": "826",
	"CAD": "124",
	"AUD": "036",
	"JPY": "392",
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return provider
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Adapter, error) {
	accnum, ok := meta.ConfigString(cfg.Config, "client_accnum")
	if !ok {
		return nil, paymentdomain.ErrInvalidConfig
	}
	token, ok := meta.ConfigString(cfg.Config, "webhook_token")
	if !ok {
		return nil, paymentdomain.ErrInvalidConfig
	}
	subacc, _ := meta.ConfigString(cfg.Config, "client_subacc")
	flexForm, _ := meta.ConfigString(cfg.Config, "flexform_id")
	salt, _ := meta.ConfigString(cfg.Config, "salt")
	return &Adapter{
		clientAccnum: accnum,
		clientSubacc: subacc,
		webhookToken: token,
		flexFormID:   flexForm,
		salt:         salt,
	}, nil
}

type Adapter struct {
	clientAccnum string
	clientSubacc string
	webhookToken string
	flexFormID   string
	salt         string
}

// CCBill does not sign webhooks; the callback URL carries a shared token.
func (a *Adapter) Verify(ctx context.Context, in paymentdomain.Inbound) error {
	token := strings.TrimSpace(in.Query.Get("token"))
	if token == "" || !hmac.Equal([]byte(token), []byte(a.webhookToken)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type notification struct {
	EventType      string         `json:"eventType"`
	ClientAccnum   string         `json:"clientAccnum"`
	TransactionID  string         `json:"transactionId"`
	SubscriptionID string         `json:"subscriptionId"`
	BilledAmount   string         `json:"billedAmount"`
	Amount         string         `json:"amount"`
	BilledCurrency string         `json:"billedCurrency"`
	Currency       string         `json:"currency"`
	Timestamp      string         `json:"timestamp"`
	Extra          map[string]any `json:"-"`
}

// decode accepts both delivery formats CCBill offers: a JSON document or an
// x-www-form-urlencoded body. Form bodies are re-encoded as JSON for storage.
func decode(payload []byte) (notification, []byte, error) {
	var body notification
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &body); err != nil {
			return body, nil, paymentdomain.ErrInvalidWebhookPayload
		}
		if err := json.Unmarshal(trimmed, &body.Extra); err != nil {
			return body, nil, paymentdomain.ErrInvalidWebhookPayload
		}
		return body, payload, nil
	}

	values, err := url.ParseQuery(string(trimmed))
	if err != nil || len(values) == 0 {
		return body, nil, paymentdomain.ErrInvalidWebhookPayload
	}
	body.Extra = make(map[string]any, len(values))
	for key := range values {
		body.Extra[key] = values.Get(key)
	}
	body.EventType = values.Get("eventType")
	body.ClientAccnum = values.Get("clientAccnum")
	body.TransactionID = values.Get("transactionId")
	body.SubscriptionID = values.Get("subscriptionId")
	body.BilledAmount = values.Get("billedAmount")
	body.Amount = values.Get("amount")
	body.BilledCurrency = values.Get("billedCurrency")
	body.Currency = values.Get("currency")
	body.Timestamp = values.Get("timestamp")

	raw, err := json.Marshal(body.Extra)
	if err != nil {
		return body, nil, paymentdomain.ErrInvalidWebhookPayload
	}
	return body, raw, nil
}

func (a *Adapter) Parse(ctx context.Context, in paymentdomain.Inbound) (*paymentdomain.Notification, error) {
	body, raw, err := decode(in.Payload)
	if err != nil {
		return nil, err
	}
	if body.ClientAccnum != "" && body.ClientAccnum != a.clientAccnum {
		return nil, paymentdomain.ErrInvalidEvent
	}

	eventType := strings.TrimSpace(in.Query.Get("eventType"))
	if eventType == "" {
		eventType = strings.TrimSpace(body.EventType)
	}
	transactionRef := strings.TrimSpace(body.TransactionID)
	subscriptionRef := strings.TrimSpace(body.SubscriptionID)
	if transactionRef == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	n := &paymentdomain.Notification{
		Provider:        provider,
		ProviderEventID: eventType + ":" + transactionRef,
		EventType:       eventType,
		TransactionID:   meta.ID(body.Extra, transactionKey),
		Currency:        currency(body),
		OccurredAt:      occurredAt(body.Timestamp),
		RawPayload:      raw,
	}
	amount, err := minorUnits(firstNonEmpty(body.BilledAmount, body.Amount))
	if err != nil {
		return nil, paymentdomain.ErrInvalidWebhookPayload
	}
	n.Amount = amount

	switch eventType {
	case "NewSaleSuccess":
		n.Status = paymentdomain.StatusSucceeded
		n.CorrelationID = firstNonEmpty(subscriptionRef, transactionRef)
	case "NewSaleFailure":
		n.Status = paymentdomain.StatusFailed
		n.CorrelationID = transactionRef
	case "RenewalSuccess":
		if subscriptionRef == "" {
			return nil, paymentdomain.ErrInvalidEvent
		}
		n.Status = paymentdomain.StatusSucceeded
		n.CorrelationID = transactionRef
		n.Recurring = true
		n.ParentCorrelationID = subscriptionRef
	case "Refund", "Chargeback":
		n.Status = paymentdomain.StatusRefunded
		n.CorrelationID = transactionRef
		n.FallbackCorrelationID = subscriptionRef
	default:
		// RenewalFailure has no charge to record; the subscription simply lapses.
		return nil, paymentdomain.ErrEventIgnored
	}
	return n, nil
}

// CheckoutURL builds a FlexForms link whose digest CCBill recomputes from the
// same fields and the shared salt.
func (a *Adapter) CheckoutURL(ctx context.Context, tx *ledgerdomain.Transaction, returnURL string) (string, error) {
	if a.flexFormID == "" || a.salt == "" {
		return "", paymentdomain.ErrCheckoutUnsupported
	}
	code, ok := currencyCodes[strings.ToUpper(tx.Currency)]
	if !ok {
		return "", ledgerdomain.ErrInvalidCurrency
	}
	price := decimal.New(tx.FinalPrice, -2).StringFixed(2)
	period := "2"
	if tx.TargetType == ledgerdomain.TargetSubscription {
		period = "30"
	}

	q := url.Values{}
	q.Set("clientAccnum", a.clientAccnum)
	if a.clientSubacc != "" {
		q.Set("clientSubacc", a.clientSubacc)
	}
	q.Set("initialPrice", price)
	q.Set("initialPeriod", period)
	q.Set("currencyCode", code)
	q.Set("formDigest", digest(price, period, code, a.salt))
	q.Set(transactionKey, tx.ID.String())
	if returnURL != "" {
		q.Set("returnUrl", returnURL)
	}
	return flexFormsBase + url.PathEscape(a.flexFormID) + "?" + q.Encode(), nil
}

func digest(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

func minorUnits(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, err
	}
	return value.Shift(2).Round(0).IntPart(), nil
}

func currency(body notification) string {
	return strings.ToUpper(strings.TrimSpace(firstNonEmpty(body.BilledCurrency, body.Currency)))
}

func occurredAt(raw string) time.Time {
	if ts, err := time.Parse(timestampForm, strings.TrimSpace(raw)); err == nil {
		return ts.UTC()
	}
	return time.Now().UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
