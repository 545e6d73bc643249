package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/creatorledger/internal/payment/domain"
)

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"payment_intent.succeeded","data":{"object":{}}}`)
	timestamp := time.Now().Unix()

	header := buildStripeSignatureHeader(secret, payload, timestamp)
	reqHeader := http.Header{}
	reqHeader.Set("Stripe-Signature", header)

	adapter := &Adapter{webhookSecret: secret}
	if err := adapter.Verify(context.Background(), paymentdomain.Inbound{Payload: payload, Headers: reqHeader}); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader("wrong", payload, timestamp))
	if err := adapter.Verify(context.Background(), paymentdomain.Inbound{Payload: payload, Headers: reqHeader}); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature error, got %v", err)
	}

	if err := adapter.Verify(context.Background(), paymentdomain.Inbound{Payload: payload, Headers: http.Header{}}); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected missing header to fail, got %v", err)
	}
}

func TestFactoryRequiresSecret(t *testing.T) {
	if _, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{Config: map[string]any{"webhook_secret": "  "}}); !errors.Is(err, paymentdomain.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestParseNotifications(t *testing.T) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	transactionID := node.Generate()
	created := time.Now().UTC().Unix()

	tests := []struct {
		name        string
		event       any
		wantStatus  paymentdomain.Status
		correlation string
		parent      string
		recurring   bool
		amount      int64
	}{{
		name: "payment_intent.succeeded",
		event: map[string]any{
			"id":      "evt_pi",
			"type":    "payment_intent.succeeded",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":              "pi_1",
					"amount":          999,
					"amount_received": 999,
					"currency":        "usd",
					"created":         created,
					"metadata":        map[string]any{"transaction_id": transactionID.String()},
				},
			},
		},
		wantStatus:  paymentdomain.StatusSucceeded,
		correlation: "pi_1",
		amount:      999,
	}, {
		name: "payment_intent.requires_action",
		event: map[string]any{
			"id":   "evt_pi_action",
			"type": "payment_intent.requires_action",
			"data": map[string]any{
				"object": map[string]any{
					"id":       "pi_2",
					"amount":   500,
					"currency": "usd",
					"metadata": map[string]any{"transaction_id": transactionID.String()},
				},
			},
		},
		wantStatus:  paymentdomain.StatusRequiresAction,
		correlation: "pi_2",
		amount:      500,
	}, {
		name: "charge.refunded",
		event: map[string]any{
			"id":      "evt_charge",
			"type":    "charge.refunded",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":              "ch_1",
					"payment_intent":  "pi_1",
					"amount":          5000,
					"amount_refunded": 5000,
					"currency":        "usd",
					"metadata":        map[string]any{"transaction_id": transactionID.String()},
				},
			},
		},
		wantStatus:  paymentdomain.StatusRefunded,
		correlation: "pi_1",
		amount:      5000,
	}, {
		name: "invoice.paid cycle",
		event: map[string]any{
			"id":   "evt_inv",
			"type": "invoice.paid",
			"data": map[string]any{
				"object": map[string]any{
					"id":             "in_2",
					"subscription":   "sub_1",
					"billing_reason": "subscription_cycle",
					"amount_paid":    1500,
					"currency":       "usd",
					"subscription_details": map[string]any{
						"metadata": map[string]any{"transaction_id": transactionID.String()},
					},
				},
			},
		},
		wantStatus:  paymentdomain.StatusSucceeded,
		correlation: "in_2",
		parent:      "sub_1",
		recurring:   true,
		amount:      1500,
	}}

	adapter := &Adapter{webhookSecret: "whsec_test"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("marshal payload: %v", err)
			}
			n, err := adapter.Parse(context.Background(), paymentdomain.Inbound{Payload: payload})
			if err != nil {
				t.Fatalf("parse event: %v", err)
			}
			if n.Status != tt.wantStatus {
				t.Fatalf("expected status %s, got %s", tt.wantStatus, n.Status)
			}
			if n.CorrelationID != tt.correlation {
				t.Fatalf("expected correlation %s, got %s", tt.correlation, n.CorrelationID)
			}
			if n.Recurring != tt.recurring || n.ParentCorrelationID != tt.parent {
				t.Fatalf("unexpected recurring fields: %v %q", n.Recurring, n.ParentCorrelationID)
			}
			if n.Amount != tt.amount {
				t.Fatalf("expected amount %d, got %d", tt.amount, n.Amount)
			}
			if n.TransactionID == nil || *n.TransactionID != transactionID {
				t.Fatalf("expected transaction id %s, got %v", transactionID, n.TransactionID)
			}
			if n.Currency != "USD" {
				t.Fatalf("expected currency USD, got %s", n.Currency)
			}
		})
	}
}

func TestParseIgnoresUnknownTypes(t *testing.T) {
	adapter := &Adapter{webhookSecret: "whsec_test"}
	payload := []byte(`{"id":"evt_1","type":"customer.created","data":{"object":{}}}`)
	if _, err := adapter.Parse(context.Background(), paymentdomain.Inbound{Payload: payload}); !errors.Is(err, paymentdomain.ErrEventIgnored) {
		t.Fatalf("expected ignored event, got %v", err)
	}
	if _, err := adapter.Parse(context.Background(), paymentdomain.Inbound{Payload: []byte(`{`)}); !errors.Is(err, paymentdomain.ErrInvalidWebhookPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}

func TestParseIgnoresPartialRefund(t *testing.T) {
	adapter := &Adapter{webhookSecret: "whsec_test"}
	payload := []byte(`{"id":"evt_part","type":"charge.refunded","data":{"object":{"id":"ch_1","payment_intent":"pi_1","amount":5000,"amount_refunded":1200,"currency":"usd"}}}`)
	if _, err := adapter.Parse(context.Background(), paymentdomain.Inbound{Payload: payload}); !errors.Is(err, paymentdomain.ErrEventIgnored) {
		t.Fatalf("expected partial refund to be ignored, got %v", err)
	}
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}
