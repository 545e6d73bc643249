package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/creatorledger/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	out := map[attribute.Key]string{}
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestRouteAttributesNameLedgerResources(t *testing.T) {
	tests := []struct {
		route  string
		params gin.Params
		want   map[attribute.Key]string
	}{
		{"/webhooks/:provider", gin.Params{{Key: "provider", Value: "ccbill"}}, map[attribute.Key]string{"gateway.provider": "ccbill"}},
		{"/v1/creators/:id/payouts", gin.Params{{Key: "id", Value: "77"}}, map[attribute.Key]string{"creator.id": "77"}},
		{"/v1/accounts/:kind/:id/balance", gin.Params{{Key: "kind", Value: "user"}, {Key: "id", Value: "5"}}, map[attribute.Key]string{"account.kind": "user", "account.id": "5"}},
		{"/v1/admin/transactions/:id/reverse", gin.Params{{Key: "id", Value: "9"}}, map[attribute.Key]string{"transaction.id": "9"}},
		{"/v1/admin/commissions/creators/:id/:category", gin.Params{{Key: "id", Value: "3"}, {Key: "category", Value: "video"}}, map[attribute.Key]string{"creator.id": "3", "commission.category": "video"}},
		{"/v1/purchases", nil, map[attribute.Key]string{}},
	}
	for _, tt := range tests {
		got := map[attribute.Key]string{}
		for _, kv := range routeAttributes(tt.route, tt.params) {
			got[kv.Key] = kv.Value.Emit()
		}
		if len(got) != len(tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.route, tt.want, got)
		}
		for key, value := range tt.want {
			if got[key] != value {
				t.Fatalf("%s: expected %s=%s, got %q", tt.route, key, value, got[key])
			}
		}
	}
}

func TestGinMiddlewareTagsPayoutDecision(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware())
	r.POST("/v1/admin/payouts/:id/decision", func(c *gin.Context) {
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), "admin", "ops"))
		c.Status(http.StatusInternalServerError)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/admin/payouts/42/decision", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "HTTP POST /v1/admin/payouts/:id/decision" {
		t.Fatalf("unexpected span name %q", span.Name())
	}
	attrs := spanAttrs(span)
	if attrs["payout.id"] != "42" || attrs["actor.type"] != "admin" || attrs["http.status_code"] != "500" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if span.Status().Code.String() != "Error" {
		t.Fatalf("expected error status, got %s", span.Status().Code)
	}
}
