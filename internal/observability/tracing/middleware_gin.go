package tracing

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/creatorledger/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// resourceNames maps the literal path segment before a route parameter to the
// ledger resource the parameter identifies.
var resourceNames = map[string]string{
	"webhooks":            "gateway",
	"payment-providers":   "gateway",
	"creators":            "creator",
	"accounts":            "account",
	"transactions":        "transaction",
	"payouts":             "payout",
	"settlement-failures": "settlement_failure",
	"global":              "commission",
}

// GinMiddleware opens a server span per request and tags it with the ledger
// resources named in the matched route.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("creatorledger/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+strings.ToUpper(c.Request.Method), trace.WithSpanKind(trace.SpanKindServer))

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		span.SetName("HTTP " + strings.ToUpper(c.Request.Method) + " " + route)

		attrs := routeAttributes(route, c.Params)
		// Admin routes attach the actor after this middleware runs.
		if actorType, actorID := obscontext.ActorFromContext(c.Request.Context()); actorType != "" {
			attrs = append(attrs, attribute.String("actor.type", actorType), attribute.String("actor.id", actorID))
		}
		attrs = append(attrs,
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		)
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status := c.Writer.Status(); status >= http.StatusInternalServerError {
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
		span.End()
	}
}

// routeAttributes names each route parameter after the resource segment that
// precedes it, e.g. /v1/creators/:id becomes creator.id.
func routeAttributes(route string, params gin.Params) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	resource := ""
	for _, segment := range strings.Split(route, "/") {
		if !strings.HasPrefix(segment, ":") {
			if name, ok := resourceNames[segment]; ok {
				resource = name
			}
			continue
		}
		param := strings.TrimPrefix(segment, ":")
		value := strings.TrimSpace(params.ByName(param))
		if value == "" {
			continue
		}
		key := resource
		if param == "category" || key == "" {
			key = "commission"
		}
		attrs = append(attrs, attribute.String(key+"."+param, value))
	}
	return attrs
}
