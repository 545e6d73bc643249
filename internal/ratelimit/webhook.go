package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creatorledger/internal/config"
)

const (
	keyWebhookProvider = "webhook:ingress:%s"
	keyWebhookSeen     = "webhook:seen:%s:%s"
)

// WebhookLimiter throttles webhook ingress per provider and remembers event
// ids already accepted. A nil limiter allows everything.
type WebhookLimiter struct {
	client  *redis.Client
	bucket  *TokenBucket
	rate    float64
	burst   int
	seenTTL time.Duration
}

func NewWebhookLimiter(client *redis.Client, cfg config.Config) *WebhookLimiter {
	if client == nil {
		return nil
	}
	return &WebhookLimiter{
		client:  client,
		bucket:  NewTokenBucket(client),
		rate:    cfg.Redis.WebhookRate,
		burst:   cfg.Redis.WebhookBurst,
		seenTTL: cfg.Redis.WebhookSeenTTL,
	}
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.client != nil
}

func (l *WebhookLimiter) AllowProvider(ctx context.Context, provider string) (*Result, error) {
	if !l.Enabled() || l.rate <= 0 || l.burst <= 0 {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookProvider, strings.ToLower(strings.TrimSpace(provider))), l.rate, l.burst)
}

// MarkSeen returns true the first time provider/eventID is recorded. The
// database unique index stays authoritative; this only skips repeat work.
func (l *WebhookLimiter) MarkSeen(ctx context.Context, provider, eventID string) (bool, error) {
	if !l.Enabled() || strings.TrimSpace(eventID) == "" {
		return true, nil
	}
	ttl := l.seenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	key := fmt.Sprintf(keyWebhookSeen, strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(eventID))
	return l.client.SetNX(ctx, key, 1, ttl).Result()
}

// Forget drops a seen marker so a failed ingest can be retried by the gateway.
func (l *WebhookLimiter) Forget(ctx context.Context, provider, eventID string) error {
	if !l.Enabled() || strings.TrimSpace(eventID) == "" {
		return nil
	}
	key := fmt.Sprintf(keyWebhookSeen, strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(eventID))
	return l.client.Del(ctx, key).Err()
}
