package domain

import "errors"

var (
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrInvalidConfig         = errors.New("invalid_config")
	ErrEncryptionKeyMissing  = errors.New("encryption_key_missing")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidWebhookPayload = errors.New("invalid_webhook_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrMissingGatewayConfig  = errors.New("missing_gateway_config")
	ErrWebhookRateLimited    = errors.New("webhook_rate_limited")
	ErrNotFound              = errors.New("not_found")
	ErrCheckoutUnsupported   = errors.New("checkout_unsupported")
)
