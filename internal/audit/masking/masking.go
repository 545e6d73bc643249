// Package masking redacts gateway credentials before they reach the audit
// trail or a log line.
package masking

import "strings"

const maskToken = "****"

var sensitiveMarkers = []string{"secret", "key", "token", "password", "salt", "credential"}

// MaskSecret redacts a secret while keeping a short suffix so operators can
// tell two credentials apart. Stripe style prefixes (sk_live_) are kept.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 8 {
		return prefix + maskToken
	}

	return prefix + maskToken + remainder[len(remainder)-4:]
}

// IsSensitiveKey reports whether a config key names a credential.
func IsSensitiveKey(key string) bool {
	lowered := strings.ToLower(strings.TrimSpace(key))
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// MaskJSON returns a copy of a provider config with every value under a
// sensitive key masked. Other values pass through unchanged.
func MaskJSON(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}

	masked := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		masked[trimmedKey] = maskValue(value, IsSensitiveKey(trimmedKey))
	}

	if len(masked) == 0 {
		return nil
	}
	return masked
}

func maskValue(value any, sensitive bool) any {
	switch cast := value.(type) {
	case string:
		if !sensitive {
			return cast
		}
		return MaskSecret(cast)
	case map[string]any:
		if sensitive {
			return maskToken
		}
		return MaskJSON(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(item, sensitive))
		}
		return out
	case nil:
		return nil
	default:
		if sensitive {
			return maskToken
		}
		return value
	}
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
