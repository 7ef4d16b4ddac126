package security

import "strings"

// Masked replaces sensitive values in logs.
const Masked = "****"

var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"refresh_token": {},
	"access_token":  {},
	"authorization": {},
}

// IsSensitive reports whether a request field or header name carries a secret.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// MaskSensitive returns a copy of fields with secret values replaced by Masked. Nested maps are masked too.
func MaskSensitive(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch {
		case IsSensitive(k):
			out[k] = Masked
		default:
			if nested, ok := v.(map[string]any); ok {
				out[k] = MaskSensitive(nested)
				continue
			}
			out[k] = v
		}
	}
	return out
}
