// Package apierr maps vendor error envelopes and transport failures to a
// canonical taxonomy with a retryable verdict. Classification only; retry
// execution belongs to the transport layer.
package apierr

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind is the canonical error taxonomy.
type Kind string

const (
	KindProtocolViolation Kind = "protocol_violation"
	KindUnsupportedPart   Kind = "unsupported_part"
	KindToolExecution     Kind = "tool_execution"
	KindTimeout           Kind = "timeout"
	KindRateLimited       Kind = "rate_limited"
	KindAuth              Kind = "auth"
	KindInvalidRequest    Kind = "invalid_request"
	KindVendor            Kind = "vendor"
)

// Classified is the outcome of classifying one vendor error.
type Classified struct {
	Kind      Kind
	Message   string
	Retryable bool
}

// Classify maps an HTTP status plus a vendor error body to the canonical
// taxonomy. An empty or non-JSON body falls back to the status reason phrase.
func Classify(vendor string, status int, body []byte) Classified {
	msg := extractMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}

	if k, ok := classifyEnvelope(vendor, body); ok {
		return Classified{Kind: k, Message: msg, Retryable: retryable(k)}
	}

	k := classifyStatus(status)

	return Classified{Kind: k, Message: msg, Retryable: retryable(k)}
}

// ClassifyTransport maps a transport-level failure (no HTTP response).
func ClassifyTransport(err error) Classified {
	msg := err.Error()

	if strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout") {
		return Classified{Kind: KindTimeout, Message: msg, Retryable: true}
	}

	return Classified{Kind: KindVendor, Message: msg, Retryable: true}
}

// classifyEnvelope inspects the vendor error body. Returns false when the
// body carries no recognizable error envelope.
func classifyEnvelope(vendor string, body []byte) (Kind, bool) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return "", false
	}

	var errType string

	switch vendor {
	case "gemini":
		errType = gjson.GetBytes(body, "error.status").String()
	default:
		errType = gjson.GetBytes(body, "error.type").String()
		if errType == "" {
			errType = gjson.GetBytes(body, "error.code").String()
		}
	}

	if errType == "" {
		return "", false
	}

	switch errType {
	case "invalid_request_error", "INVALID_ARGUMENT", "FAILED_PRECONDITION":
		return KindInvalidRequest, true
	case "authentication_error", "permission_error", "UNAUTHENTICATED", "PERMISSION_DENIED":
		return KindAuth, true
	case "rate_limit_error", "insufficient_quota", "RESOURCE_EXHAUSTED":
		return KindRateLimited, true
	case "overloaded_error", "UNAVAILABLE":
		// Vendor overload is normalized to the rate-limit class.
		return KindRateLimited, true
	case "timeout_error", "DEADLINE_EXCEEDED":
		return KindTimeout, true
	case "api_error", "INTERNAL":
		return KindVendor, true
	}

	return KindVendor, true
}

func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusNotFound:
		return KindInvalidRequest
	default:
		return KindVendor
	}
}

// retryable encodes the canonical verdict per kind. Malformed-request-class
// errors are never retryable.
func retryable(k Kind) bool {
	switch k {
	case KindRateLimited, KindTimeout, KindVendor:
		return true
	default:
		return false
	}
}

func extractMessage(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}

	if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
		return msg
	}

	return gjson.GetBytes(body, "message").String()
}
