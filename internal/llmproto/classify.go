package llmproto

import (
	"slices"
	"strings"
)

// accessDeniedMarkers are error-text fragments that indicate a credential or
// billing problem. These must surface to the user; retrying another protocol
// would only mask them.
var accessDeniedMarkers = []string{
	"invalid api key",
	"incorrect api key",
	"authentication",
	"unauthorized",
	"forbidden",
	"insufficient_quota",
	"billing",
}

// endpointShapeMarkers are 400-response fragments that suggest the endpoint
// rejected the request shape rather than its content, so the other protocol
// is worth a try.
var endpointShapeMarkers = []string{
	"unsupported",
	"unknown parameter",
	"unrecognized",
	"unknown url",
	"route not found",
	"not found",
	"method not allowed",
	"invalid endpoint",
	"cannot post",
}

// fallbackStatuses are HTTP statuses where the endpoint most likely does not
// implement the attempted shape at all.
var fallbackStatuses = []int{404, 405, 406, 408, 410, 415, 421, 422, 425, 426, 429}

// IsAccessDenied reports whether the failure is a credential/quota problem
// that must surface to the user instead of triggering protocol fallback.
func IsAccessDenied(status int, errText string) bool {
	lower := strings.ToLower(errText)
	for _, m := range accessDeniedMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return status == 401 || status == 403
}

// ShouldFallback decides whether a failed request justifies retrying with the
// next protocol (or the next ASR endpoint/field variant). status <= 0 means
// no HTTP status was observed (network error).
func ShouldFallback(status int, errText string) bool {
	if IsAccessDenied(status, errText) {
		return false
	}
	if status <= 0 {
		// Network error: the endpoint may still speak the other shape.
		return true
	}
	if status >= 500 {
		return true
	}
	if status == 400 {
		lower := strings.ToLower(errText)
		for _, m := range endpointShapeMarkers {
			if strings.Contains(lower, m) {
				return true
			}
		}
		return false
	}
	return slices.Contains(fallbackStatuses, status)
}
