package inference

import (
	"errors"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

var (
	// ErrCircuitOpen is returned without contacting the backend while the
	// breaker is open.
	ErrCircuitOpen = errors.New("inference: circuit open")
	// ErrGenerationFailed covers backend errors, empty responses and an
	// exhausted credential rotation.
	ErrGenerationFailed = errors.New("inference: generation failed")
)

// IsQuotaError reports whether err means the current credential ran out of
// quota or hit a rate limit. Only these errors rotate to the next key.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && quotaStatus(apiErr.Code, apiErr.Status) {
		return true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil && quotaStatus(apiErrPtr.Code, apiErrPtr.Status) {
		return true
	}
	var qe *QuotaError
	if errors.As(err, &qe) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit")
}

func quotaStatus(code int, status string) bool {
	return code == http.StatusTooManyRequests || strings.EqualFold(status, "RESOURCE_EXHAUSTED")
}

// QuotaError lets non-genai backends report a quota condition explicitly.
type QuotaError struct {
	Err error
}

func (e *QuotaError) Error() string {
	if e.Err == nil {
		return "quota exceeded"
	}
	return "quota exceeded: " + e.Err.Error()
}

func (e *QuotaError) Unwrap() error { return e.Err }
