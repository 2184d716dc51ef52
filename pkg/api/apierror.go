// Package api is the HTTP surface of the anchoring service.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

// Problem codes identify the failure for clients without parsing Detail.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidAttributes = "invalid_attributes"
	CodeUnauthenticated   = "unauthenticated"
	CodeForbidden         = "forbidden"
	CodeNotFound          = "not_found"
	CodeAttributesChanged = "attributes_changed"
	CodeNotRetryable      = "not_retryable"
	CodeConcurrentUpdate  = "concurrent_update"
	CodeBusy              = "certificate_busy"
	CodeRateLimited       = "rate_limited"
	CodeLedgerFailed      = "ledger_failed"
	CodeShuttingDown      = "shutting_down"
	CodeInternal          = "internal"
)

// ProblemDetail is an RFC 7807 problem document. Every error response uses it.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Code     string `json:"code,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// RequestID echoes the X-Request-ID of the failed request.
	RequestID string `json:"request_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%d %s: %s", p.Status, p.Code, p.Detail)
}

// WriteProblem writes a problem document for status. The title is the
// standard status text, the instance is the request path when r is set, and
// the request ID is read from the response headers set by RequestID.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	p := &ProblemDetail{
		Type:      "https://certanchor.dev/problems/" + code,
		Title:     http.StatusText(status),
		Status:    status,
		Code:      code,
		Detail:    detail,
		RequestID: w.Header().Get(RequestIDHeader),
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteTooManyRequests writes a 429 with a Retry-After of secs.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, secs int) {
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	WriteProblem(w, r, http.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded, retry after the given interval")
}

// WriteInternal logs err and writes a 500. err never reaches the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err, "request_id", w.Header().Get(RequestIDHeader))
	WriteProblem(w, r, http.StatusInternalServerError, CodeInternal, "An unexpected error occurred")
}
