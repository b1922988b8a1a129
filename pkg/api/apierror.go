// Package api is the HTTP surface of the gateway: the guarded evaluation
// endpoints, the streaming demo, the decision SSE stream, and the admin
// diagnostics, assembled into one handler with the guard middlewares in
// pipeline order.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/aegis-gw/aegis/pkg/quota"
)

// errorBody is the uniform error shape. TraceID carries the request id
// when one is already attached to the response.
type errorBody struct {
	Code    string `json:"code"`
	Detail  string `json:"detail"`
	TraceID string `json:"trace_id,omitempty"`
}

// WriteError writes the small JSON error body every failing endpoint uses.
func WriteError(w http.ResponseWriter, status int, code, detail string) {
	body := errorBody{
		Code:    code,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// quotaHeaders attaches the quota snapshot to every response that passed
// through the quota gate.
func quotaHeaders(w http.ResponseWriter, res quota.Result) {
	h := w.Header()
	h.Set("X-Quota-Limit-Day", strconv.FormatInt(res.DayLimit, 10))
	h.Set("X-Quota-Limit-Month", strconv.FormatInt(res.MonthLimit, 10))
	h.Set("X-Quota-Remaining-Day", strconv.FormatInt(res.DayRemaining, 10))
	h.Set("X-Quota-Remaining-Month", strconv.FormatInt(res.MonthRemaining, 10))
	h.Set("X-Quota-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
}

// writeQuotaExhausted writes the 429 contract: Retry-After plus the JSON
// body naming the blocking window.
func writeQuotaExhausted(w http.ResponseWriter, res quota.Result) {
	retry := int(res.RetryAfter.Seconds())
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":                "quota_exhausted",
		"detail":              "request quota exhausted for the current " + string(res.Reason) + " window",
		"retry_after_seconds": retry,
		"trace_id":            w.Header().Get("X-Request-ID"),
	})
}
