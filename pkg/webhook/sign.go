// Package webhook fans decision events out to configured HTTPS endpoints
// with HMAC signing, a per-host circuit breaker, decorrelated-jitter
// retries, and an NDJSON dead-letter queue.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
)

// SignV1 computes the preferred signature: HMAC over "<ts>\n" + body.
func SignV1(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// SignV0 computes the legacy signature: HMAC over the body alone.
func SignV0(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// sign stamps the delivery headers. Dual mode adds the legacy v0 header so
// receivers can migrate.
func sign(h http.Header, secret string, ts int64, body []byte, dual bool) {
	if secret == "" {
		return
	}
	h.Set("X-Guardrail-Timestamp", strconv.FormatInt(ts, 10))
	h.Set("X-Guardrail-Signature-V1", SignV1(secret, ts, body))
	if dual {
		h.Set("X-Guardrail-Signature", SignV0(secret, body))
	}
}
