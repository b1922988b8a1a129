package contracts

import (
	"crypto/sha256"
	"encoding/hex"
)

// StoredResponse is the idempotency cache value. Header names are stored
// lower-cased; insertion order is irrelevant.
type StoredResponse struct {
	StatusCode  int               `json:"status_code"`
	Headers     map[string]string `json:"headers"`
	Body        []byte            `json:"body"`
	ContentType string            `json:"content_type,omitempty"`
	StoredAt    float64           `json:"stored_at"`
	ReplayCount int64             `json:"replay_count"`
	BodySHA256  string            `json:"body_sha256"`
}

// IdemState is the lifecycle state of an idempotency entry.
type IdemState string

const (
	IdemIdle       IdemState = "idle"
	IdemInProgress IdemState = "in_progress"
	IdemStored     IdemState = "stored"
	IdemReleased   IdemState = "released"
)

// IdemMeta is the diagnostic view of an idempotency entry.
type IdemMeta struct {
	State              IdemState `json:"state"`
	Locked             bool      `json:"locked"`
	PayloadFingerprint string    `json:"payload_fingerprint,omitempty"`
}

// PayloadFingerprint derives the stable request-content hash that guards
// idempotent replays: sha256(method|path|tenant|bot|bodySHA256).
func PayloadFingerprint(method, path, tenant, bot, bodySHA256 string) string {
	h := sha256.New()
	h.Write([]byte(method + "|" + path + "|" + tenant + "|" + bot + "|" + bodySHA256))
	return hex.EncodeToString(h.Sum(nil))
}

// BodyHash returns the hex SHA-256 of a request or response body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
