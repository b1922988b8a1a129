package pipeline

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aegis-gw/aegis/pkg/config"
)

func TestInspectCleanASCII(t *testing.T) {
	insp := Inspect("/guardrail/evaluate?x=1")
	assert.Empty(t, insp.Flags)
	assert.Equal(t, "/guardrail/evaluate?x=1", insp.Skeleton)
}

func TestInspectZeroWidth(t *testing.T) {
	insp := Inspect("pay​load")
	assert.Contains(t, insp.Flags, FlagZWC)
	assert.Equal(t, "payload", insp.Skeleton, "zero-width chars are stripped from the skeleton")
}

func TestInspectBidiControls(t *testing.T) {
	insp := Inspect("abc‮def")
	assert.Contains(t, insp.Flags, FlagBidi)
	assert.Equal(t, "abcdef", insp.Skeleton)
}

func TestInspectEmoji(t *testing.T) {
	insp := Inspect("hello \U0001F600")
	assert.Contains(t, insp.Flags, FlagEmoji)
}

func TestInspectConfusablesFoldToLatin(t *testing.T) {
	// "раypal" with Cyrillic er and a.
	insp := Inspect("раypal")
	assert.Contains(t, insp.Flags, FlagConfusables)
	assert.Contains(t, insp.Flags, FlagMixed, "Cyrillic plus Latin letters")
	assert.Equal(t, "paypal", insp.Skeleton)
}

func TestInspectMixedScriptsWithoutConfusables(t *testing.T) {
	insp := Inspect("abcδж") // Latin + Greek delta + Cyrillic zhe
	assert.Contains(t, insp.Flags, FlagMixed)
}

func TestInspectCombiningMarksStripped(t *testing.T) {
	insp := Inspect("évite") // e + combining acute
	assert.Equal(t, "evite", insp.Skeleton)
}

func TestInspectFlagsSorted(t *testing.T) {
	insp := Inspect("‮​раy")
	assert.IsNonDecreasing(t, insp.Flags)
}

func TestUnicodeGuardBlocks(t *testing.T) {
	cfg := config.UnicodeConfig{Mode: "block", BlockedFlags: []string{"bidi", "zwc"}}
	h := UnicodeGuard(cfg, nil, discardLogger())(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Note", "abc‮def")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "bidi", rec.Header().Get("X-Guardrail-Unicode-Blocked"))
	assert.Equal(t, "bidi", rec.Header().Get("X-Guardrail-Ingress-Flags"))
}

func TestUnicodeGuardLogModeAttachesFlagsOnly(t *testing.T) {
	cfg := config.UnicodeConfig{Mode: "log", BlockedFlags: []string{"bidi"}}
	h := UnicodeGuard(cfg, nil, discardLogger())(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Note", "abc‮def")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "bidi", rec.Header().Get("X-Guardrail-Ingress-Flags"))
	assert.Empty(t, rec.Header().Get("X-Guardrail-Unicode-Blocked"))
}

func TestUnicodeGuardOffDoesNothing(t *testing.T) {
	cfg := config.UnicodeConfig{Mode: "off", BlockedFlags: []string{"bidi"}}
	h := UnicodeGuard(cfg, nil, discardLogger())(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Note", "abc‮def")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Guardrail-Ingress-Flags"))
}

func TestUnicodeGuardUnblockedFlagPasses(t *testing.T) {
	cfg := config.UnicodeConfig{Mode: "block", BlockedFlags: []string{"bidi"}}
	h := UnicodeGuard(cfg, nil, discardLogger())(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Note", "hi \U0001F600")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "emoji", rec.Header().Get("X-Guardrail-Ingress-Flags"))
}

func TestInspectNormalizedStaysComposed(t *testing.T) {
	insp := Inspect("café ﬁle")

	// NFKC composes the accent and expands the ligature.
	assert.Equal(t, "café file", insp.Normalized)
	// Skeleton decomposition strips the mark entirely.
	assert.Equal(t, "cafe file", insp.Skeleton)
}
