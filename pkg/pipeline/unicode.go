package pipeline

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/aegis-gw/aegis/pkg/config"
	"github.com/aegis-gw/aegis/pkg/metrics"
)

// Ingress flag names.
const (
	FlagZWC         = "zwc"
	FlagBidi        = "bidi"
	FlagEmoji       = "emoji"
	FlagConfusables = "confusables"
	FlagMixed       = "mixed"
)

// confusables maps the handful of Cyrillic and Greek letters that render
// identically to Latin in common fonts. Deliberately small and fixed:
// skeleton comparison needs stability, not Unicode-complete coverage.
var confusables = map[rune]rune{
	// Cyrillic
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'х': 'x',
	'і': 'i', 'ѕ': 's', 'ј': 'j', 'у': 'y', 'А': 'A', 'В': 'B',
	'Е': 'E', 'К': 'K', 'М': 'M', 'Н': 'H', 'О': 'O', 'Р': 'P',
	'С': 'C', 'Т': 'T', 'Х': 'X',
	// Greek
	'α': 'a', 'ο': 'o', 'ε': 'e', 'ρ': 'p', 'τ': 't', 'υ': 'u',
	'ν': 'v', 'ι': 'i', 'κ': 'k', 'Α': 'A', 'Β': 'B', 'Ε': 'E',
	'Ζ': 'Z', 'Η': 'H', 'Ι': 'I', 'Κ': 'K', 'Μ': 'M', 'Ν': 'N',
	'Ο': 'O', 'Ρ': 'P', 'Τ': 'T', 'Υ': 'Y', 'Χ': 'X',
}

func isZeroWidth(r rune) bool {
	switch r {
	case 0x200B, 0x200C, 0x200D, 0x2060, 0xFEFF:
		return true
	}
	return false
}

func isBidiControl(r rune) bool {
	switch {
	case r >= 0x202A && r <= 0x202E:
		return true
	case r >= 0x2066 && r <= 0x2069:
		return true
	case r == 0x061C || r == 0x200E || r == 0x200F:
		return true
	}
	return false
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r == 0xFE0F: // variation selector riding an emoji sequence
		return true
	}
	return false
}

// Inspection is the unicode analysis of a request sample. Normalized is
// the NFKC form of the sample; Skeleton additionally strips combining
// marks and folds confusables.
type Inspection struct {
	Normalized string
	Flags      []string
	Skeleton   string
}

// Inspect NFKC-normalizes the sample, computes the confusable-folded
// skeleton, and derives the flag set. Flags come back sorted.
func Inspect(sample string) Inspection {
	normalized := norm.NFKC.String(sample)
	// The skeleton works on the decomposed form so combining marks are
	// separate runes that can be stripped; the normalized text itself
	// stays composed.
	decomposed := norm.NFKD.String(normalized)

	flags := map[string]bool{}
	var latin, cyrillic, greek bool
	var skeleton strings.Builder
	for _, r := range decomposed {
		switch {
		case isZeroWidth(r):
			flags[FlagZWC] = true
			continue
		case isBidiControl(r):
			flags[FlagBidi] = true
			continue
		case unicode.Is(unicode.Mn, r):
			// Combining marks are stripped from the skeleton.
			continue
		}
		if isEmoji(r) {
			flags[FlagEmoji] = true
		}
		if unicode.IsLetter(r) {
			switch {
			case unicode.Is(unicode.Latin, r):
				latin = true
			case unicode.Is(unicode.Cyrillic, r):
				cyrillic = true
			case unicode.Is(unicode.Greek, r):
				greek = true
			}
		}
		if folded, ok := confusables[r]; ok {
			flags[FlagConfusables] = true
			r = folded
		}
		skeleton.WriteRune(r)
	}

	scripts := 0
	for _, present := range []bool{latin, cyrillic, greek} {
		if present {
			scripts++
		}
	}
	if scripts >= 2 {
		flags[FlagMixed] = true
	}

	out := make([]string, 0, len(flags))
	for f := range flags {
		out = append(out, f)
	}
	sort.Strings(out)
	return Inspection{Normalized: normalized, Flags: out, Skeleton: skeleton.String()}
}

// UnicodeGuard inspects path+query+headers, attaches the flag set, and in
// block mode rejects requests whose flags intersect the blocked set.
func UnicodeGuard(cfg config.UnicodeConfig, reg *metrics.Registry, logger *slog.Logger) func(http.Handler) http.Handler {
	blocked := lowerSet(cfg.BlockedFlags)
	lg := logger.With("component", "unicode_guard")
	return func(next http.Handler) http.Handler {
		if cfg.Mode == "off" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			insp := Inspect(requestSample(r))
			if len(insp.Flags) > 0 {
				w.Header().Set("X-Guardrail-Ingress-Flags", strings.Join(insp.Flags, ","))
				for _, f := range insp.Flags {
					if reg != nil {
						reg.Inc(metrics.UnicodeFlagsTotal, map[string]string{"flag": f})
					}
				}
			}
			if cfg.Mode == "block" {
				var hit []string
				for _, f := range insp.Flags {
					if blocked[f] {
						hit = append(hit, f)
					}
				}
				if len(hit) > 0 {
					csv := strings.Join(hit, ",")
					lg.Warn("unicode flags blocked", "flags", csv)
					w.Header().Set("X-Guardrail-Unicode-Blocked", csv)
					writeJSONError(w, http.StatusBadRequest, "bad_request", "blocked unicode flags: "+csv)
					return
				}
			}
			ctx := withFlags(r.Context(), insp.Flags)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestSample(r *http.Request) string {
	var b strings.Builder
	b.WriteString(r.URL.Path)
	if r.URL.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(r.URL.RawQuery)
	}
	for _, vals := range r.Header {
		for _, v := range vals {
			b.WriteByte('\n')
			b.WriteString(v)
		}
	}
	return b.String()
}
