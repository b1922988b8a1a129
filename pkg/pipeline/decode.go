package pipeline

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Decoder caps. Strings beyond maxDecodeLen are left alone; decoding is a
// reconnaissance pass, not a transformation of the request.
const (
	maxDecodeLen  = 64 * 1024
	minDecodeLen  = 8
	maxJSONFields = 256
)

var (
	base64Alphabet = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)
	hexAlphabet    = regexp.MustCompile(`^[0-9a-fA-F]+$`)
)

// DecodeOnce strips exactly one encoding layer from s, trying base64, then
// hex, then URL decoding. It reports whether anything changed; calling it
// again on its own output with changed=false is guaranteed for all fixed
// points.
func DecodeOnce(s string) (string, bool) {
	if len(s) < minDecodeLen || len(s) > maxDecodeLen {
		return s, false
	}
	if len(s)%4 == 0 && base64Alphabet.MatchString(s) {
		if raw, err := base64.StdEncoding.DecodeString(s); err == nil && printable(raw) {
			return string(raw), true
		}
	}
	if len(s)%2 == 0 && hexAlphabet.MatchString(s) {
		if raw, err := hex.DecodeString(s); err == nil && printable(raw) {
			return string(raw), true
		}
	}
	if strings.Contains(s, "%") {
		if u, err := url.QueryUnescape(s); err == nil && u != s {
			return u, true
		}
	}
	return s, false
}

// printable accepts valid UTF-8 with no control bytes besides whitespace.
func printable(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return false
		}
	}
	return true
}

// DecodedStrings walks the string fields of a JSON body and strips one
// encoding layer from each. It returns the decoded variants for the
// detectors and the number of fields that changed. Non-JSON bodies decode
// as a single string.
func DecodedStrings(body []byte) ([]string, int) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		if s, changed := DecodeOnce(string(body)); changed {
			return []string{s}, 1
		}
		return nil, 0
	}
	var out []string
	count := 0
	seen := 0
	var walk func(v any)
	walk = func(v any) {
		if seen >= maxJSONFields {
			return
		}
		switch t := v.(type) {
		case string:
			seen++
			if s, changed := DecodeOnce(t); changed {
				out = append(out, s)
				count++
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(doc)
	return out, count
}
