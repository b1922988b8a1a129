// Package streamguard enforces egress policy over streamed text. A Guard
// consumes chunks, keeps a rolling lookback tail so secrets split across
// chunk boundaries still match, redacts in place, and kills the stream on a
// private-key envelope.
package streamguard

import (
	"fmt"
	"regexp"
)

// BlockedMarker is the single literal emitted when a stream is denied.
const BlockedMarker = "[STREAM BLOCKED]"

var privateKeyMarker = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)

// Pattern is one ordered redaction rule applied to the tail.
type Pattern struct {
	Regex       *regexp.Regexp
	Tag         string
	Replacement string
}

// PatternSpec is the serialized form of a Pattern.
type PatternSpec struct {
	Regex       string `json:"regex" yaml:"regex"`
	Tag         string `json:"tag" yaml:"tag"`
	Replacement string `json:"replacement" yaml:"replacement"`
}

// CompilePatterns compiles specs in order. A replacement left empty becomes
// "[REDACTED:tag]".
func CompilePatterns(specs []PatternSpec) ([]Pattern, error) {
	out := make([]Pattern, 0, len(specs))
	for _, spec := range specs {
		re, err := regexp.Compile(spec.Regex)
		if err != nil {
			return nil, fmt.Errorf("compile stream pattern %q: %w", spec.Tag, err)
		}
		repl := spec.Replacement
		if repl == "" {
			repl = "[REDACTED:" + spec.Tag + "]"
		}
		out = append(out, Pattern{Regex: re, Tag: spec.Tag, Replacement: repl})
	}
	return out, nil
}

// Config controls one Guard instance.
type Config struct {
	// LookbackChars is the rolling tail size in characters. Zero disables
	// buffering: the whole tail is emitted every iteration.
	LookbackChars int
	// FlushMinBytes withholds an emission smaller than this until more text
	// arrives or the source ends.
	FlushMinBytes int
	// DenyOnPrivateKey kills the stream when a private-key envelope or a
	// lone BEGIN marker enters the tail.
	DenyOnPrivateKey bool
	Patterns         []Pattern
}

// Guard is a single-stream state machine. Not safe for concurrent use; one
// Guard per response stream.
type Guard struct {
	cfg        Config
	tail       []rune
	pending    []byte
	redactions int
	tags       []string
	denied     bool
	finished   bool
}

// New creates a Guard for one stream.
func New(cfg Config) *Guard {
	if cfg.LookbackChars < 0 {
		cfg.LookbackChars = 0
	}
	return &Guard{cfg: cfg}
}

// Redactions reports how many pattern matches were replaced so far.
func (g *Guard) Redactions() int { return g.redactions }

// Tags returns the tags of the redactions applied, in match order.
func (g *Guard) Tags() []string { return g.tags }

// Denied reports whether the stream was killed.
func (g *Guard) Denied() bool { return g.denied }

// Feed consumes one chunk and returns the text safe to emit now. After a
// denial Feed returns "" forever; the denial marker is emitted exactly once.
func (g *Guard) Feed(chunk string) string {
	if g.denied || g.finished {
		return ""
	}
	g.tail = append(g.tail, []rune(chunk)...)
	if out, killed := g.scan(); killed {
		return out
	}
	return g.emit(false)
}

// Finish flushes the remaining tail and pending bytes. The Guard accepts no
// further input afterwards.
func (g *Guard) Finish() string {
	if g.denied || g.finished {
		return ""
	}
	g.finished = true
	if out, killed := g.scan(); killed {
		return out
	}
	return g.emit(true)
}

// scan applies the kill-switch and the redaction patterns to the tail.
// Returns (marker, true) when the stream dies.
func (g *Guard) scan() (string, bool) {
	s := string(g.tail)
	if g.cfg.DenyOnPrivateKey && privateKeyMarker.MatchString(s) {
		g.denied = true
		g.tail = nil
		g.pending = nil
		return BlockedMarker, true
	}
	for _, p := range g.cfg.Patterns {
		matches := p.Regex.FindAllStringIndex(s, -1)
		if len(matches) == 0 {
			continue
		}
		g.redactions += len(matches)
		for range matches {
			g.tags = append(g.tags, p.Tag)
		}
		s = p.Regex.ReplaceAllLiteralString(s, p.Replacement)
	}
	g.tail = []rune(s)
	return "", false
}

// emit moves everything that can no longer participate in a future match
// out of the tail, honoring FlushMinBytes unless the source ended.
func (g *Guard) emit(final bool) string {
	keep := g.cfg.LookbackChars
	if final || keep > len(g.tail) {
		if final {
			keep = 0
		} else {
			keep = len(g.tail)
		}
	}
	cut := len(g.tail) - keep
	if cut > 0 {
		g.pending = append(g.pending, string(g.tail[:cut])...)
		g.tail = g.tail[cut:]
	}

	if !final && len(g.pending) < g.cfg.FlushMinBytes {
		return ""
	}
	out := string(g.pending)
	g.pending = g.pending[:0]
	return out
}
