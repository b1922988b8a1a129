package pipeline

import (
	"strings"
	"unicode"

	"github.com/aegis-gw/aegis/pkg/policy"
)

// Finding is the detector verdict over one request's texts.
type Finding struct {
	Action     string // "", policy.ActionDeny, ActionClarify, ActionLock, ActionRedact
	RuleIDs    []string
	Redactions int
	Tags       []string
	Sanitized  string
	Locked     bool
}

// actionRank orders rule actions by severity; the strongest matched rule
// decides the finding's action.
func actionRank(a string) int {
	switch a {
	case policy.ActionDeny:
		return 3
	case policy.ActionClarify:
		return 2
	case policy.ActionRedact:
		return 1
	default:
		return 0
	}
}

// Detect runs the rule set over the primary text plus any auxiliary texts
// (decoded fields, archive samples). Redactions rewrite only the primary
// text; auxiliary matches still contribute rule ids and the action.
func Detect(rules []policy.CompiledRule, primary string, aux ...string) Finding {
	f := Finding{Sanitized: primary}
	seen := map[string]bool{}
	for i := range rules {
		rule := &rules[i]
		matched := false

		if rule.Regexp.MatchString(f.Sanitized) {
			matched = true
			if rule.Action == policy.ActionRedact {
				n := len(rule.Regexp.FindAllStringIndex(f.Sanitized, -1))
				f.Sanitized = rule.Regexp.ReplaceAllLiteralString(f.Sanitized, replacementFor(rule))
				f.Redactions += n
				f.Tags = append(f.Tags, tagFor(rule))
			}
		}
		if !matched {
			for _, text := range aux {
				if rule.Regexp.MatchString(text) {
					matched = true
					break
				}
			}
		}
		if !matched && len(rule.Terms) > 0 {
			matched = termMatch(rule.Terms, f.Sanitized, aux)
		}
		if !matched {
			continue
		}
		if !seen[rule.ID] {
			seen[rule.ID] = true
			f.RuleIDs = append(f.RuleIDs, rule.ID)
		}
		if rule.Action == policy.ActionLock {
			f.Locked = true
			continue
		}
		if actionRank(rule.Action) > actionRank(f.Action) {
			f.Action = rule.Action
		}
	}
	return f
}

func replacementFor(rule *policy.CompiledRule) string {
	if rule.Replacement != "" {
		return rule.Replacement
	}
	return "[REDACTED:" + tagFor(rule) + "]"
}

func tagFor(rule *policy.CompiledRule) string {
	if rule.Tag != "" {
		return rule.Tag
	}
	return strings.ToUpper(rule.ID)
}

// termMatch is the tokenizer-aware scan: the text is tokenized, consecutive
// tokens are joined without separators, and both sides are folded to
// lowercase alphanumerics. "p a s s w o r d" matches the term "password".
func termMatch(terms []string, primary string, aux []string) bool {
	texts := append([]string{primary}, aux...)
	for _, text := range texts {
		joined := foldAlnum(text)
		for _, term := range terms {
			want := foldAlnum(term)
			if want != "" && strings.Contains(joined, want) {
				return true
			}
		}
	}
	return false
}

func foldAlnum(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
